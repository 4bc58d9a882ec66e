package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"RTVILoadTest/internal/audio"
	"RTVILoadTest/internal/config"
	"RTVILoadTest/internal/database"
	"RTVILoadTest/internal/logger"
	"RTVILoadTest/internal/metrics"
	"RTVILoadTest/internal/orchestrator"
	"RTVILoadTest/internal/session"
)

// RunStatus 运行实例状态
const (
	RunStatusRunning  = "running"
	RunStatusFinished = "finished"
	RunStatusFailed   = "failed"
)

// RunInstance 一次编排运行实例
type RunInstance struct {
	ID        string
	Pattern   string
	Endpoint  string
	Status    string
	StartTime time.Time
	EndTime   *time.Time
	Report    *metrics.RunReport
	Err       string

	orch   *orchestrator.Orchestrator
	cancel context.CancelFunc
	mu     sync.RWMutex
}

// RunRequest 发起运行的请求体
type RunRequest struct {
	Pattern     string `json:"pattern"` // sustained | ramp | spike
	Endpoint    string `json:"endpoint"`
	Connections int    `json:"connections"`
	DurationSec int    `json:"duration_sec"`
	StaggerMs   int    `json:"stagger_ms"`

	// 爬坡参数，pattern=ramp时生效
	RampStart       int `json:"ramp_start"`
	RampEnd         int `json:"ramp_end"`
	RampStep        int `json:"ramp_step"`
	RampIntervalSec int `json:"ramp_interval_sec"`
	RampHoldSec     int `json:"ramp_hold_sec"`
}

// RunHandler 编排运行控制处理器，管理后台运行实例
type RunHandler struct {
	cfg   *config.LoadConfig
	store *database.Store // 可为nil，此时不落库

	runs  map[string]*RunInstance
	runMu sync.RWMutex
}

// NewRunHandler 创建运行处理器
func NewRunHandler(cfg *config.LoadConfig, store *database.Store) *RunHandler {
	if cfg == nil {
		cfg = config.Default()
	}
	return &RunHandler{
		cfg:   cfg,
		store: store,
		runs:  make(map[string]*RunInstance),
	}
}

// RegisterRoutes 注册运行控制路由
func (h *RunHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/test/run", h.StartRun).Methods("POST")
	r.HandleFunc("/test/run/{id}", h.GetRun).Methods("GET")
	r.HandleFunc("/test/run/{id}/stop", h.StopRun).Methods("POST")
	r.HandleFunc("/test/runs", h.ListRuns).Methods("GET")
	r.HandleFunc("/reports/latest", h.LatestReport).Methods("GET")
}

// StartRun 在后台发起一次编排运行
func (h *RunHandler) StartRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	if req.Endpoint == "" {
		req.Endpoint = h.cfg.Target.Endpoint
	}
	if req.Pattern == "" {
		req.Pattern = h.cfg.Load.Pattern
	}
	switch req.Pattern {
	case "sustained", "ramp", "spike":
	default:
		WriteError(w, http.StatusBadRequest, "invalid_pattern",
			fmt.Sprintf("unknown pattern: %s", req.Pattern))
		return
	}

	run := h.launch(&req)

	WriteSuccess(w, map[string]string{
		"run_id":  run.ID,
		"pattern": run.Pattern,
		"status":  run.Status,
	})
}

// launch 构建编排器并后台执行
func (h *RunHandler) launch(req *RunRequest) *RunInstance {
	sessCfg := session.DefaultConfig(req.Endpoint)
	sessCfg.ConnectEndpoint = h.cfg.Target.ConnectEndpoint
	sessCfg.RTVIClientVersion = h.cfg.Target.RTVIClientVersion
	sessCfg.ConnectTimeout = h.cfg.Target.ConnectTimeout
	sessCfg.PipelineInitDelay = h.cfg.Target.PipelineInitDelay
	sessCfg.DisconnectTimeout = h.cfg.Target.DisconnectTimeout
	sessCfg.MaxRetries = h.cfg.Target.MaxRetries
	sessCfg.RetryDelay = h.cfg.Target.RetryDelay
	sessCfg.BackoffMultiplier = h.cfg.Target.BackoffMultiplier
	sessCfg.SampleRate = h.cfg.Audio.SampleRate
	sessCfg.Channels = h.cfg.Audio.Channels

	src := audio.NewSine(h.cfg.Audio.SineFrequency, h.cfg.Audio.SineDuration,
		h.cfg.Audio.FrameDuration, h.cfg.Audio.SampleRate)

	stagger := h.cfg.Load.Stagger
	if req.StaggerMs > 0 {
		stagger = time.Duration(req.StaggerMs) * time.Millisecond
	}

	orch := orchestrator.New(&orchestrator.Config{
		Session:       sessCfg,
		MaxConcurrent: h.cfg.Load.MaxConcurrent,
		Stagger:       stagger,
		ShutdownGrace: h.cfg.Load.ShutdownGrace,
	}, src, metrics.NewAggregator())

	ctx, cancel := context.WithCancel(context.Background())

	run := &RunInstance{
		ID:        uuid.NewString(),
		Pattern:   req.Pattern,
		Endpoint:  req.Endpoint,
		Status:    RunStatusRunning,
		StartTime: time.Now(),
		orch:      orch,
		cancel:    cancel,
	}

	h.runMu.Lock()
	h.runs[run.ID] = run
	h.runMu.Unlock()

	connections := req.Connections
	if connections <= 0 {
		connections = h.cfg.Load.Connections
	}
	duration := h.cfg.Load.Duration
	if req.DurationSec > 0 {
		duration = time.Duration(req.DurationSec) * time.Second
	}

	go func() {
		defer cancel()

		var report *metrics.RunReport
		var err error

		switch req.Pattern {
		case "sustained":
			report, err = orch.RunSustained(ctx, connections, duration)
		case "spike":
			report, err = orch.RunSpike(ctx, connections, duration)
		case "ramp":
			pattern := orchestrator.RampPattern{
				Start:    orDefault(req.RampStart, h.cfg.Load.Ramp.Start),
				End:      orDefault(req.RampEnd, h.cfg.Load.Ramp.End),
				Step:     orDefault(req.RampStep, h.cfg.Load.Ramp.Step),
				Interval: orDurationDefault(req.RampIntervalSec, h.cfg.Load.Ramp.Interval),
				Hold:     orDurationDefault(req.RampHoldSec, h.cfg.Load.Ramp.Hold),
			}
			report, err = orch.RunRamp(ctx, pattern)
		}

		now := time.Now()
		run.mu.Lock()
		run.EndTime = &now
		if err != nil {
			run.Status = RunStatusFailed
			run.Err = err.Error()
		} else {
			run.Status = RunStatusFinished
			run.Report = report
		}
		run.mu.Unlock()

		if err == nil && h.store != nil {
			saveCtx, saveCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer saveCancel()
			if _, serr := h.store.SaveReport(saveCtx, run.Pattern, run.Endpoint, report); serr != nil {
				logger.LogError("RunHandler", fmt.Sprintf("save report failed: %v", serr), "")
			}
		}
	}()

	return run
}

// GetRun 查询运行实例状态与报告
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	h.runMu.RLock()
	run, ok := h.runs[id]
	h.runMu.RUnlock()
	if !ok {
		WriteError(w, http.StatusNotFound, "run_not_found", "Run not found")
		return
	}

	WriteSuccess(w, run.snapshot(true))
}

// StopRun 提前终止运行
func (h *RunHandler) StopRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	h.runMu.RLock()
	run, ok := h.runs[id]
	h.runMu.RUnlock()
	if !ok {
		WriteError(w, http.StatusNotFound, "run_not_found", "Run not found")
		return
	}

	run.cancel()
	WriteSuccess(w, map[string]string{"message": "Stop requested"})
}

// ListRuns 列出全部运行实例
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	h.runMu.RLock()
	defer h.runMu.RUnlock()

	runs := make([]map[string]interface{}, 0, len(h.runs))
	for _, run := range h.runs {
		runs = append(runs, run.snapshot(false))
	}

	WriteSuccess(w, map[string]interface{}{
		"count": len(runs),
		"runs":  runs,
	})
}

// LatestReport 读取数据库中最近一次运行报告
func (h *RunHandler) LatestReport(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		WriteError(w, http.StatusServiceUnavailable, "database_disabled", "Report persistence is not enabled")
		return
	}

	report, err := h.store.LatestReport(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "report_query_failed", err.Error())
		return
	}

	WriteSuccess(w, report)
}

func (run *RunInstance) snapshot(includeReport bool) map[string]interface{} {
	run.mu.RLock()
	defer run.mu.RUnlock()

	out := map[string]interface{}{
		"run_id":     run.ID,
		"pattern":    run.Pattern,
		"endpoint":   run.Endpoint,
		"status":     run.Status,
		"start_time": run.StartTime,
	}
	if run.EndTime != nil {
		out["end_time"] = *run.EndTime
	}
	if run.Err != "" {
		out["error"] = run.Err
	}
	if run.Status == RunStatusRunning {
		out["active_sessions"] = run.orch.ActiveCount()
		if includeReport {
			// 运行中给实时进度视图
			out["progress"] = run.orch.Aggregator().Snapshot().Summary
		}
	} else if includeReport && run.Report != nil {
		out["report"] = run.Report
	}
	return out
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func orDurationDefault(seconds int, def time.Duration) time.Duration {
	if seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return def
}
