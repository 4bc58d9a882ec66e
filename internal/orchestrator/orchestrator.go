package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"RTVILoadTest/internal/audio"
	"RTVILoadTest/internal/logger"
	"RTVILoadTest/internal/metrics"
	"RTVILoadTest/internal/session"
)

const defaultMaxConcurrent = 10000

// Config 编排器配置
type Config struct {
	Session *session.Config

	// MaxConcurrent 并发会话上限（信号量闸门），0取默认值
	MaxConcurrent int

	// Stagger 持续模式下相邻会话的启动间隔
	Stagger time.Duration

	// ShutdownGrace 停止信号后等待会话优雅退场的宽限期，
	// 超时的会话被强制关闭并记为shutdown_timeout
	ShutdownGrace time.Duration
}

// RampPattern 爬坡模式：从Start个会话开始，每Interval增加Step个，
// 直到总数达到End，再保持Hold后收尾
type RampPattern struct {
	Start    int
	End      int
	Step     int
	Interval time.Duration
	Hold     time.Duration // 0表示保持一个Interval
}

// Validate 校验爬坡参数
func (p *RampPattern) Validate() error {
	if p.Start <= 0 {
		return errors.New("ramp start must be positive")
	}
	if p.End < p.Start {
		return errors.New("ramp end must be >= start")
	}
	if p.Step <= 0 {
		return errors.New("ramp step must be positive")
	}
	if p.Interval <= 0 {
		return errors.New("ramp interval must be positive")
	}
	return nil
}

// Orchestrator 负载编排器：按指定模式批量孵化会话，每会话一个goroutine，
// 统一收尾并产出运行报告。一个实例对应一次运行。
type Orchestrator struct {
	cfg *Config
	src *audio.Source
	agg *metrics.Aggregator

	mu       sync.Mutex
	sessions []*session.Session
	wg       sync.WaitGroup
	seq      atomic.Int64
}

// New 创建编排器。音频源被所有会话共享只读。
func New(cfg *Config, src *audio.Source, agg *metrics.Aggregator) *Orchestrator {
	if cfg == nil {
		panic("config cannot be nil")
	}
	if agg == nil {
		agg = metrics.NewAggregator()
	}
	return &Orchestrator{
		cfg: cfg,
		src: src,
		agg: agg,
	}
}

// Aggregator 返回本次运行的指标汇聚器（运行中可随时Snapshot看进度）
func (o *Orchestrator) Aggregator() *metrics.Aggregator {
	return o.agg
}

// ActiveCount 返回尚未到达终态的会话数
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	active := 0
	for _, s := range o.sessions {
		if !s.State().Terminal() {
			active++
		}
	}
	return active
}

// RunSustained 持续模式：按Stagger间隔启动connections个会话，
// 全部持续推流duration后统一收尾
func (o *Orchestrator) RunSustained(ctx context.Context, connections int, duration time.Duration) (*metrics.RunReport, error) {
	return o.run(ctx, connections, duration, o.cfg.Stagger)
}

// RunSpike 突刺模式：不加启动间隔，一次性放出全部会话
func (o *Orchestrator) RunSpike(ctx context.Context, connections int, duration time.Duration) (*metrics.RunReport, error) {
	return o.run(ctx, connections, duration, 0)
}

func (o *Orchestrator) run(ctx context.Context, connections int, duration, stagger time.Duration) (*metrics.RunReport, error) {
	if connections <= 0 {
		return nil, errors.New("connection count must be positive")
	}
	if duration <= 0 {
		return nil, errors.New("duration must be positive")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, o.maxConcurrent())

	logger.LogInfo("Orchestrator",
		fmt.Sprintf("starting %d sessions (stagger=%v, duration=%v)", connections, stagger, duration), "")

	for i := 0; i < connections; i++ {
		if runCtx.Err() != nil {
			break
		}
		o.spawn(runCtx, sem)

		if stagger > 0 && i < connections-1 {
			select {
			case <-runCtx.Done():
			case <-time.After(stagger):
			}
		}
	}

	select {
	case <-ctx.Done():
		logger.LogWarning("Orchestrator", "run interrupted, shutting down", "")
	case <-time.After(duration):
	}
	cancel()

	return o.shutdown(), nil
}

// RunRamp 爬坡模式
func (o *Orchestrator) RunRamp(ctx context.Context, pattern RampPattern) (*metrics.RunReport, error) {
	if err := pattern.Validate(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, o.maxConcurrent())

	logger.LogInfo("Orchestrator",
		fmt.Sprintf("ramping %d -> %d sessions (step=%d, interval=%v)",
			pattern.Start, pattern.End, pattern.Step, pattern.Interval), "")

	spawned := 0
	target := pattern.Start

	for {
		for spawned < target && runCtx.Err() == nil {
			o.spawn(runCtx, sem)
			spawned++
		}
		if spawned >= pattern.End || runCtx.Err() != nil {
			break
		}

		select {
		case <-runCtx.Done():
		case <-time.After(pattern.Interval):
		}

		target += pattern.Step
		if target > pattern.End {
			target = pattern.End
		}
	}

	hold := pattern.Hold
	if hold <= 0 {
		hold = pattern.Interval
	}
	select {
	case <-ctx.Done():
		logger.LogWarning("Orchestrator", "ramp interrupted, shutting down", "")
	case <-time.After(hold):
	}
	cancel()

	return o.shutdown(), nil
}

// spawn 孵化一条会话并启动其生命周期goroutine
func (o *Orchestrator) spawn(ctx context.Context, sem chan struct{}) {
	id := fmt.Sprintf("conn-%d", o.seq.Add(1))
	s := session.New(id, o.cfg.Session, o.src)

	o.mu.Lock()
	o.sessions = append(o.sessions, s)
	o.mu.Unlock()

	o.agg.Attempted(1)
	o.wg.Add(1)

	go func() {
		defer o.wg.Done()
		defer o.agg.Record(s.Record())

		// 并发闸门
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			s.Abort(ctx.Err())
			return
		}
		defer func() { <-sem }()

		o.runSession(ctx, s)
	}()
}

// runSession 驱动单会话：连接握手、持续推流、优雅退场
func (o *Orchestrator) runSession(ctx context.Context, s *session.Session) {
	if err := s.Connect(ctx); err != nil {
		logger.LogError("Orchestrator", fmt.Sprintf("connect failed: %v", err), s.ID())
		return
	}

	if err := s.Stream(ctx); err != nil {
		logger.LogError("Orchestrator", fmt.Sprintf("stream ended: %v", err), s.ID())
	}
}

// shutdown 等待全部会话退场；宽限期内未退场的强制关闭
func (o *Orchestrator) shutdown() *metrics.RunReport {
	grace := o.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		o.mu.Lock()
		stragglers := make([]*session.Session, 0)
		for _, s := range o.sessions {
			if !s.State().Terminal() {
				stragglers = append(stragglers, s)
			}
		}
		o.mu.Unlock()

		logger.LogWarning("Orchestrator",
			fmt.Sprintf("shutdown grace expired, forcing %d sessions", len(stragglers)), "")
		for _, s := range stragglers {
			s.ForceClose()
		}

		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}

	// 兜底补录：汇聚器按session id去重，重复写入无副作用
	o.mu.Lock()
	sessions := make([]*session.Session, len(o.sessions))
	copy(sessions, o.sessions)
	o.mu.Unlock()
	for _, s := range sessions {
		o.agg.Record(s.Record())
	}

	report := o.agg.Snapshot()
	logger.LogSuccess("Orchestrator",
		fmt.Sprintf("run complete: %d/%d successful (%.1f%%)",
			report.Summary.TotalConnectionsSuccessful,
			report.Summary.TotalConnectionsAttempted,
			report.Summary.SuccessRate), "")
	return report
}

func (o *Orchestrator) maxConcurrent() int {
	if o.cfg.MaxConcurrent > 0 {
		return o.cfg.MaxConcurrent
	}
	return defaultMaxConcurrent
}
