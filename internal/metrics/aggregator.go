package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Outcome 会话最终结果
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeAborted Outcome = "aborted"
)

// SessionError 会话级错误，带类别和时间戳
type SessionError struct {
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Record 单会话指标记录，会话到达终态后不可变，只上报一次
type Record struct {
	SessionID      string         `json:"session_id"`
	Outcome        Outcome        `json:"outcome"`
	ConnectTime    time.Duration  `json:"connect_time_ns"`
	HandshakeTime  time.Duration  `json:"handshake_time_ns"`
	FramesSent     int64          `json:"frames_sent"`
	BytesSent      int64          `json:"bytes_sent"`
	FramesReceived int64          `json:"frames_received"`
	Errors         []SessionError `json:"errors,omitempty"`
}

// Summary 运行摘要
type Summary struct {
	DurationSeconds            float64 `json:"duration_seconds"`
	TotalConnectionsAttempted  int64   `json:"total_connections_attempted"`
	TotalConnectionsSuccessful int64   `json:"total_connections_successful"`
	SuccessRate                float64 `json:"success_rate"`
	TotalFramesSent            int64   `json:"total_frames_sent"`
	TotalBytesSent             int64   `json:"total_bytes_sent"`
	TotalFramesReceived        int64   `json:"total_frames_received"`
	TotalErrors                int64   `json:"total_errors"`
}

// Performance 性能统计
type Performance struct {
	AvgConnectTimeMs        float64 `json:"avg_connect_time_ms"`
	MinConnectTimeMs        float64 `json:"min_connect_time_ms"`
	MaxConnectTimeMs        float64 `json:"max_connect_time_ms"`
	P50ConnectTimeMs        float64 `json:"p50_connect_time_ms"`
	P95ConnectTimeMs        float64 `json:"p95_connect_time_ms"`
	AvgHandshakeTimeMs      float64 `json:"avg_handshake_time_ms"`
	AvgFramesPerConnection  float64 `json:"avg_frames_per_connection"`
	ThroughputFramesPerSec  float64 `json:"throughput_frames_per_sec"`
	ThroughputMbps          float64 `json:"throughput_mbps"`
}

// RunReport 运行报告，由Snapshot按需从全量记录推导，不做增量累积
type RunReport struct {
	Summary     Summary     `json:"summary"`
	Performance Performance `json:"performance"`
	Connections []Record    `json:"connections"`
}

// Aggregator 并发安全的指标汇聚器。每次运行显式创建一个实例注入到各会话，
// 不使用进程级单例，多个独立运行可在同进程共存。
type Aggregator struct {
	startTime time.Time
	attempted atomic.Int64

	mu      sync.Mutex
	records []Record            // 插入序，Snapshot的快照顺序即此序
	seen    map[string]struct{} // session id去重
}

// NewAggregator 创建新的汇聚器
func NewAggregator() *Aggregator {
	return &Aggregator{
		startTime: time.Now(),
		seen:      make(map[string]struct{}),
	}
}

// Attempted 累计发起的会话数
func (a *Aggregator) Attempted(n int) {
	a.attempted.Add(int64(n))
}

// Record 写入一条会话记录。同一session id只接受首条，重复写入被忽略，
// 返回false。单次加锁追加，对调用方的阻塞有界。
func (a *Aggregator) Record(rec Record) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, dup := a.seen[rec.SessionID]; dup {
		return false
	}
	a.seen[rec.SessionID] = struct{}{}
	a.records = append(a.records, rec)
	return true
}

// Count 返回当前记录条数
func (a *Aggregator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

// Snapshot 生成时点一致的运行报告，可与Record并发调用，运行中调用
// 得到实时进度视图。
func (a *Aggregator) Snapshot() *RunReport {
	a.mu.Lock()
	records := make([]Record, len(a.records))
	copy(records, a.records)
	a.mu.Unlock()

	duration := time.Since(a.startTime)
	attempted := a.attempted.Load()

	report := &RunReport{Connections: records}

	var successful, framesSent, bytesSent, framesReceived, errorCount int64
	var connectTimes []time.Duration
	var handshakeTotal time.Duration
	var handshakeCount int64

	for _, rec := range records {
		if rec.Outcome == OutcomeSuccess {
			successful++
		}
		framesSent += rec.FramesSent
		bytesSent += rec.BytesSent
		framesReceived += rec.FramesReceived
		errorCount += int64(len(rec.Errors))

		if rec.ConnectTime > 0 {
			connectTimes = append(connectTimes, rec.ConnectTime)
		}
		if rec.HandshakeTime > 0 {
			handshakeTotal += rec.HandshakeTime
			handshakeCount++
		}
	}

	report.Summary = Summary{
		DurationSeconds:            round2(duration.Seconds()),
		TotalConnectionsAttempted:  attempted,
		TotalConnectionsSuccessful: successful,
		TotalFramesSent:            framesSent,
		TotalBytesSent:             bytesSent,
		TotalFramesReceived:        framesReceived,
		TotalErrors:                errorCount,
	}
	if attempted > 0 {
		report.Summary.SuccessRate = round2(float64(successful) / float64(attempted) * 100)
	}

	if len(connectTimes) > 0 {
		sort.Slice(connectTimes, func(i, j int) bool { return connectTimes[i] < connectTimes[j] })

		var total time.Duration
		for _, ct := range connectTimes {
			total += ct
		}

		report.Performance.AvgConnectTimeMs = round2(ms(total) / float64(len(connectTimes)))
		report.Performance.MinConnectTimeMs = round2(ms(connectTimes[0]))
		report.Performance.MaxConnectTimeMs = round2(ms(connectTimes[len(connectTimes)-1]))
		report.Performance.P50ConnectTimeMs = round2(ms(connectTimes[len(connectTimes)/2]))
		report.Performance.P95ConnectTimeMs = round2(ms(connectTimes[int(float64(len(connectTimes))*0.95)]))
	}

	if handshakeCount > 0 {
		report.Performance.AvgHandshakeTimeMs = round2(ms(handshakeTotal) / float64(handshakeCount))
	}
	if len(records) > 0 {
		report.Performance.AvgFramesPerConnection = round2(float64(framesSent) / float64(len(records)))
	}
	if duration > 0 {
		secs := duration.Seconds()
		report.Performance.ThroughputFramesPerSec = round2(float64(framesSent) / secs)
		report.Performance.ThroughputMbps = round2(float64(bytesSent) * 8 / 1e6 / secs)
	}

	return report
}

// SaveJSON 将报告写入JSON文件
func (r *RunReport) SaveJSON(path string) error {
	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report failed: %w", err)
	}
	return os.WriteFile(path, raw, 0644)
}

func ms(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
