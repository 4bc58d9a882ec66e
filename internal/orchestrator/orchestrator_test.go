package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RTVILoadTest/internal/audio"
	"RTVILoadTest/internal/botserver"
	"RTVILoadTest/internal/config"
	"RTVILoadTest/internal/metrics"
	"RTVILoadTest/internal/session"
)

func startBotServer(t *testing.T) string {
	t.Helper()

	cfg := config.Get()
	addr, err := cfg.GetTestServerAddress()
	require.NoError(t, err)

	srv := botserver.New(botserver.DefaultServerConfig(addr))
	require.NoError(t, srv.Start())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		cfg.ReleaseTestServerAddress(addr)
	})

	return addr
}

func testOrchestrator(t *testing.T, addr string, stagger time.Duration) *Orchestrator {
	t.Helper()

	sessCfg := session.DefaultConfig(addr)
	sessCfg.ConnectTimeout = 5 * time.Second
	sessCfg.MaxRetries = 0

	src := audio.NewSine(440, time.Second, 60*time.Millisecond, 16000)
	return New(&Config{
		Session:       sessCfg,
		MaxConcurrent: 50,
		Stagger:       stagger,
		ShutdownGrace: 5 * time.Second,
	}, src, metrics.NewAggregator())
}

func TestRunSustained(t *testing.T) {
	addr := startBotServer(t)
	o := testOrchestrator(t, addr, 10*time.Millisecond)

	report, err := o.RunSustained(context.Background(), 5, 500*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, int64(5), report.Summary.TotalConnectionsAttempted)
	assert.Equal(t, int64(5), report.Summary.TotalConnectionsSuccessful)
	assert.InDelta(t, 100.0, report.Summary.SuccessRate, 0.01)
	assert.Greater(t, report.Summary.TotalFramesSent, int64(0))
	assert.Len(t, report.Connections, 5)

	// 收尾后不应残留活动会话
	assert.Zero(t, o.ActiveCount())
}

func TestRunSpike(t *testing.T) {
	addr := startBotServer(t)
	o := testOrchestrator(t, addr, 0)

	report, err := o.RunSpike(context.Background(), 10, 300*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, int64(10), report.Summary.TotalConnectionsAttempted)
	assert.Equal(t, int64(10), report.Summary.TotalConnectionsSuccessful)
	assert.Len(t, report.Connections, 10)
}

func TestRunRamp(t *testing.T) {
	addr := startBotServer(t)
	o := testOrchestrator(t, addr, 0)

	report, err := o.RunRamp(context.Background(), RampPattern{
		Start:    2,
		End:      6,
		Step:     2,
		Interval: 200 * time.Millisecond,
		Hold:     200 * time.Millisecond,
	})
	require.NoError(t, err)

	// 2 → 4 → 6，最终总共拉起6条连接
	assert.Equal(t, int64(6), report.Summary.TotalConnectionsAttempted)
	assert.Equal(t, int64(6), report.Summary.TotalConnectionsSuccessful)
}

func TestRunSustainedAgainstDeadEndpoint(t *testing.T) {
	cfg := config.Get()
	addr, err := cfg.GetTestServerAddress()
	require.NoError(t, err)
	defer cfg.ReleaseTestServerAddress(addr)

	o := testOrchestrator(t, addr, 0)
	o.cfg.Session.ConnectTimeout = time.Second

	report, err := o.RunSustained(context.Background(), 3, 200*time.Millisecond)
	require.NoError(t, err)

	// 连不上也要有完整的失败记录
	assert.Equal(t, int64(3), report.Summary.TotalConnectionsAttempted)
	assert.Zero(t, report.Summary.TotalConnectionsSuccessful)
	assert.InDelta(t, 0.0, report.Summary.SuccessRate, 0.01)
	assert.Len(t, report.Connections, 3)
}

func TestRunContextCancellation(t *testing.T) {
	addr := startBotServer(t)
	o := testOrchestrator(t, addr, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	report, err := o.RunSustained(ctx, 5, 30*time.Second)
	require.NoError(t, err)

	// 提前取消仍然优雅收尾，每条连接都有记录
	assert.Equal(t, int64(5), report.Summary.TotalConnectionsAttempted)
	assert.Len(t, report.Connections, 5)
}

func TestRampPatternValidate(t *testing.T) {
	valid := RampPattern{Start: 5, End: 50, Step: 5, Interval: 10 * time.Second}
	assert.NoError(t, valid.Validate())

	bad := []RampPattern{
		{Start: 0, End: 50, Step: 5, Interval: time.Second},
		{Start: 50, End: 5, Step: 5, Interval: time.Second},
		{Start: 5, End: 50, Step: 0, Interval: time.Second},
		{Start: 5, End: 50, Step: 5},
	}
	for i := range bad {
		assert.Error(t, bad[i].Validate(), "pattern %d should be rejected", i)
	}
}
