package session

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
	"RTVILoadTest/internal/protocol"
)

func startBotServer(t *testing.T, mutate func(*botserver.ServerConfig)) (string, *botserver.Server) {
	t.Helper()

	cfg := config.Get()
	addr, err := cfg.GetTestServerAddress()
	require.NoError(t, err)

	srvCfg := botserver.DefaultServerConfig(addr)
	if mutate != nil {
		mutate(srvCfg)
	}

	srv := botserver.New(srvCfg)
	require.NoError(t, srv.Start())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		cfg.ReleaseTestServerAddress(addr)
	})

	return addr, srv
}

func testSessionConfig(endpoint string) *Config {
	cfg := DefaultConfig(endpoint)
	cfg.ConnectTimeout = 5 * time.Second
	cfg.PipelineInitDelay = 3 * time.Second
	cfg.MaxRetries = 0
	cfg.RetryDelay = 50 * time.Millisecond
	return cfg
}

func TestConnectAndStream(t *testing.T) {
	addr, _ := startBotServer(t, nil)

	cfg := testSessionConfig(addr)
	cfg.ConnectEndpoint = "/connect" // 走HTTP预检换ws_url

	src := audio.NewSine(440, time.Second, 60*time.Millisecond, 16000)
	s := New("test-conn-1", cfg, src)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Connect(ctx))
	assert.Equal(t, StateStreaming, s.State())

	streamCtx, streamCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer streamCancel()
	require.NoError(t, s.Stream(streamCtx))
	cancel()

	assert.Equal(t, StateClosed, s.State())

	rec := s.Record()
	assert.Equal(t, metrics.OutcomeSuccess, rec.Outcome)
	assert.Equal(t, "test-conn-1", rec.SessionID)
	assert.Greater(t, rec.ConnectTime, time.Duration(0))
	// 500ms按60ms一帧至少发出5帧
	assert.GreaterOrEqual(t, rec.FramesSent, int64(5))
	assert.Greater(t, rec.BytesSent, int64(0))
	assert.Empty(t, rec.Errors)
}

func TestConnectDirectWebSocket(t *testing.T) {
	addr, srv := startBotServer(t, nil)

	// 不走预检，直接拨host:port（自动补全ws://和/ws路径）
	cfg := testSessionConfig(addr)
	s := New("test-conn-direct", cfg, nil)

	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	assert.Equal(t, StateStreaming, s.State())

	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
	assert.EqualValues(t, 1, srv.GetStats()["total_connections"])
}

func TestHandshakeTimeout(t *testing.T) {
	addr, _ := startBotServer(t, func(c *botserver.ServerConfig) {
		c.EnableBotReady = false
	})

	cfg := testSessionConfig(addr)
	cfg.PipelineInitDelay = 300 * time.Millisecond

	s := New("test-conn-hs", cfg, nil)
	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, s.State())

	rec := s.Record()
	assert.Equal(t, metrics.OutcomeFailed, rec.Outcome)
	require.NotEmpty(t, rec.Errors)
	assert.Equal(t, string(KindHandshakeTimeout), rec.Errors[len(rec.Errors)-1].Kind)
}

func TestConnectRetryExhausted(t *testing.T) {
	// 不启动服务器，直接拨已分配但无人监听的端口
	cfg := config.Get()
	addr, err := cfg.GetTestServerAddress()
	require.NoError(t, err)
	defer cfg.ReleaseTestServerAddress(addr)

	sessCfg := testSessionConfig(addr)
	sessCfg.ConnectTimeout = time.Second
	sessCfg.MaxRetries = 2
	sessCfg.RetryDelay = 50 * time.Millisecond
	sessCfg.BackoffMultiplier = 2.0

	s := New("test-conn-retry", sessCfg, nil)

	start := time.Now()
	err = s.Connect(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, 2, s.RetryCount())

	// 两次退避等待：50ms + 100ms
	assert.GreaterOrEqual(t, elapsed, 140*time.Millisecond)

	rec := s.Record()
	assert.Equal(t, metrics.OutcomeFailed, rec.Outcome)
	require.NotEmpty(t, rec.Errors)
	assert.Equal(t, string(KindConnectExhausted), rec.Errors[len(rec.Errors)-1].Kind)
}

func TestSendTextAndDrainMessages(t *testing.T) {
	addr, _ := startBotServer(t, nil)

	s := New("test-conn-text", testSessionConfig(addr), nil)
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	msgID, err := s.SendText("hello bot")
	require.NoError(t, err)
	assert.Len(t, msgID, 8)

	// 等待模拟bot的转写回复
	var msgs []*protocol.Envelope
	require.Eventually(t, func() bool {
		msgs = s.DrainMessages()
		return len(msgs) > 0
	}, 3*time.Second, 50*time.Millisecond)

	assert.Equal(t, "bot-transcription", msgs[0].Type)

	// 取走即清
	assert.Empty(t, s.DrainMessages())
}

func TestSendTextBeforeStreaming(t *testing.T) {
	s := New("test-conn-early", testSessionConfig("127.0.0.1:1"), nil)
	_, err := s.SendText("too early")
	assert.Error(t, err)
}

func TestAbort(t *testing.T) {
	s := New("test-conn-abort", testSessionConfig("127.0.0.1:1"), nil)
	s.Abort(context.Canceled)

	assert.Equal(t, StateFailed, s.State())
	rec := s.Record()
	assert.Equal(t, metrics.OutcomeAborted, rec.Outcome)
}

func TestRecordIdempotent(t *testing.T) {
	addr, _ := startBotServer(t, nil)

	s := New("test-conn-rec", testSessionConfig(addr), nil)
	require.NoError(t, s.Connect(context.Background()))

	_, err := s.SendText("one")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	first := s.Record()

	// 终态记录只生成一次
	second := s.Record()
	assert.Equal(t, first, second)
}

func TestStateChangeHandler(t *testing.T) {
	addr, _ := startBotServer(t, nil)

	s := New("test-conn-states", testSessionConfig(addr), nil)

	var transitions []State
	s.SetStateChangeHandler(func(oldState, newState State) {
		transitions = append(transitions, newState)
	})

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Close())

	// Connecting → Handshaking → Streaming → Closing → Closed
	require.GreaterOrEqual(t, len(transitions), 5)
	assert.Equal(t, StateConnecting, transitions[0])
	assert.Equal(t, StateClosed, transitions[len(transitions)-1])
}
