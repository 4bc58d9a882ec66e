package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"RTVILoadTest/internal/audio"
	"RTVILoadTest/internal/metrics"
	"RTVILoadTest/internal/protocol"
)

// StateChangeHandler 状态变化处理器
type StateChangeHandler func(oldState, newState State)

// Config 单会话配置。配置的来源与优先级解析在核心之外完成，
// 这里只接收已解析的最终值。
type Config struct {
	// Endpoint 目标地址。未配置ConnectEndpoint时为WebSocket URL
	// （ws://host:port/ws，纯host:port会自动补全）；配置了ConnectEndpoint
	// 时为HTTP预检的host:port。
	Endpoint string

	// ConnectEndpoint 可选的HTTP预检路径（如"/connect"）。设置后先POST
	// 该路径获取ws_url再拨号，与Pipecat runner的connect流程一致。
	ConnectEndpoint string

	RTVIClientVersion string

	ConnectTimeout    time.Duration
	PipelineInitDelay time.Duration // 等待bot-ready的超时
	DisconnectTimeout time.Duration

	MaxRetries        int
	RetryDelay        time.Duration
	BackoffMultiplier float64

	SampleRate int
	Channels   int

	EnableCompression bool
	UserAgent         string
}

// DefaultConfig 返回默认配置
func DefaultConfig(endpoint string) *Config {
	return &Config{
		Endpoint:          endpoint,
		RTVIClientVersion: "0.4.1",
		ConnectTimeout:    30 * time.Second,
		PipelineInitDelay: 10 * time.Second,
		DisconnectTimeout: time.Second,
		MaxRetries:        3,
		RetryDelay:        time.Second,
		BackoffMultiplier: 2.0,
		SampleRate:        audio.DefaultSampleRate,
		Channels:          audio.DefaultChannels,
		EnableCompression: false,
		UserAgent:         "RTVILoadTest/1.0",
	}
}

// Session 一条到RTVI bot的协议会话，独占一个WebSocket连接，
// 运行 Connecting → Handshaking → Streaming → Closing → Closed 状态机。
// 归属编排器（或注册表）所有，终态指标记录只产出一次。
type Session struct {
	id  string
	cfg *Config

	cursor   *audio.Cursor
	frameDur time.Duration

	dialer     *websocket.Dialer
	httpClient *http.Client

	mu      sync.RWMutex // 保护conn
	conn    *websocket.Conn
	writeMu sync.Mutex // WebSocket写入专用

	state      atomic.Int32
	onState    StateChangeHandler
	retryCount atomic.Int32

	// 状态进入时间（unix nano），用于细粒度延迟计算
	connectStartNs   atomic.Int64
	handshakeStartNs atomic.Int64
	streamStartNs    atomic.Int64
	closedNs         atomic.Int64
	lastActivityNs   atomic.Int64

	framesSent     atomic.Int64
	bytesSent      atomic.Int64
	framesReceived atomic.Int64

	recvMu   sync.Mutex
	received []*protocol.Envelope

	errMu sync.Mutex
	errs  []metrics.SessionError

	readDone    chan struct{}
	readErr     chan struct{}
	readErrOnce sync.Once

	closeOnce  sync.Once
	recordOnce sync.Once
	record     metrics.Record
}

// New 创建会话。音频源共享只读，游标独立。
func New(id string, cfg *Config, src *audio.Source) *Session {
	if cfg == nil {
		panic("config cannot be nil")
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = cfg.ConnectTimeout
	dialer.EnableCompression = cfg.EnableCompression

	s := &Session{
		id:       id,
		cfg:      cfg,
		dialer:   &dialer,
		httpClient: &http.Client{
			Timeout: cfg.ConnectTimeout,
		},
		readDone: make(chan struct{}),
		readErr:  make(chan struct{}),
	}
	if src != nil {
		s.cursor = src.NewCursor()
		s.frameDur = src.FrameDuration()
	}
	s.state.Store(int32(StateCreated))
	return s
}

// ID 返回会话标识
func (s *Session) ID() string {
	return s.id
}

// State 返回当前状态
func (s *Session) State() State {
	return State(s.state.Load())
}

// RetryCount 返回已执行的连接重试次数
func (s *Session) RetryCount() int {
	return int(s.retryCount.Load())
}

// SetStateChangeHandler 设置状态变化处理器（须在Connect前调用）
func (s *Session) SetStateChangeHandler(handler StateChangeHandler) {
	s.onState = handler
}

// applyEvent 通过纯转移函数推进状态并触发处理器
func (s *Session) applyEvent(ev Event) State {
	for {
		old := State(s.state.Load())
		next := Transition(old, ev, int(s.retryCount.Load()), s.cfg.MaxRetries)
		if next == old {
			return old
		}
		if s.state.CompareAndSwap(int32(old), int32(next)) {
			if next.Terminal() {
				s.closedNs.CompareAndSwap(0, time.Now().UnixNano())
			}
			if s.onState != nil {
				s.onState(old, next)
			}
			return next
		}
	}
}

// Connect 建立连接并完成RTVI握手，成功后会话处于Streaming状态，
// 后台读循环已启动。仅连接阶段按配置重试；握手失败不重试。
func (s *Session) Connect(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateConnecting)) {
		return errors.New("session is not in created state")
	}
	if s.onState != nil {
		s.onState(StateCreated, StateConnecting)
	}
	s.connectStartNs.Store(time.Now().UnixNano())

	attempts := 0
	operation := func() error {
		if attempts > 0 {
			s.applyEvent(EventStart) // Retrying → Connecting
		}
		attempts++

		err := s.dial(ctx)
		if err == nil {
			return nil
		}

		kind, transient := classifyDialError(err)
		s.recordError(kind, err)

		if !transient {
			s.applyEvent(EventDialFailedFatal)
			return backoff.Permanent(err)
		}
		if attempts-1 < s.cfg.MaxRetries {
			// 还有重试预算：进入Retrying，退避后重入Connecting
			s.applyEvent(EventDialFailedTransient)
			s.retryCount.Add(1)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.RetryDelay
	bo.Multiplier = s.cfg.BackoffMultiplier
	bo.RandomizationFactor = 0 // 退避序列需可预期
	bo.MaxInterval = 10 * time.Minute
	bo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.cfg.MaxRetries)), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		switch {
		case ctx.Err() != nil:
			s.recordError(KindAborted, ctx.Err())
			s.applyEvent(EventStopRequested)
		case s.State() == StateFailed:
			// 不可恢复错误，operation内已转移
		default:
			exhausted := fmt.Errorf("connect attempts exhausted after %d retries: %w",
				s.cfg.MaxRetries, err)
			s.recordError(KindConnectExhausted, exhausted)
			s.applyEvent(EventDialFailedTransient) // 预算耗尽 → Failed
			err = exhausted
		}
		return err
	}

	s.applyEvent(EventDialSucceeded)
	s.handshakeStartNs.Store(time.Now().UnixNano())

	if err := s.handshake(ctx); err != nil {
		return err
	}

	s.streamStartNs.Store(time.Now().UnixNano())
	s.applyEvent(EventBotReady)
	s.touch()

	go s.readLoop()
	return nil
}

// dial 执行单次连接尝试：可选HTTP预检 + WebSocket拨号
func (s *Session) dial(ctx context.Context) error {
	wsURL := s.cfg.Endpoint
	if s.cfg.ConnectEndpoint != "" {
		u, err := s.preflight(ctx)
		if err != nil {
			return err
		}
		wsURL = u
	} else if !strings.Contains(wsURL, "://") {
		wsURL = "ws://" + wsURL + "/ws"
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	headers := http.Header{
		"User-Agent": []string{s.cfg.UserAgent},
	}

	conn, resp, err := s.dialer.DialContext(dialCtx, wsURL, headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s failed: %w", wsURL, err)
	}

	conn.SetReadLimit(protocol.MaxEnvelopeSize)

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

// preflight POST连接预检端点换取ws_url
func (s *Session) preflight(ctx context.Context) (string, error) {
	connectURL := fmt.Sprintf("http://%s%s", s.cfg.Endpoint, s.cfg.ConnectEndpoint)

	payload := strings.NewReader(fmt.Sprintf(`{"rtvi_client_version":%q}`, s.cfg.RTVIClientVersion))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, connectURL, payload)
	if err != nil {
		return "", fmt.Errorf("build connect request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("connect preflight failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("connect preflight status %d", resp.StatusCode)
	}

	var body struct {
		WSURL string `json:"ws_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode connect response failed: %w", err)
	}
	if body.WSURL == "" {
		return "", errors.New("no ws_url in connect response")
	}
	return body.WSURL, nil
}

// handshake 发送client-ready并在PipelineInitDelay内等待bot-ready。
// bot-ready之前到达的其他消息缓存进接收日志，不丢弃。
func (s *Session) handshake(ctx context.Context) error {
	if _, err := s.writeEnvelope(protocol.ClientReady()); err != nil {
		s.failEvent(EventTransportError, KindTransportDropped, err)
		s.closeTransport()
		return err
	}

	conn := s.getConn()
	if conn == nil {
		err := errors.New("connection is nil")
		s.failEvent(EventTransportError, KindTransportDropped, err)
		return err
	}
	conn.SetReadDeadline(time.Now().Add(s.cfg.PipelineInitDelay))

	for {
		if ctx.Err() != nil {
			s.failEvent(EventStopRequested, KindAborted, ctx.Err())
			s.closeTransport()
			return ctx.Err()
		}

		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				err = fmt.Errorf("no bot-ready within %v: %w", s.cfg.PipelineInitDelay, err)
				s.failEvent(EventHandshakeTimeout, KindHandshakeTimeout, err)
			} else {
				s.failEvent(EventTransportError, KindTransportDropped, err)
			}
			s.closeTransport()
			return err
		}

		if msgType != websocket.TextMessage {
			s.appendReceived(protocol.Binary(raw))
			continue
		}

		env, derr := protocol.Decode(raw)
		if derr != nil {
			continue // 非法消息忽略
		}

		switch env.Type {
		case protocol.TypeBotReady:
			conn.SetReadDeadline(time.Time{})
			return nil
		case protocol.TypeError:
			berr := fmt.Errorf("bot error during handshake: %s", env.ErrorMessage())
			s.failEvent(EventBotError, KindBotError, berr)
			s.closeTransport()
			return berr
		default:
			s.appendReceived(env)
		}
	}
}

// readLoop 后台接收循环：入站消息按到达序追加到接收日志
func (s *Session) readLoop() {
	defer close(s.readDone)

	for {
		conn := s.getConn()
		if conn == nil {
			return
		}

		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			if s.State() == StateStreaming {
				s.failEvent(EventTransportError, KindTransportDropped, err)
				s.signalReadErr()
			}
			return
		}

		s.framesReceived.Add(1)
		s.touch()

		if msgType != websocket.TextMessage {
			s.appendReceived(protocol.Binary(raw))
			continue
		}
		if env, derr := protocol.Decode(raw); derr == nil {
			s.appendReceived(env)
		}
	}
}

// Stream 以帧时长的实时节奏持续发送音频，直到ctx取消（优雅关闭，返回nil）
// 或传输错误（会话转Failed，返回错误）。发送期限为绝对时间
// start + k×frameDuration，避免相对延时的累计漂移；每帧间隔至少检查一次
// 停止信号。
func (s *Session) Stream(ctx context.Context) error {
	if s.State() != StateStreaming {
		return fmt.Errorf("session %s is not streaming: %s", s.id, s.State())
	}
	if s.cursor == nil {
		return audio.ErrEmptySource
	}

	start := time.Now()
	for k := 0; ; k++ {
		next := start.Add(time.Duration(k) * s.frameDur)
		if wait := time.Until(next); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return s.Close()
			case <-s.readErr:
				timer.Stop()
				return s.lastError()
			case <-timer.C:
			}
		} else {
			select {
			case <-ctx.Done():
				return s.Close()
			case <-s.readErr:
				return s.lastError()
			default:
			}
		}

		frame, err := s.cursor.NextFrame()
		if err != nil {
			s.Close()
			return err
		}
		if err := s.sendAudioFrame(frame); err != nil {
			s.failEvent(EventTransportError, KindTransportDropped, err)
			s.closeTransport()
			return err
		}
	}
}

// sendAudioFrame 发送单帧音频
func (s *Session) sendAudioFrame(frame audio.Frame) error {
	env, err := protocol.RawAudio(frame.Data, s.cfg.SampleRate, s.cfg.Channels)
	if err != nil {
		return err
	}

	n, err := s.writeEnvelope(env)
	if err != nil {
		return err
	}

	s.framesSent.Add(1)
	s.bytesSent.Add(int64(n))
	s.touch()
	return nil
}

// SendText 通过send-text消息发送文本（交互控制面使用）
func (s *Session) SendText(text string) (string, error) {
	if s.State() != StateStreaming {
		return "", fmt.Errorf("session %s is not streaming: %s", s.id, s.State())
	}

	env, err := protocol.SendText(text)
	if err != nil {
		return "", err
	}

	n, err := s.writeEnvelope(env)
	if err != nil {
		s.failEvent(EventTransportError, KindTransportDropped, err)
		s.closeTransport()
		return "", err
	}

	s.framesSent.Add(1)
	s.bytesSent.Add(int64(n))
	s.touch()
	return env.ID, nil
}

// SendAudio 按实时节奏发送整段音频（一轮缓冲），返回发送的帧数
func (s *Session) SendAudio(ctx context.Context, src *audio.Source) (int, error) {
	if s.State() != StateStreaming {
		return 0, fmt.Errorf("session %s is not streaming: %s", s.id, s.State())
	}

	cursor := src.NewCursor()
	total := src.FramesPerLoop()
	start := time.Now()

	for k := 0; k < total; k++ {
		next := start.Add(time.Duration(k) * src.FrameDuration())
		if wait := time.Until(next); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return k, ctx.Err()
			case <-timer.C:
			}
		}

		frame, err := cursor.NextFrame()
		if err != nil {
			return k, err
		}
		if err := s.sendAudioFrame(frame); err != nil {
			s.failEvent(EventTransportError, KindTransportDropped, err)
			s.closeTransport()
			return k, err
		}
	}
	return total, nil
}

// writeEnvelope 编码并写出一条信封，返回写出的字节数
func (s *Session) writeEnvelope(env *protocol.Envelope) (int, error) {
	raw, err := protocol.Encode(env)
	if err != nil {
		return 0, err
	}

	conn := s.getConn()
	if conn == nil {
		return 0, errors.New("connection is nil")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return 0, err
	}
	return len(raw), nil
}

// DrainMessages 取出并清空接收日志（取走即清，控制内存占用）
func (s *Session) DrainMessages() []*protocol.Envelope {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	out := s.received
	s.received = nil
	return out
}

// Close 优雅关闭：发送disconnect通知、关闭WebSocket、进入Closed。
// 对已失败的会话只回收传输资源。幂等。
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		st := s.applyEvent(EventStopRequested)
		if st == StateClosing {
			// 尽力而为的优雅断开
			s.writeEnvelope(protocol.Disconnect())
			if conn := s.getConn(); conn != nil {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
					time.Now().Add(s.cfg.DisconnectTimeout))
			}
		}
		s.closeTransport()
		if st == StateClosing {
			s.applyEvent(EventCloseFinished)
		}
	})
	return nil
}

// Abort 放弃一条尚未开始连接的会话（并发闸门未放行即被取消时使用）
func (s *Session) Abort(err error) {
	if s.State() != StateCreated {
		return
	}
	if err == nil {
		err = errors.New("session aborted before connect")
	}
	s.recordError(KindAborted, err)
	s.applyEvent(EventStopRequested)
}

// ForceClose 运行收尾宽限超时后的强制关闭，记为failed/shutdown_timeout
func (s *Session) ForceClose() {
	if s.State().Terminal() {
		return
	}
	s.recordError(KindShutdownTimeout, errors.New("session forcibly closed during shutdown"))
	s.applyEvent(EventForceClose)
	s.closeTransport()
}

// Record 产出终态指标记录，只生成一次，重复调用返回同一份
func (s *Session) Record() metrics.Record {
	s.recordOnce.Do(func() {
		st := s.State()

		outcome := metrics.OutcomeFailed
		switch {
		case st == StateClosed:
			outcome = metrics.OutcomeSuccess
		case s.onlyAborted():
			outcome = metrics.OutcomeAborted
		}

		var connectTime, handshakeTime time.Duration
		if cs, hs := s.connectStartNs.Load(), s.handshakeStartNs.Load(); cs > 0 && hs > 0 {
			connectTime = time.Duration(hs - cs)
		}
		if hs, ss := s.handshakeStartNs.Load(), s.streamStartNs.Load(); hs > 0 && ss > 0 {
			handshakeTime = time.Duration(ss - hs)
		}

		s.errMu.Lock()
		errs := make([]metrics.SessionError, len(s.errs))
		copy(errs, s.errs)
		s.errMu.Unlock()

		s.record = metrics.Record{
			SessionID:      s.id,
			Outcome:        outcome,
			ConnectTime:    connectTime,
			HandshakeTime:  handshakeTime,
			FramesSent:     s.framesSent.Load(),
			BytesSent:      s.bytesSent.Load(),
			FramesReceived: s.framesReceived.Load(),
			Errors:         errs,
		}
	})
	return s.record
}

// Status 返回会话状态快照（控制面status接口使用）
func (s *Session) Status() map[string]interface{} {
	var connectMs, handshakeMs float64
	if cs, hs := s.connectStartNs.Load(), s.handshakeStartNs.Load(); cs > 0 && hs > 0 {
		connectMs = float64(hs-cs) / 1e6
	}
	if hs, ss := s.handshakeStartNs.Load(), s.streamStartNs.Load(); hs > 0 && ss > 0 {
		handshakeMs = float64(ss-hs) / 1e6
	}

	return map[string]interface{}{
		"session_id":        s.id,
		"state":             s.State().String(),
		"retry_count":       s.retryCount.Load(),
		"frames_sent":       s.framesSent.Load(),
		"bytes_sent":        s.bytesSent.Load(),
		"frames_received":   s.framesReceived.Load(),
		"connect_time_ms":   connectMs,
		"handshake_time_ms": handshakeMs,
	}
}

// LastActivity 返回最近一次收发的时间
func (s *Session) LastActivity() time.Time {
	ns := s.lastActivityNs.Load()
	if ns == 0 {
		ns = s.connectStartNs.Load()
	}
	return time.Unix(0, ns)
}

func (s *Session) getConn() *websocket.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

func (s *Session) closeTransport() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (s *Session) touch() {
	s.lastActivityNs.Store(time.Now().UnixNano())
}

func (s *Session) appendReceived(env *protocol.Envelope) {
	env.ReceivedAt = time.Now()
	s.recvMu.Lock()
	s.received = append(s.received, env)
	s.recvMu.Unlock()
}

func (s *Session) recordError(kind ErrorKind, err error) {
	s.errMu.Lock()
	s.errs = append(s.errs, metrics.SessionError{
		Kind:      string(kind),
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
	s.errMu.Unlock()
}

// failEvent 记录错误并推进到失败态
func (s *Session) failEvent(ev Event, kind ErrorKind, err error) {
	s.recordError(kind, err)
	s.applyEvent(ev)
}

func (s *Session) signalReadErr() {
	s.readErrOnce.Do(func() {
		close(s.readErr)
	})
}

// lastError 返回最近记录的错误
func (s *Session) lastError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if len(s.errs) == 0 {
		return nil
	}
	last := s.errs[len(s.errs)-1]
	return fmt.Errorf("%s: %s", last.Kind, last.Message)
}

// onlyAborted 错误列表仅含aborted时会话视为中止而非失败
func (s *Session) onlyAborted() bool {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if len(s.errs) == 0 {
		return false
	}
	for _, e := range s.errs {
		if e.Kind != string(KindAborted) {
			return false
		}
	}
	return true
}

// classifyDialError 区分瞬态（拒绝、超时）与不可恢复的连接错误
func classifyDialError(err error) (ErrorKind, bool) {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return KindConnectRefused, true
	}
	if isTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return KindConnectTimeout, true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return KindConnectRefused, false
	}
	// 其余网络类错误按瞬态连接拒绝处理，交给重试预算兜底
	return KindConnectRefused, true
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
