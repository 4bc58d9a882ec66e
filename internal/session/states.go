package session

// State 会话状态
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateRetrying
	StateHandshaking
	StateStreaming
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateConnecting:
		return "CONNECTING"
	case StateRetrying:
		return "RETRYING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateStreaming:
		return "STREAMING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal 是否终态
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// ErrorKind 会话错误类别
type ErrorKind string

const (
	KindConnectRefused   ErrorKind = "connect_refused"
	KindConnectTimeout   ErrorKind = "connect_timeout"
	KindConnectExhausted ErrorKind = "connect_exhausted"
	KindHandshakeTimeout ErrorKind = "handshake_timeout"
	KindBotError         ErrorKind = "bot_error"
	KindTransportDropped ErrorKind = "transport_dropped"
	KindShutdownTimeout  ErrorKind = "shutdown_timeout"
	KindAborted          ErrorKind = "aborted"
)

// Event 状态机输入事件
type Event int

const (
	EventStart Event = iota
	EventDialSucceeded
	EventDialFailedTransient
	EventDialFailedFatal
	EventBotReady
	EventHandshakeTimeout
	EventBotError
	EventStopRequested
	EventTransportError
	EventCloseFinished
	EventForceClose
)

// Transition 纯状态转移函数：由(当前状态, 事件, 已重试次数, 重试上限)推导
// 新状态，不触碰网络，可独立测试。状态单调演进：除Connecting↔Retrying的
// 重试回路外，不回退到更早状态；终态吸收一切事件。
func Transition(s State, ev Event, retries, maxRetries int) State {
	if s.Terminal() {
		return s
	}

	switch s {
	case StateCreated:
		switch ev {
		case EventStart:
			return StateConnecting
		case EventStopRequested, EventForceClose:
			return StateFailed
		}
	case StateConnecting:
		switch ev {
		case EventDialSucceeded:
			return StateHandshaking
		case EventDialFailedTransient:
			if retries < maxRetries {
				return StateRetrying
			}
			return StateFailed
		case EventDialFailedFatal, EventForceClose:
			return StateFailed
		case EventStopRequested:
			return StateFailed
		}
	case StateRetrying:
		switch ev {
		case EventStart:
			return StateConnecting
		case EventStopRequested, EventForceClose:
			return StateFailed
		}
	case StateHandshaking:
		switch ev {
		case EventBotReady:
			return StateStreaming
		case EventHandshakeTimeout, EventBotError, EventTransportError, EventForceClose:
			return StateFailed
		case EventStopRequested:
			return StateClosing
		}
	case StateStreaming:
		switch ev {
		case EventStopRequested:
			return StateClosing
		case EventTransportError, EventForceClose:
			return StateFailed
		}
	case StateClosing:
		switch ev {
		case EventCloseFinished:
			return StateClosed
		case EventForceClose, EventTransportError:
			return StateFailed
		}
	}

	return s
}
