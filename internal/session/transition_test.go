package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHappyPathTransitions(t *testing.T) {
	s := StateCreated
	s = Transition(s, EventStart, 0, 3)
	assert.Equal(t, StateConnecting, s)

	s = Transition(s, EventDialSucceeded, 0, 3)
	assert.Equal(t, StateHandshaking, s)

	s = Transition(s, EventBotReady, 0, 3)
	assert.Equal(t, StateStreaming, s)

	s = Transition(s, EventStopRequested, 0, 3)
	assert.Equal(t, StateClosing, s)

	s = Transition(s, EventCloseFinished, 0, 3)
	assert.Equal(t, StateClosed, s)
}

func TestRetryLoop(t *testing.T) {
	// 预算内的瞬态失败进入Retrying，再回Connecting
	s := Transition(StateConnecting, EventDialFailedTransient, 0, 3)
	assert.Equal(t, StateRetrying, s)

	s = Transition(s, EventStart, 1, 3)
	assert.Equal(t, StateConnecting, s)

	// 预算耗尽转Failed
	s = Transition(StateConnecting, EventDialFailedTransient, 3, 3)
	assert.Equal(t, StateFailed, s)
}

func TestFatalDialFailure(t *testing.T) {
	s := Transition(StateConnecting, EventDialFailedFatal, 0, 3)
	assert.Equal(t, StateFailed, s)
}

func TestZeroRetriesBudget(t *testing.T) {
	// max_retries=0时首次瞬态失败即Failed
	s := Transition(StateConnecting, EventDialFailedTransient, 0, 0)
	assert.Equal(t, StateFailed, s)
}

func TestHandshakeFailures(t *testing.T) {
	assert.Equal(t, StateFailed, Transition(StateHandshaking, EventHandshakeTimeout, 0, 3))
	assert.Equal(t, StateFailed, Transition(StateHandshaking, EventBotError, 0, 3))
	assert.Equal(t, StateFailed, Transition(StateHandshaking, EventTransportError, 0, 3))

	// 握手期间的停止请求走优雅关闭
	assert.Equal(t, StateClosing, Transition(StateHandshaking, EventStopRequested, 0, 3))
}

func TestStreamingTransportError(t *testing.T) {
	assert.Equal(t, StateFailed, Transition(StateStreaming, EventTransportError, 0, 3))
}

func TestTerminalStatesAbsorb(t *testing.T) {
	events := []Event{
		EventStart, EventDialSucceeded, EventDialFailedTransient,
		EventBotReady, EventStopRequested, EventTransportError,
		EventCloseFinished, EventForceClose,
	}

	for _, ev := range events {
		assert.Equal(t, StateClosed, Transition(StateClosed, ev, 0, 3))
		assert.Equal(t, StateFailed, Transition(StateFailed, ev, 0, 3))
	}
}

func TestNoBackwardTransitions(t *testing.T) {
	// Streaming不响应连接阶段事件
	assert.Equal(t, StateStreaming, Transition(StateStreaming, EventDialSucceeded, 0, 3))
	assert.Equal(t, StateStreaming, Transition(StateStreaming, EventBotReady, 0, 3))

	// Closing只认关闭完成和强制关闭
	assert.Equal(t, StateClosing, Transition(StateClosing, EventBotReady, 0, 3))
	assert.Equal(t, StateClosed, Transition(StateClosing, EventCloseFinished, 0, 3))
	assert.Equal(t, StateFailed, Transition(StateClosing, EventForceClose, 0, 3))
}

func TestForceCloseFromAnyActiveState(t *testing.T) {
	for _, s := range []State{StateCreated, StateConnecting, StateRetrying, StateHandshaking, StateStreaming, StateClosing} {
		assert.Equal(t, StateFailed, Transition(s, EventForceClose, 0, 3), "from %s", s)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CREATED", StateCreated.String())
	assert.Equal(t, "STREAMING", StateStreaming.String())
	assert.Equal(t, "FAILED", StateFailed.String())
	assert.Equal(t, "UNKNOWN", State(99).String())
}

func TestTerminal(t *testing.T) {
	assert.True(t, StateClosed.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateStreaming.Terminal())
	assert.False(t, StateRetrying.Terminal())
}
