package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameBytesFor(t *testing.T) {
	// 16kHz下60ms = 960采样 = 1920字节
	assert.Equal(t, 1920, FrameBytesFor(16000, 60*time.Millisecond))
	assert.Equal(t, 640, FrameBytesFor(16000, 20*time.Millisecond))
}

func TestSineSourceGeometry(t *testing.T) {
	src := NewSine(440, 5*time.Second, 60*time.Millisecond, 16000)

	assert.Equal(t, 16000, src.SampleRate())
	assert.Equal(t, 60*time.Millisecond, src.FrameDuration())
	assert.Equal(t, 1920, src.FrameBytes())
	assert.Equal(t, 5*time.Second, src.Duration())

	// 5s / 60ms = 83.33，末帧补零，共84帧
	assert.Equal(t, 84, src.FramesPerLoop())
}

func TestCursorWrapAround(t *testing.T) {
	src := NewSine(440, time.Second, 60*time.Millisecond, 16000)
	total := src.FramesPerLoop()

	c := src.NewCursor()
	firstLoop := make([][]byte, total)
	for i := 0; i < total; i++ {
		frame, err := c.NextFrame()
		require.NoError(t, err)
		assert.Len(t, frame.Data, src.FrameBytes())
		assert.Equal(t, 60*time.Millisecond, frame.Duration)
		firstLoop[i] = frame.Data
	}

	// 第N+k帧应与第k帧字节一致
	for i := 0; i < total; i++ {
		frame, err := c.NextFrame()
		require.NoError(t, err)
		assert.Equal(t, firstLoop[i], frame.Data, "frame %d differs after wrap", i)
	}
}

func TestLastFrameZeroPadded(t *testing.T) {
	// 100ms缓冲、60ms帧：第二帧只有40ms数据，尾部应补零
	src := NewSine(440, 100*time.Millisecond, 60*time.Millisecond, 16000)
	require.Equal(t, 2, src.FramesPerLoop())

	c := src.NewCursor()
	_, err := c.NextFrame()
	require.NoError(t, err)

	last, err := c.NextFrame()
	require.NoError(t, err)
	require.Len(t, last.Data, src.FrameBytes())

	// 40ms数据 = 1280字节，其后640字节应为零
	for i := 1280; i < len(last.Data); i++ {
		require.Zero(t, last.Data[i], "byte %d should be zero padding", i)
	}
}

func TestIndependentCursors(t *testing.T) {
	src := NewSine(440, time.Second, 60*time.Millisecond, 16000)

	c1 := src.NewCursor()
	c2 := src.NewCursor()

	f1a, err := c1.NextFrame()
	require.NoError(t, err)
	f1b, err := c1.NextFrame()
	require.NoError(t, err)

	// c2从头开始，不受c1推进影响
	f2a, err := c2.NextFrame()
	require.NoError(t, err)
	assert.Equal(t, f1a.Data, f2a.Data)
	assert.NotEqual(t, f1a.Data, f1b.Data)
}

func TestCursorRewind(t *testing.T) {
	src := NewSine(440, time.Second, 60*time.Millisecond, 16000)
	c := src.NewCursor()

	first, err := c.NextFrame()
	require.NoError(t, err)
	_, err = c.NextFrame()
	require.NoError(t, err)

	c.Rewind()
	again, err := c.NextFrame()
	require.NoError(t, err)
	assert.Equal(t, first.Data, again.Data)
}

func TestEmptySource(t *testing.T) {
	src := FromPCM(nil, 16000, 60*time.Millisecond)
	assert.Equal(t, 0, src.FramesPerLoop())

	c := src.NewCursor()
	_, err := c.NextFrame()
	assert.ErrorIs(t, err, ErrEmptySource)
}

func TestFromPCMExactFrames(t *testing.T) {
	// 正好两帧，无补零
	pcm := make([]byte, 2*1920)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	src := FromPCM(pcm, 16000, 60*time.Millisecond)
	assert.Equal(t, 2, src.FramesPerLoop())

	c := src.NewCursor()
	f1, err := c.NextFrame()
	require.NoError(t, err)
	assert.Equal(t, pcm[:1920], f1.Data)

	f2, err := c.NextFrame()
	require.NoError(t, err)
	assert.Equal(t, pcm[1920:], f2.Data)
}

func TestSineHalfAmplitude(t *testing.T) {
	src := NewSine(440, time.Second, 60*time.Millisecond, 16000)
	c := src.NewCursor()
	frame, err := c.NextFrame()
	require.NoError(t, err)

	// 半幅正弦：任何采样都不应超过0.5*32767
	for i := 0; i+1 < len(frame.Data); i += 2 {
		sample := int16(uint16(frame.Data[i]) | uint16(frame.Data[i+1])<<8)
		assert.LessOrEqual(t, int(sample), 16384)
		assert.GreaterOrEqual(t, int(sample), -16384)
	}
}
