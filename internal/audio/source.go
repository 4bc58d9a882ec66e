package audio

import (
	"errors"
	"math"
	"time"
)

// 音频参数默认值：16kHz单声道s16le，60ms一帧（960采样/1920字节）
const (
	DefaultSampleRate    = 16000
	DefaultChannels      = 1
	BytesPerSample       = 2
	DefaultFrameDuration = 60 * time.Millisecond

	DefaultSineFrequency = 440.0
	DefaultSineDuration  = 5 * time.Second
)

var ErrEmptySource = errors.New("audio source has no samples")

// Frame 一帧固定时长的PCM音频
type Frame struct {
	Data     []byte
	Duration time.Duration
}

// Source 音频帧源。持有一段不可变的PCM缓冲，多个会话可共享只读访问；
// 每个会话通过独立的Cursor顺序读取，读到末尾自动从头循环。
type Source struct {
	pcm           []byte
	sampleRate    int
	frameDuration time.Duration
	frameBytes    int
}

// FrameBytesFor 计算给定参数下每帧的字节数
func FrameBytesFor(sampleRate int, frameDuration time.Duration) int {
	samples := int(int64(sampleRate) * frameDuration.Nanoseconds() / int64(time.Second))
	return samples * BytesPerSample
}

// NewSine 生成正弦波音频源（用于无素材压测）
func NewSine(frequency float64, bufferDuration, frameDuration time.Duration, sampleRate int) *Source {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if frameDuration <= 0 {
		frameDuration = DefaultFrameDuration
	}
	if bufferDuration <= 0 {
		bufferDuration = DefaultSineDuration
	}
	if frequency <= 0 {
		frequency = DefaultSineFrequency
	}

	numSamples := int(int64(sampleRate) * bufferDuration.Nanoseconds() / int64(time.Second))
	pcm := make([]byte, numSamples*BytesPerSample)

	// 半幅正弦，避免削波
	for i := 0; i < numSamples; i++ {
		t := float64(i) / float64(sampleRate)
		sample := int16(math.Sin(2*math.Pi*frequency*t) * 0.5 * 32767)
		pcm[2*i] = byte(sample)
		pcm[2*i+1] = byte(sample >> 8)
	}

	return FromPCM(pcm, sampleRate, frameDuration)
}

// FromPCM 从已解码的s16le单声道采样缓冲创建音频源。
// 文件解码与重采样在核心之外完成，这里只接收结果。
func FromPCM(pcm []byte, sampleRate int, frameDuration time.Duration) *Source {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if frameDuration <= 0 {
		frameDuration = DefaultFrameDuration
	}

	return &Source{
		pcm:           pcm,
		sampleRate:    sampleRate,
		frameDuration: frameDuration,
		frameBytes:    FrameBytesFor(sampleRate, frameDuration),
	}
}

// SampleRate 返回采样率
func (s *Source) SampleRate() int {
	return s.sampleRate
}

// FrameDuration 返回帧时长
func (s *Source) FrameDuration() time.Duration {
	return s.frameDuration
}

// FrameBytes 返回每帧字节数
func (s *Source) FrameBytes() int {
	return s.frameBytes
}

// FramesPerLoop 返回缓冲一轮包含的帧数（末帧补零计入）
func (s *Source) FramesPerLoop() int {
	if len(s.pcm) == 0 {
		return 0
	}
	return (len(s.pcm) + s.frameBytes - 1) / s.frameBytes
}

// Duration 返回缓冲的名义时长
func (s *Source) Duration() time.Duration {
	if s.sampleRate == 0 {
		return 0
	}
	samples := len(s.pcm) / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(s.sampleRate)
}

// NewCursor 创建独立读取游标
func (s *Source) NewCursor() *Cursor {
	return &Cursor{src: s}
}

// Cursor 单会话的顺序读取游标，不做并发保护，归属单个会话goroutine
type Cursor struct {
	src   *Source
	frame int // 当前帧下标（一轮内）
}

// NextFrame 返回下一帧。缓冲耗尽后回绕到起点，序列在逻辑上无限：
// 第N+k帧与第k帧字节一致（N为一轮帧数）。
func (c *Cursor) NextFrame() (Frame, error) {
	total := c.src.FramesPerLoop()
	if total == 0 {
		return Frame{}, ErrEmptySource
	}

	offset := c.frame * c.src.frameBytes
	end := offset + c.src.frameBytes

	data := make([]byte, c.src.frameBytes)
	if end <= len(c.src.pcm) {
		copy(data, c.src.pcm[offset:end])
	} else {
		// 末帧不足一帧时补零
		copy(data, c.src.pcm[offset:])
	}

	c.frame++
	if c.frame >= total {
		c.frame = 0
	}

	return Frame{Data: data, Duration: c.src.frameDuration}, nil
}

// Rewind 重置游标到起点
func (c *Cursor) Rewind() {
	c.frame = 0
}
