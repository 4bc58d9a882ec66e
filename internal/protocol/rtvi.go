package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Label RTVI协议固定标签
const Label = "rtvi-ai"

// RTVI消息类型
const (
	// 客户端发出
	TypeClientReady = "client-ready" // 客户端就绪（握手第一步）
	TypeSendText    = "send-text"    // 发送文本
	TypeRawAudio    = "raw-audio"    // 原始PCM音频帧
	TypeDisconnect  = "disconnect"   // 优雅断开通知

	// 服务端发出
	TypeBotReady = "bot-ready" // Bot管线初始化完成
	TypeError    = "error"     // Bot侧错误

	// 本地占位类型：服务端发来的二进制消息原样记录，不做解析
	TypeBinary = "binary"
)

const (
	// 最大消息大小限制（防止内存攻击）
	MaxEnvelopeSize = 10 * 1024 * 1024 // 10MB
)

var (
	ErrEnvelopeTooLarge = errors.New("envelope too large")
	ErrMissingType      = errors.New("envelope missing type field")
)

// Envelope RTVI消息信封，WebSocket文本消息承载，一条消息一个信封
type Envelope struct {
	Label string          `json:"label"`
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`

	// ReceivedAt 本地接收时间，不上线传输
	ReceivedAt time.Time `json:"-"`
}

// TextData send-text消息负载
type TextData struct {
	Content string `json:"content"`
}

// AudioData raw-audio消息负载，Audio字段经JSON序列化后为base64
type AudioData struct {
	Audio       []byte `json:"audio"`
	SampleRate  int    `json:"sample_rate"`
	NumChannels int    `json:"num_channels"`
}

// ErrorData error消息负载
type ErrorData struct {
	Message string `json:"message"`
}

// newID 生成8位短消息ID
func newID() string {
	return uuid.NewString()[:8]
}

// NewEnvelope 创建带负载的信封
func NewEnvelope(msgType string, data interface{}) (*Envelope, error) {
	env := &Envelope{
		Label: Label,
		Type:  msgType,
		ID:    newID(),
	}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope data failed: %w", err)
		}
		env.Data = raw
	}

	return env, nil
}

// ClientReady 构造client-ready握手消息
func ClientReady() *Envelope {
	return &Envelope{
		Label: Label,
		Type:  TypeClientReady,
		ID:    newID(),
		Data:  json.RawMessage(`{}`),
	}
}

// SendText 构造send-text消息
func SendText(text string) (*Envelope, error) {
	return NewEnvelope(TypeSendText, &TextData{Content: text})
}

// RawAudio 构造raw-audio音频帧消息
func RawAudio(pcm []byte, sampleRate, numChannels int) (*Envelope, error) {
	return NewEnvelope(TypeRawAudio, &AudioData{
		Audio:       pcm,
		SampleRate:  sampleRate,
		NumChannels: numChannels,
	})
}

// Disconnect 构造disconnect消息
func Disconnect() *Envelope {
	return &Envelope{
		Label: Label,
		Type:  TypeDisconnect,
		ID:    newID(),
	}
}

// Binary 将不可解析的二进制消息包装为占位信封
func Binary(payload []byte) *Envelope {
	raw, _ := json.Marshal(map[string]int{"size": len(payload)})
	return &Envelope{
		Label: Label,
		Type:  TypeBinary,
		Data:  raw,
	}
}

// Encode 将信封编码为单条WebSocket文本消息的字节
func Encode(env *Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope failed: %w", err)
	}
	if len(raw) > MaxEnvelopeSize {
		return nil, ErrEnvelopeTooLarge
	}
	return raw, nil
}

// Decode 从单条WebSocket文本消息解码信封
func Decode(raw []byte) (*Envelope, error) {
	if len(raw) > MaxEnvelopeSize {
		return nil, ErrEnvelopeTooLarge
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope failed: %w", err)
	}

	if env.Type == "" {
		return nil, ErrMissingType
	}

	return &env, nil
}

// DecodeData 解析信封负载到目标结构
func (e *Envelope) DecodeData(v interface{}) error {
	if len(e.Data) == 0 {
		return errors.New("envelope has no data")
	}
	return json.Unmarshal(e.Data, v)
}

// ErrorMessage 提取error消息的描述文本，非error消息返回空串
func (e *Envelope) ErrorMessage() string {
	if e.Type != TypeError {
		return ""
	}
	var data ErrorData
	if err := e.DecodeData(&data); err != nil {
		return "unknown"
	}
	return data.Message
}
