package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeEncodeDecode(t *testing.T) {
	env, err := SendText("hello bot")
	require.NoError(t, err)

	assert.Equal(t, Label, env.Label)
	assert.Equal(t, TypeSendText, env.Type)
	assert.Len(t, env.ID, 8)

	raw, err := Encode(env)
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, env.Label, decoded.Label)
	assert.Equal(t, env.Type, decoded.Type)
	assert.Equal(t, env.ID, decoded.ID)

	var data TextData
	require.NoError(t, decoded.DecodeData(&data))
	assert.Equal(t, "hello bot", data.Content)
}

func TestRawAudioBase64(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	env, err := RawAudio(pcm, 16000, 1)
	require.NoError(t, err)

	raw, err := Encode(env)
	require.NoError(t, err)

	// json.RawMessage里的音频应为base64字符串
	var wire struct {
		Data struct {
			Audio       string `json:"audio"`
			SampleRate  int    `json:"sample_rate"`
			NumChannels int    `json:"num_channels"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &wire))
	assert.Equal(t, "AQIDBA==", wire.Data.Audio)
	assert.Equal(t, 16000, wire.Data.SampleRate)
	assert.Equal(t, 1, wire.Data.NumChannels)

	// 解码回信封后字节应一致
	decoded, err := Decode(raw)
	require.NoError(t, err)
	var data AudioData
	require.NoError(t, decoded.DecodeData(&data))
	assert.Equal(t, pcm, data.Audio)
}

func TestDecodeMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"label":"rtvi-ai","data":{}}`))
	assert.ErrorIs(t, err, ErrMissingType)
}

func TestDecodeInvalidJSON(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeOversizedEnvelope(t *testing.T) {
	big := make([]byte, MaxEnvelopeSize+1)
	_, err := Decode(big)
	assert.ErrorIs(t, err, ErrEnvelopeTooLarge)
}

func TestClientReadyAndDisconnect(t *testing.T) {
	ready := ClientReady()
	assert.Equal(t, TypeClientReady, ready.Type)
	assert.NotEmpty(t, ready.ID)

	disc := Disconnect()
	assert.Equal(t, TypeDisconnect, disc.Type)

	// 每条消息ID应唯一
	assert.NotEqual(t, ready.ID, disc.ID)
}

func TestErrorMessage(t *testing.T) {
	env, err := NewEnvelope(TypeError, &ErrorData{Message: "pipeline crashed"})
	require.NoError(t, err)
	assert.Equal(t, "pipeline crashed", env.ErrorMessage())

	// 非error消息返回空串
	text, err := SendText("hi")
	require.NoError(t, err)
	assert.Empty(t, text.ErrorMessage())
}

func TestBinaryPlaceholder(t *testing.T) {
	env := Binary([]byte{1, 2, 3})
	assert.Equal(t, TypeBinary, env.Type)

	var data map[string]int
	require.NoError(t, env.DecodeData(&data))
	assert.Equal(t, 3, data["size"])
}
