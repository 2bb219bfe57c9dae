package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrame(t *testing.T) {
	body := []byte(`{"ok":true}`)
	frame := EncodeFrame(OpServerWelcome, body)
	require.Len(t, frame, FrameHeaderSize+len(body))

	opcode, decoded, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, OpServerWelcome, opcode)
	assert.Equal(t, body, decoded)
}

func TestEncodeFrameEmptyBody(t *testing.T) {
	frame := EncodeFrame(OpClientBye, nil)
	require.Len(t, frame, FrameHeaderSize)

	opcode, body, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, OpClientBye, opcode)
	assert.Empty(t, body)
}

func TestDecodeFrameErrors(t *testing.T) {
	// 不足帧头
	_, _, err := DecodeFrame([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrFrameTooSmall)

	// 超过最大帧
	huge := make([]byte, MaxFrameSize+1)
	_, _, err = DecodeFrame(huge)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	// 长度字段与实际不符
	frame := EncodeFrame(OpHeartbeat, []byte("12345"))
	_, _, err = DecodeFrame(frame[:len(frame)-1])
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestEncodeDecodeMessage(t *testing.T) {
	hello := &ClientHello{ClientVersion: "1.0.0", DeviceID: "device-1"}
	frame, err := EncodeMessage(OpClientHello, hello)
	require.NoError(t, err)

	opcode, body, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, OpClientHello, opcode)

	var decoded ClientHello
	require.NoError(t, DecodeMessage(body, &decoded))
	assert.Equal(t, "1.0.0", decoded.ClientVersion)
	assert.Equal(t, "device-1", decoded.DeviceID)
	assert.Empty(t, decoded.SessionID)
}

func TestHeartbeatRoundTrip(t *testing.T) {
	hb := &Heartbeat{ClientUnixMs: time.Now().UnixMilli(), PingSeq: 42}
	frame, err := EncodeMessage(OpHeartbeat, hb)
	require.NoError(t, err)

	opcode, body, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, OpHeartbeat, opcode)

	var decoded Heartbeat
	require.NoError(t, DecodeMessage(body, &decoded))
	assert.Equal(t, int32(42), decoded.PingSeq)
}

func TestOpcodeToString(t *testing.T) {
	assert.Equal(t, "CLIENT_HELLO", OpcodeToString(OpClientHello))
	assert.Equal(t, "OVERLAY_PUSH", OpcodeToString(OpOverlayPush))
	assert.Equal(t, "RECONNECT_HINT", OpcodeToString(OpReconnectHint))
	assert.Equal(t, "UNKNOWN", OpcodeToString(12345))
}

func TestIsValidOpcode(t *testing.T) {
	assert.True(t, IsValidOpcode(OpClientHello))
	assert.True(t, IsValidOpcode(OpError))
	assert.False(t, IsValidOpcode(0))
	assert.False(t, IsValidOpcode(4242))
}
