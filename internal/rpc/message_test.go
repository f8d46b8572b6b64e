package rpc

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequest(t *testing.T) {
	msg, err := NewRequest("vm.describe", map[string]string{"vm_id": "v1"})
	require.NoError(t, err)
	assert.Equal(t, TypeRequest, msg.Type)
	assert.Equal(t, "vm.describe", msg.Method)
	assert.True(t, strings.HasPrefix(msg.ID, "req-"))
}

func TestNewResponseReusesID(t *testing.T) {
	msg, err := NewResponse("req-123", map[string]string{"result": "ok"})
	require.NoError(t, err)
	assert.Equal(t, "req-123", msg.ID)
	assert.Equal(t, TypeResponse, msg.Type)
	assert.False(t, msg.IsError())
}

func TestNewErrorResponse(t *testing.T) {
	msg := NewErrorResponse("req-123", "VM_NOT_FOUND", "no such vm")
	assert.True(t, msg.IsError())
	assert.Equal(t, "VM_NOT_FOUND", msg.Error.Code)
}

func TestNotificationHasFreshID(t *testing.T) {
	a, err := NewNotification("heartbeat", nil)
	require.NoError(t, err)
	b, err := NewNotification("heartbeat", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.True(t, strings.HasPrefix(a.ID, "notif-"))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg, err := NewRequest("volume.create", map[string]interface{}{"size_gb": 10})
	require.NoError(t, err)

	data, err := msg.Encode()
	require.NoError(t, err)

	parsed, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, parsed.ID)
	assert.Equal(t, msg.Type, parsed.Type)
	assert.Equal(t, msg.Method, parsed.Method)
}

func TestDecodeRejectsMissingID(t *testing.T) {
	_, err := Decode([]byte(`{"type":"request","method":"x"}`))
	assert.Error(t, err)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"id":"a","type":"bogus"}`))
	assert.Error(t, err)
}

func TestDecodeRejectsRequestWithoutMethod(t *testing.T) {
	_, err := Decode([]byte(`{"id":"a","type":"request"}`))
	assert.Error(t, err)
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	big := make([]byte, MaxFrameSize+1)
	_, err := Decode(big)
	assert.Error(t, err)
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	payload := map[string]string{"blob": strings.Repeat("x", MaxFrameSize)}
	msg, err := NewRequest("volume.create", payload)
	require.NoError(t, err)
	_, err = msg.Encode()
	assert.Error(t, err)
}

func TestStreamCompleted(t *testing.T) {
	progress, err := NewStream("req-1", map[string]interface{}{"progress_percent": 40})
	require.NoError(t, err)
	assert.False(t, progress.StreamCompleted())

	terminal, err := NewStream("req-1", map[string]interface{}{"completed": true})
	require.NoError(t, err)
	assert.True(t, terminal.StreamCompleted())
}

func TestRawPayloadPassthrough(t *testing.T) {
	raw := json.RawMessage(`{"a":1}`)
	msg, err := NewRequest("x", raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(msg.Payload))
}
