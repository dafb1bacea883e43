// ABOUTME: Tests for websocket wire parsing: JSON message envelope and binary previews.
// ABOUTME: Exercises each message type plus malformed and unconsumed frames.

package comfy

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTextStatus(t *testing.T) {
	frame := []byte(`{"type":"status","data":{"status":{"exec_info":{"queue_remaining":3}},"sid":"abc"}}`)

	msg, err := ParseText(frame)
	require.NoError(t, err)
	assert.Equal(t, MessageStatus, msg.Type)
	assert.Equal(t, 3, msg.QueueRemaining)
	assert.Empty(t, msg.PromptID)
	assert.False(t, msg.Terminal())
}

func TestParseTextExecutionStart(t *testing.T) {
	frame := []byte(`{"type":"execution_start","data":{"prompt_id":"p-1","timestamp":1726000000}}`)

	msg, err := ParseText(frame)
	require.NoError(t, err)
	assert.Equal(t, MessageExecutionStart, msg.Type)
	assert.Equal(t, "p-1", msg.PromptID)
	assert.False(t, msg.Terminal())
}

func TestParseTextExecutingNode(t *testing.T) {
	frame := []byte(`{"type":"executing","data":{"node":"7","prompt_id":"p-1"}}`)

	msg, err := ParseText(frame)
	require.NoError(t, err)
	assert.Equal(t, MessageExecuting, msg.Type)
	assert.Equal(t, "7", msg.Node)
	assert.Equal(t, "p-1", msg.PromptID)
	assert.False(t, msg.Terminal())
}

func TestParseTextExecutingNullNodeIsTerminal(t *testing.T) {
	frame := []byte(`{"type":"executing","data":{"node":null,"prompt_id":"p-1"}}`)

	msg, err := ParseText(frame)
	require.NoError(t, err)
	assert.Empty(t, msg.Node)
	assert.Equal(t, "p-1", msg.PromptID)
	assert.True(t, msg.Terminal())
}

func TestParseTextProgress(t *testing.T) {
	frame := []byte(`{"type":"progress","data":{"value":5,"max":20,"prompt_id":"p-1","node":"7"}}`)

	msg, err := ParseText(frame)
	require.NoError(t, err)
	assert.Equal(t, MessageProgress, msg.Type)
	assert.Equal(t, 5, msg.Value)
	assert.Equal(t, 20, msg.Max)
	assert.Equal(t, "7", msg.Node)
	assert.Equal(t, "p-1", msg.PromptID)
}

func TestParseTextExecuted(t *testing.T) {
	frame := []byte(`{"type":"executed","data":{"node":"9","prompt_id":"p-1","output":{
		"images":[{"filename":"out_00001_.png","subfolder":"renders","type":"output"}],
		"gifs":[{"filename":"anim_00001_.webp","subfolder":"","type":"output"}],
		"audio":[{"filename":"voice_00001_.flac","subfolder":"","type":"output"}]}}}`)

	msg, err := ParseText(frame)
	require.NoError(t, err)
	assert.Equal(t, MessageExecuted, msg.Type)
	assert.Equal(t, "9", msg.Node)
	require.Len(t, msg.Output.Images, 1)
	assert.Equal(t, "out_00001_.png", msg.Output.Images[0].Filename)
	assert.Equal(t, "renders", msg.Output.Images[0].Subfolder)
	require.Len(t, msg.Output.Gifs, 1)
	require.Len(t, msg.Output.Audio, 1)
	assert.False(t, msg.Terminal())
}

func TestParseTextExecutionError(t *testing.T) {
	frame := []byte(`{"type":"execution_error","data":{"prompt_id":"p-1","node_id":"4",
		"node_type":"KSampler","exception_message":"CUDA out of memory"}}`)

	msg, err := ParseText(frame)
	require.NoError(t, err)
	assert.Equal(t, MessageExecutionError, msg.Type)
	assert.Equal(t, "4", msg.Node)
	assert.Equal(t, "CUDA out of memory", msg.ErrorMessage)
	assert.True(t, msg.Terminal())
}

func TestParseTextUnknownTypePassesThrough(t *testing.T) {
	frame := []byte(`{"type":"crystools.monitor","data":{"gpus":[]}}`)

	msg, err := ParseText(frame)
	require.NoError(t, err)
	assert.Equal(t, MessageType("crystools.monitor"), msg.Type)
	assert.Empty(t, msg.PromptID)
}

func TestParseTextMalformed(t *testing.T) {
	_, err := ParseText([]byte(`not json`))
	assert.Error(t, err)

	_, err = ParseText([]byte(`{"type":"progress","data":"nope"}`))
	assert.Error(t, err)
}

func TestParseBinaryPreview(t *testing.T) {
	payload := []byte{0xff, 0xd8, 0xff, 0xe0}
	frame := make([]byte, 8, 8+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], 1)
	binary.BigEndian.PutUint32(frame[4:8], PreviewFormatJPEG)
	frame = append(frame, payload...)

	msg, err := ParseBinary(frame)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, MessagePreview, msg.Type)
	assert.Equal(t, PreviewFormatJPEG, msg.PreviewFormat)
	assert.Equal(t, payload, msg.PreviewData)
}

func TestParseBinarySkipsUnknownEventTypes(t *testing.T) {
	frame := make([]byte, 16)
	binary.BigEndian.PutUint32(frame[0:4], 99)

	msg, err := ParseBinary(frame)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestParseBinaryTooShort(t *testing.T) {
	_, err := ParseBinary([]byte{0, 0, 0, 1})
	assert.Error(t, err)
}
