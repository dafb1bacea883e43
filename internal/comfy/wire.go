// ABOUTME: ComfyUI websocket wire protocol: tagged JSON messages plus binary preview frames.
// ABOUTME: Parses raw frames into typed messages carrying the prompt id they concern.

package comfy

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// MessageType identifies the kind of websocket message the backend emitted.
type MessageType string

const (
	MessageStatus         MessageType = "status"
	MessageExecutionStart MessageType = "execution_start"
	MessageExecuting      MessageType = "executing"
	MessageProgress       MessageType = "progress"
	MessageExecuted       MessageType = "executed"
	MessageExecutionError MessageType = "execution_error"
	MessageExecutionCache MessageType = "execution_cached"

	// MessagePreview is synthesized from binary frames; it never appears as a
	// JSON "type" tag.
	MessagePreview MessageType = "preview"
)

// Preview binary frame layout: two big-endian uint32 headers before the payload.
const (
	binaryEventPreviewImage = 1

	PreviewFormatJPEG = 1
	PreviewFormatPNG  = 2
)

// Message is one parsed websocket message. Fields are populated according to
// Type; PromptID is empty for global messages such as queue status.
type Message struct {
	Type     MessageType
	PromptID string

	// MessageStatus
	QueueRemaining int

	// MessageExecuting / MessageProgress / MessageExecuted / MessageExecutionError.
	// Node is empty on the MessageExecuting frame that marks successful completion.
	Node string

	// MessageProgress
	Value int
	Max   int

	// MessageExecuted
	Output NodeOutput

	// MessageExecutionError
	ErrorMessage string

	// MessagePreview
	PreviewFormat int
	PreviewData   []byte
}

// Terminal reports whether this message ends its prompt's execution:
// either the node-less executing frame (success) or an execution error.
func (m *Message) Terminal() bool {
	switch m.Type {
	case MessageExecuting:
		return m.Node == ""
	case MessageExecutionError:
		return true
	}
	return false
}

// NodeOutput is the artifact payload of an executed message. ComfyUI keys the
// produced files by media: images, gifs (animations/video), audio.
type NodeOutput struct {
	Images []FileRef `json:"images"`
	Gifs   []FileRef `json:"gifs"`
	Audio  []FileRef `json:"audio"`
}

// FileRef locates one produced file in the backend's output storage.
type FileRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// rawMessage mirrors the JSON envelope {"type": ..., "data": {...}}.
type rawMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ParseText parses a text websocket frame into a Message.
func ParseText(frame []byte) (*Message, error) {
	var raw rawMessage
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, fmt.Errorf("parsing message envelope: %w", err)
	}

	msg := &Message{Type: MessageType(raw.Type)}

	switch msg.Type {
	case MessageStatus:
		var data struct {
			Status struct {
				ExecInfo struct {
					QueueRemaining int `json:"queue_remaining"`
				} `json:"exec_info"`
			} `json:"status"`
		}
		if err := json.Unmarshal(raw.Data, &data); err != nil {
			return nil, fmt.Errorf("parsing status data: %w", err)
		}
		msg.QueueRemaining = data.Status.ExecInfo.QueueRemaining

	case MessageExecutionStart:
		var data struct {
			PromptID string `json:"prompt_id"`
		}
		if err := json.Unmarshal(raw.Data, &data); err != nil {
			return nil, fmt.Errorf("parsing execution_start data: %w", err)
		}
		msg.PromptID = data.PromptID

	case MessageExecuting:
		var data struct {
			Node     *string `json:"node"`
			PromptID string  `json:"prompt_id"`
		}
		if err := json.Unmarshal(raw.Data, &data); err != nil {
			return nil, fmt.Errorf("parsing executing data: %w", err)
		}
		msg.PromptID = data.PromptID
		if data.Node != nil {
			msg.Node = *data.Node
		}

	case MessageProgress:
		var data struct {
			Node     string `json:"node"`
			PromptID string `json:"prompt_id"`
			Value    int    `json:"value"`
			Max      int    `json:"max"`
		}
		if err := json.Unmarshal(raw.Data, &data); err != nil {
			return nil, fmt.Errorf("parsing progress data: %w", err)
		}
		msg.PromptID = data.PromptID
		msg.Node = data.Node
		msg.Value = data.Value
		msg.Max = data.Max

	case MessageExecuted:
		var data struct {
			Node     string     `json:"node"`
			PromptID string     `json:"prompt_id"`
			Output   NodeOutput `json:"output"`
		}
		if err := json.Unmarshal(raw.Data, &data); err != nil {
			return nil, fmt.Errorf("parsing executed data: %w", err)
		}
		msg.PromptID = data.PromptID
		msg.Node = data.Node
		msg.Output = data.Output

	case MessageExecutionError:
		var data struct {
			PromptID         string `json:"prompt_id"`
			NodeID           string `json:"node_id"`
			ExceptionMessage string `json:"exception_message"`
		}
		if err := json.Unmarshal(raw.Data, &data); err != nil {
			return nil, fmt.Errorf("parsing execution_error data: %w", err)
		}
		msg.PromptID = data.PromptID
		msg.Node = data.NodeID
		msg.ErrorMessage = data.ExceptionMessage

	case MessageExecutionCache:
		var data struct {
			PromptID string `json:"prompt_id"`
		}
		if err := json.Unmarshal(raw.Data, &data); err != nil {
			return nil, fmt.Errorf("parsing execution_cached data: %w", err)
		}
		msg.PromptID = data.PromptID
	}

	return msg, nil
}

// ParseBinary parses a binary websocket frame. Preview frames carry no prompt
// id; the connection attributes them to its currently executing prompt.
// Returns nil for binary event types this client does not consume.
func ParseBinary(frame []byte) (*Message, error) {
	if len(frame) < 8 {
		return nil, fmt.Errorf("binary frame too short: %d bytes", len(frame))
	}

	event := binary.BigEndian.Uint32(frame[0:4])
	if event != binaryEventPreviewImage {
		return nil, nil
	}

	return &Message{
		Type:          MessagePreview,
		PreviewFormat: int(binary.BigEndian.Uint32(frame[4:8])),
		PreviewData:   frame[8:],
	}, nil
}
