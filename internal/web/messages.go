package web

import (
	"time"

	"github.com/codefionn/werkstatt/internal/chat"
)

// Message types sent by clients
const (
	MessageTypeChat     = "chat"
	MessageTypeQueue    = "queue"
	MessageTypeStop     = "stop"
	MessageTypeGetQueue = "get_queue"
	MessageTypeGetState = "get_state"
)

// Message types sent by the server
const (
	MessageTypeQueueState = "queue_state"
	MessageTypeState      = "state"
	MessageTypeError      = "error"
	MessageTypeSystem     = "system"
)

// WebMessage is the JSON envelope carried over the WebSocket in both
// directions. Server-to-client messages reuse the chat event type strings
// unchanged, so the frontend switches on one type namespace.
type WebMessage struct {
	Type        string                 `json:"type"`
	WorkspaceID string                 `json:"workspace_id,omitempty"`
	Role        string                 `json:"role,omitempty"`
	Content     string                 `json:"content,omitempty"`
	MessageID   string                 `json:"message_id,omitempty"`
	ToolName    string                 `json:"tool_name,omitempty"`
	ToolID      string                 `json:"tool_id,omitempty"`
	Model       string                 `json:"model,omitempty"`
	Texts       []string               `json:"texts,omitempty"`
	Images      []chat.ImagePart       `json:"images,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Timestamp   time.Time              `json:"timestamp,omitempty"`

	// Stop parameters
	Hard       bool `json:"hard,omitempty"`
	SendQueued bool `json:"send_queued,omitempty"`

	// Chat parameters
	NoFollowUpContext bool `json:"no_follow_up_context,omitempty"`
}

// fromEvent translates a chat event into its wire form.
func fromEvent(ev chat.Event) *WebMessage {
	return &WebMessage{
		Type:      ev.Type,
		Role:      ev.Role,
		Content:   ev.Content,
		MessageID: ev.MessageID,
		ToolName:  ev.ToolName,
		ToolID:    ev.ToolID,
		Texts:     ev.Texts,
		Images:    ev.Images,
		Data:      ev.Data,
		Error:     ev.Err,
		Timestamp: ev.Timestamp,
	}
}

// WorkspaceInfo describes one live session in the workspace listing.
type WorkspaceInfo struct {
	ID        string `json:"id"`
	Streaming bool   `json:"streaming"`
	Queued    int    `json:"queued"`
}
