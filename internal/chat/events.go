package chat

import "time"

// Event types published on the chat channel
const (
	EventStreamStart    = "stream_start"
	EventStreamDelta    = "stream_delta"
	EventToolCallStart  = "tool_call_start"
	EventToolCallDelta  = "tool_call_delta"
	EventToolCallEnd    = "tool_call_end"
	EventBashOutput     = "bash_output"
	EventReasoningDelta = "reasoning_delta"
	EventReasoningEnd   = "reasoning_end"
	EventUsageDelta     = "usage_delta"
	EventStreamAbort    = "stream_abort"
	EventStreamEnd      = "stream_end"
	EventUserMessage    = "user_message"
	EventReplayMessage  = "replay_message"
	EventError          = "error"
	EventCaughtUp       = "caught_up"

	// Init-sequence event types
	EventInitStart  = "init_start"
	EventInitOutput = "init_output"
	EventInitEnd    = "init_end"
)

// Event types published on the metadata channel
const (
	EventQueueUpdated  = "queue_updated"
	EventDraftRestored = "draft_restored"
	EventAttachments   = "attachments"
)

// ImagePart is a single image attachment supplied alongside a message.
// Byte-identical images with differing media types are kept as distinct
// parts; there is no content-based dedup.
type ImagePart struct {
	Data      []byte `json:"data,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Filename  string `json:"filename,omitempty"`
}

// Message is one persisted conversation message.
type Message struct {
	ID        string                   `json:"id"`
	Role      string                   `json:"role"` // "user", "assistant", "tool"
	Content   string                   `json:"content"`
	Images    []ImagePart              `json:"images,omitempty"`
	ToolCalls []map[string]interface{} `json:"tool_calls,omitempty"`
	ToolID    string                   `json:"tool_id,omitempty"`
	ToolName  string                   `json:"tool_name,omitempty"`
	Timestamp time.Time                `json:"timestamp"`
}

// Event is the single tagged-union type carried on both the chat and the
// metadata channel. Type selects which of the optional fields are set.
type Event struct {
	Type        string                 `json:"type"`
	WorkspaceID string                 `json:"workspace_id,omitempty"`
	Role        string                 `json:"role,omitempty"`
	Content     string                 `json:"content,omitempty"`
	MessageID   string                 `json:"message_id,omitempty"`
	ToolName    string                 `json:"tool_name,omitempty"`
	ToolID      string                 `json:"tool_id,omitempty"`
	Images      []ImagePart            `json:"images,omitempty"`
	Texts       []string               `json:"texts,omitempty"` // queue/draft snapshots
	Data        map[string]interface{} `json:"data,omitempty"`
	Err         string                 `json:"error,omitempty"`
	Timestamp   time.Time              `json:"timestamp,omitempty"`

	// Notification is a provider-internal side channel attached to
	// tool_call_end events by some transports. It is stripped before the
	// event is re-published to subscribers.
	Notification map[string]interface{} `json:"-"`
}
