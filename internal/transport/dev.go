// Package transport provides stream-transport implementations. DevTransport
// is a manually driven in-process transport used by the development server
// and by tests; real provider transports satisfy the same interface.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/codefionn/werkstatt/internal/chat"
	"github.com/codefionn/werkstatt/internal/controller"
	"github.com/codefionn/werkstatt/internal/filetrack"
	"github.com/codefionn/werkstatt/internal/logger"
)

// DevTransport is an in-process StreamTransport driven by explicit calls.
// StreamMessage emits a stream_start event and records the stream; the
// owner then feeds deltas with EmitDelta and finishes with EndStream or
// AbortStream. Event history per workspace is retained for replay.
type DevTransport struct {
	mu      sync.Mutex
	pub     *chat.Publisher
	log     *logger.Logger
	active  map[string]bool
	info    map[string]controller.StreamInfo
	replays map[string][]chat.Event

	// AutoReply, when non-empty, makes StreamMessage synchronously emit a
	// single delta with this content and end the stream. Used by the
	// development server's echo mode.
	AutoReply string
}

// NewDevTransport creates an idle DevTransport.
func NewDevTransport() *DevTransport {
	return &DevTransport{
		pub:     chat.NewPublisher(),
		log:     logger.Component("transport:dev"),
		active:  make(map[string]bool),
		info:    make(map[string]controller.StreamInfo),
		replays: make(map[string][]chat.Event),
	}
}

// Events returns the transport-wide event feed.
func (t *DevTransport) Events() *chat.Publisher { return t.pub }

// IsStreaming reports whether a stream is active for the workspace.
func (t *DevTransport) IsStreaming(workspaceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active[workspaceID]
}

// StreamMessage starts a stream for the workspace.
func (t *DevTransport) StreamMessage(ctx context.Context, history []*chat.Message, workspaceID, model string) error {
	t.mu.Lock()
	if t.active[workspaceID] {
		t.mu.Unlock()
		return fmt.Errorf("stream already active for workspace %s", workspaceID)
	}
	t.active[workspaceID] = true
	t.info[workspaceID] = controller.StreamInfo{Active: true, Model: model}
	t.replays[workspaceID] = nil
	t.mu.Unlock()

	t.log.Debug("stream started for %s with %d history message(s)", workspaceID, len(history))
	t.emit(chat.Event{Type: chat.EventStreamStart, WorkspaceID: workspaceID})

	if t.AutoReply != "" {
		t.EmitDelta(workspaceID, t.AutoReply)
		t.EndStream(workspaceID)
	}
	return nil
}

// StopStream aborts the workspace's stream. Idle workspaces are a no-op.
func (t *DevTransport) StopStream(ctx context.Context, workspaceID string, opts controller.StopOptions) error {
	t.mu.Lock()
	if !t.active[workspaceID] {
		t.mu.Unlock()
		return nil
	}
	delete(t.active, workspaceID)
	info := t.info[workspaceID]
	info.Active = false
	info.EndedCleanly = false
	t.info[workspaceID] = info
	t.mu.Unlock()

	t.emit(chat.Event{Type: chat.EventStreamAbort, WorkspaceID: workspaceID})
	return nil
}

// StreamInfo returns the transport's record of the workspace's last stream.
func (t *DevTransport) StreamInfo(workspaceID string) (controller.StreamInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.info[workspaceID]
	return info, ok
}

// ReplayStream returns the events emitted so far on the workspace's
// current stream.
func (t *DevTransport) ReplayStream(workspaceID string) ([]chat.Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]chat.Event(nil), t.replays[workspaceID]...), nil
}

// EmitDelta feeds one content delta into an active stream.
func (t *DevTransport) EmitDelta(workspaceID, content string) {
	t.emit(chat.Event{Type: chat.EventStreamDelta, WorkspaceID: workspaceID, Content: content})
}

// EmitToolCallEnd feeds a tool_call_end event, optionally carrying a
// provider-internal notification payload.
func (t *DevTransport) EmitToolCallEnd(workspaceID, toolID string, notification map[string]interface{}) {
	t.emit(chat.Event{
		Type:         chat.EventToolCallEnd,
		WorkspaceID:  workspaceID,
		ToolID:       toolID,
		Notification: notification,
	})
}

// EndStream finishes the workspace's stream cleanly.
func (t *DevTransport) EndStream(workspaceID string) {
	t.mu.Lock()
	delete(t.active, workspaceID)
	info := t.info[workspaceID]
	info.Active = false
	info.EndedCleanly = true
	t.info[workspaceID] = info
	t.mu.Unlock()

	t.emit(chat.Event{Type: chat.EventStreamEnd, WorkspaceID: workspaceID})
}

// AbortStream finishes the workspace's stream with an abort.
func (t *DevTransport) AbortStream(workspaceID string) {
	t.mu.Lock()
	delete(t.active, workspaceID)
	info := t.info[workspaceID]
	info.Active = false
	info.EndedCleanly = false
	t.info[workspaceID] = info
	t.mu.Unlock()

	t.emit(chat.Event{Type: chat.EventStreamAbort, WorkspaceID: workspaceID})
}

// SetStreamInfo overrides the recorded stream info, e.g. to simulate a
// pre-restart stream in resume scenarios.
func (t *DevTransport) SetStreamInfo(workspaceID string, info controller.StreamInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.info[workspaceID] = info
	t.active[workspaceID] = info.Active
}

func (t *DevTransport) emit(ev chat.Event) {
	t.mu.Lock()
	if t.active[ev.WorkspaceID] || ev.Type == chat.EventStreamEnd || ev.Type == chat.EventStreamAbort {
		t.replays[ev.WorkspaceID] = append(t.replays[ev.WorkspaceID], ev)
	}
	t.mu.Unlock()
	t.pub.Publish(ev)
}

// DevInitSource replays a fixed init sequence per workspace.
type DevInitSource struct {
	mu     sync.Mutex
	pub    *chat.Publisher
	events map[string][]chat.Event
}

// NewDevInitSource creates an init source with no recorded sequences.
func NewDevInitSource() *DevInitSource {
	return &DevInitSource{
		pub:    chat.NewPublisher(),
		events: make(map[string][]chat.Event),
	}
}

// Events returns the init-event feed.
func (s *DevInitSource) Events() *chat.Publisher { return s.pub }

// ReplayInit returns the workspace's recorded init sequence.
func (s *DevInitSource) ReplayInit(workspaceID string) ([]chat.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Event(nil), s.events[workspaceID]...), nil
}

// RunInit records and publishes a three-phase init sequence with the
// given output lines.
func (s *DevInitSource) RunInit(workspaceID string, lines ...string) {
	seq := []chat.Event{{Type: chat.EventInitStart, WorkspaceID: workspaceID}}
	for _, line := range lines {
		seq = append(seq, chat.Event{Type: chat.EventInitOutput, WorkspaceID: workspaceID, Content: line})
	}
	seq = append(seq, chat.Event{Type: chat.EventInitEnd, WorkspaceID: workspaceID})

	s.mu.Lock()
	s.events[workspaceID] = seq
	s.mu.Unlock()

	for _, ev := range seq {
		s.pub.Publish(ev)
	}
}

// NoopProcesses is a ProcessManager with no background processes.
type NoopProcesses struct{}

func (NoopProcesses) Cleanup(workspaceID string) {}

func (NoopProcesses) SetMessageQueued(workspaceID string, queued bool) {}

// DevSummarizer hands captured summarization diffs to the controller on
// demand.
type DevSummarizer struct {
	mu       sync.Mutex
	captured map[string][]filetrack.Change
	done     map[string]bool
}

// NewDevSummarizer creates a summarizer with no completed summarizations.
func NewDevSummarizer() *DevSummarizer {
	return &DevSummarizer{
		captured: make(map[string][]filetrack.Change),
		done:     make(map[string]bool),
	}
}

// Complete records a finished summarization and its captured diffs.
func (s *DevSummarizer) Complete(workspaceID string, changes []filetrack.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captured[workspaceID] = changes
	s.done[workspaceID] = true
}

// Peek returns the captured diffs without consuming the completion.
func (s *DevSummarizer) Peek(workspaceID string) ([]filetrack.Change, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]filetrack.Change(nil), s.captured[workspaceID]...), s.done[workspaceID]
}

// Consume returns the captured diffs and clears the completion.
func (s *DevSummarizer) Consume(workspaceID string) ([]filetrack.Change, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changes, done := s.captured[workspaceID], s.done[workspaceID]
	delete(s.captured, workspaceID)
	delete(s.done, workspaceID)
	return changes, done
}
