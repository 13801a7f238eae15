package controller

import (
	"context"

	"github.com/codefionn/werkstatt/internal/chat"
	"github.com/codefionn/werkstatt/internal/config"
	"github.com/codefionn/werkstatt/internal/filetrack"
)

// StopOptions modifies how a stream is stopped.
type StopOptions struct {
	// AbandonPartial tells the transport not to commit the in-flight
	// partial response on abort.
	AbandonPartial bool
	// Soft requests a graceful stop at the next tool-call boundary.
	Soft bool
}

// StreamInfo describes the transport's view of a workspace's last stream.
type StreamInfo struct {
	Active       bool
	EndedCleanly bool
	Model        string
}

// StreamTransport is the model-streaming collaborator. Its event feed is
// transport-wide; events are scoped by their WorkspaceID field.
type StreamTransport interface {
	IsStreaming(workspaceID string) bool
	StreamMessage(ctx context.Context, history []*chat.Message, workspaceID, model string) error
	StopStream(ctx context.Context, workspaceID string, opts StopOptions) error
	StreamInfo(workspaceID string) (StreamInfo, bool)
	ReplayStream(workspaceID string) ([]chat.Event, error)
	Events() *chat.Publisher
}

// InitSource replays and publishes the workspace init sequence.
type InitSource interface {
	ReplayInit(workspaceID string) ([]chat.Event, error)
	Events() *chat.Publisher
}

// ProcessManager owns background-process lifecycle for a workspace.
type ProcessManager interface {
	Cleanup(workspaceID string)
	SetMessageQueued(workspaceID string, queued bool)
}

// Summarizer exposes the outputs of a completed summarization: the file
// diffs captured before history was replaced. Peek inspects without
// consuming; Consume clears the completion so the next turn does not
// re-inject.
type Summarizer interface {
	Peek(workspaceID string) ([]filetrack.Change, bool)
	Consume(workspaceID string) ([]filetrack.Change, bool)
}

// HistoryStore persists the conversation transcript.
type HistoryStore interface {
	History(workspaceID string) ([]*chat.Message, error)
	Append(workspaceID string, msg *chat.Message) error
	TruncateAfter(workspaceID, messageID string) error
}

// PartialStore persists the in-progress response for resume-after-restart.
type PartialStore interface {
	Read(workspaceID string) (*chat.Message, error)
	Commit(workspaceID string) error
	Delete(workspaceID string) error
}

// Deps bundles the external collaborators a controller consumes.
type Deps struct {
	Transport  StreamTransport
	Init       InitSource
	Processes  ProcessManager
	Summarizer Summarizer
	History    HistoryStore
	Partials   PartialStore
	Config     *config.Config
}
