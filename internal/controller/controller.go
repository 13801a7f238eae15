// Package controller implements the per-workspace session controller: it
// enforces the single-active-response invariant, absorbs user input that
// arrives mid-response, schedules post-summarization context injection
// and tears sessions down without leaking subscriptions.
package controller

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/werkstatt/internal/attach"
	"github.com/codefionn/werkstatt/internal/chat"
	"github.com/codefionn/werkstatt/internal/filetrack"
	"github.com/codefionn/werkstatt/internal/logger"
	"github.com/codefionn/werkstatt/internal/queue"
)

const disposeStopTimeout = 10 * time.Second

// InterruptOptions modifies interrupt behavior.
type InterruptOptions struct {
	// Hard deletes the in-flight partial before signalling stop, so the
	// transport's abort handler cannot commit a now-stale partial.
	Hard bool
	// SendQueued dequeues and sends the pending input immediately instead
	// of restoring it to the draft input.
	SendQueued bool
}

// Controller is the session controller for one workspace. States: idle or
// streaming. While streaming, new sends are redirected into the message
// queue rather than starting a second response.
type Controller struct {
	workspaceID string
	deps        Deps
	log         *logger.Logger

	queue     *queue.MessageQueue
	tracker   *filetrack.Tracker
	watcher   *filetrack.Watcher
	scheduler *attach.Scheduler

	chatPub *chat.Publisher
	metaPub *chat.Publisher

	mu           sync.Mutex
	streaming    bool
	disposed     bool
	interrupting bool

	transportSub *chat.Subscription
	initSub      *chat.Subscription
	forwardWG    sync.WaitGroup
}

func newController(workspaceID string, deps Deps) *Controller {
	cfg := deps.Config

	c := &Controller{
		workspaceID: workspaceID,
		deps:        deps,
		log:         logger.Component("session:" + workspaceID),
		queue:       queue.New(),
		tracker:     filetrack.NewTracker(),
		chatPub:     chat.NewPublisher(),
		metaPub:     chat.NewPublisher(),
	}

	c.scheduler = attach.NewScheduler(attach.Params{
		Interval:      cfg.FollowUpInterval,
		ExclusionFile: filepath.Join(workspaceID, cfg.ExclusionFileName),
		PlanFile:      filepath.Join(workspaceID, cfg.PlanFileName),
	})

	if cfg.EnableFileWatcher {
		if w, err := filetrack.NewWatcher(); err != nil {
			c.log.Warn("file watcher unavailable: %v", err)
		} else {
			c.watcher = w
			c.tracker.SetWatcher(w)
		}
	}

	c.transportSub = deps.Transport.Events().Subscribe(0)
	c.initSub = deps.Init.Events().Subscribe(0)
	c.forwardWG.Add(2)
	go c.forwardTransport()
	go c.forwardInit()

	c.log.Debug("session created")
	return c
}

// WorkspaceID returns the session's workspace identifier.
func (c *Controller) WorkspaceID() string { return c.workspaceID }

// forwardTransport re-publishes transport events filtered to this
// workspace. Stream end/abort transitions the session back to idle and
// flushes the message queue.
func (c *Controller) forwardTransport() {
	defer c.forwardWG.Done()
	for ev := range c.transportSub.C {
		if ev.WorkspaceID != c.workspaceID {
			continue
		}
		if ev.Type == chat.EventToolCallEnd {
			// Provider-internal side channel never reaches subscribers.
			ev.Notification = nil
		}
		c.chatPub.Publish(ev)

		if ev.Type == chat.EventStreamEnd || ev.Type == chat.EventStreamAbort {
			c.onStreamFinished(ev.Type == chat.EventStreamAbort)
		}
	}
}

// forwardInit re-publishes init-sequence events with the workspace id
// stripped.
func (c *Controller) forwardInit() {
	defer c.forwardWG.Done()
	for ev := range c.initSub.C {
		if ev.WorkspaceID != c.workspaceID {
			continue
		}
		ev.WorkspaceID = ""
		c.chatPub.Publish(ev)
	}
}

// onStreamFinished flips the session to idle and auto-sends any queued
// input as one combined turn, unless disposal happened in the interim.
// An in-flight Interrupt owns the abort it triggered; a stale notification
// arriving after a newer stream started is ignored.
func (c *Controller) onStreamFinished(aborted bool) {
	c.mu.Lock()
	if (aborted && c.interrupting) || c.deps.Transport.IsStreaming(c.workspaceID) {
		c.mu.Unlock()
		return
	}
	c.streaming = false
	if c.disposed || c.queue.IsEmpty() {
		c.mu.Unlock()
		return
	}
	text, opts := c.queue.ProduceMessage()
	c.queue.Clear()
	c.streaming = true // claim the slot for the auto-send
	c.mu.Unlock()

	c.deps.Processes.SetMessageQueued(c.workspaceID, false)
	c.log.Debug("auto-sending queued input after stream end")
	if err := c.startTurn(context.Background(), text, opts); err != nil {
		c.log.Error("auto-send of queued input failed: %v", err)
	}
}

// SendMessage sends a user message. While a response is active the
// message is queued instead; otherwise the message is persisted, a user
// chat event is emitted, and a stream is started.
func (c *Controller) SendMessage(ctx context.Context, text string, opts *queue.Options) error {
	trimmed := strings.TrimSpace(text)
	hasImages := opts != nil && len(opts.ImageParts) > 0
	if trimmed == "" && !hasImages {
		return c.failSend(ErrEmptyMessage)
	}
	if _, err := c.resolveModel(opts); err != nil {
		return c.failSend(err)
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDisposed, c.workspaceID)
	}
	if c.streaming || c.deps.Transport.IsStreaming(c.workspaceID) {
		err := c.queue.Add(text, opts)
		c.mu.Unlock()
		if err != nil {
			return err
		}
		c.deps.Processes.SetMessageQueued(c.workspaceID, true)
		c.publishQueueUpdated()
		return nil
	}
	c.streaming = true // claim the slot before releasing the lock
	c.mu.Unlock()

	return c.startTurn(ctx, trimmed, opts)
}

// QueueMessage adds input to the queue without ever starting a response,
// regardless of state.
func (c *Controller) QueueMessage(text string, opts *queue.Options) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDisposed, c.workspaceID)
	}
	err := c.queue.Add(text, opts)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.deps.Processes.SetMessageQueued(c.workspaceID, !c.queue.IsEmpty())
	c.publishQueueUpdated()
	return nil
}

// startTurn runs one turn: attachment scheduling, append-then-notify
// persistence, then the stream start. The caller must already hold the
// streaming slot; it is released on failure.
func (c *Controller) startTurn(ctx context.Context, text string, opts *queue.Options) error {
	model, err := c.resolveModel(opts)
	if err != nil {
		c.releaseSlot()
		return c.failSend(err)
	}

	content := text
	decision := c.scheduleAttachments(ctx, opts)
	for _, a := range decision.Attachments {
		content = content + "\n\n" + a.Content
	}

	msg := &chat.Message{
		ID:        uuid.NewString(),
		Role:      "user",
		Content:   content,
		Timestamp: time.Now(),
	}
	if opts != nil {
		msg.Images = append([]chat.ImagePart(nil), opts.ImageParts...)
	}

	// Persist before emitting any event (append-then-notify ordering).
	if err := c.deps.History.Append(c.workspaceID, msg); err != nil {
		c.releaseSlot()
		return c.failSend(&PersistenceError{Op: "append message", Err: err})
	}

	c.publishChat(chat.Event{
		Type:      chat.EventUserMessage,
		Role:      "user",
		Content:   msg.Content,
		MessageID: msg.ID,
		Images:    msg.Images,
		Timestamp: msg.Timestamp,
	})

	history, err := c.deps.History.History(c.workspaceID)
	if err != nil {
		c.releaseSlot()
		return c.failSend(&PersistenceError{Op: "load history", Err: err})
	}

	if err := c.deps.Transport.StreamMessage(ctx, history, c.workspaceID, model); err != nil {
		c.releaseSlot()
		return c.failSend(fmt.Errorf("failed to start response: %w", err))
	}

	c.log.Debug("turn started with model %s (%d attachment(s))", model, len(decision.Attachments))
	return nil
}

// scheduleAttachments makes the once-per-turn injection decision.
func (c *Controller) scheduleAttachments(ctx context.Context, opts *queue.Options) attach.Decision {
	var (
		captured      []filetrack.Change
		summarizedNow bool
	)
	if c.deps.Summarizer != nil {
		captured, summarizedNow = c.deps.Summarizer.Consume(c.workspaceID)
	}
	enabled := opts == nil || !opts.NoFollowUpContext
	return c.scheduler.TurnStart(ctx, attach.TurnInput{
		SummarizedNow:   summarizedNow,
		CapturedChanges: captured,
		Enabled:         enabled,
	}, c.tracker)
}

// Interrupt stops the active response. A no-op success when idle. By
// default queued content is restored to the caller-visible draft input;
// with SendQueued it is dequeued and sent immediately.
func (c *Controller) Interrupt(ctx context.Context, opts InterruptOptions) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDisposed, c.workspaceID)
	}
	streaming := c.streaming || c.deps.Transport.IsStreaming(c.workspaceID)
	if !streaming {
		c.mu.Unlock()
		return nil
	}
	c.interrupting = true
	c.mu.Unlock()

	if opts.Hard {
		// The partial must be gone before the stop signal, so the
		// transport's abort handler cannot commit a stale partial.
		if err := c.deps.Partials.Delete(c.workspaceID); err != nil {
			c.log.Warn("failed to delete partial before hard interrupt: %v", err)
		}
	}

	if err := c.deps.Transport.StopStream(ctx, c.workspaceID, StopOptions{AbandonPartial: opts.Hard}); err != nil {
		c.mu.Lock()
		c.interrupting = false
		c.mu.Unlock()
		return fmt.Errorf("failed to stop response: %w", err)
	}

	c.mu.Lock()
	c.streaming = false
	if opts.SendQueued && !c.queue.IsEmpty() {
		text, qopts := c.queue.ProduceMessage()
		c.queue.Clear()
		c.streaming = true
		c.mu.Unlock()

		c.deps.Processes.SetMessageQueued(c.workspaceID, false)
		err := c.startTurn(ctx, text, qopts)

		// Cleared only after the next turn is underway, so the abort
		// notification from the stopped stream cannot release its slot.
		c.mu.Lock()
		c.interrupting = false
		c.mu.Unlock()
		return err
	}

	c.interrupting = false
	display := c.queue.DisplayText()
	texts := c.queue.Messages()
	images := c.queue.ImageParts()
	c.queue.Clear()
	c.mu.Unlock()

	c.deps.Processes.SetMessageQueued(c.workspaceID, false)
	if display != "" || len(images) > 0 {
		c.metaPub.Publish(chat.Event{
			Type:    chat.EventDraftRestored,
			Content: display,
			Texts:   texts,
			Images:  images,
		})
	}
	return nil
}

// Resume reconciles state after a restart: an active stream is replayed,
// a stale partial is committed or deleted according to the transport's
// stream info, and the init sequence is replayed.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDisposed, c.workspaceID)
	}
	c.mu.Unlock()

	if events, err := c.deps.Init.ReplayInit(c.workspaceID); err == nil {
		for _, ev := range events {
			ev.WorkspaceID = ""
			c.publishChat(ev)
		}
	} else {
		c.log.Warn("init replay failed: %v", err)
	}

	if c.deps.Transport.IsStreaming(c.workspaceID) {
		events, err := c.deps.Transport.ReplayStream(c.workspaceID)
		if err != nil {
			return fmt.Errorf("failed to replay stream: %w", err)
		}
		c.mu.Lock()
		c.streaming = true
		c.mu.Unlock()
		for _, ev := range events {
			if ev.Type == chat.EventToolCallEnd {
				ev.Notification = nil
			}
			c.publishChat(ev)
		}
		return nil
	}

	partial, err := c.deps.Partials.Read(c.workspaceID)
	if err != nil {
		return &PersistenceError{Op: "read partial", Err: err}
	}
	if partial == nil {
		return nil
	}
	if info, ok := c.deps.Transport.StreamInfo(c.workspaceID); ok && info.EndedCleanly {
		if err := c.deps.Partials.Commit(c.workspaceID); err != nil {
			return &PersistenceError{Op: "commit partial", Err: err}
		}
		c.log.Debug("committed partial from cleanly-ended stream")
		return nil
	}
	if err := c.deps.Partials.Delete(c.workspaceID); err != nil {
		return &PersistenceError{Op: "delete partial", Err: err}
	}
	c.log.Debug("deleted stale partial")
	return nil
}

// RecordFileSnapshot is invoked by the tool layer whenever a tool reads
// or writes a file on the agent's behalf.
func (c *Controller) RecordFileSnapshot(path, content string, modTime time.Time) {
	c.mu.Lock()
	disposed := c.disposed
	c.mu.Unlock()
	if disposed {
		return
	}
	c.tracker.Record(path, content, modTime)
}

// ClearHistoryState drops tracked file entries, e.g. on history clear.
func (c *Controller) ClearHistoryState() {
	c.tracker.Clear()
}

// DisplayText returns the queue's display form (exclusive raw marker or
// joined texts).
func (c *Controller) DisplayText() string { return c.queue.DisplayText() }

// QueuedMessages returns the raw queued texts for edit-in-place.
func (c *Controller) QueuedMessages() []string { return c.queue.Messages() }

// Streaming reports whether a response is currently active.
func (c *Controller) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// Disposed reports whether the session has been torn down.
func (c *Controller) Disposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

// Events returns a chat-event subscription delivering the historical
// transcript, a caught-up marker, then live events. On a disposed session
// the subscription's channel is already closed.
func (c *Controller) Events(buffer int) *chat.Subscription {
	var replay []chat.Event
	if messages, err := c.deps.History.History(c.workspaceID); err == nil {
		for _, msg := range messages {
			replay = append(replay, chat.Event{
				Type:      chat.EventReplayMessage,
				Role:      msg.Role,
				Content:   msg.Content,
				MessageID: msg.ID,
				Images:    msg.Images,
				Timestamp: msg.Timestamp,
			})
		}
	} else {
		c.log.Warn("history replay failed: %v", err)
	}
	replay = append(replay, chat.Event{Type: chat.EventCaughtUp})
	return c.chatPub.Subscribe(buffer, replay...)
}

// Unsubscribe removes a chat-event subscription.
func (c *Controller) Unsubscribe(sub *chat.Subscription) {
	c.chatPub.Unsubscribe(sub)
}

// Metadata returns a metadata-event subscription.
func (c *Controller) Metadata(buffer int) *chat.Subscription {
	return c.metaPub.Subscribe(buffer)
}

// UnsubscribeMetadata removes a metadata-event subscription.
func (c *Controller) UnsubscribeMetadata(sub *chat.Subscription) {
	c.metaPub.Unsubscribe(sub)
}

// Dispose tears the session down. Idempotent, single-shot. Stopping the
// response and background-process cleanup are fire-and-forget so teardown
// never blocks on slow I/O; afterwards every event publish is a silent
// no-op and other operations return ErrDisposed.
func (c *Controller) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	wasStreaming := c.streaming || c.deps.Transport.IsStreaming(c.workspaceID)
	c.streaming = false
	c.mu.Unlock()

	if wasStreaming {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), disposeStopTimeout)
			defer cancel()
			if err := c.deps.Transport.StopStream(ctx, c.workspaceID, StopOptions{Soft: true}); err != nil {
				logger.Debug("dispose: stop stream for %s: %v", c.workspaceID, err)
			}
		}()
	}
	go c.deps.Processes.Cleanup(c.workspaceID)

	c.deps.Transport.Events().Unsubscribe(c.transportSub)
	c.deps.Init.Events().Unsubscribe(c.initSub)
	c.chatPub.Close()
	c.metaPub.Close()
	if c.watcher != nil {
		if err := c.watcher.Close(); err != nil {
			logger.Debug("dispose: close watcher for %s: %v", c.workspaceID, err)
		}
	}
	c.queue.Clear()

	c.log.Info("session disposed")
}

func (c *Controller) releaseSlot() {
	c.mu.Lock()
	c.streaming = false
	c.mu.Unlock()
}

// failSend surfaces a caller-input or persistence error as a chat-visible
// error event and returns it.
func (c *Controller) failSend(err error) error {
	c.publishChat(chat.Event{Type: chat.EventError, Err: err.Error(), Timestamp: time.Now()})
	return err
}

func (c *Controller) publishChat(ev chat.Event) {
	c.chatPub.Publish(ev)
}

func (c *Controller) publishQueueUpdated() {
	c.metaPub.Publish(chat.Event{
		Type:    chat.EventQueueUpdated,
		Content: c.queue.DisplayText(),
		Texts:   c.queue.Messages(),
		Images:  c.queue.ImageParts(),
	})
}

// resolveModel picks the model for a send: per-message option first, then
// the configured default. A model id must be a non-empty token.
func (c *Controller) resolveModel(opts *queue.Options) (string, error) {
	model := ""
	if opts != nil {
		model = strings.TrimSpace(opts.Model)
	}
	if model == "" && c.deps.Config != nil {
		model = strings.TrimSpace(c.deps.Config.DefaultModel)
	}
	if model == "" || strings.ContainsAny(model, " \t\n") {
		return "", fmt.Errorf("%w: %q", ErrInvalidModel, model)
	}
	return model, nil
}
