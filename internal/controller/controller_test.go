package controller_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/werkstatt/internal/chat"
	"github.com/codefionn/werkstatt/internal/config"
	"github.com/codefionn/werkstatt/internal/controller"
	"github.com/codefionn/werkstatt/internal/history"
	"github.com/codefionn/werkstatt/internal/queue"
	"github.com/codefionn/werkstatt/internal/transport"
)

type fixture struct {
	manager    *controller.Manager
	transport  *transport.DevTransport
	init       *transport.DevInitSource
	summarizer *transport.DevSummarizer
	history    *history.Store
	partials   *history.PartialStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	store, err := history.NewStore(dir)
	require.NoError(t, err)
	partials, err := history.NewPartialStore(dir, store)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.DefaultModel = "dev-small"
	cfg.EnableFileWatcher = false

	f := &fixture{
		transport:  transport.NewDevTransport(),
		init:       transport.NewDevInitSource(),
		summarizer: transport.NewDevSummarizer(),
		history:    store,
		partials:   partials,
	}
	f.manager = controller.NewManager(controller.Deps{
		Transport:  f.transport,
		Init:       f.init,
		Processes:  transport.NoopProcesses{},
		Summarizer: f.summarizer,
		History:    store,
		Partials:   partials,
		Config:     cfg,
	})
	t.Cleanup(f.manager.DisposeAll)
	return f
}

func (f *fixture) session(t *testing.T, workspaceID string) *controller.Controller {
	t.Helper()
	c, err := f.manager.Get(workspaceID)
	require.NoError(t, err)
	return c
}

// waitEvent reads from sub until an event of the wanted type arrives.
func waitEvent(t *testing.T, sub *chat.Subscription, typ string) chat.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				t.Fatalf("subscription closed while waiting for %q", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", typ)
		}
	}
}

func TestSendMessagePersistsThenStreams(t *testing.T) {
	f := newFixture(t)
	c := f.session(t, "/ws/alpha")
	sub := c.Events(0)
	defer c.Unsubscribe(sub)
	waitEvent(t, sub, chat.EventCaughtUp)

	require.NoError(t, c.SendMessage(context.Background(), "hello there", nil))

	ev := waitEvent(t, sub, chat.EventUserMessage)
	assert.Equal(t, "hello there", ev.Content)
	assert.NotEmpty(t, ev.MessageID)
	waitEvent(t, sub, chat.EventStreamStart)

	messages, err := f.history.History("/ws/alpha")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "user", messages[0].Role)
	assert.True(t, c.Streaming())
}

func TestSendWhileStreamingQueues(t *testing.T) {
	f := newFixture(t)
	c := f.session(t, "/ws/alpha")
	meta := c.Metadata(0)
	defer c.UnsubscribeMetadata(meta)

	require.NoError(t, c.SendMessage(context.Background(), "first", nil))
	require.NoError(t, c.SendMessage(context.Background(), "second", nil))
	require.NoError(t, c.SendMessage(context.Background(), "third", nil))

	ev := waitEvent(t, meta, chat.EventQueueUpdated)
	assert.Equal(t, "second", ev.Content)
	ev = waitEvent(t, meta, chat.EventQueueUpdated)
	assert.Equal(t, "second\nthird", ev.Content)
	assert.Equal(t, []string{"second", "third"}, ev.Texts)

	// Queued input must not touch the transcript yet.
	messages, err := f.history.History("/ws/alpha")
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestQueuedInputAutoSendsOnStreamEnd(t *testing.T) {
	f := newFixture(t)
	c := f.session(t, "/ws/alpha")
	sub := c.Events(0)
	defer c.Unsubscribe(sub)

	require.NoError(t, c.SendMessage(context.Background(), "first", nil))
	require.NoError(t, c.SendMessage(context.Background(), "second", nil))
	require.NoError(t, c.SendMessage(context.Background(), "third", nil))

	f.transport.EndStream("/ws/alpha")

	// The queued texts go out as one combined turn.
	require.Eventually(t, func() bool {
		messages, err := f.history.History("/ws/alpha")
		return err == nil && len(messages) == 2
	}, 2*time.Second, 10*time.Millisecond)

	messages, err := f.history.History("/ws/alpha")
	require.NoError(t, err)
	assert.Equal(t, "second\nthird", messages[1].Content)
	assert.True(t, f.transport.IsStreaming("/ws/alpha"))
}

func TestEmptyMessageRejected(t *testing.T) {
	f := newFixture(t)
	c := f.session(t, "/ws/alpha")
	sub := c.Events(0)
	defer c.Unsubscribe(sub)
	waitEvent(t, sub, chat.EventCaughtUp)

	err := c.SendMessage(context.Background(), "   \n\t ", nil)
	require.ErrorIs(t, err, controller.ErrEmptyMessage)

	ev := waitEvent(t, sub, chat.EventError)
	assert.Contains(t, ev.Err, "no text")
	assert.False(t, c.Streaming())
}

func TestImageOnlyMessageIsValid(t *testing.T) {
	f := newFixture(t)
	c := f.session(t, "/ws/alpha")

	opts := &queue.Options{ImageParts: []chat.ImagePart{{Data: []byte{0x89}, MediaType: "image/png"}}}
	require.NoError(t, c.SendMessage(context.Background(), "", opts))

	messages, err := f.history.History("/ws/alpha")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Len(t, messages[0].Images, 1)
}

func TestInvalidModelRejected(t *testing.T) {
	f := newFixture(t)
	c := f.session(t, "/ws/alpha")

	err := c.SendMessage(context.Background(), "hi", &queue.Options{Model: "bad model id"})
	require.ErrorIs(t, err, controller.ErrInvalidModel)
	assert.False(t, c.Streaming())
}

func TestExclusiveConflictSurfacesToCaller(t *testing.T) {
	f := newFixture(t)
	c := f.session(t, "/ws/alpha")

	require.NoError(t, c.SendMessage(context.Background(), "first", nil))
	require.NoError(t, c.SendMessage(context.Background(), "second", nil))

	err := c.SendMessage(context.Background(), "compact now", &queue.Options{
		Exclusive:    queue.ExclusiveCompaction,
		ExclusiveRaw: "/compact",
	})
	require.ErrorIs(t, err, queue.ErrExclusiveConflict)
}

func TestInterruptRestoresDraft(t *testing.T) {
	f := newFixture(t)
	c := f.session(t, "/ws/alpha")
	meta := c.Metadata(0)
	defer c.UnsubscribeMetadata(meta)

	require.NoError(t, c.SendMessage(context.Background(), "first", nil))
	img := chat.ImagePart{Data: []byte{0x01}, MediaType: "image/png"}
	require.NoError(t, c.SendMessage(context.Background(), "later thought", &queue.Options{ImageParts: []chat.ImagePart{img}}))
	waitEvent(t, meta, chat.EventQueueUpdated)

	require.NoError(t, c.Interrupt(context.Background(), controller.InterruptOptions{}))

	ev := waitEvent(t, meta, chat.EventDraftRestored)
	assert.Equal(t, "later thought", ev.Content)
	assert.Equal(t, []string{"later thought"}, ev.Texts)
	require.Len(t, ev.Images, 1)

	assert.Empty(t, c.QueuedMessages())
	assert.False(t, f.transport.IsStreaming("/ws/alpha"))
}

func TestInterruptSendQueuedStartsNextTurn(t *testing.T) {
	f := newFixture(t)
	c := f.session(t, "/ws/alpha")

	require.NoError(t, c.SendMessage(context.Background(), "first", nil))
	require.NoError(t, c.SendMessage(context.Background(), "second", nil))

	require.NoError(t, c.Interrupt(context.Background(), controller.InterruptOptions{SendQueued: true}))

	messages, err := f.history.History("/ws/alpha")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "second", messages[1].Content)
	assert.True(t, f.transport.IsStreaming("/ws/alpha"))
}

func TestInterruptWhileIdleIsNoop(t *testing.T) {
	f := newFixture(t)
	c := f.session(t, "/ws/alpha")

	require.NoError(t, c.Interrupt(context.Background(), controller.InterruptOptions{Hard: true}))
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type orderedTransport struct {
	*transport.DevTransport
	log *callLog
}

func (o *orderedTransport) StopStream(ctx context.Context, workspaceID string, opts controller.StopOptions) error {
	o.log.add("stop-stream")
	return o.DevTransport.StopStream(ctx, workspaceID, opts)
}

type orderedPartials struct {
	controller.PartialStore
	log *callLog
}

func (o *orderedPartials) Delete(workspaceID string) error {
	o.log.add("delete-partial")
	return o.PartialStore.Delete(workspaceID)
}

func TestHardInterruptDeletesPartialBeforeStop(t *testing.T) {
	dir := t.TempDir()
	store, err := history.NewStore(dir)
	require.NoError(t, err)
	partials, err := history.NewPartialStore(dir, store)
	require.NoError(t, err)

	log := &callLog{}
	tr := &orderedTransport{DevTransport: transport.NewDevTransport(), log: log}

	cfg := config.Default()
	cfg.DefaultModel = "dev-small"
	cfg.EnableFileWatcher = false

	manager := controller.NewManager(controller.Deps{
		Transport:  tr,
		Init:       transport.NewDevInitSource(),
		Processes:  transport.NoopProcesses{},
		Summarizer: transport.NewDevSummarizer(),
		History:    store,
		Partials:   &orderedPartials{PartialStore: partials, log: log},
		Config:     cfg,
	})
	t.Cleanup(manager.DisposeAll)

	c, err := manager.Get("/ws/alpha")
	require.NoError(t, err)
	require.NoError(t, c.SendMessage(context.Background(), "first", nil))

	require.NoError(t, c.Interrupt(context.Background(), controller.InterruptOptions{Hard: true}))

	assert.Equal(t, []string{"delete-partial", "stop-stream"}, log.snapshot())
}

func TestToolCallEndNotificationStripped(t *testing.T) {
	f := newFixture(t)
	c := f.session(t, "/ws/alpha")
	sub := c.Events(0)
	defer c.Unsubscribe(sub)

	require.NoError(t, c.SendMessage(context.Background(), "first", nil))
	f.transport.EmitToolCallEnd("/ws/alpha", "tool-1", map[string]interface{}{"internal": true})

	ev := waitEvent(t, sub, chat.EventToolCallEnd)
	assert.Equal(t, "tool-1", ev.ToolID)
	assert.Nil(t, ev.Notification)
}

func TestEventsForOtherWorkspacesFiltered(t *testing.T) {
	f := newFixture(t)
	alpha := f.session(t, "/ws/alpha")
	beta := f.session(t, "/ws/beta")

	subAlpha := alpha.Events(0)
	defer alpha.Unsubscribe(subAlpha)
	waitEvent(t, subAlpha, chat.EventCaughtUp)

	require.NoError(t, beta.SendMessage(context.Background(), "only for beta", nil))
	f.transport.EmitDelta("/ws/beta", "beta delta")
	f.transport.EndStream("/ws/beta")

	select {
	case ev := <-subAlpha.C:
		t.Fatalf("alpha received foreign event %q", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventsReplaysTranscriptThenCatchesUp(t *testing.T) {
	f := newFixture(t)
	c := f.session(t, "/ws/alpha")

	require.NoError(t, c.SendMessage(context.Background(), "first", nil))
	f.transport.EndStream("/ws/alpha")
	require.Eventually(t, func() bool { return !c.Streaming() }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, c.SendMessage(context.Background(), "second", nil))

	sub := c.Events(0)
	defer c.Unsubscribe(sub)

	first := waitEvent(t, sub, chat.EventReplayMessage)
	assert.Equal(t, "first", first.Content)
	second := waitEvent(t, sub, chat.EventReplayMessage)
	assert.Equal(t, "second", second.Content)
	waitEvent(t, sub, chat.EventCaughtUp)
}

func TestDisposeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	c := f.session(t, "/ws/alpha")
	sub := c.Events(0)

	f.manager.Dispose("/ws/alpha")
	f.manager.Dispose("/ws/alpha")
	c.Dispose()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.C:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	err := c.SendMessage(context.Background(), "too late", nil)
	require.ErrorIs(t, err, controller.ErrDisposed)
	require.ErrorIs(t, err, controller.ErrInvariant)
	require.ErrorIs(t, c.Interrupt(context.Background(), controller.InterruptOptions{}), controller.ErrDisposed)
	assert.True(t, c.Disposed())
}

func TestDisposedSessionDropsTransportEvents(t *testing.T) {
	f := newFixture(t)
	c := f.session(t, "/ws/alpha")

	require.NoError(t, c.SendMessage(context.Background(), "first", nil))
	c.Dispose()

	// Nothing to observe directly; delivering into closed publishers must
	// not panic the forwarding goroutine.
	f.transport.EmitDelta("/ws/alpha", "late delta")
	f.transport.EndStream("/ws/alpha")
	time.Sleep(50 * time.Millisecond)
	assert.True(t, c.Disposed())
}

func TestResumeCommitsCleanPartial(t *testing.T) {
	f := newFixture(t)
	c := f.session(t, "/ws/alpha")

	partial := &chat.Message{ID: "p1", Role: "assistant", Content: "halfway answer", Timestamp: time.Now()}
	require.NoError(t, f.partials.Write("/ws/alpha", partial))
	f.transport.SetStreamInfo("/ws/alpha", controller.StreamInfo{Active: false, EndedCleanly: true})

	require.NoError(t, c.Resume(context.Background()))

	messages, err := f.history.History("/ws/alpha")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "halfway answer", messages[0].Content)

	stored, err := f.partials.Read("/ws/alpha")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestResumeDeletesStalePartial(t *testing.T) {
	f := newFixture(t)
	c := f.session(t, "/ws/alpha")

	partial := &chat.Message{ID: "p1", Role: "assistant", Content: "halfway answer", Timestamp: time.Now()}
	require.NoError(t, f.partials.Write("/ws/alpha", partial))
	f.transport.SetStreamInfo("/ws/alpha", controller.StreamInfo{Active: false, EndedCleanly: false})

	require.NoError(t, c.Resume(context.Background()))

	messages, err := f.history.History("/ws/alpha")
	require.NoError(t, err)
	assert.Empty(t, messages)

	stored, err := f.partials.Read("/ws/alpha")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestResumeReattachesActiveStream(t *testing.T) {
	f := newFixture(t)
	c := f.session(t, "/ws/alpha")

	f.transport.SetStreamInfo("/ws/alpha", controller.StreamInfo{Active: true, Model: "dev-small"})

	require.NoError(t, c.Resume(context.Background()))
	assert.True(t, c.Streaming())
}

func TestResumeReplaysInitSequence(t *testing.T) {
	f := newFixture(t)
	c := f.session(t, "/ws/alpha")
	sub := c.Events(0)
	defer c.Unsubscribe(sub)
	waitEvent(t, sub, chat.EventCaughtUp)

	f.init.RunInit("/ws/alpha", "installing deps")
	waitEvent(t, sub, chat.EventInitEnd)

	require.NoError(t, c.Resume(context.Background()))

	waitEvent(t, sub, chat.EventInitStart)
	out := waitEvent(t, sub, chat.EventInitOutput)
	assert.Equal(t, "installing deps", out.Content)
	waitEvent(t, sub, chat.EventInitEnd)
}

func TestPersistenceFailureAbortsSend(t *testing.T) {
	f := newFixture(t)
	c := f.session(t, "/ws/alpha")
	sub := c.Events(0)
	defer c.Unsubscribe(sub)
	waitEvent(t, sub, chat.EventCaughtUp)

	manager := controller.NewManager(controller.Deps{
		Transport:  f.transport,
		Init:       f.init,
		Processes:  transport.NoopProcesses{},
		Summarizer: f.summarizer,
		History:    failingHistory{},
		Partials:   f.partials,
		Config:     config.Default(),
	})
	t.Cleanup(manager.DisposeAll)

	broken, err := manager.Get("/ws/broken")
	require.NoError(t, err)

	err = broken.SendMessage(context.Background(), "hello", &queue.Options{Model: "dev-small"})
	var perr *controller.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "append message", perr.Op)
	assert.False(t, broken.Streaming())
	assert.False(t, f.transport.IsStreaming("/ws/broken"))
}

type failingHistory struct{}

func (failingHistory) History(workspaceID string) ([]*chat.Message, error) { return nil, nil }

func (failingHistory) Append(workspaceID string, msg *chat.Message) error {
	return errors.New("disk full")
}

func (failingHistory) TruncateAfter(workspaceID, messageID string) error { return nil }
