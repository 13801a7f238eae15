package history

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/werkstatt/internal/chat"
)

func newMessage(role, content string) *chat.Message {
	return &chat.Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

func TestAppendAndHistoryRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	first := newMessage("user", "hello")
	second := newMessage("assistant", "hi there")
	require.NoError(t, store.Append("ws-1", first))
	require.NoError(t, store.Append("ws-1", second))

	messages, err := store.History("ws-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, first.ID, messages[0].ID)
	assert.Equal(t, "hello", messages[0].Content)
	assert.Equal(t, "assistant", messages[1].Role)
}

func TestHistoryEmptyWorkspace(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	messages, err := store.History("never-seen")
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestWorkspacesAreIsolated(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Append("ws-a", newMessage("user", "a")))
	require.NoError(t, store.Append("ws-b", newMessage("user", "b")))

	a, err := store.History("ws-a")
	require.NoError(t, err)
	require.Len(t, a, 1)
	assert.Equal(t, "a", a[0].Content)
}

func TestTruncateAfterKeepsTarget(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	msgs := []*chat.Message{
		newMessage("user", "one"),
		newMessage("assistant", "two"),
		newMessage("user", "three"),
	}
	for _, m := range msgs {
		require.NoError(t, store.Append("ws", m))
	}

	require.NoError(t, store.TruncateAfter("ws", msgs[1].ID))

	remaining, err := store.History("ws")
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, msgs[1].ID, remaining[1].ID)
}

func TestTruncateAfterUnknownMessage(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Append("ws", newMessage("user", "one")))

	err = store.TruncateAfter("ws", "missing-id")
	assert.Error(t, err)
}

func TestPartialCommitMovesIntoHistory(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)
	partials, err := NewPartialStore(dir, store)
	require.NoError(t, err)

	partial := newMessage("assistant", "half an ans")
	require.NoError(t, partials.Write("ws", partial))

	got, err := partials.Read("ws")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, partial.ID, got.ID)

	require.NoError(t, partials.Commit("ws"))

	messages, err := store.History("ws")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, partial.ID, messages[0].ID)

	got, err = partials.Read("ws")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPartialDeleteIdempotent(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)
	partials, err := NewPartialStore(dir, store)
	require.NoError(t, err)

	require.NoError(t, partials.Write("ws", newMessage("assistant", "junk")))
	require.NoError(t, partials.Delete("ws"))
	require.NoError(t, partials.Delete("ws"))

	messages, err := store.History("ws")
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestCommitWithoutPartialIsNoop(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)
	partials, err := NewPartialStore(dir, store)
	require.NoError(t, err)

	require.NoError(t, partials.Commit("ws"))
}
