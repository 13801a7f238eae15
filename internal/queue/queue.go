// Package queue accumulates user input that arrives while a response is
// streaming, so it can be sent as one combined turn once the stream ends.
package queue

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/codefionn/werkstatt/internal/chat"
)

// ExclusiveKind marks a queued message as incompatible with batching
// alongside other queued input.
type ExclusiveKind string

const (
	// ExclusiveNone is an ordinary, batchable message
	ExclusiveNone ExclusiveKind = ""
	// ExclusiveCompaction is a history-compaction request
	ExclusiveCompaction ExclusiveKind = "compaction"
	// ExclusiveSkill is an agent-skill invocation
	ExclusiveSkill ExclusiveKind = "skill"
)

// ErrExclusiveConflict is returned when an exclusive message would be
// batched with other queued input, or vice versa. This signals an
// integration bug upstream, not a runtime condition.
var ErrExclusiveConflict = errors.New("exclusive message cannot be combined with other queued input")

// Options is the option bundle attached to a message. A later bundle
// fully replaces an earlier one, except for ImageParts which accumulate.
type Options struct {
	Model        string
	Exclusive    ExclusiveKind
	ExclusiveRaw string // human-readable raw form, e.g. "/compact"
	ImageParts   []chat.ImagePart

	// NoFollowUpContext disables post-summarization context injection for
	// this send.
	NoFollowUpContext bool
}

// clone returns a copy with its own image slice.
func (o *Options) clone() *Options {
	if o == nil {
		return nil
	}
	c := *o
	c.ImageParts = append([]chat.ImagePart(nil), o.ImageParts...)
	return &c
}

// MessageQueue holds pending user input for one workspace: an ordered
// sequence of texts (oldest first), the most recent option bundle, and an
// append-only sequence of images.
type MessageQueue struct {
	mu     sync.Mutex
	texts  []string
	opts   *Options // latest bundle; its ImageParts are not authoritative
	images []chat.ImagePart
	seen   map[string]bool // AddOnce dedupe keys
}

// New creates an empty MessageQueue.
func New() *MessageQueue {
	return &MessageQueue{seen: make(map[string]bool)}
}

// Add appends a message to the queue. Empty or whitespace-only text with
// no images is a no-op. The option bundle replaces the stored one; images
// are merged cumulatively. Mixing exclusive and non-exclusive input
// returns ErrExclusiveConflict without modifying the queue.
func (q *MessageQueue) Add(text string, opts *Options) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.addLocked(text, opts)
}

// AddOnce behaves like Add, but a repeated dedupeKey is a no-op. Used to
// prevent duplicate follow-up injection from overlapping triggers.
func (q *MessageQueue) AddOnce(text string, opts *Options, dedupeKey string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if dedupeKey != "" && q.seen[dedupeKey] {
		return nil
	}
	if err := q.addLocked(text, opts); err != nil {
		return err
	}
	if dedupeKey != "" {
		q.seen[dedupeKey] = true
	}
	return nil
}

func (q *MessageQueue) addLocked(text string, opts *Options) error {
	trimmed := strings.TrimSpace(text)
	hasImages := opts != nil && len(opts.ImageParts) > 0
	if trimmed == "" && !hasImages {
		return nil
	}

	incomingExclusive := opts != nil && opts.Exclusive != ExclusiveNone
	queuedExclusive := q.opts != nil && q.opts.Exclusive != ExclusiveNone

	if incomingExclusive && !q.emptyLocked() {
		return fmt.Errorf("%w: %q queued behind pending input", ErrExclusiveConflict, opts.Exclusive)
	}
	if queuedExclusive {
		return fmt.Errorf("%w: pending %q blocks further input", ErrExclusiveConflict, q.opts.Exclusive)
	}

	if trimmed != "" {
		q.texts = append(q.texts, trimmed)
	}
	if opts != nil {
		q.images = append(q.images, opts.ImageParts...)
		q.opts = opts.clone()
	}
	return nil
}

// DisplayText returns the exclusive marker's raw form if the latest
// options carry one, else the newline-joined pending texts. An empty or
// image-only queue returns "".
func (q *MessageQueue) DisplayText() string {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.opts != nil && q.opts.Exclusive != ExclusiveNone && q.opts.ExclusiveRaw != "" {
		return q.opts.ExclusiveRaw
	}
	return strings.Join(q.texts, "\n")
}

// Messages returns the raw pending texts, independent of the display-text
// special-casing. Used for edit-in-place.
func (q *MessageQueue) Messages() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.texts...)
}

// ImageParts returns a defensive copy of the accumulated images.
func (q *MessageQueue) ImageParts() []chat.ImagePart {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]chat.ImagePart(nil), q.images...)
}

// ProduceMessage returns the joined text and the latest option bundle with
// the full accumulated image sequence substituted. The queue is not
// cleared; call Clear afterwards to empty it.
func (q *MessageQueue) ProduceMessage() (string, *Options) {
	q.mu.Lock()
	defer q.mu.Unlock()

	opts := q.opts.clone()
	if opts == nil {
		opts = &Options{}
	}
	opts.ImageParts = append([]chat.ImagePart(nil), q.images...)
	return strings.Join(q.texts, "\n"), opts
}

// Clear empties the queue and discards the option bundle.
func (q *MessageQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.texts = nil
	q.images = nil
	q.opts = nil
}

// IsEmpty reports whether both the text and the image sequence are empty.
func (q *MessageQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.emptyLocked()
}

func (q *MessageQueue) emptyLocked() bool {
	return len(q.texts) == 0 && len(q.images) == 0
}
