// Package attach decides, once per turn, whether to inject
// post-summarization context into the model's next request.
package attach

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/codefionn/werkstatt/internal/filetrack"
	"github.com/codefionn/werkstatt/internal/logger"
)

// DefaultInterval is the number of turns between follow-up injections
// after a summarization.
const DefaultInterval = 5

// Params configures a Scheduler for one workspace.
type Params struct {
	Interval      int    // turns between follow-up injections; 0 means DefaultInterval
	ExclusionFile string // optional; one opaque id per line, unreadable means empty
	PlanFile      string // optional; attached as a reference when present
}

// TurnInput carries what is known at turn start.
type TurnInput struct {
	// SummarizedNow is set when a summarization completed since the last
	// turn. CapturedChanges are the pre-clear diffs the summarizer
	// captured; history has already been replaced, so they cannot be
	// recomputed.
	SummarizedNow   bool
	CapturedChanges []filetrack.Change

	// Enabled gates the post-compaction-context feature for this send.
	Enabled bool
}

// Decision is the scheduler's verdict for one turn. An empty Attachments
// slice means inject nothing.
type Decision struct {
	Attachments []Attachment
	FromCapture bool
}

// Scheduler tracks the cooldown state pair for one workspace: the
// turns-since-last-injection counter and the sticky "summarization
// occurred" flag.
type Scheduler struct {
	mu         sync.Mutex
	params     Params
	turnsSince int
	summarized bool
}

// NewScheduler creates a scheduler. The counter starts pre-elapsed so the
// first eligible turn injects without waiting a full interval.
func NewScheduler(params Params) *Scheduler {
	if params.Interval <= 0 {
		params.Interval = DefaultInterval
	}
	return &Scheduler{params: params, turnsSince: params.Interval}
}

// TurnStart is invoked exactly once per turn-start and returns what to
// inject. On a just-completed summarization it injects unconditionally
// from the captured diffs, resets the counter, sets the sticky flag and
// clears the tracker (whose entries predate the summary). Otherwise the
// counter advances and, once it reaches the interval with the flag set,
// attachments are recomputed from the tracker's current state minus the
// exclusion list.
func (s *Scheduler) TurnStart(ctx context.Context, in TurnInput, tracker *filetrack.Tracker) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.SummarizedNow {
		s.turnsSince = 0
		s.summarized = true
		if tracker != nil {
			tracker.Clear()
		}
		if !in.Enabled {
			return Decision{}
		}
		logger.Debug("attach: injecting %d captured change(s) after summarization", len(in.CapturedChanges))
		return Decision{
			Attachments: changeAttachments(in.CapturedChanges),
			FromCapture: true,
		}
	}

	s.turnsSince++
	if !s.summarized || !in.Enabled || s.turnsSince < s.params.Interval {
		return Decision{}
	}
	s.turnsSince = 0

	excluded := loadExclusions(s.params.ExclusionFile)

	var attachments []Attachment
	if tracker != nil {
		for _, a := range changeAttachments(tracker.Scan(ctx)) {
			if excluded[a.ID] {
				continue
			}
			attachments = append(attachments, a)
		}
	}
	if plan := planAttachment(s.params.PlanFile); plan != nil && !excluded[plan.ID] {
		attachments = append(attachments, *plan)
	}

	logger.Debug("attach: follow-up injection with %d attachment(s)", len(attachments))
	return Decision{Attachments: attachments}
}

// loadExclusions reads the per-session exclusion list. A missing or
// unreadable file is an empty list, not an error.
func loadExclusions(path string) map[string]bool {
	excluded := make(map[string]bool)
	if path == "" {
		return excluded
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return excluded
	}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		excluded[line] = true
	}
	return excluded
}
