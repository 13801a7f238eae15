// Package filetrack records last-known content and modification time for
// files the agent has touched, and detects external edits once per turn.
package filetrack

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/codefionn/werkstatt/internal/logger"
)

// Change reports an externally-edited tracked file as a unified diff from
// the stored snapshot to the live content.
type Change struct {
	Path string
	Diff string
}

type entry struct {
	content string
	modTime time.Time
	sum     uint64
}

// Tracker holds one snapshot per tracked path. Record overwrites
// unconditionally; Scan re-checks every path and refreshes snapshots.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry
	watcher *Watcher
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]*entry)}
}

// SetWatcher attaches a filesystem watcher. With a watcher attached, Scan
// skips the stat for paths with no filesystem events since the previous
// scan. Passing nil detaches.
func (t *Tracker) SetWatcher(w *Watcher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.watcher = w
	if w != nil {
		for path := range t.entries {
			w.Add(path)
		}
	}
}

// Record stores or overwrites the snapshot for path.
func (t *Tracker) Record(path, content string, modTime time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries[path] = &entry{
		content: content,
		modTime: modTime,
		sum:     xxhash.Sum64String(content),
	}
	if t.watcher != nil {
		t.watcher.Add(path)
	}
}

// Scan re-checks every tracked path concurrently and returns a change
// record per file whose live content differs from the stored snapshot.
// Snapshots are refreshed on every successful re-read, even when the diff
// is empty, so an externally-touched-but-unchanged file is not re-diffed
// on subsequent turns. Stat or read failures are skipped silently without
// untracking the path. Result order is not significant.
func (t *Tracker) Scan(ctx context.Context) []Change {
	t.mu.Lock()
	type job struct {
		path string
		snap entry
	}
	jobs := make([]job, 0, len(t.entries))
	var dirty map[string]bool
	if t.watcher != nil {
		dirty = t.watcher.DrainDirty()
	}
	for path, e := range t.entries {
		// Skip the stat only when the watcher definitely covers the path
		// and saw no events; otherwise the mtime check stays authoritative.
		if dirty != nil && t.watcher.Watching(path) && !dirty[path] {
			continue
		}
		jobs = append(jobs, job{path: path, snap: *e})
	}
	t.mu.Unlock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changes []Change
	)
	for _, j := range jobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()

			if ctx.Err() != nil {
				return
			}

			info, err := os.Stat(j.path)
			if err != nil {
				// Deleted or inaccessible: keep the entry, report nothing.
				logger.Debug("filetrack: stat %s failed: %v", j.path, err)
				return
			}
			if !info.ModTime().After(j.snap.modTime) {
				return
			}

			raw, err := os.ReadFile(j.path)
			if err != nil {
				logger.Debug("filetrack: read %s failed: %v", j.path, err)
				return
			}
			live := string(raw)
			liveSum := xxhash.Sum64String(live)

			t.refresh(j.path, live, info.ModTime(), liveSum)

			if liveSum == j.snap.sum && live == j.snap.content {
				return
			}

			diff, err := unifiedDiff(j.path, j.snap.content, live)
			if err != nil || diff == "" {
				return
			}

			mu.Lock()
			changes = append(changes, Change{Path: j.path, Diff: diff})
			mu.Unlock()
		}(j)
	}
	wg.Wait()

	return changes
}

// refresh updates the stored snapshot if the path is still tracked.
func (t *Tracker) refresh(path, content string, modTime time.Time, sum uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[path]; !ok {
		return // cleared mid-scan
	}
	t.entries[path] = &entry{content: content, modTime: modTime, sum: sum}
}

// Clear drops all tracked entries.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]*entry)
}

// Count returns the number of tracked paths.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Paths returns the tracked paths, sorted.
func (t *Tracker) Paths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	paths := make([]string, 0, len(t.entries))
	for path := range t.entries {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func unifiedDiff(path, old, live string) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(old),
		B:        difflib.SplitLines(live),
		FromFile: path,
		ToFile:   path,
		Context:  3,
	})
}
