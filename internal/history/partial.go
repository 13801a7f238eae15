package history

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/codefionn/werkstatt/internal/chat"
)

type storedPartial struct {
	Version   int
	Workspace string
	Message   *chat.Message
}

// PartialStore persists the not-yet-committed in-progress response, so a
// stream survives an application restart. Commit moves the partial into
// the transcript; Delete abandons it.
type PartialStore struct {
	mu      sync.Mutex
	baseDir string
	history *Store
}

// NewPartialStore creates a partial store sharing the history store's
// directory layout.
func NewPartialStore(baseDir string, history *Store) (*PartialStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create partial directory: %w", err)
	}
	return &PartialStore{baseDir: baseDir, history: history}, nil
}

func (p *PartialStore) path(workspaceID string) string {
	return filepath.Join(p.baseDir, workspaceHash(workspaceID), "partial.gob")
}

// Read returns the stored partial, or nil when there is none.
func (p *PartialStore) Read(workspaceID string) (*chat.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readLocked(workspaceID)
}

func (p *PartialStore) readLocked(workspaceID string) (*chat.Message, error) {
	file, err := os.Open(p.path(workspaceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open partial file: %w", err)
	}
	defer file.Close()

	var stored storedPartial
	if err := gob.NewDecoder(file).Decode(&stored); err != nil {
		return nil, fmt.Errorf("failed to decode partial: %w", err)
	}
	if stored.Version != StorageVersion {
		return nil, fmt.Errorf("partial version mismatch: expected %d, got %d", StorageVersion, stored.Version)
	}
	return stored.Message, nil
}

// Write stores the current in-progress response, overwriting any previous
// partial for the workspace.
func (p *PartialStore) Write(workspaceID string, msg *chat.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	finalPath := p.path(workspaceID)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}

	tempPath := finalPath + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	stored := &storedPartial{Version: StorageVersion, Workspace: workspaceID, Message: msg}
	if err := gob.NewEncoder(file).Encode(stored); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode partial: %w", err)
	}
	file.Close()

	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Commit appends the partial to the transcript and removes it. Committing
// with no partial stored is a no-op.
func (p *PartialStore) Commit(workspaceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	msg, err := p.readLocked(workspaceID)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}
	if err := p.history.Append(workspaceID, msg); err != nil {
		return err
	}
	return p.deleteLocked(workspaceID)
}

// Delete abandons the stored partial. Idempotent.
func (p *PartialStore) Delete(workspaceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deleteLocked(workspaceID)
}

func (p *PartialStore) deleteLocked(workspaceID string) error {
	if err := os.Remove(p.path(workspaceID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete partial file: %w", err)
	}
	return nil
}
