// Package history persists per-workspace conversation transcripts and the
// in-progress partial response.
package history

import (
	"crypto/sha256"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/werkstatt/internal/chat"
	"github.com/codefionn/werkstatt/internal/logger"
)

// StorageVersion stamps the on-disk format for forward compatibility.
const StorageVersion = 1

func init() {
	gob.Register(map[string]interface{}{})
	gob.Register([]map[string]interface{}{})
	gob.Register([]interface{}{})
}

type storedHistory struct {
	Version   int
	Workspace string
	Messages  []*chat.Message
	SavedAt   time.Time
}

// Store is a gob-backed transcript store, one file per workspace, written
// atomically via tmp+rename.
type Store struct {
	mu      sync.Mutex
	baseDir string
}

// NewStore creates the store rooted at baseDir, creating it if needed.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

// DefaultDir returns the platform-specific state directory for transcripts.
func DefaultDir() (string, error) {
	switch runtime.GOOS {
	case "linux":
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "werkstatt", "history"), nil
		}
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(homeDir, ".local", "state", "werkstatt", "history"), nil
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, "werkstatt", "history"), nil
		}
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(homeDir, "AppData", "Local", "werkstatt", "history"), nil
	default:
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(homeDir, ".config", "werkstatt", "history"), nil
	}
}

// workspaceHash creates a safe directory name from a workspace id.
func workspaceHash(workspaceID string) string {
	hash := sha256.Sum256([]byte(workspaceID))
	return fmt.Sprintf("%x", hash)[:16]
}

func (s *Store) path(workspaceID string) string {
	return filepath.Join(s.baseDir, workspaceHash(workspaceID), "history.gob")
}

// History returns the workspace's transcript, oldest first. A workspace
// with no file yet has an empty transcript.
func (s *Store) History(workspaceID string) ([]*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(workspaceID)
}

func (s *Store) loadLocked(workspaceID string) ([]*chat.Message, error) {
	file, err := os.Open(s.path(workspaceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	defer file.Close()

	var stored storedHistory
	if err := gob.NewDecoder(file).Decode(&stored); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	if stored.Version != StorageVersion {
		return nil, fmt.Errorf("history version mismatch: expected %d, got %d", StorageVersion, stored.Version)
	}
	return stored.Messages, nil
}

func (s *Store) saveLocked(workspaceID string, messages []*chat.Message) error {
	finalPath := s.path(workspaceID)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}

	tempPath := finalPath + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	stored := &storedHistory{
		Version:   StorageVersion,
		Workspace: workspaceID,
		Messages:  messages,
		SavedAt:   time.Now(),
	}
	if err := gob.NewEncoder(file).Encode(stored); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode history: %w", err)
	}
	file.Close()

	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Append adds one message to the workspace's transcript.
func (s *Store) Append(workspaceID string, msg *chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages, err := s.loadLocked(workspaceID)
	if err != nil {
		return err
	}
	messages = append(messages, msg)
	if err := s.saveLocked(workspaceID, messages); err != nil {
		return err
	}
	logger.Debug("history: appended %s message %s to workspace %s", msg.Role, msg.ID, workspaceID)
	return nil
}

// TruncateAfter drops every message after the one with messageID,
// keeping that message itself.
func (s *Store) TruncateAfter(workspaceID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages, err := s.loadLocked(workspaceID)
	if err != nil {
		return err
	}
	for i, msg := range messages {
		if msg.ID == messageID {
			return s.saveLocked(workspaceID, messages[:i+1])
		}
	}
	return fmt.Errorf("message %s not found in workspace %s", messageID, workspaceID)
}

// Clear removes the workspace's transcript entirely.
func (s *Store) Clear(workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(workspaceID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete history file: %w", err)
	}
	return nil
}
