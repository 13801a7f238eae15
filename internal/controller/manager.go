package controller

import (
	"sort"
	"sync"
)

// Manager owns one Controller per workspace, creating sessions lazily on
// first access.
type Manager struct {
	mu          sync.Mutex
	deps        Deps
	controllers map[string]*Controller
}

// NewManager creates an empty manager over the shared collaborators.
func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:        deps,
		controllers: make(map[string]*Controller),
	}
}

// Get returns the workspace's controller, creating it on first access.
func (m *Manager) Get(workspaceID string) (*Controller, error) {
	if workspaceID == "" {
		return nil, ErrWorkspaceID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.controllers[workspaceID]; ok {
		return c, nil
	}
	c := newController(workspaceID, m.deps)
	m.controllers[workspaceID] = c
	return c, nil
}

// Peek returns the workspace's controller without creating one.
func (m *Manager) Peek(workspaceID string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.controllers[workspaceID]
	return c, ok
}

// Dispose tears down and forgets the workspace's session. Unknown
// workspaces are a no-op.
func (m *Manager) Dispose(workspaceID string) {
	m.mu.Lock()
	c, ok := m.controllers[workspaceID]
	delete(m.controllers, workspaceID)
	m.mu.Unlock()

	if ok {
		c.Dispose()
	}
}

// DisposeAll tears down every session, e.g. on shutdown.
func (m *Manager) DisposeAll() {
	m.mu.Lock()
	controllers := make([]*Controller, 0, len(m.controllers))
	for _, c := range m.controllers {
		controllers = append(controllers, c)
	}
	m.controllers = make(map[string]*Controller)
	m.mu.Unlock()

	for _, c := range controllers {
		c.Dispose()
	}
}

// Workspaces returns the ids of all live sessions, sorted.
func (m *Manager) Workspaces() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.controllers))
	for id := range m.controllers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
