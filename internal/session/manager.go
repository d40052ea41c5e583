package session

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/senexhq/senex-sync/internal/remote"
)

// Factory builds an unstarted session for a project id. The Manager owns
// starting and stopping what the factory returns.
type Factory func(projectID string) (*Session, error)

// Manager runs one session per configured project. A session that fails
// to start is recorded and skipped; it never prevents the other projects
// from syncing.
type Manager struct {
	factory Factory
	logger  *log.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	failures map[string]error
}

// NewManager creates a manager around a session factory.
func NewManager(factory Factory, logger *log.Logger) (*Manager, error) {
	if factory == nil {
		return nil, fmt.Errorf("factory cannot be nil")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[manager] ", log.LstdFlags)
	}
	return &Manager{
		factory:  factory,
		logger:   logger,
		sessions: make(map[string]*Session),
		failures: make(map[string]error),
	}, nil
}

// Apply reconciles the running sessions against the desired project set:
// missing projects are started, removed projects are stopped. Called at
// startup and again whenever configuration changes.
func (m *Manager) Apply(projectIDs []string) {
	desired := make(map[string]bool, len(projectIDs))
	for _, id := range projectIDs {
		desired[id] = true
	}

	m.mu.Lock()
	var toStop []*Session
	for id, s := range m.sessions {
		if !desired[id] {
			delete(m.sessions, id)
			toStop = append(toStop, s)
		}
	}
	var toStart []string
	for id := range desired {
		if _, running := m.sessions[id]; !running {
			toStart = append(toStart, id)
		}
	}
	m.mu.Unlock()

	for _, s := range toStop {
		m.logger.Printf("Stopping session for removed project %s", s.ProjectID())
		s.Stop()
	}

	for _, id := range toStart {
		s, err := m.factory(id)
		if err != nil {
			m.logger.Printf("Failed to build session for project %s: %v", id, err)
			m.recordFailure(id, err)
			continue
		}
		if err := s.Start(); err != nil {
			// Isolated failure: other projects keep syncing.
			m.logger.Printf("Failed to start session for project %s: %v", id, err)
			m.recordFailure(id, err)
			continue
		}
		m.mu.Lock()
		m.sessions[id] = s
		delete(m.failures, id)
		m.mu.Unlock()
	}
}

// Get returns the running session for a project.
func (m *Manager) Get(projectID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[projectID]
	return s, ok
}

// Statuses reports the state of every known project, including ones whose
// session never came up.
func (m *Manager) Statuses() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Status, len(m.sessions)+len(m.failures))
	for id, s := range m.sessions {
		out[id] = s.Status()
	}
	for id, err := range m.failures {
		if _, ok := out[id]; ok {
			continue
		}
		if remote.IsAuth(err) {
			out[id] = StatusAuthFailed
		} else {
			out[id] = StatusDegraded
		}
	}
	return out
}

// Failure returns the startup error recorded for a project, if any.
func (m *Manager) Failure(projectID string) (error, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	err, ok := m.failures[projectID]
	return err, ok
}

// ResyncAll schedules a snapshot reconciliation on every running session.
func (m *Manager) ResyncAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		s.Resync()
	}
}

// StopAll stops every running session.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
}

func (m *Manager) recordFailure(projectID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[projectID] = err
}
