// Package session ties one project's sync machinery together: the remote
// client, the event stream, the identity store, the echo suppressor and
// the reconciliation engine. A Manager runs one session per configured
// project; sessions fail independently of each other.
package session

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/senexhq/senex-sync/internal/echo"
	"github.com/senexhq/senex-sync/internal/engine"
	"github.com/senexhq/senex-sync/internal/identity"
	"github.com/senexhq/senex-sync/internal/remote"
	"github.com/senexhq/senex-sync/internal/task"
)

// Status describes a session's lifecycle state.
type Status int

const (
	StatusStarting Status = iota
	StatusReady
	StatusDegraded
	StatusAuthFailed
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusReady:
		return "ready"
	case StatusDegraded:
		return "degraded"
	case StatusAuthFailed:
		return "auth_failed"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// EventStream is the live event source a session listens to. *stream.Conn
// satisfies it; tests substitute fakes. A nil stream leaves the session
// in poll-only mode, relying on periodic resyncs.
type EventStream interface {
	Start() error
	Stop()
	Events() <-chan task.Event
	Connected() <-chan struct{}
	Errors() <-chan error
}

// Config holds per-project session configuration.
type Config struct {
	ProjectID string
	Client    engine.RemoteClient
	Stream    EventStream
	Host      engine.Host

	// StatePath is the identity database location for this project.
	StatePath string

	// ResyncInterval is the periodic snapshot reconciliation cadence
	// (default: 30s). The interval also serves as the pending-sync retry
	// tick.
	ResyncInterval time.Duration

	// TombstoneRetention bounds delete-tombstone lifetime (default: 24h).
	TombstoneRetention time.Duration

	// EchoWindow is the echo suppression expiry (default: echo.DefaultWindow).
	EchoWindow time.Duration

	Logger *log.Logger
}

// Session runs the sync lifecycle for a single project.
type Session struct {
	projectID string
	stream    EventStream
	engine    *engine.Engine
	ids       *identity.Store
	resync    time.Duration
	logger    *log.Logger

	mu      sync.Mutex
	status  Status
	lastErr error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a session. Use Start() to open state and begin syncing.
func New(cfg *Config) (*Session, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project id cannot be empty")
	}
	if cfg.Client == nil || cfg.Host == nil {
		return nil, fmt.Errorf("client and host are required")
	}
	if cfg.StatePath == "" {
		return nil, fmt.Errorf("state path cannot be empty")
	}
	resync := cfg.ResyncInterval
	if resync <= 0 {
		resync = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}
	window := cfg.EchoWindow
	if window <= 0 {
		window = echo.DefaultWindow
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		projectID: cfg.ProjectID,
		stream:    cfg.Stream,
		resync:    resync,
		logger:    logger,
		status:    StatusStarting,
		ctx:       ctx,
		cancel:    cancel,
	}

	ids, err := identity.Open(cfg.StatePath, cfg.ProjectID, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open identity store: %w", err)
	}
	s.ids = ids

	eng, err := engine.New(&engine.Config{
		ProjectID:          cfg.ProjectID,
		Client:             cfg.Client,
		Identity:           ids,
		Echo:               echo.New(window),
		Host:               cfg.Host,
		RetryInterval:      resync,
		TombstoneRetention: cfg.TombstoneRetention,
		OnError:            s.noteError,
		Logger:             logger,
	})
	if err != nil {
		cancel()
		_ = ids.Close()
		return nil, err
	}
	s.engine = eng
	return s, nil
}

// Start performs the startup reconciliation pass, then begins the engine
// loop and the live event stream. The session is ready only once the
// startup pass has completed.
func (s *Session) Start() error {
	if err := s.engine.Start(); err != nil {
		if remote.IsAuth(err) {
			s.setStatus(StatusAuthFailed, err)
		} else {
			s.setStatus(StatusDegraded, err)
		}
		_ = s.ids.Close()
		return fmt.Errorf("session for project %s failed to start: %w", s.projectID, err)
	}
	s.setStatus(StatusReady, nil)
	s.logger.Printf("Project %s ready", s.projectID)

	if s.stream != nil {
		if err := s.stream.Start(); err != nil {
			// Live events unavailable; periodic resync still covers us.
			s.logger.Printf("Event stream for %s unavailable: %v", s.projectID, err)
			s.setStatus(StatusDegraded, err)
		} else {
			s.wg.Add(1)
			go s.forward()
		}
	}

	s.wg.Add(1)
	go s.periodicResync()
	return nil
}

// Stop shuts the session down and releases its state store.
func (s *Session) Stop() {
	s.cancel()
	if s.stream != nil {
		s.stream.Stop()
	}
	s.engine.Stop()
	s.wg.Wait()
	if err := s.ids.Close(); err != nil {
		s.logger.Printf("Failed to close identity store for %s: %v", s.projectID, err)
	}
	s.setStatus(StatusStopped, nil)
	s.logger.Printf("Project %s stopped", s.projectID)
}

// Submit queues a local mutation intent for reconciliation.
func (s *Session) Submit(intent task.Intent) error {
	if s.Status() == StatusAuthFailed {
		return fmt.Errorf("project %s: %w", s.projectID, s.LastError())
	}
	return s.engine.Submit(intent)
}

// Resync schedules a snapshot reconciliation pass.
func (s *Session) Resync() {
	s.engine.RequestResync()
}

// ProjectID returns the project this session syncs.
func (s *Session) ProjectID() string { return s.projectID }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastError returns the most recent terminal-class failure, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// forward pumps stream events into the engine and turns reconnects into
// snapshot resyncs, so changes missed while disconnected are recovered.
func (s *Session) forward() {
	defer s.wg.Done()

	first := true
	for {
		select {
		case <-s.ctx.Done():
			return

		case ev, ok := <-s.stream.Events():
			if !ok {
				return
			}
			s.engine.Deliver(ev)

		case <-s.stream.Connected():
			if first {
				// Startup already reconciled before the stream came up.
				first = false
				continue
			}
			s.logger.Printf("Stream for %s reconnected, scheduling resync", s.projectID)
			s.engine.RequestResync()

		case err := <-s.stream.Errors():
			if err == nil {
				continue
			}
			s.logger.Printf("Stream for %s failed: %v", s.projectID, err)
			s.setStatus(StatusAuthFailed, err)
		}
	}
}

// periodicResync drives the regular snapshot reconciliation cadence.
func (s *Session) periodicResync() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.resync)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.engine.RequestResync()
		}
	}
}

// noteError receives terminal-class failures from the engine.
func (s *Session) noteError(err error) {
	if remote.IsAuth(err) {
		s.setStatus(StatusAuthFailed, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusReady {
		s.status = StatusDegraded
	}
	s.lastErr = err
}

func (s *Session) setStatus(status Status, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	if err != nil {
		s.lastErr = err
	}
}
