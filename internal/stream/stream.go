// Package stream provides the persistent WebSocket subscription to the
// Senex task service.
//
// One connection is held per synchronized project set. The connection owns
// its reconnect/backoff and heartbeat watchdog, and decodes inbound change
// notifications into typed task events:
//
//	Senex WS ──frames──> Conn ──task.Event──> reconciliation engine
//
// State machine:
//
//	Disconnected → Connecting → Authenticated → Subscribed →
//	(Receiving ⇄ Stalled) → Disconnected → ...
//
// Reconnects use exponential backoff with jitter, a capped maximum
// interval and an unbounded retry count; network presence is assumed
// eventually restored. Token rejection at the handshake is terminal
// (AuthFailed) and never auto-retried. After every successful subscribe
// the connection signals Connected() so the session can run a snapshot
// resync covering any events missed while disconnected; the server is not
// assumed to buffer a gap log.
//
// Within one connection, events for a given remote id arrive in server
// emission order. Across a reconnect, ordering is only restored by the
// subsequent snapshot resync.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/senexhq/senex-sync/internal/task"
)

// State is the connection lifecycle state.
type State int

const (
	// StateDisconnected means no transport is open.
	StateDisconnected State = iota
	// StateConnecting means the transport is being opened.
	StateConnecting
	// StateAuthenticated means the handshake accepted the token.
	StateAuthenticated
	// StateSubscribed means the server acknowledged the project subscription.
	StateSubscribed
	// StateReceiving means the connection is decoding inbound messages.
	StateReceiving
	// StateStalled means no heartbeat arrived within the stall interval.
	StateStalled
	// StateAuthFailed means the token was rejected; terminal, no auto-retry.
	StateAuthFailed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribed:
		return "subscribed"
	case StateReceiving:
		return "receiving"
	case StateStalled:
		return "stalled"
	case StateAuthFailed:
		return "auth_failed"
	default:
		return "unknown"
	}
}

// Config holds connection configuration.
type Config struct {
	// URL of the WebSocket endpoint, e.g. "wss://tasks.example.com/ws".
	URL string

	// Token is the API token presented at the handshake.
	Token string

	// ProjectIDs to subscribe to.
	ProjectIDs []string

	// ConnectTimeout bounds the dial and subscribe handshakes (default: 10s).
	ConnectTimeout time.Duration

	// StallTimeout forces a reconnect when no message or heartbeat arrives
	// within it (default: 90s).
	StallTimeout time.Duration

	// BackoffBase is the initial reconnect delay (default: 1s).
	BackoffBase time.Duration

	// BackoffCap bounds the reconnect delay (default: 2m).
	BackoffCap time.Duration

	// Logger for connection activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults; URL and Token must be set.
func DefaultConfig() *Config {
	return &Config{
		ConnectTimeout: 10 * time.Second,
		StallTimeout:   90 * time.Second,
		BackoffBase:    time.Second,
		BackoffCap:     2 * time.Minute,
		Logger:         log.New(os.Stderr, "[stream] ", log.LstdFlags),
	}
}

// frame is the wire representation of an inbound or outbound message.
type frame struct {
	Type     string   `json:"type"`
	Projects []string `json:"projects,omitempty"`

	ProjectID string `json:"projectId,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
	Revision  int64  `json:"revision,omitempty"`

	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	Completed   *bool      `json:"completed,omitempty"`
	Source      string     `json:"source,omitempty"`
}

// Conn manages one persistent subscription.
type Conn struct {
	cfg      *Config
	projects map[string]bool

	events    chan task.Event
	connected chan struct{}
	errs      chan error

	stateMu sync.Mutex
	state   State

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// New creates a connection for the given configuration.
// Use Start() to begin connecting.
func New(cfg *Config) (*Conn, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("websocket URL cannot be empty")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("token cannot be empty")
	}
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = def.StallTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = def.BackoffCap
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	projects := make(map[string]bool, len(cfg.ProjectIDs))
	for _, id := range cfg.ProjectIDs {
		projects[id] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		cfg:       cfg,
		projects:  projects,
		events:    make(chan task.Event, 100),
		connected: make(chan struct{}, 1),
		errs:      make(chan error, 1),
		ctx:       ctx,
		cancel:    cancel,
		logger:    cfg.Logger,
	}, nil
}

// Start begins the connect/receive loop in the background.
func (c *Conn) Start() error {
	c.wg.Add(1)
	go c.run()
	return nil
}

// Stop closes the connection and stops reconnecting.
func (c *Conn) Stop() {
	c.cancel()
	c.wg.Wait()
}

// Events returns the channel of decoded change notifications.
func (c *Conn) Events() <-chan task.Event {
	return c.events
}

// Connected signals after every successful subscribe, including
// reconnects. The session uses it to trigger a snapshot resync.
func (c *Conn) Connected() <-chan struct{} {
	return c.connected
}

// Errors returns terminal connection failures (auth rejection).
func (c *Conn) Errors() <-chan error {
	return c.errs
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.stateMu.Lock()
	prev := c.state
	c.state = s
	c.stateMu.Unlock()
	if prev != s {
		c.logger.Printf("State: %s -> %s", prev, s)
	}
}

// run is the reconnect loop. Exits only on Stop or terminal auth failure.
func (c *Conn) run() {
	defer c.wg.Done()

	backoff := c.cfg.BackoffBase
	for {
		if c.ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}

		c.setState(StateConnecting)
		conn, err := c.dial()
		if err != nil {
			if isAuthRejection(err) {
				c.setState(StateAuthFailed)
				c.logger.Printf("Token rejected, giving up: %v", err)
				select {
				case c.errs <- fmt.Errorf("websocket authentication failed: %w", err):
				default:
				}
				return
			}
			c.setState(StateDisconnected)
			if !c.sleep(backoff) {
				return
			}
			backoff = c.nextBackoff(backoff)
			continue
		}

		c.setState(StateAuthenticated)
		if err := c.subscribe(conn); err != nil {
			c.logger.Printf("Subscribe failed: %v", err)
			_ = conn.Close(websocket.StatusProtocolError, "subscribe failed")
			c.setState(StateDisconnected)
			if !c.sleep(backoff) {
				return
			}
			backoff = c.nextBackoff(backoff)
			continue
		}

		c.setState(StateSubscribed)
		backoff = c.cfg.BackoffBase
		select {
		case c.connected <- struct{}{}:
		default:
		}

		c.setState(StateReceiving)
		err = c.readLoop(conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if c.ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		c.logger.Printf("Connection lost: %v", err)
		c.setState(StateDisconnected)
		if !c.sleep(backoff) {
			return
		}
		backoff = c.nextBackoff(backoff)
	}
}

func (c *Conn) dial() (*websocket.Conn, error) {
	u := c.cfg.URL
	if strings.Contains(u, "?") {
		u += "&token=" + c.cfg.Token
	} else {
		u += "?token=" + c.cfg.Token
	}

	dialCtx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, u, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &authRejection{status: resp.StatusCode}
		}
		return nil, fmt.Errorf("failed to dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

// subscribe registers interest in the configured projects and waits for
// the server acknowledgment. No ack means the connection is considered
// failed.
func (c *Conn) subscribe(conn *websocket.Conn) error {
	subCtx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
	defer cancel()

	sub := frame{Type: "subscribe", Projects: c.cfg.ProjectIDs}
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscribe frame: %w", err)
	}
	if err := conn.Write(subCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send subscribe frame: %w", err)
	}

	_, data, err = conn.Read(subCtx)
	if err != nil {
		return fmt.Errorf("failed to read subscribe ack: %w", err)
	}
	var ack frame
	if err := json.Unmarshal(data, &ack); err != nil {
		return fmt.Errorf("failed to decode subscribe ack: %w", err)
	}
	if ack.Type != "subscribed" {
		return fmt.Errorf("unexpected ack type %q", ack.Type)
	}
	return nil
}

// readLoop decodes inbound frames until the connection fails, stalls, or
// the connection is stopped.
func (c *Conn) readLoop(conn *websocket.Conn) error {
	for {
		readCtx, cancel := context.WithTimeout(c.ctx, c.cfg.StallTimeout)
		_, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			if c.ctx.Err() != nil {
				return nil
			}
			if readCtx.Err() == context.DeadlineExceeded {
				c.setState(StateStalled)
				return fmt.Errorf("no message within %s, forcing reconnect", c.cfg.StallTimeout)
			}
			return err
		}

		ev, ok := c.decode(data)
		if !ok {
			continue
		}
		if ev.Kind == task.Heartbeat {
			continue
		}
		if len(c.projects) > 0 && !c.projects[ev.ProjectID] {
			continue
		}

		select {
		case c.events <- ev:
		case <-c.ctx.Done():
			return nil
		}
	}
}

// decode converts a wire frame into a task event.
// Malformed frames are logged and skipped, never fatal.
func (c *Conn) decode(data []byte) (task.Event, bool) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Printf("Skipping malformed frame: %v", err)
		return task.Event{}, false
	}

	var kind task.EventKind
	switch f.Type {
	case "heartbeat", "ping":
		return task.Event{Kind: task.Heartbeat}, true
	case "subscribed":
		return task.Event{}, false
	case "task.created":
		kind = task.ItemCreated
	case "task.updated":
		kind = task.ItemUpdated
	case "task.completed":
		kind = task.ItemCompleted
	case "task.reopened":
		kind = task.ItemReopened
	case "task.deleted":
		kind = task.ItemDeleted
	default:
		c.logger.Printf("Skipping unknown frame type %q", f.Type)
		return task.Event{}, false
	}

	if f.TaskID == "" {
		c.logger.Printf("Skipping %s frame without task id", f.Type)
		return task.Event{}, false
	}

	return task.Event{
		Kind:        kind,
		ProjectID:   f.ProjectID,
		RemoteID:    f.TaskID,
		Revision:    f.Revision,
		Title:       f.Title,
		Description: f.Description,
		DueDate:     f.DueDate,
		Completed:   f.Completed,
		Source:      f.Source,
	}, true
}

// sleep waits for a jittered delay; returns false when stopped.
func (c *Conn) sleep(backoff time.Duration) bool {
	half := backoff / 2
	delay := half + time.Duration(rand.Int63n(int64(half)+1))
	c.logger.Printf("Reconnecting in %s", delay.Round(time.Millisecond))
	select {
	case <-time.After(delay):
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Conn) nextBackoff(backoff time.Duration) time.Duration {
	backoff *= 2
	if backoff > c.cfg.BackoffCap {
		backoff = c.cfg.BackoffCap
	}
	return backoff
}

// authRejection marks a handshake token rejection.
type authRejection struct {
	status int
}

func (e *authRejection) Error() string {
	return fmt.Sprintf("handshake rejected with status %d", e.status)
}

func isAuthRejection(err error) bool {
	_, ok := err.(*authRejection)
	return ok
}
