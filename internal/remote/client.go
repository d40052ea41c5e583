// Package remote provides the HTTP client for the Senex task service.
//
// The client is a stateless wrapper over the service's CRUD endpoints:
//
//	GET  /api/data?token=T&includeCompleted=true   full snapshot
//	POST /api/tasks?token=T                        create
//	PUT  /api/tasks/{id}?token=T                   update / soft delete
//	POST /api/tasks/{id}/complete?token=T          complete
//	POST /api/tasks/{id}/uncomplete?token=T        reopen
//	POST /api/tags?token=T                         create tag
//
// Transport and status-code failures are translated into the typed error
// taxonomy in errors.go. Transient failures and rate limits are retried
// with bounded exponential backoff plus jitter; auth rejections, missing
// items and validation failures are surfaced immediately.
//
// Every write returns the server-assigned remote ID and revision. The
// client never invents either; they are the only authoritative source of
// identity and ordering for the reconciliation engine.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/senexhq/senex-sync/internal/task"
)

// defaultTagColor is assigned to tags the client provisions for creator
// labels, matching the service's palette default.
const defaultTagColor = "#4a7c59"

// Config holds client configuration.
type Config struct {
	// BaseURL of the Senex API, e.g. "https://tasks.example.com".
	BaseURL string

	// Token is the API token appended to every request.
	Token string

	// HTTPClient overrides the transport (default: 10s timeout client).
	HTTPClient *http.Client

	// MaxAttempts caps retries for transient failures (default: 4).
	MaxAttempts int

	// BackoffBase is the initial retry delay (default: 500ms).
	BackoffBase time.Duration

	// BackoffCap bounds the retry delay (default: 15s).
	BackoffCap time.Duration

	// Logger for client activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults; BaseURL and Token must be set.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 4,
		BackoffBase: 500 * time.Millisecond,
		BackoffCap:  15 * time.Second,
		Logger:      log.New(os.Stderr, "[remote] ", log.LstdFlags),
	}
}

// Client issues authenticated CRUD requests against the Senex service.
// It is safe for concurrent use.
type Client struct {
	baseURL     string
	token       string
	http        *http.Client
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
	logger      *log.Logger
}

// Project is a remote task list/collection available for synchronization.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// remoteTask is the wire representation of a task.
type remoteTask struct {
	ID             string     `json:"id,omitempty"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	DueDate        *time.Time `json:"dueDate,omitempty"`
	Priority       int        `json:"priority,omitempty"`
	ProjectID      string     `json:"projectId"`
	TagIDs         []string   `json:"tagIds,omitempty"`
	Source         string     `json:"source,omitempty"`
	Revision       int64      `json:"revision,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
	IdempotencyKey string     `json:"idempotencyKey,omitempty"`
}

type remoteTag struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// snapshot is the /api/data response body.
type snapshot struct {
	Tasks    []remoteTask `json:"tasks"`
	Projects []Project    `json:"projects"`
	Tags     []remoteTag  `json:"tags"`
}

// NewClient creates a client for the given configuration.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("token cannot be empty")
	}
	def := DefaultConfig()
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = def.MaxAttempts
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = def.BackoffBase
	}
	backoffCap := cfg.BackoffCap
	if backoffCap <= 0 {
		backoffCap = def.BackoffCap
	}
	logger := cfg.Logger
	if logger == nil {
		logger = def.Logger
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		token:       cfg.Token,
		http:        httpClient,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
		logger:      logger,
	}, nil
}

// CreateItem creates a task remotely and returns the server-assigned
// remote ID and revision.
//
// A client-generated idempotency key is attached to the request and reused
// across retries, so a timed-out write retried by the backoff loop cannot
// create duplicates. If the item carries a CreatorTag, a matching user tag
// is looked up or created first; tag provisioning failures are logged and
// the create proceeds untagged.
func (c *Client) CreateItem(ctx context.Context, item task.Item) (string, int64, error) {
	if err := item.Validate(); err != nil {
		return "", 0, &ValidationError{Reason: err.Error()}
	}

	var tagIDs []string
	if item.CreatorTag != "" {
		tagID, err := c.GetOrCreateUserTag(ctx, item.CreatorTag)
		if err != nil {
			c.logger.Printf("Warning: failed to provision tag for %q: %v", item.CreatorTag, err)
		} else if tagID != "" {
			tagIDs = []string{tagID}
		}
	}

	priority := item.Priority
	if priority == 0 {
		priority = task.DefaultPriority
	}

	body := remoteTask{
		Title:          item.Title,
		Description:    item.Description,
		DueDate:        item.DueDate,
		Priority:       priority,
		ProjectID:      item.ProjectID,
		TagIDs:         tagIDs,
		Source:         "api",
		IdempotencyKey: uuid.NewString(),
	}

	var created remoteTask
	if err := c.do(ctx, http.MethodPost, "/api/tasks", nil, body, &created); err != nil {
		return "", 0, fmt.Errorf("failed to create task: %w", err)
	}
	return created.ID, created.Revision, nil
}

// UpdateItem pushes the item's flat fields to the remote task and returns
// the new revision.
func (c *Client) UpdateItem(ctx context.Context, remoteID string, item task.Item) (int64, error) {
	if remoteID == "" {
		return 0, &ValidationError{Reason: "remote id is required"}
	}
	if err := item.Validate(); err != nil {
		return 0, &ValidationError{Reason: err.Error()}
	}

	body := remoteTask{
		Title:       item.Title,
		Description: item.Description,
		DueDate:     item.DueDate,
		ProjectID:   item.ProjectID,
	}

	var updated remoteTask
	if err := c.do(ctx, http.MethodPut, "/api/tasks/"+remoteID, nil, body, &updated); err != nil {
		return 0, c.tagNotFound(err, remoteID, "update")
	}
	return updated.Revision, nil
}

// CompleteItem marks the remote task completed and returns the new revision.
func (c *Client) CompleteItem(ctx context.Context, remoteID string) (int64, error) {
	return c.toggle(ctx, remoteID, "complete")
}

// ReopenItem clears the remote task's completed state and returns the new
// revision.
func (c *Client) ReopenItem(ctx context.Context, remoteID string) (int64, error) {
	return c.toggle(ctx, remoteID, "uncomplete")
}

func (c *Client) toggle(ctx context.Context, remoteID, action string) (int64, error) {
	if remoteID == "" {
		return 0, &ValidationError{Reason: "remote id is required"}
	}
	var updated remoteTask
	err := c.do(ctx, http.MethodPost, "/api/tasks/"+remoteID+"/"+action, nil, nil, &updated)
	if err != nil {
		return 0, c.tagNotFound(err, remoteID, action)
	}
	return updated.Revision, nil
}

// DeleteItem soft-deletes the remote task by setting its deletedAt marker.
// The server retains the tombstone; this is not a row removal.
func (c *Client) DeleteItem(ctx context.Context, remoteID string) (int64, error) {
	if remoteID == "" {
		return 0, &ValidationError{Reason: "remote id is required"}
	}
	body := map[string]string{"deletedAt": "now"}
	var updated remoteTask
	if err := c.do(ctx, http.MethodPut, "/api/tasks/"+remoteID, nil, body, &updated); err != nil {
		return 0, c.tagNotFound(err, remoteID, "delete")
	}
	return updated.Revision, nil
}

// ListItems fetches the full remote snapshot and returns the tasks in the
// given project, tombstones included. Used for initial sync and recovery
// resync after a stream reconnect.
func (c *Client) ListItems(ctx context.Context, projectID string) ([]task.Item, error) {
	if projectID == "" {
		return nil, &ValidationError{Reason: "project id is required"}
	}

	snap, err := c.fetchSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	var items []task.Item
	for _, rt := range snap.Tasks {
		if rt.ProjectID != projectID {
			continue
		}
		items = append(items, toItem(rt))
	}
	return items, nil
}

// ListProjects returns the remote projects available for synchronization.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	snap, err := c.fetchSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Projects, nil
}

// GetOrCreateUserTag finds the tag matching name (case-insensitive) or
// creates it, returning the tag ID.
func (c *Client) GetOrCreateUserTag(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", &ValidationError{Reason: "tag name is required"}
	}

	snap, err := c.fetchSnapshot(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to look up tags: %w", err)
	}
	for _, tag := range snap.Tags {
		if strings.EqualFold(tag.Name, name) {
			return tag.ID, nil
		}
	}

	body := remoteTag{Name: name, Color: defaultTagColor}
	var created remoteTag
	if err := c.do(ctx, http.MethodPost, "/api/tags", nil, body, &created); err != nil {
		return "", fmt.Errorf("failed to create tag %q: %w", name, err)
	}
	return created.ID, nil
}

func (c *Client) fetchSnapshot(ctx context.Context) (*snapshot, error) {
	query := url.Values{"includeCompleted": {"true"}}
	var snap snapshot
	if err := c.do(ctx, http.MethodGet, "/api/data", query, nil, &snap); err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	return &snap, nil
}

// toItem maps a wire task to the engine model.
func toItem(rt remoteTask) task.Item {
	return task.Item{
		RemoteID:    rt.ID,
		ProjectID:   rt.ProjectID,
		Title:       rt.Title,
		Description: rt.Description,
		DueDate:     rt.DueDate,
		Priority:    rt.Priority,
		Completed:   rt.CompletedAt != nil,
		Source:      rt.Source,
		Revision:    rt.Revision,
		Deleted:     rt.DeletedAt != nil,
	}
}

// tagNotFound rewrites bare 404 classifications with the remote ID for
// better engine-side logging.
func (c *Client) tagNotFound(err error, remoteID, op string) error {
	if IsNotFound(err) {
		return &NotFoundError{RemoteID: remoteID}
	}
	return fmt.Errorf("failed to %s task %s: %w", op, remoteID, err)
}

// do issues one request with the retry/backoff policy applied.
// Only transient failures and rate limits are retried; the request body is
// re-sent verbatim on each attempt (idempotency keys included).
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay(attempt, lastErr)
			c.logger.Printf("Retrying %s %s in %s (attempt %d/%d): %v",
				method, path, delay.Round(time.Millisecond), attempt+1, c.maxAttempts, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := c.doOnce(ctx, method, path, query, payload, out)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, payload []byte, out interface{}) error {
	if query == nil {
		query = url.Values{}
	}
	query.Set("token", c.token)
	reqURL := c.baseURL + path + "?" + query.Encode()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return err
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &TransientError{Err: fmt.Errorf("failed to decode response: %w", err)}
		}
	}
	return nil
}

// classifyStatus maps HTTP status codes onto the error taxonomy.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Status: resp.StatusCode}
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return &TransientError{Status: resp.StatusCode}
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &ValidationError{Reason: fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))}
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// retryDelay computes the backoff for the given attempt, honoring a server
// Retry-After hint when one was supplied.
func (c *Client) retryDelay(attempt int, lastErr error) time.Duration {
	var rl *RateLimitedError
	if errors.As(lastErr, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}

	delay := c.backoffBase << (attempt - 1)
	if delay > c.backoffCap {
		delay = c.backoffCap
	}
	// Jitter in delay/2 .. delay
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
