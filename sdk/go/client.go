package funnelsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Idea Funnel HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	// UserID is sent as X-User-Id when no credential is set. Servers accept
	// it only when configured to.
	UserID     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type HistoryEntry struct {
	Step int       `json:"step"`
	At   time.Time `json:"at"`
}

// Idea is the API idea model.
type Idea struct {
	ID            string         `json:"id"`
	OwnerID       string         `json:"owner_id"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	Research      string         `json:"research"`
	Prototype     string         `json:"prototype"`
	Release       string         `json:"release"`
	Step          int            `json:"step"`
	Status        string         `json:"status"`
	Deadline      *time.Time     `json:"deadline,omitempty"`
	History       []HistoryEntry `json:"history"`
	InheritedFrom *string        `json:"inherited_from,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type DeadPoolEntry struct {
	ID            string    `json:"id"`
	SourceIdeaID  string    `json:"source_idea_id"`
	SourceOwnerID string    `json:"source_owner_id"`
	Title         string    `json:"title"`
	LastStep      int       `json:"last_step"`
	Tags          []string  `json:"tags"`
	ReclaimPoints int       `json:"reclaim_points"`
	ExpiredAt     time.Time `json:"expired_at"`
}

type Badge struct {
	Name     string    `json:"name"`
	Label    string    `json:"label"`
	Icon     string    `json:"icon"`
	EarnedAt time.Time `json:"earned_at"`
}

type Profile struct {
	ID     string `json:"id"`
	Points int    `json:"points"`
	Level  int    `json:"level"`
	Rank   string `json:"rank"`
	Stats  struct {
		Success    int `json:"success"`
		Failed     int `json:"failed"`
		InProgress int `json:"in_progress"`
	} `json:"stats"`
	Badges []Badge `json:"badges"`
}

type Reward struct {
	Delta     int     `json:"delta"`
	OldPoints int     `json:"old_points"`
	NewPoints int     `json:"new_points"`
	LevelUp   bool    `json:"level_up"`
	NewLevel  int     `json:"new_level"`
	Rank      string  `json:"rank"`
	NewBadges []Badge `json:"new_badges"`
}

type SubmitResult struct {
	Idea         Idea       `json:"idea"`
	NextStep     int        `json:"next_step"`
	NextDeadline *time.Time `json:"next_deadline,omitempty"`
	Reward       *Reward    `json:"reward,omitempty"`
}

type ClaimResult struct {
	Idea   Idea   `json:"idea"`
	Points int    `json:"points"`
	Reward Reward `json:"reward"`
}

type SweepReport struct {
	At      time.Time `json:"at"`
	Matched int       `json:"matched"`
	Expired int       `json:"expired"`
	Skipped int       `json:"skipped"`
	Failed  []struct {
		IdeaID string `json:"idea_id"`
		Error  string `json:"error"`
	} `json:"failed"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is taken from the error envelope
// when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsAlreadyClaimed reports whether err is the losing side of a claim race.
func IsAlreadyClaimed(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "already_claimed"
}

// CreateIdea starts a new idea owned by the authenticated user.
func (c *Client) CreateIdea(ctx context.Context, title, description string) (Idea, error) {
	body := map[string]any{
		"title":       title,
		"description": description,
	}
	var resp Idea
	err := c.do(ctx, http.MethodPost, "ideas", body, &resp)
	return resp, err
}

func (c *Client) GetIdea(ctx context.Context, id string) (Idea, error) {
	var resp Idea
	err := c.do(ctx, http.MethodGet, "ideas/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SubmitStep sends content for the idea's pending step. A non-zero
// expectedStep makes retries safe: the server rejects the submission with
// 409 once the idea has moved past that step.
func (c *Client) SubmitStep(ctx context.Context, ideaID, content string, expectedStep int) (SubmitResult, error) {
	var resp SubmitResult
	endpoint := fmt.Sprintf("ideas/%s/steps", url.PathEscape(ideaID))
	body := map[string]any{"content": content}
	if expectedStep > 0 {
		body["expected_step"] = expectedStep
	}
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// UserIdeas lists a user's ideas, optionally filtered by status.
func (c *Client) UserIdeas(ctx context.Context, userID, status string) ([]Idea, error) {
	endpoint := fmt.Sprintf("users/%s/ideas", url.PathEscape(userID))
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Idea
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DeadPool lists claimable entries, optionally filtered by tag.
func (c *Client) DeadPool(ctx context.Context, tag string, limit int) ([]DeadPoolEntry, error) {
	q := url.Values{}
	if tag != "" {
		q.Set("tag", tag)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "dead-pool"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []DeadPoolEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Claim restarts a dead-pool entry. See IsAlreadyClaimed.
func (c *Client) Claim(ctx context.Context, entryID string) (ClaimResult, error) {
	var resp ClaimResult
	endpoint := fmt.Sprintf("dead-pool/%s/claim", url.PathEscape(entryID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Profile(ctx context.Context, userID string) (Profile, error) {
	var resp Profile
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("users/%s/profile", url.PathEscape(userID)), nil, &resp)
	return resp, err
}

// Me returns the authenticated user's profile, creating it on first use.
func (c *Client) Me(ctx context.Context) (Profile, error) {
	var resp Profile
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// Sweep triggers an expiry sweep on the server.
func (c *Client) Sweep(ctx context.Context) (SweepReport, error) {
	var resp SweepReport
	err := c.do(ctx, http.MethodPost, "sweeps", nil, &resp)
	return resp, err
}

// EventsPage returns events after cursor, oldest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("after", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.UserID != "":
		req.Header.Set("X-User-Id", c.UserID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
