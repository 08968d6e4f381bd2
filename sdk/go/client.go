package opsyncsdk

import (
	"bufio"
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

// Client is a minimal Opsync HTTP API client. Login stores the session token
// and device token on the client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	DeviceToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Operator is a roster entry. Times are RFC 3339.
type Operator struct {
	ID                string    `json:"id"`
	Callsign          string    `json:"callsign"`
	Score             int       `json:"score"`
	Rank              string    `json:"rank"`
	Status            string    `json:"status"`
	LastSeen          time.Time `json:"lastSeen"`
	JoinDate          time.Time `json:"joinDate"`
	CompletedMissions []string  `json:"completedMissions"`
}

// Mission is a PRIMARY objective or a SECONDARY sub-objective.
type Mission struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Type           string    `json:"type"`
	Status         string    `json:"status"`
	Points         int       `json:"points"`
	ValidationCode string    `json:"validationCode"`
	StartTime      time.Time `json:"startTime"`
	Duration       int       `json:"duration"`
	ParentID       *string   `json:"parentId,omitempty"`
}

// State is the merged operation view.
type State struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	MapURL      string     `json:"mapUrl"`
	IsActive    bool       `json:"isActive"`
	Missions    []Mission  `json:"missions"`
	Operators   []Operator `json:"operators"`
	Loaded      bool       `json:"loaded"`
}

// Change is one change-log entry.
type Change struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	Collection string         `json:"collection"`
	DocID      string         `json:"doc_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedChanges wraps change listings with cursors.
type PaginatedChanges struct {
	Items      []Change `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

// LoginResult is returned by both login calls.
type LoginResult struct {
	Token       string    `json:"token"`
	Role        string    `json:"role"`
	DeviceToken string    `json:"device_token,omitempty"`
	Operator    *Operator `json:"operator,omitempty"`
}

// OperationPatch carries the config fields to change; nil fields are kept.
type OperationPatch struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	MapURL      *string `json:"mapUrl,omitempty"`
	IsActive    *bool   `json:"isActive,omitempty"`
}

// APIError wraps non-2xx responses. Code is the error envelope code when the
// body carried one.
type APIError struct {
	StatusCode int
	Code       string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ErrorCode returns the envelope code of an *APIError, or "".
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// Login signs in an operator, reusing the stored device token when set.
func (c *Client) Login(ctx context.Context, callsign string) (LoginResult, error) {
	body := map[string]any{"callsign": callsign}
	if c.DeviceToken != "" {
		body["device_token"] = c.DeviceToken
	}
	return c.login(ctx, body)
}

// LoginAdmin signs in as the administrator.
func (c *Client) LoginAdmin(ctx context.Context, password string) (LoginResult, error) {
	return c.login(ctx, map[string]any{"admin": true, "password": password})
}

func (c *Client) login(ctx context.Context, body map[string]any) (LoginResult, error) {
	var resp LoginResult
	if err := c.do(ctx, http.MethodPost, "auth/login", body, &resp); err != nil {
		return resp, err
	}
	c.BearerToken = resp.Token
	if resp.DeviceToken != "" {
		c.DeviceToken = resp.DeviceToken
	}
	return resp, nil
}

// Logout ends the session; the device token is kept for the next login.
func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "auth/logout", nil, nil)
	c.BearerToken = ""
	return err
}

// State returns the current merged state.
func (c *Client) State(ctx context.Context) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodGet, "state", nil, &resp)
	return resp, err
}

// ValidateMission submits a validation code and returns the updated operator.
func (c *Client) ValidateMission(ctx context.Context, missionID, code string) (Operator, error) {
	var resp Operator
	endpoint := fmt.Sprintf("missions/%s/validate", url.PathEscape(missionID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"code": code}, &resp)
	return resp, err
}

// Me returns the signed-in operator.
func (c *Client) Me(ctx context.Context) (Operator, error) {
	var resp Operator
	err := c.do(ctx, http.MethodGet, "operators/me", nil, &resp)
	return resp, err
}

// UpdateMe changes the signed-in operator's callsign or status; empty values are kept.
func (c *Client) UpdateMe(ctx context.Context, callsign, status string) (Operator, error) {
	body := map[string]any{}
	if callsign != "" {
		body["callsign"] = callsign
	}
	if status != "" {
		body["status"] = status
	}
	var resp Operator
	err := c.do(ctx, http.MethodPut, "operators/me", body, &resp)
	return resp, err
}

// AddMission creates a mission from the template; a parent makes it SECONDARY.
func (c *Client) AddMission(ctx context.Context, parentID string) (Mission, error) {
	body := map[string]any{}
	if parentID != "" {
		body["parentId"] = parentID
	}
	var resp Mission
	err := c.do(ctx, http.MethodPost, "missions", body, &resp)
	return resp, err
}

// EditMission overwrites a mission.
func (c *Client) EditMission(ctx context.Context, m Mission) (Mission, error) {
	body := map[string]any{
		"title":          m.Title,
		"description":    m.Description,
		"type":           m.Type,
		"status":         m.Status,
		"points":         m.Points,
		"validationCode": m.ValidationCode,
		"duration":       m.Duration,
	}
	if !m.StartTime.IsZero() {
		body["startTime"] = m.StartTime.UnixMilli()
	}
	if m.ParentID != nil {
		body["parentId"] = *m.ParentID
	}
	var resp Mission
	err := c.do(ctx, http.MethodPut, "missions/"+url.PathEscape(m.ID), body, &resp)
	return resp, err
}

// DeleteMission deletes a mission and returns how many documents went with it.
func (c *Client) DeleteMission(ctx context.Context, id string) (int, error) {
	var resp struct {
		Deleted int `json:"deleted"`
	}
	err := c.do(ctx, http.MethodDelete, "missions/"+url.PathEscape(id), nil, &resp)
	return resp.Deleted, err
}

// UpdateOperation merges operation config fields.
func (c *Client) UpdateOperation(ctx context.Context, patch OperationPatch) error {
	return c.do(ctx, http.MethodPatch, "operation", patch, nil)
}

// AdjustScore adds delta to an operator's score.
func (c *Client) AdjustScore(ctx context.Context, operatorID string, delta int) (Operator, error) {
	var resp Operator
	endpoint := fmt.Sprintf("operators/%s/score", url.PathEscape(operatorID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"delta": delta}, &resp)
	return resp, err
}

// RemoveOperator deletes an operator.
func (c *Client) RemoveOperator(ctx context.Context, operatorID string) error {
	return c.do(ctx, http.MethodDelete, "operators/"+url.PathEscape(operatorID), nil, nil)
}

// Reset drives the reset protocol with "begin", "confirm" or "abort" and
// returns the resulting phase.
func (c *Client) Reset(ctx context.Context, step string) (string, error) {
	var resp struct {
		Phase string `json:"phase"`
	}
	err := c.do(ctx, http.MethodPost, "reset", map[string]any{"step": step}, &resp)
	return resp.Phase, err
}

// ChangesPage returns a page of the change log.
func (c *Client) ChangesPage(ctx context.Context, collection string, limit int, cursor string) (PaginatedChanges, error) {
	q := url.Values{}
	if collection != "" {
		q.Set("collection", collection)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "changes"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedChanges
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ErrSessionInvalidated is returned by WatchState when the server ends the
// stream because the operator was removed.
var ErrSessionInvalidated = errors.New("session invalidated")

// WatchState calls fn with every state the server streams until ctx ends,
// fn returns an error, or the stream closes.
func (c *Client) WatchState(ctx context.Context, fn func(State) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("state/stream"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)
	// Streams outlive any request timeout.
	hc := &http.Client{}
	if c.HTTPClient != nil {
		hc.Transport = c.HTTPClient.Transport
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return newAPIError(resp)
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := []byte(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			if event == "session" {
				return ErrSessionInvalidated
			}
			var s State
			if err := json.Unmarshal(data, &s); err != nil {
				return fmt.Errorf("decode state: %w", err)
			}
			if err := fn(s); err != nil {
				return err
			}
		case line == "":
			event = ""
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return newAPIError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
}

func newAPIError(resp *http.Response) *APIError {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
