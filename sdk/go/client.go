// Package missionlinesdk is the Go client for the missionline HTTP API. A Client
// satisfies the store, side-effect and change-feed contracts the app layer consumes.
package missionlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"missionline/internal/domain"
	"missionline/internal/engine"
)

// Client is a missionline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no token is set; the server must allow it.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// APIError wraps non-2xx responses.
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

// Unwrap maps conflict and not-found responses onto the domain sentinels.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusConflict:
		if e.Code == "invalid_transition" {
			return nil
		}
		return domain.ErrConflict
	case http.StatusNotFound:
		return domain.ErrNotFound
	}
	return nil
}

// XP is an actor's reward total and level.
type XP struct {
	ActorID string `json:"actor_id"`
	Total   int    `json:"total"`
	Level   int    `json:"level"`
	Title   string `json:"title"`
	Into    int    `json:"into"`
	Span    int    `json:"span"`
}

type createMissionBody struct {
	ID              string     `json:"id,omitempty"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Status          string     `json:"status,omitempty"`
	Urgency         string     `json:"urgency,omitempty"`
	XPReward        int        `json:"xp_reward"`
	AssignedTo      *string    `json:"assigned_to,omitempty"`
	CreatedBy       string     `json:"created_by,omitempty"`
	NeedsAttachment bool       `json:"needs_attachment,omitempty"`
	Deadline        *time.Time `json:"deadline,omitempty"`
}

// ListMissions returns missions matching f, newest first.
func (c *Client) ListMissions(ctx context.Context, f domain.MissionFilter) ([]domain.Mission, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.AssignedTo != "" {
		q.Set("assigned_to", f.AssignedTo)
	}
	if f.CreatedBy != "" {
		q.Set("created_by", f.CreatedBy)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	endpoint := "v0/missions"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []domain.Mission
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	var resp domain.Mission
	err := c.do(ctx, http.MethodGet, "v0/missions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// InsertMission stores a mission built by the lifecycle engine. The server stamps
// the creator from the token.
func (c *Client) InsertMission(ctx context.Context, m domain.Mission) (domain.Mission, error) {
	body := createMissionBody{
		ID:              m.ID,
		Title:           m.Title,
		Description:     m.Description,
		Status:          string(m.Status),
		Urgency:         string(m.Urgency),
		XPReward:        m.XPReward,
		AssignedTo:      m.AssignedTo,
		CreatedBy:       m.CreatedBy,
		NeedsAttachment: m.NeedsAttachment,
		Deadline:        m.Deadline,
	}
	var resp domain.Mission
	err := c.do(ctx, http.MethodPost, "v0/missions", body, &resp)
	return resp, err
}

// UpdateMission writes patch only while the mission is in the expected state.
func (c *Client) UpdateMission(ctx context.Context, id string, expect domain.Expectation, patch domain.MissionPatch) (domain.Mission, error) {
	body := map[string]any{
		"expect": expect.Status,
		"patch":  patch,
	}
	if expect.AssignedTo != nil {
		body["expect_assignee"] = *expect.AssignedTo
	}
	var resp domain.Mission
	err := c.do(ctx, http.MethodPatch, "v0/missions/"+url.PathEscape(id), body, &resp)
	return resp, err
}

func (c *Client) DeleteMission(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "v0/missions/"+url.PathEscape(id), nil, nil)
}

// ListMessages returns a mission thread, oldest first.
func (c *Client) ListMessages(ctx context.Context, missionID string) ([]domain.Message, error) {
	var resp []domain.Message
	err := c.do(ctx, http.MethodGet, "v0/missions/"+url.PathEscape(missionID)+"/messages", nil, &resp)
	return resp, err
}

func (c *Client) InsertMessage(ctx context.Context, m domain.Message) (domain.Message, error) {
	body := map[string]any{"content": m.Content}
	if m.AuthorID != "" {
		body["author_id"] = m.AuthorID
	}
	var resp domain.Message
	err := c.do(ctx, http.MethodPost, "v0/missions/"+url.PathEscape(m.MissionID)+"/messages", body, &resp)
	return resp, err
}

func (c *Client) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	var resp domain.Actor
	err := c.do(ctx, http.MethodGet, "v0/actors/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) ListActors(ctx context.Context) ([]domain.Actor, error) {
	var resp []domain.Actor
	err := c.do(ctx, http.MethodGet, "v0/actors", nil, &resp)
	return resp, err
}

// UpsertActor creates or updates a profile. Role spellings are canonicalized by the server.
func (c *Client) UpsertActor(ctx context.Context, a domain.Actor) (domain.Actor, error) {
	body := map[string]any{
		"role":       string(a.Role),
		"first_name": a.FirstName,
		"last_name":  a.LastName,
	}
	var resp domain.Actor
	err := c.do(ctx, http.MethodPut, "v0/actors/"+url.PathEscape(a.ID), body, &resp)
	return resp, err
}

// Me returns the actor the client authenticates as.
func (c *Client) Me(ctx context.Context) (domain.Actor, error) {
	var resp domain.Actor
	err := c.do(ctx, http.MethodGet, "v0/me", nil, &resp)
	return resp, err
}

// RecordNotification stores a notification for its recipient.
func (c *Client) RecordNotification(ctx context.Context, n domain.Notification) error {
	body := map[string]any{
		"recipient_id": n.RecipientID,
		"title":        n.Title,
	}
	if n.Type != "" {
		body["type"] = n.Type
	}
	if n.Body != "" {
		body["body"] = n.Body
	}
	if n.Link != "" {
		body["link"] = n.Link
	}
	return c.do(ctx, http.MethodPost, "v0/notifications", body, nil)
}

func (c *Client) ListNotifications(ctx context.Context, actorID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	q := url.Values{}
	if unreadOnly {
		q.Set("unread", "true")
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "v0/actors/" + url.PathEscape(actorID) + "/notifications"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []domain.Notification
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "v0/notifications/"+url.PathEscape(id)+"/read", nil, nil)
}

// CreditReward credits c unless its key was already credited, and reports whether it did.
func (c *Client) CreditReward(ctx context.Context, credit domain.RewardCredit) (bool, error) {
	body := map[string]any{
		"key":      credit.Key,
		"actor_id": credit.ActorID,
		"amount":   credit.Amount,
	}
	if credit.MissionID != "" {
		body["mission_id"] = credit.MissionID
	}
	if credit.Reason != "" {
		body["reason"] = credit.Reason
	}
	var resp struct {
		Credited bool `json:"credited"`
	}
	err := c.do(ctx, http.MethodPost, "v0/rewards", body, &resp)
	return resp.Credited, err
}

func (c *Client) XP(ctx context.Context, actorID string) (XP, error) {
	var resp XP
	err := c.do(ctx, http.MethodGet, "v0/actors/"+url.PathEscape(actorID)+"/xp", nil, &resp)
	return resp, err
}

// DevLogin mints a token for actorID and stores it on the client.
func (c *Client) DevLogin(ctx context.Context, actorID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "v0/auth/dev/login", map[string]any{"actor_id": actorID}, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req.Header)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &engine.TransientError{Op: method + " " + endpoint, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(method, endpoint, resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(method, endpoint string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return &engine.TransientError{Op: method + " " + endpoint, Err: apiErr}
	case resp.StatusCode == http.StatusUnprocessableEntity:
		field, _ := env.Error.Details["field"].(string)
		return engine.ValidationError{Field: field, Reason: apiErr.Message}
	}
	return apiErr
}

func (c *Client) authorize(h http.Header) {
	switch {
	case c.BearerToken != "":
		h.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		h.Set("X-Actor-Id", c.ActorID)
	}
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

// IsConflict reports whether err is a conditional-write conflict.
func IsConflict(err error) bool {
	return errors.Is(err, domain.ErrConflict)
}
