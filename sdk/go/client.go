package dealdesksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Dealdesk HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Deal represents the API deal model.
type Deal struct {
	ID            string         `json:"id"`
	InitiatorID   string         `json:"initiator_id"`
	FulfillerID   string         `json:"fulfiller_id"`
	Profile       string         `json:"profile"`
	Stage         string         `json:"stage"`
	Amount        float64        `json:"amount"`
	Currency      string         `json:"currency"`
	Deliverables  string         `json:"deliverables"`
	StageMetadata map[string]any `json:"stage_metadata,omitempty"`
	Cancellation  *Cancellation  `json:"cancellation,omitempty"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
}

// Cancellation records a termination.
type Cancellation struct {
	Reason  string `json:"reason"`
	ActorID string `json:"actor_id"`
	At      string `json:"at"`
}

// Message is a system message in a deal's conversation thread.
type Message struct {
	ID        string         `json:"id"`
	Body      string         `json:"body"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// Notification is an in-app notification.
type Notification struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	Link      string `json:"link,omitempty"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"created_at"`
}

// Event is an audit log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	DealID  string         `json:"deal_id"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload"`
}

// CreateDealOptions are parameters for CreateDeal.
type CreateDealOptions struct {
	InitiatorID  string  `json:"initiator_id"`
	FulfillerID  string  `json:"fulfiller_id"`
	CampaignID   *string `json:"campaign_id,omitempty"`
	Kind         string  `json:"kind,omitempty"`
	Profile      string  `json:"profile,omitempty"`
	Deliverables string  `json:"deliverables"`
	Amount       float64 `json:"amount"`
	Currency     string  `json:"currency,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateDeal opens a new deal.
func (c *Client) CreateDeal(ctx context.Context, opts CreateDealOptions) (Deal, error) {
	var resp Deal
	err := c.do(ctx, http.MethodPost, "v0/deals", opts, &resp)
	return resp, err
}

// GetDeal fetches a deal by id.
func (c *Client) GetDeal(ctx context.Context, id string) (Deal, error) {
	var resp Deal
	err := c.do(ctx, http.MethodGet, "v0/deals/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListDeals lists deals the caller participates in.
func (c *Client) ListDeals(ctx context.Context, stage string) ([]Deal, error) {
	endpoint := "v0/deals"
	if stage != "" {
		endpoint += "?stage=" + url.QueryEscape(stage)
	}
	var resp []Deal
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Transition moves a deal to the requested stage, merging the given metadata.
func (c *Client) Transition(ctx context.Context, id, stage string, metadata map[string]any) (Deal, error) {
	body := map[string]any{"stage": stage}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}
	var resp Deal
	err := c.do(ctx, http.MethodPost, "v0/deals/"+url.PathEscape(id)+"/transition", body, &resp)
	return resp, err
}

// Terminate ends a deal early with a reason.
func (c *Client) Terminate(ctx context.Context, id, reason string) (Deal, error) {
	var resp Deal
	err := c.do(ctx, http.MethodPost, "v0/deals/"+url.PathEscape(id)+"/terminate", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Messages returns a deal's conversation thread.
func (c *Client) Messages(ctx context.Context, dealID string) ([]Message, error) {
	var resp []Message
	err := c.do(ctx, http.MethodGet, "v0/deals/"+url.PathEscape(dealID)+"/messages", nil, &resp)
	return resp, err
}

// Notifications lists the caller's notifications.
func (c *Client) Notifications(ctx context.Context, unreadOnly bool) ([]Notification, error) {
	endpoint := "v0/notifications"
	if unreadOnly {
		endpoint += "?unread=true"
	}
	var resp []Notification
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// MarkNotificationRead marks one notification read.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "v0/notifications/"+url.PathEscape(id)+"/read", nil, nil)
}

// Events returns recent audit events for a deal.
func (c *Client) Events(ctx context.Context, dealID string, limit int) ([]Event, error) {
	endpoint := "v0/events?deal_id=" + url.QueryEscape(dealID)
	if limit > 0 {
		endpoint += fmt.Sprintf("&limit=%d", limit)
	}
	var resp []Event
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
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
