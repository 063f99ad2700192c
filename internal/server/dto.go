package server

import (
	"encoding/json"

	"dealdesk/internal/domain"
)

// Request payloads

type CreateDealRequest struct {
	InitiatorID  string  `json:"initiator_id"`
	FulfillerID  string  `json:"fulfiller_id"`
	CampaignID   *string `json:"campaign_id,omitempty"`
	Kind         string  `json:"kind,omitempty"`
	Profile      string  `json:"profile,omitempty"`
	Deliverables string  `json:"deliverables"`
	Amount       float64 `json:"amount"`
	Currency     string  `json:"currency,omitempty"`
}

type TransitionRequest struct {
	Stage    string         `json:"stage"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type TerminateRequest struct {
	Reason string `json:"reason"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type DealResponse struct {
	ID            string               `json:"id"`
	InitiatorID   string               `json:"initiator_id"`
	FulfillerID   string               `json:"fulfiller_id"`
	CampaignID    *string              `json:"campaign_id,omitempty"`
	Profile       string               `json:"profile"`
	Stage         string               `json:"stage"`
	Amount        float64              `json:"amount"`
	Currency      string               `json:"currency"`
	Deliverables  string               `json:"deliverables"`
	StageMetadata map[string]any       `json:"stage_metadata,omitempty"`
	Cancellation  *CancellationDetails `json:"cancellation,omitempty"`
	CreatedAt     string               `json:"created_at" format:"date-time"`
	UpdatedAt     string               `json:"updated_at" format:"date-time"`
}

type CancellationDetails struct {
	Reason  string `json:"reason"`
	ActorID string `json:"actor_id"`
	At      string `json:"at" format:"date-time"`
}

type MessageResponse struct {
	ID        string         `json:"id"`
	Body      string         `json:"body"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type NotificationResponse struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	Link      string `json:"link,omitempty"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID      int64           `json:"id"`
	TS      string          `json:"ts" format:"date-time"`
	Type    string          `json:"type"`
	DealID  string          `json:"deal_id"`
	ActorID string          `json:"actor_id"`
	Payload json.RawMessage `json:"payload"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func dealResponse(d domain.Deal) DealResponse {
	resp := DealResponse{
		ID:            d.ID,
		InitiatorID:   d.InitiatorID,
		FulfillerID:   d.FulfillerID,
		CampaignID:    d.CampaignID,
		Profile:       d.Profile,
		Stage:         d.Stage,
		Amount:        d.Amount,
		Currency:      d.Currency,
		Deliverables:  d.Deliverables,
		StageMetadata: d.StageMetadata,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
	if d.Cancellation != nil {
		resp.Cancellation = &CancellationDetails{
			Reason:  d.Cancellation.Reason,
			ActorID: d.Cancellation.ActorID,
			At:      d.Cancellation.At,
		}
	}
	return resp
}

func mapDeals(items []domain.Deal) []DealResponse {
	res := make([]DealResponse, 0, len(items))
	for _, d := range items {
		res = append(res, dealResponse(d))
	}
	return res
}

func messageResponse(m domain.SystemMessage) MessageResponse {
	return MessageResponse{
		ID:        m.ID,
		Body:      m.Body,
		Metadata:  m.Metadata,
		CreatedAt: m.CreatedAt,
	}
}

func notificationResponse(n domain.Notification) NotificationResponse {
	return NotificationResponse{
		ID:        n.ID,
		Type:      n.Type,
		Message:   n.Message,
		Link:      n.Link,
		Read:      n.Read,
		CreatedAt: n.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage([]byte("{}"))
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage([]byte(e.Payload))
	}
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		DealID:  e.DealID,
		ActorID: e.ActorID,
		Payload: payload,
	}
}
