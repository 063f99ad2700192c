package domain

// Deal is the central entity: a collaboration between a commissioning party
// (the initiator) and a fulfilling party, moving through a fixed lifecycle.
type Deal struct {
	ID            string         `json:"id"`
	InitiatorID   string         `json:"initiator_id"`
	FulfillerID   string         `json:"fulfiller_id"`
	CampaignID    *string        `json:"campaign_id,omitempty"`
	Profile       string         `json:"profile"`
	Stage         string         `json:"stage"`
	Amount        float64        `json:"amount"`
	Currency      string         `json:"currency"`
	Deliverables  string         `json:"deliverables"`
	StageMetadata map[string]any `json:"stage_metadata,omitempty"`
	Cancellation  *Cancellation  `json:"cancellation,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
}

// Cancellation records why and by whom a deal was terminated.
type Cancellation struct {
	Reason  string `json:"reason"`
	ActorID string `json:"actor_id"`
	At      string `json:"at" format:"date-time"`
}

// Conversation is the message thread attached to a deal. One per deal.
type Conversation struct {
	ID        string `json:"id"`
	DealID    string `json:"deal_id"`
	PartyA    string `json:"party_a"`
	PartyB    string `json:"party_b"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// SystemMessage is an append-only entry in a conversation describing one
// lifecycle change in human-readable form.
type SystemMessage struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Body           string         `json:"body"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
}

// Notification is an in-app notification created for the counterparty of a
// transition.
type Notification struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	Link      string `json:"link,omitempty"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Event is an audit log entry appended in the same transaction as the deal
// write it describes.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	DealID  string `json:"deal_id"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
