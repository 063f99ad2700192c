// Package comms holds the narrow interfaces the orchestrator uses for
// post-commit side effects, and their default implementations. Failures
// here never affect committed deal state.
package comms

import (
	"context"
	"time"

	"github.com/google/uuid"

	"dealdesk/internal/domain"
	"dealdesk/internal/repo"
)

// Recorder logs lifecycle changes into a deal's conversation thread.
type Recorder interface {
	FindOrCreateConversation(ctx context.Context, dealID, partyA, partyB string) (string, error)
	AppendSystemMessage(ctx context.Context, conversationID, body string, snapshot map[string]any) error
}

// Dispatcher delivers best-effort notifications to a counterparty.
type Dispatcher interface {
	CreateNotification(ctx context.Context, userID, notifType, message, link string) error
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SQLRecorder persists conversations and system messages through the repo.
type SQLRecorder struct {
	Repo repo.Repo
	Now  func() time.Time
}

func NewRecorder(r repo.Repo) *SQLRecorder {
	return &SQLRecorder{Repo: r, Now: time.Now}
}

func (s *SQLRecorder) FindOrCreateConversation(ctx context.Context, dealID, partyA, partyB string) (string, error) {
	candidate := domain.Conversation{
		ID:        uuid.New().String(),
		DealID:    dealID,
		PartyA:    partyA,
		PartyB:    partyB,
		CreatedAt: s.Now().UTC().Format(time.RFC3339),
	}
	conv, err := s.Repo.FindOrCreateConversation(ctx, candidate)
	if err != nil {
		return "", err
	}
	return conv.ID, nil
}

func (s *SQLRecorder) AppendSystemMessage(ctx context.Context, conversationID, body string, snapshot map[string]any) error {
	return s.Repo.InsertMessage(ctx, domain.SystemMessage{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Body:           body,
		Metadata:       snapshot,
		CreatedAt:      s.Now().UTC().Format(time.RFC3339),
	})
}

// SQLDispatcher writes in-app notifications through the repo and hands
// email off to a Mailer.
type SQLDispatcher struct {
	Repo   repo.Repo
	Mailer Mailer
	Now    func() time.Time
}

func NewDispatcher(r repo.Repo, m Mailer) *SQLDispatcher {
	return &SQLDispatcher{Repo: r, Mailer: m, Now: time.Now}
}

func (s *SQLDispatcher) CreateNotification(ctx context.Context, userID, notifType, message, link string) error {
	return s.Repo.InsertNotification(ctx, domain.Notification{
		ID:        uuid.New().String(),
		UserID:    userID,
		Type:      notifType,
		Message:   message,
		Link:      link,
		CreatedAt: s.Now().UTC().Format(time.RFC3339),
	})
}

func (s *SQLDispatcher) SendEmail(ctx context.Context, to, subject, body string) error {
	if s.Mailer == nil {
		return nil
	}
	return s.Mailer.Send(ctx, to, subject, body)
}
