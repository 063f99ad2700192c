package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"dealdesk/internal/domain"
)

// FindOrCreateConversation inserts the candidate conversation unless one
// already exists for its deal, then returns whichever row won. The UNIQUE
// constraint on deal_id makes concurrent first transitions converge on a
// single thread.
func (r Repo) FindOrCreateConversation(ctx context.Context, candidate domain.Conversation) (domain.Conversation, error) {
	_, err := r.DB.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations(id,deal_id,party_a,party_b,created_at) VALUES (?,?,?,?,?)`,
		candidate.ID, candidate.DealID, candidate.PartyA, candidate.PartyB, candidate.CreatedAt)
	if err != nil {
		return domain.Conversation{}, err
	}
	return r.GetConversationByDeal(ctx, candidate.DealID)
}

func (r Repo) GetConversationByDeal(ctx context.Context, dealID string) (domain.Conversation, error) {
	var c domain.Conversation
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,deal_id,party_a,party_b,created_at FROM conversations WHERE deal_id=?`, dealID).
		Scan(&c.ID, &c.DealID, &c.PartyA, &c.PartyB, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) InsertMessage(ctx context.Context, m domain.SystemMessage) error {
	var metadata any
	if len(m.Metadata) > 0 {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return err
		}
		metadata = string(b)
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO messages(id,conversation_id,body,metadata_json,created_at) VALUES (?,?,?,?,?)`,
		m.ID, m.ConversationID, m.Body, metadata, m.CreatedAt)
	return err
}

func (r Repo) ListMessages(ctx context.Context, conversationID string) ([]domain.SystemMessage, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,conversation_id,body,metadata_json,created_at FROM messages WHERE conversation_id=? ORDER BY created_at ASC, id ASC`,
		conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SystemMessage
	for rows.Next() {
		var m domain.SystemMessage
		var metadata sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Body, &metadata, &m.CreatedAt); err != nil {
			return nil, err
		}
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &m.Metadata)
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO notifications(id,user_id,type,message,link,read,created_at) VALUES (?,?,?,?,?,?,?)`,
		n.ID, n.UserID, n.Type, n.Message, nullable(n.Link), boolToInt(n.Read), n.CreatedAt)
	return err
}

func (r Repo) ListNotifications(ctx context.Context, userID string, unreadOnly bool) ([]domain.Notification, error) {
	query := `SELECT id,user_id,type,message,COALESCE(link,''),read,created_at FROM notifications WHERE user_id=?`
	if unreadOnly {
		query += ` AND read=0`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var read int
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Message, &n.Link, &read, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Read = read != 0
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) MarkNotificationRead(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET read=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
