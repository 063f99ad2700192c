package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"dealdesk/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrConflict means the deal's stage changed between load and write. The
// caller holds no partial state: the conditional update wrote nothing.
var ErrConflict = errors.New("deal stage changed concurrently; reload and retry")

const dealColumns = `id,initiator_id,fulfiller_id,campaign_id,profile,stage,amount,currency,deliverables,stage_metadata,cancel_reason,cancel_actor,cancelled_at,created_at,updated_at`

func (r Repo) InsertDeal(ctx context.Context, tx *sql.Tx, d domain.Deal) error {
	metadata, err := MarshalMetadata(d.StageMetadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO deals(`+dealColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.InitiatorID, d.FulfillerID, nullableStringPtr(d.CampaignID), d.Profile, d.Stage,
		d.Amount, d.Currency, d.Deliverables, metadata, nil, nil, nil, d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) GetDeal(ctx context.Context, id string) (domain.Deal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE id=?`, id)
	return scanDeal(row.Scan)
}

// ConditionalUpdateDeal persists a stage change and merged metadata only if
// the stored stage still equals expectedStage. Zero rows affected means a
// concurrent writer won the race; nothing was written.
func (r Repo) ConditionalUpdateDeal(ctx context.Context, tx *sql.Tx, id, expectedStage, newStage string, metadata map[string]any, cancel *domain.Cancellation, updatedAt string) error {
	payload, err := MarshalMetadata(metadata)
	if err != nil {
		return err
	}
	var res sql.Result
	if cancel != nil {
		res, err = tx.ExecContext(ctx,
			`UPDATE deals SET stage=?, stage_metadata=?, cancel_reason=?, cancel_actor=?, cancelled_at=?, updated_at=? WHERE id=? AND stage=?`,
			newStage, payload, cancel.Reason, cancel.ActorID, cancel.At, updatedAt, id, expectedStage)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE deals SET stage=?, stage_metadata=?, updated_at=? WHERE id=? AND stage=?`,
			newStage, payload, updatedAt, id, expectedStage)
	}
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

type DealFilters struct {
	PartyID string
	Stage   string
	Limit   int
}

// ListDeals returns deals visible to a party, newest first. An empty
// PartyID lists everything (administrative use).
func (r Repo) ListDeals(ctx context.Context, f DealFilters) ([]domain.Deal, error) {
	var clauses []string
	var args []any
	if f.PartyID != "" {
		clauses = append(clauses, "(initiator_id=? OR fulfiller_id=?)")
		args = append(args, f.PartyID, f.PartyID)
	}
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, f.Stage)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + dealColumns + ` FROM deals ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deal
	for rows.Next() {
		d, err := scanDeal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func scanDeal(scan func(...any) error) (domain.Deal, error) {
	var d domain.Deal
	var campaignID, cancelReason, cancelActor, cancelledAt sql.NullString
	var metadata string
	err := scan(&d.ID, &d.InitiatorID, &d.FulfillerID, &campaignID, &d.Profile, &d.Stage,
		&d.Amount, &d.Currency, &d.Deliverables, &metadata, &cancelReason, &cancelActor, &cancelledAt,
		&d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if campaignID.Valid {
		d.CampaignID = &campaignID.String
	}
	if cancelReason.Valid {
		d.Cancellation = &domain.Cancellation{
			Reason:  cancelReason.String,
			ActorID: cancelActor.String,
			At:      cancelledAt.String,
		}
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &d.StageMetadata); err != nil {
			return d, fmt.Errorf("decode stage metadata for deal %s: %w", d.ID, err)
		}
	}
	return d, nil
}

// MarshalMetadata encodes stage metadata for storage. Nil maps store as the
// empty document.
func MarshalMetadata(metadata map[string]any) (string, error) {
	if metadata == nil {
		return "{}", nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("marshal stage metadata: %w", err)
	}
	return string(b), nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, dealID, evtType string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, dealID, evtType)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, dealID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if dealID != "" {
		clauses = append(clauses, "deal_id=?")
		args = append(args, dealID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,deal_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending
// order, for webhook delivery.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,deal_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	return r.queryEvents(ctx, query, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.DealID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
