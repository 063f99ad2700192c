package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"dealdesk/internal/comms"
	"dealdesk/internal/config"
	"dealdesk/internal/domain"
	"dealdesk/internal/events"
	"dealdesk/internal/lifecycle"
	"dealdesk/internal/repo"
)

// ErrUnauthorized means the actor is neither a party to the deal nor an
// administrator.
var ErrUnauthorized = errors.New("actor is not a party to this deal")

// Engine orchestrates the deal lifecycle: it owns authorization, transition
// ordering, the conditional write, and the decoupled side effects.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Recorder   comms.Recorder
	Dispatcher comms.Dispatcher
	Logger     *log.Logger
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:         db,
		Repo:       r,
		Events:     events.Writer{DB: db},
		Config:     cfg,
		Recorder:   comms.NewRecorder(r),
		Dispatcher: comms.NewDispatcher(r, comms.NewMailer(cfg.Email)),
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// DealCreateOptions are parameters for creating a deal.
type DealCreateOptions struct {
	InitiatorID  string
	FulfillerID  string
	CampaignID   string
	Kind         string
	Profile      string
	Deliverables string
	Amount       float64
	Currency     string
	ActorID      string
}

// CreateDeal opens a new deal in the first stage of its lifecycle profile.
// Deliverables and amount are fixed here and never change afterwards.
func (e Engine) CreateDeal(ctx context.Context, opts DealCreateOptions) (domain.Deal, error) {
	if e.Config == nil {
		return domain.Deal{}, errors.New("config not loaded")
	}
	if opts.InitiatorID == "" {
		return domain.Deal{}, errors.New("initiator is required")
	}
	if opts.FulfillerID == "" {
		return domain.Deal{}, errors.New("fulfiller is required")
	}
	if opts.InitiatorID == opts.FulfillerID {
		return domain.Deal{}, errors.New("initiator and fulfiller must be distinct parties")
	}
	if opts.Deliverables == "" {
		return domain.Deal{}, errors.New("deliverables description is required")
	}
	if opts.Amount <= 0 {
		return domain.Deal{}, errors.New("amount must be positive")
	}
	currency := strings.ToUpper(opts.Currency)
	if currency == "" {
		currency = e.Config.Deals.DefaultCurrency
	}
	if len(currency) != 3 {
		return domain.Deal{}, fmt.Errorf("currency %s is not a 3-letter code", currency)
	}
	profileName := opts.Profile
	if profileName == "" {
		profileName = e.Config.ProfileFor(opts.Kind)
	}
	profile, ok := lifecycle.Lookup(profileName)
	if !ok {
		return domain.Deal{}, fmt.Errorf("lifecycle profile %s not found", profileName)
	}
	actorID := opts.ActorID
	if actorID == "" {
		actorID = opts.InitiatorID
	}

	now := e.now().UTC().Format(time.RFC3339)
	d := domain.Deal{
		ID:            uuid.New().String(),
		InitiatorID:   opts.InitiatorID,
		FulfillerID:   opts.FulfillerID,
		CampaignID:    optionalString(opts.CampaignID),
		Profile:       profile.Name,
		Stage:         profile.FirstStage(),
		Amount:        opts.Amount,
		Currency:      currency,
		Deliverables:  opts.Deliverables,
		StageMetadata: map[string]any{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deal{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertDeal(ctx, tx, d); err != nil {
		return domain.Deal{}, fmt.Errorf("insert deal: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "deal.created", d.ID, actorID, events.EventPayload{
		"stage":    d.Stage,
		"profile":  d.Profile,
		"amount":   d.Amount,
		"currency": d.Currency,
	}); err != nil {
		return domain.Deal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Deal{}, err
	}
	return d, nil
}

// TransitionOptions are parameters for a stage transition.
type TransitionOptions struct {
	DealID   string
	Stage    string
	Metadata map[string]any
	ActorID  string
	Admin    bool
}

// Transition moves a deal along its lifecycle. Validation happens before
// any write; the write is conditional on the stage loaded here, so a racing
// writer makes this call fail with repo.ErrConflict and zero effects.
func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (domain.Deal, error) {
	d, err := e.Repo.GetDeal(ctx, opts.DealID)
	if err != nil {
		return domain.Deal{}, err
	}
	if err := e.authorize(d, opts.ActorID, opts.Admin); err != nil {
		return domain.Deal{}, err
	}
	profile, ok := lifecycle.Lookup(d.Profile)
	if !ok {
		return domain.Deal{}, fmt.Errorf("deal %s has unknown lifecycle profile %s", d.ID, d.Profile)
	}
	if err := profile.Allowed(d.Stage, opts.Stage); err != nil {
		return domain.Deal{}, err
	}
	fields, err := profile.ValidateMetadata(opts.Stage, d.Stage, opts.Metadata)
	if err != nil {
		return domain.Deal{}, err
	}

	merged := lifecycle.Merge(d.StageMetadata, fields)
	changed := changedFields(d.StageMetadata, fields)

	target := opts.Stage
	if target == profile.ConsentStage && lifecycle.BothSigned(merged) {
		target = profile.ConsentAdvance
	}

	// Self-edge with nothing new: accepted, but nothing to persist and no
	// side-effect storm.
	if target == d.Stage && len(changed) == 0 {
		return d, nil
	}

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deal{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.ConditionalUpdateDeal(ctx, tx, d.ID, d.Stage, target, merged, nil, now); err != nil {
		return domain.Deal{}, err
	}
	if err := e.Events.Append(ctx, tx, "deal.transitioned", d.ID, opts.ActorID, events.EventPayload{
		"from":   d.Stage,
		"to":     target,
		"fields": changedKeys(changed),
	}); err != nil {
		return domain.Deal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Deal{}, err
	}

	from := d.Stage
	d.Stage = target
	d.StageMetadata = merged
	d.UpdatedAt = now

	e.recordAndNotify(ctx, d, opts.ActorID, "deal_transition", transitionMessage(from, target, changed), changed)
	return d, nil
}

// TerminateOptions are parameters for terminating a deal.
type TerminateOptions struct {
	DealID  string
	Reason  string
	ActorID string
	Admin   bool
}

// Terminate ends a deal early. Cancellations before production cancel
// cleanly; once work has started the deal is flagged as a dispute for
// manual resolution.
func (e Engine) Terminate(ctx context.Context, opts TerminateOptions) (domain.Deal, error) {
	if strings.TrimSpace(opts.Reason) == "" {
		return domain.Deal{}, &lifecycle.MetadataError{Fields: []lifecycle.FieldError{
			{Field: "reason", Message: "a termination reason is required"},
		}}
	}
	d, err := e.Repo.GetDeal(ctx, opts.DealID)
	if err != nil {
		return domain.Deal{}, err
	}
	if err := e.authorize(d, opts.ActorID, opts.Admin); err != nil {
		return domain.Deal{}, err
	}
	profile, ok := lifecycle.Lookup(d.Profile)
	if !ok {
		return domain.Deal{}, fmt.Errorf("deal %s has unknown lifecycle profile %s", d.ID, d.Profile)
	}
	target, err := profile.TerminateTarget(d.Stage)
	if err != nil {
		return domain.Deal{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	cancel := &domain.Cancellation{
		Reason:  opts.Reason,
		ActorID: opts.ActorID,
		At:      now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deal{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.ConditionalUpdateDeal(ctx, tx, d.ID, d.Stage, target, d.StageMetadata, cancel, now); err != nil {
		return domain.Deal{}, err
	}
	if err := e.Events.Append(ctx, tx, "deal.terminated", d.ID, opts.ActorID, events.EventPayload{
		"from":   d.Stage,
		"to":     target,
		"reason": opts.Reason,
	}); err != nil {
		return domain.Deal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Deal{}, err
	}

	from := d.Stage
	d.Stage = target
	d.Cancellation = cancel
	d.UpdatedAt = now

	e.recordAndNotify(ctx, d, opts.ActorID, "deal_terminated", terminateMessage(from, target, opts.Reason), nil)
	return d, nil
}

// GetDeal returns a deal if the actor may see it.
func (e Engine) GetDeal(ctx context.Context, dealID, actorID string, admin bool) (domain.Deal, error) {
	d, err := e.Repo.GetDeal(ctx, dealID)
	if err != nil {
		return domain.Deal{}, err
	}
	if err := e.authorize(d, actorID, admin); err != nil {
		return domain.Deal{}, err
	}
	return d, nil
}

// ListDealsForParty lists every deal the actor participates in.
func (e Engine) ListDealsForParty(ctx context.Context, actorID string) ([]domain.Deal, error) {
	return e.Repo.ListDeals(ctx, repo.DealFilters{PartyID: actorID})
}

func (e Engine) authorize(d domain.Deal, actorID string, admin bool) error {
	if actorID == d.InitiatorID || actorID == d.FulfillerID {
		return nil
	}
	if admin || (e.Config != nil && e.Config.IsAdmin(actorID)) {
		return nil
	}
	return ErrUnauthorized
}

// recordAndNotify performs the post-commit side effects. Each is attempted
// independently; failures are logged and never surfaced, the committed deal
// state is authoritative.
func (e Engine) recordAndNotify(ctx context.Context, d domain.Deal, actorID, notifType, body string, snapshot map[string]any) {
	convID, err := e.Recorder.FindOrCreateConversation(ctx, d.ID, d.InitiatorID, d.FulfillerID)
	if err != nil {
		e.logf("deal %s: conversation unavailable: %v", d.ID, err)
	} else if err := e.Recorder.AppendSystemMessage(ctx, convID, body, snapshot); err != nil {
		e.logf("deal %s: append system message: %v", d.ID, err)
	}
	link := "/deals/" + d.ID
	for _, userID := range e.counterparties(d, actorID) {
		if err := e.Dispatcher.CreateNotification(ctx, userID, notifType, body, link); err != nil {
			e.logf("deal %s: notify %s: %v", d.ID, userID, err)
		}
		if err := e.Dispatcher.SendEmail(ctx, userID, "Deal update", body); err != nil {
			e.logf("deal %s: email %s: %v", d.ID, userID, err)
		}
	}
}

// counterparties returns who should hear about a change: the other party,
// or both parties when an administrator acted.
func (e Engine) counterparties(d domain.Deal, actorID string) []string {
	switch actorID {
	case d.InitiatorID:
		return []string{d.FulfillerID}
	case d.FulfillerID:
		return []string{d.InitiatorID}
	default:
		return []string{d.InitiatorID, d.FulfillerID}
	}
}

func changedFields(existing, fields map[string]any) map[string]any {
	changed := map[string]any{}
	for k, v := range fields {
		if prev, ok := existing[k]; !ok || prev != v {
			changed[k] = v
		}
	}
	return changed
}

func changedKeys(changed map[string]any) []string {
	keys := make([]string, 0, len(changed))
	for k := range changed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func transitionMessage(from, to string, changed map[string]any) string {
	if from == to {
		return fmt.Sprintf("Deal updated in stage %s", to)
	}
	if len(changed) == 0 {
		return fmt.Sprintf("Deal moved from %s to %s", from, to)
	}
	return fmt.Sprintf("Deal moved from %s to %s (%s)", from, to, strings.Join(changedKeys(changed), ", "))
}

func terminateMessage(from, to, reason string) string {
	if to == lifecycle.StageDispute {
		return fmt.Sprintf("Deal in %s flagged for dispute: %s", from, reason)
	}
	return fmt.Sprintf("Deal cancelled in %s: %s", from, reason)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
