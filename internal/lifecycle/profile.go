package lifecycle

// Terminal stages shared by every profile. Once a deal reaches one of these
// no further transition or termination succeeds.
const (
	StageCompleted = "COMPLETED"
	StageCancelled = "CANCELLED"
	StageDispute   = "DISPUTE"
)

// Stage names of the standard profile.
const (
	StageOffer      = "OFFER"
	StageSigning    = "SIGNING"
	StageLogistics  = "LOGISTICS"
	StageProduction = "PRODUCTION"
	StageReview     = "REVIEW"
	StageApproved   = "APPROVED"
)

// Edge is a single allowed transition in a profile. Back marks rejection
// loops returning a deal to an earlier stage.
type Edge struct {
	From string
	To   string
	Back bool
}

// Profile is the data describing one lifecycle vocabulary: its ordered
// stages, allowed edges, consent gate, termination classification, and
// per-stage metadata rules. The orchestrator never special-cases a profile;
// new loops or stages are added here.
type Profile struct {
	Name   string
	Stages []string
	Edges  []Edge

	// ConsentStage auto-advances to ConsentAdvance once both parties have
	// signed. Empty when the profile has no consent gate.
	ConsentStage   string
	ConsentAdvance string

	// EarlyStages terminate into CANCELLED; every other non-terminal stage
	// terminates into DISPUTE because work has already started.
	EarlyStages []string

	Schemas map[string][]FieldRule
}

// Standard is the canonical lifecycle: explicit consent gate in SIGNING and
// a rejection loop from REVIEW back to PRODUCTION.
var Standard = Profile{
	Name:   "standard",
	Stages: []string{StageOffer, StageSigning, StageLogistics, StageProduction, StageReview, StageApproved, StageCompleted},
	Edges: []Edge{
		{From: StageOffer, To: StageSigning},
		{From: StageSigning, To: StageLogistics},
		{From: StageLogistics, To: StageProduction},
		{From: StageProduction, To: StageReview},
		{From: StageReview, To: StageApproved},
		{From: StageApproved, To: StageCompleted},
		{From: StageReview, To: StageProduction, Back: true},
	},
	ConsentStage:   StageSigning,
	ConsentAdvance: StageLogistics,
	EarlyStages:    []string{StageOffer, StageSigning, StageLogistics},
	Schemas: map[string][]FieldRule{
		StageOffer: {
			{Field: "note", Kind: KindString},
		},
		StageSigning: {
			{Field: FieldInitiatorSigned, Kind: KindBool},
			{Field: FieldFulfillerSigned, Kind: KindBool},
		},
		StageLogistics: {
			{Field: "tracking_number", Kind: KindString},
			{Field: "ship_by", Kind: KindString},
		},
		StageProduction: {
			{Field: "received_at", Kind: KindString},
			{Field: "feedback", Kind: KindString, Required: true, OnlyFrom: StageReview,
				Message: "feedback is required when sending a draft back to production"},
		},
		StageReview: {
			{Field: "draft_url", Kind: KindString, Required: true,
				Message: "draft_url is required when submitting for review"},
			{Field: "caption", Kind: KindString},
		},
		StageApproved: {
			{Field: "note", Kind: KindString},
		},
		StageCompleted: {
			{Field: "payment_ref", Kind: KindString},
		},
	},
}

// Broadcast is the legacy vocabulary kept for older deal kinds: a linear
// contract-to-payment sequence without a consent gate or rejection loop.
var Broadcast = Profile{
	Name: "broadcast",
	Stages: []string{
		"CONTRACT_SIGNING", "SHIPPING", "SCRIPT_APPROVAL", "DRAFT_REVIEW",
		"GO_LIVE", "PAYMENT_RELEASE", StageCompleted,
	},
	Edges: []Edge{
		{From: "CONTRACT_SIGNING", To: "SHIPPING"},
		{From: "SHIPPING", To: "SCRIPT_APPROVAL"},
		{From: "SCRIPT_APPROVAL", To: "DRAFT_REVIEW"},
		{From: "DRAFT_REVIEW", To: "GO_LIVE"},
		{From: "GO_LIVE", To: "PAYMENT_RELEASE"},
		{From: "PAYMENT_RELEASE", To: StageCompleted},
	},
	EarlyStages: []string{"CONTRACT_SIGNING", "SHIPPING"},
	Schemas: map[string][]FieldRule{
		"CONTRACT_SIGNING": {
			{Field: "contract_url", Kind: KindString},
		},
		"SHIPPING": {
			{Field: "tracking_number", Kind: KindString},
		},
		"SCRIPT_APPROVAL": {
			{Field: "script_url", Kind: KindString, Required: true,
				Message: "script_url is required for script approval"},
		},
		"DRAFT_REVIEW": {
			{Field: "draft_url", Kind: KindString, Required: true,
				Message: "draft_url is required for draft review"},
		},
		"GO_LIVE": {
			{Field: "live_url", Kind: KindString, Required: true,
				Message: "live_url is required to go live"},
		},
		"PAYMENT_RELEASE": {
			{Field: "payment_ref", Kind: KindString},
		},
	},
}

var profiles = map[string]*Profile{
	Standard.Name:  &Standard,
	Broadcast.Name: &Broadcast,
}

// Lookup returns a registered profile by name.
func Lookup(name string) (*Profile, bool) {
	p, ok := profiles[name]
	return p, ok
}

// Names lists registered profile names.
func Names() []string {
	out := make([]string, 0, len(profiles))
	for name := range profiles {
		out = append(out, name)
	}
	return out
}

// FirstStage is the stage a new deal starts in.
func (p *Profile) FirstStage() string {
	return p.Stages[0]
}

// IsTerminal reports whether no further lifecycle calls may touch the deal.
func IsTerminal(stage string) bool {
	return stage == StageCompleted || stage == StageCancelled || stage == StageDispute
}

// Knows reports whether the stage belongs to this profile's vocabulary.
func (p *Profile) Knows(stage string) bool {
	if stage == StageCancelled || stage == StageDispute {
		return true
	}
	for _, s := range p.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

// Allowed checks that requested is reachable from current. Self-edges on
// non-terminal stages are allowed so metadata can accumulate in place.
func (p *Profile) Allowed(current, requested string) error {
	if !p.Knows(requested) {
		return InvalidStageError{Stage: requested}
	}
	if !p.Knows(current) {
		return InvalidStageError{Stage: current}
	}
	if IsTerminal(current) {
		return InvalidTransitionError{From: current, To: requested}
	}
	if current == requested {
		return nil
	}
	for _, e := range p.Edges {
		if e.From == current && e.To == requested {
			return nil
		}
	}
	return InvalidTransitionError{From: current, To: requested}
}

// IsBackEdge reports whether current -> requested is a rejection loop.
func (p *Profile) IsBackEdge(current, requested string) bool {
	for _, e := range p.Edges {
		if e.From == current && e.To == requested {
			return e.Back
		}
	}
	return false
}

// TerminateTarget classifies a termination request: early stages cancel
// cleanly, late stages become disputes pending manual resolution.
func (p *Profile) TerminateTarget(current string) (string, error) {
	if !p.Knows(current) {
		return "", InvalidStageError{Stage: current}
	}
	if IsTerminal(current) {
		return "", InvalidTransitionError{From: current, To: StageCancelled}
	}
	for _, s := range p.EarlyStages {
		if s == current {
			return StageCancelled, nil
		}
	}
	return StageDispute, nil
}
