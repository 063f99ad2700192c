package lifecycle

import (
	"errors"
	"testing"
)

func TestStandardForwardPath(t *testing.T) {
	path := []string{StageOffer, StageSigning, StageLogistics, StageProduction, StageReview, StageApproved, StageCompleted}
	for i := 0; i < len(path)-1; i++ {
		if err := Standard.Allowed(path[i], path[i+1]); err != nil {
			t.Fatalf("%s -> %s: %v", path[i], path[i+1], err)
		}
	}
}

func TestStandardRejectsSkips(t *testing.T) {
	cases := [][2]string{
		{StageOffer, StageLogistics},
		{StageOffer, StageCompleted},
		{StageSigning, StageProduction},
		{StageProduction, StageApproved},
		{StageApproved, StageReview},
	}
	for _, c := range cases {
		err := Standard.Allowed(c[0], c[1])
		var ite InvalidTransitionError
		if !errors.As(err, &ite) {
			t.Fatalf("%s -> %s: expected InvalidTransitionError, got %v", c[0], c[1], err)
		}
	}
}

func TestRejectionLoopIsBackEdge(t *testing.T) {
	if err := Standard.Allowed(StageReview, StageProduction); err != nil {
		t.Fatalf("review -> production should be allowed: %v", err)
	}
	if !Standard.IsBackEdge(StageReview, StageProduction) {
		t.Fatalf("review -> production should be a back edge")
	}
	if Standard.IsBackEdge(StageProduction, StageReview) {
		t.Fatalf("production -> review is a forward edge")
	}
}

func TestSelfEdgeAllowed(t *testing.T) {
	if err := Standard.Allowed(StageSigning, StageSigning); err != nil {
		t.Fatalf("self edge: %v", err)
	}
	if err := Standard.Allowed(StageCompleted, StageCompleted); err == nil {
		t.Fatalf("terminal self edge should fail")
	}
}

func TestUnknownStage(t *testing.T) {
	err := Standard.Allowed(StageOffer, "SHIPPED")
	var ise InvalidStageError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStageError, got %v", err)
	}
	if ise.Stage != "SHIPPED" {
		t.Fatalf("unexpected stage %q", ise.Stage)
	}
}

func TestTerminalStagesAreFrozen(t *testing.T) {
	for _, stage := range []string{StageCompleted, StageCancelled, StageDispute} {
		if err := Standard.Allowed(stage, StageOffer); err == nil {
			t.Fatalf("transition out of %s should fail", stage)
		}
		if _, err := Standard.TerminateTarget(stage); err == nil {
			t.Fatalf("terminate in %s should fail", stage)
		}
	}
}

func TestTerminateClassification(t *testing.T) {
	early := []string{StageOffer, StageSigning, StageLogistics}
	for _, stage := range early {
		target, err := Standard.TerminateTarget(stage)
		if err != nil || target != StageCancelled {
			t.Fatalf("%s: expected CANCELLED, got %s (%v)", stage, target, err)
		}
	}
	late := []string{StageProduction, StageReview, StageApproved}
	for _, stage := range late {
		target, err := Standard.TerminateTarget(stage)
		if err != nil || target != StageDispute {
			t.Fatalf("%s: expected DISPUTE, got %s (%v)", stage, target, err)
		}
	}
}

func TestBroadcastProfile(t *testing.T) {
	p, ok := Lookup("broadcast")
	if !ok {
		t.Fatalf("broadcast profile not registered")
	}
	if p.FirstStage() != "CONTRACT_SIGNING" {
		t.Fatalf("unexpected first stage %s", p.FirstStage())
	}
	if err := p.Allowed("CONTRACT_SIGNING", "SHIPPING"); err != nil {
		t.Fatalf("contract -> shipping: %v", err)
	}
	// no rejection loops in the legacy vocabulary
	if err := p.Allowed("DRAFT_REVIEW", "SCRIPT_APPROVAL"); err == nil {
		t.Fatalf("expected no back edge in broadcast profile")
	}
	target, err := p.TerminateTarget("GO_LIVE")
	if err != nil || target != StageDispute {
		t.Fatalf("go_live terminate: got %s (%v)", target, err)
	}
	target, err = p.TerminateTarget("SHIPPING")
	if err != nil || target != StageCancelled {
		t.Fatalf("shipping terminate: got %s (%v)", target, err)
	}
}

func TestProfilesDoNotShareVocabulary(t *testing.T) {
	if Standard.Knows("SHIPPING") {
		t.Fatalf("standard should not know SHIPPING")
	}
	if Broadcast.Knows(StageSigning) {
		t.Fatalf("broadcast should not know SIGNING")
	}
}
