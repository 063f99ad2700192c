package lifecycle

import (
	"errors"
	"testing"
)

func TestFeedbackRequiredOnlyOnRejectionEdge(t *testing.T) {
	// entering production from logistics needs no feedback
	fields, err := Standard.ValidateMetadata(StageProduction, StageLogistics, map[string]any{"received_at": "2024-01-01"})
	if err != nil {
		t.Fatalf("from logistics: %v", err)
	}
	if fields["received_at"] != "2024-01-01" {
		t.Fatalf("received_at not returned")
	}

	// re-entering production via the rejection loop requires feedback
	_, err = Standard.ValidateMetadata(StageProduction, StageReview, map[string]any{})
	var me *MetadataError
	if !errors.As(err, &me) {
		t.Fatalf("expected MetadataError, got %v", err)
	}
	if len(me.Fields) != 1 || me.Fields[0].Field != "feedback" {
		t.Fatalf("expected feedback violation, got %+v", me.Fields)
	}

	fields, err = Standard.ValidateMetadata(StageProduction, StageReview, map[string]any{"feedback": "fix audio"})
	if err != nil {
		t.Fatalf("with feedback: %v", err)
	}
	if fields["feedback"] != "fix audio" {
		t.Fatalf("feedback not returned")
	}
}

func TestEmptyStringCountsAsMissing(t *testing.T) {
	_, err := Standard.ValidateMetadata(StageProduction, StageReview, map[string]any{"feedback": ""})
	var me *MetadataError
	if !errors.As(err, &me) {
		t.Fatalf("expected MetadataError, got %v", err)
	}
}

func TestAllViolationsReported(t *testing.T) {
	_, err := Standard.ValidateMetadata(StageReview, StageProduction, map[string]any{
		"caption":  7,         // wrong type
		"surprise": "x",       // undeclared
		// draft_url missing
	})
	var me *MetadataError
	if !errors.As(err, &me) {
		t.Fatalf("expected MetadataError, got %v", err)
	}
	if len(me.Fields) != 3 {
		t.Fatalf("expected 3 violations, got %d: %+v", len(me.Fields), me.Fields)
	}
	seen := map[string]bool{}
	for _, f := range me.Fields {
		seen[f.Field] = true
	}
	for _, want := range []string{"caption", "surprise", "draft_url"} {
		if !seen[want] {
			t.Fatalf("missing violation for %s: %+v", want, me.Fields)
		}
	}
}

func TestSelfEdgeSkipsEntryRequirements(t *testing.T) {
	// a no-op persist on the current stage must not demand entry fields again
	if _, err := Standard.ValidateMetadata(StageReview, StageReview, map[string]any{}); err != nil {
		t.Fatalf("review self edge: %v", err)
	}
}

func TestSigningFieldsAreBooleans(t *testing.T) {
	_, err := Standard.ValidateMetadata(StageSigning, StageSigning, map[string]any{FieldInitiatorSigned: "yes"})
	var me *MetadataError
	if !errors.As(err, &me) {
		t.Fatalf("expected MetadataError, got %v", err)
	}
	fields, err := Standard.ValidateMetadata(StageSigning, StageSigning, map[string]any{FieldInitiatorSigned: true})
	if err != nil {
		t.Fatalf("bool flag: %v", err)
	}
	if fields[FieldInitiatorSigned] != true {
		t.Fatalf("flag not returned")
	}
}

func TestMergeKeepsPriorFields(t *testing.T) {
	existing := map[string]any{"note": "hello", FieldInitiatorSigned: true}
	merged := Merge(existing, map[string]any{FieldFulfillerSigned: true})
	if merged["note"] != "hello" || merged[FieldInitiatorSigned] != true || merged[FieldFulfillerSigned] != true {
		t.Fatalf("merge dropped fields: %+v", merged)
	}
	if _, ok := existing[FieldFulfillerSigned]; ok {
		t.Fatalf("merge mutated the existing map")
	}
	if !BothSigned(merged) {
		t.Fatalf("both flags set, expected consent")
	}
}
