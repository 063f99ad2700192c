package lifecycle

import "fmt"

// Field kinds accepted by the metadata validator.
const (
	KindString = "string"
	KindBool   = "bool"
	KindNumber = "number"
)

// Consent gate fields of the standard profile.
const (
	FieldInitiatorSigned = "initiator_signed"
	FieldFulfillerSigned = "fulfiller_signed"
)

// FieldRule declares one metadata field for a stage. Required rules apply
// only when entering the stage from elsewhere; OnlyFrom narrows a
// requirement to a single origin edge (the rejection-loop case).
type FieldRule struct {
	Field    string
	Kind     string
	Required bool
	OnlyFrom string
	Message  string
}

// ValidateMetadata checks raw metadata against the rules for (stage, origin)
// and returns the validated fields to merge. Every violation is collected;
// the caller gets the full list, never just the first.
func (p *Profile) ValidateMetadata(stage, origin string, raw map[string]any) (map[string]any, error) {
	rules := p.Schemas[stage]
	var errs []FieldError

	byName := make(map[string]FieldRule, len(rules))
	for _, r := range rules {
		byName[r.Field] = r
	}

	fields := make(map[string]any, len(raw))
	for name, value := range raw {
		rule, ok := byName[name]
		if !ok {
			errs = append(errs, FieldError{Field: name, Message: fmt.Sprintf("field not accepted in stage %s", stage)})
			continue
		}
		if err := checkKind(rule, value); err != nil {
			errs = append(errs, FieldError{Field: name, Message: err.Error()})
			continue
		}
		fields[name] = value
	}

	entering := origin != stage
	for _, rule := range rules {
		if !rule.Required {
			continue
		}
		if rule.OnlyFrom != "" && rule.OnlyFrom != origin {
			continue
		}
		if rule.OnlyFrom == "" && !entering {
			continue
		}
		if isMissing(fields[rule.Field]) {
			msg := rule.Message
			if msg == "" {
				msg = fmt.Sprintf("%s is required", rule.Field)
			}
			errs = append(errs, FieldError{Field: rule.Field, Message: msg})
		}
	}

	if len(errs) > 0 {
		return nil, &MetadataError{Stage: stage, Fields: errs}
	}
	return fields, nil
}

func checkKind(rule FieldRule, value any) error {
	switch rule.Kind {
	case KindString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("must be a string")
		}
	case KindBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("must be a boolean")
		}
	case KindNumber:
		switch value.(type) {
		case float64, int, int64:
		default:
			return fmt.Errorf("must be a number")
		}
	}
	return nil
}

func isMissing(value any) bool {
	if value == nil {
		return true
	}
	if s, ok := value.(string); ok {
		return s == ""
	}
	return false
}

// Merge shallow-merges validated fields into existing stage metadata. Prior
// keys survive unless overwritten; the existing map is never mutated.
func Merge(existing, fields map[string]any) map[string]any {
	merged := make(map[string]any, len(existing)+len(fields))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return merged
}

// BothSigned reports whether the consent gate is satisfied in the merged
// metadata.
func BothSigned(metadata map[string]any) bool {
	return metadata[FieldInitiatorSigned] == true && metadata[FieldFulfillerSigned] == true
}
