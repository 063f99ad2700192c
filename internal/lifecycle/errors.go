package lifecycle

import "fmt"

// InvalidStageError reports a stage name that is not part of the profile.
type InvalidStageError struct {
	Stage string
}

func (e InvalidStageError) Error() string {
	return fmt.Sprintf("unknown stage %q", e.Stage)
}

// InvalidTransitionError reports a requested edge the profile does not allow.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// FieldError is a single metadata violation.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// MetadataError carries every metadata violation for a transition, not just
// the first.
type MetadataError struct {
	Stage  string
	Fields []FieldError
}

func (e *MetadataError) Error() string {
	scope := "invalid metadata"
	if e.Stage != "" {
		scope = fmt.Sprintf("invalid metadata for stage %s", e.Stage)
	}
	if len(e.Fields) == 1 {
		return fmt.Sprintf("%s: %s: %s", scope, e.Fields[0].Field, e.Fields[0].Message)
	}
	return fmt.Sprintf("%s: %d field errors", scope, len(e.Fields))
}
