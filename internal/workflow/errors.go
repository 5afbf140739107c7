package workflow

import (
	"fmt"
	"strings"
)

// OutOfOrderError rejects a transition whose target is not the stage
// immediately following the record's current stage.
type OutOfOrderError struct {
	Current   Stage
	Requested Stage
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("transition out of order: %s does not follow %s", e.Requested, e.Current)
}

// PermissionDeniedError rejects a transition by an actor lacking the
// capability mapped to the target stage.
type PermissionDeniedError struct {
	ActorID string
	Stage   Stage
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("actor %s may not submit stage %s", e.ActorID, e.Stage)
}

// ValidationError rejects a submission missing required payload fields.
type ValidationError struct {
	Stage   Stage
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("stage %s submission missing fields: %s", e.Stage, strings.Join(e.Missing, ", "))
}

// StoreUnavailableError wraps a persistence failure. When Op is "advance" the
// submission write already succeeded and is deliberately left in place.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}
