// Package workflow implements the stage-transition engine for exam records:
// the ordered lifecycle, the preconditions every transition must pass, and the
// submission-before-record persistence ordering.
package workflow

import (
	"context"
	"strings"
	"time"

	"eegflow/api/internal/util"
)

// ExamRecord is one clinical exam moving through the lifecycle. Exactly one
// record exists per admission id.
type ExamRecord struct {
	ID            string    `json:"id"`
	PatientID     string    `json:"patientId"`
	AdmissionID   string    `json:"admissionId"`
	AdmissionType string    `json:"admissionType"`
	CurrentStage  Stage     `json:"currentStage"`
	CreatedAt     time.Time `json:"createdAt"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
	LastUpdatedBy string    `json:"lastUpdatedBy"`
}

// StageSubmission is the immutable evidence that one actor submitted one
// stage. Corrections are additional submissions, never edits.
type StageSubmission struct {
	ID              string            `json:"id"`
	ExamID          string            `json:"examId"`
	Stage           Stage             `json:"stage"`
	SubmittedByID   string            `json:"submittedById"`
	SubmittedByName string            `json:"submittedByName"`
	SubmittedByRole string            `json:"submittedByRole"`
	SubmittedAt     time.Time         `json:"submittedAt"`
	Payload         map[string]string `json:"payload"`
	AttachmentRef   string            `json:"attachmentRef,omitempty"`
}

// Actor is the session-context view of a staff member. Capability names use
// the closed set from the rbac package.
type Actor struct {
	ID           string
	DisplayName  string
	Role         string
	Capabilities []string
}

// Gate answers the two permission questions the engine asks. The concrete
// implementation lives with the rbac package.
type Gate interface {
	CanSubmit(actor Actor, stage Stage) bool
	IsAdministrator(actor Actor) bool
}

// Store is the persistence the engine needs. The two writes are not atomic:
// the engine inserts the submission first so a failure between them leaves an
// orphan submission rather than an advanced stage with no evidence.
type Store interface {
	InsertSubmission(ctx context.Context, sub StageSubmission) error
	AdvanceExamStage(ctx context.Context, examID string, from, to Stage, updatedAt time.Time, updatedBy string) error
}

type Engine struct {
	store Store
	gate  Gate
	now   func() time.Time
}

func NewEngine(store Store, gate Gate) *Engine {
	return &Engine{store: store, gate: gate, now: time.Now}
}

// Transition validates and applies one stage advancement. Preconditions are
// checked in a fixed order and the first failure wins: stage order, then
// permission, then payload validation.
func (e *Engine) Transition(ctx context.Context, record ExamRecord, actor Actor, target Stage, payload map[string]string, attachmentRef string) (ExamRecord, StageSubmission, error) {
	admin := e.gate.IsAdministrator(actor)

	if !target.Valid() {
		return record, StageSubmission{}, &OutOfOrderError{Current: record.CurrentStage, Requested: target}
	}
	if !admin {
		next, ok := record.CurrentStage.Next()
		if !ok || target != next {
			return record, StageSubmission{}, &OutOfOrderError{Current: record.CurrentStage, Requested: target}
		}
	}

	if !e.gate.CanSubmit(actor, target) {
		return record, StageSubmission{}, &PermissionDeniedError{ActorID: actor.ID, Stage: target}
	}

	if missing := missingFields(target, payload); len(missing) > 0 {
		return record, StageSubmission{}, &ValidationError{Stage: target, Missing: missing}
	}

	now := e.now()
	sub := StageSubmission{
		ID:              util.NewID("sub"),
		ExamID:          record.ID,
		Stage:           target,
		SubmittedByID:   actor.ID,
		SubmittedByName: actor.DisplayName,
		SubmittedByRole: actor.Role,
		SubmittedAt:     now,
		Payload:         payload,
		AttachmentRef:   attachmentRef,
	}

	if err := e.store.InsertSubmission(ctx, sub); err != nil {
		return record, StageSubmission{}, &StoreUnavailableError{Op: "submit", Err: err}
	}

	if err := e.store.AdvanceExamStage(ctx, record.ID, record.CurrentStage, target, now, actor.ID); err != nil {
		// The submission stays behind as an orphan; FindOrphans surfaces it.
		return record, sub, &StoreUnavailableError{Op: "advance", Err: err}
	}

	record.CurrentStage = target
	record.LastUpdatedAt = now
	record.LastUpdatedBy = actor.ID
	return record, sub, nil
}

func missingFields(stage Stage, payload map[string]string) []string {
	var missing []string
	for _, field := range RequiredFields(stage) {
		if strings.TrimSpace(payload[field]) == "" {
			missing = append(missing, field)
		}
	}
	return missing
}

// FindOrphans returns submissions recorded for stages the record never
// reached: evidence that the second half of a transition's dual write failed.
func FindOrphans(record ExamRecord, subs []StageSubmission) []StageSubmission {
	current := stageIndex(record.CurrentStage)
	var orphans []StageSubmission
	for _, sub := range subs {
		if stageIndex(sub.Stage) > current {
			orphans = append(orphans, sub)
		}
	}
	return orphans
}

func stageIndex(stage Stage) int {
	for i, s := range stageOrder {
		if s == stage {
			return i
		}
	}
	return -1
}
