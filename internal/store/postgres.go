package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"eegflow/api/internal/workflow"
)

const examCollection = "exams"

// PostgresStore persists patients, actors, exams, and stage submissions, and
// publishes a change event on the feed after every exam write. A nil feed
// disables publishing.
type PostgresStore struct {
	db   *sql.DB
	feed Publisher
}

func NewPostgresStore(db *sql.DB, feed Publisher) *PostgresStore {
	return &PostgresStore{db: db, feed: feed}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) publish(ctx context.Context, docID string, changeType ChangeType, doc map[string]any) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Publish(ctx, newChangeEvent(examCollection, docID, changeType, doc)); err != nil {
		log.Printf("store: publish change for %s: %v", docID, err)
	}
}

// ---- patients ----

func (s *PostgresStore) InsertPatient(ctx context.Context, patient Patient) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patients (id, name, code)
		VALUES ($1, $2, $3)
	`, patient.ID, patient.Name, patient.Code)
	if err != nil {
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPatient(ctx context.Context, patientID string) (Patient, error) {
	var patient Patient
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, code, created_at FROM patients WHERE id=$1
	`, patientID).Scan(&patient.ID, &patient.Name, &patient.Code, &patient.CreatedAt)
	if err != nil {
		return Patient{}, err
	}
	return patient, nil
}

func (s *PostgresStore) ListPatients(ctx context.Context) ([]Patient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, code, created_at FROM patients ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	var patients []Patient
	for rows.Next() {
		var patient Patient
		if err := rows.Scan(&patient.ID, &patient.Name, &patient.Code, &patient.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		patients = append(patients, patient)
	}
	return patients, rows.Err()
}

// ---- actors ----

func (s *PostgresStore) GetActor(ctx context.Context, actorID string) (Actor, error) {
	var actor Actor
	var capsJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, role, capabilities, created_at, updated_at
		FROM actors WHERE id=$1
	`, actorID).Scan(&actor.ID, &actor.DisplayName, &actor.Role, &capsJSON, &actor.CreatedAt, &actor.UpdatedAt)
	if err != nil {
		return Actor{}, err
	}
	if err := json.Unmarshal(capsJSON, &actor.Capabilities); err != nil {
		return Actor{}, fmt.Errorf("decode actor capabilities: %w", err)
	}
	return actor, nil
}

func (s *PostgresStore) EnsureActor(ctx context.Context, actor Actor) (Actor, error) {
	existing, err := s.GetActor(ctx, actor.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Actor{}, fmt.Errorf("lookup actor: %w", err)
	}

	capsJSON, err := json.Marshal(actor.Capabilities)
	if err != nil {
		return Actor{}, fmt.Errorf("encode actor capabilities: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO actors (id, display_name, role, capabilities)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, actor.ID, actor.DisplayName, actor.Role, capsJSON)
	if err != nil {
		return Actor{}, fmt.Errorf("insert actor: %w", err)
	}
	return s.GetActor(ctx, actor.ID)
}

// UpdateActorCapabilities replaces an actor's capability flags. The new set
// takes effect on the actor's next permission check.
func (s *PostgresStore) UpdateActorCapabilities(ctx context.Context, actorID string, capabilities []string) (Actor, error) {
	capsJSON, err := json.Marshal(capabilities)
	if err != nil {
		return Actor{}, fmt.Errorf("encode actor capabilities: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE actors SET capabilities=$2, updated_at=NOW() WHERE id=$1
	`, actorID, capsJSON)
	if err != nil {
		return Actor{}, fmt.Errorf("update actor capabilities: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return Actor{}, sql.ErrNoRows
	}
	return s.GetActor(ctx, actorID)
}

// ---- exams ----

func (s *PostgresStore) InsertExam(ctx context.Context, record workflow.ExamRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exams (id, patient_id, admission_id, admission_type, current_stage, last_updated_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, record.ID, record.PatientID, record.AdmissionID, record.AdmissionType, record.CurrentStage, record.LastUpdatedBy)
	if err != nil {
		return fmt.Errorf("insert exam: %w", err)
	}
	s.publish(ctx, record.ID, ChangeCreated, examDoc(record))
	return nil
}

func (s *PostgresStore) GetExam(ctx context.Context, examID string) (workflow.ExamRecord, error) {
	return s.scanExam(s.db.QueryRowContext(ctx, `
		SELECT id, patient_id, admission_id, admission_type, current_stage, created_at, last_updated_at, last_updated_by
		FROM exams WHERE id=$1
	`, examID))
}

func (s *PostgresStore) GetExamByAdmission(ctx context.Context, admissionID string) (workflow.ExamRecord, error) {
	return s.scanExam(s.db.QueryRowContext(ctx, `
		SELECT id, patient_id, admission_id, admission_type, current_stage, created_at, last_updated_at, last_updated_by
		FROM exams WHERE admission_id=$1
	`, admissionID))
}

func (s *PostgresStore) ListExams(ctx context.Context) ([]workflow.ExamRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, patient_id, admission_id, admission_type, current_stage, created_at, last_updated_at, last_updated_by
		FROM exams ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list exams: %w", err)
	}
	defer rows.Close()

	var records []workflow.ExamRecord
	for rows.Next() {
		record, err := s.scanExam(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// AdvanceExamStage applies the second half of a transition's dual write. The
// update is unconditional: concurrent transitions resolve by last write wins,
// a deliberate property of the design rather than an oversight.
func (s *PostgresStore) AdvanceExamStage(ctx context.Context, examID string, from, to workflow.Stage, updatedAt time.Time, updatedBy string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE exams SET current_stage=$2, last_updated_at=$3, last_updated_by=$4 WHERE id=$1
	`, examID, to, updatedAt, updatedBy)
	if err != nil {
		return fmt.Errorf("advance exam stage: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	s.publish(ctx, examID, ChangeModified, map[string]any{
		"id":            examID,
		"fromStage":     string(from),
		"currentStage":  string(to),
		"lastUpdatedAt": updatedAt,
		"lastUpdatedBy": updatedBy,
	})
	return nil
}

// ---- submissions ----

func (s *PostgresStore) InsertSubmission(ctx context.Context, sub workflow.StageSubmission) error {
	payloadJSON, err := json.Marshal(sub.Payload)
	if err != nil {
		return fmt.Errorf("encode submission payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO exam_submissions
			(id, exam_id, stage, submitted_by_id, submitted_by_name, submitted_by_role, submitted_at, payload, attachment_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, sub.ID, sub.ExamID, sub.Stage, sub.SubmittedByID, sub.SubmittedByName, sub.SubmittedByRole, sub.SubmittedAt, payloadJSON, sub.AttachmentRef)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSubmissions(ctx context.Context, examID string) ([]workflow.StageSubmission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, exam_id, stage, submitted_by_id, submitted_by_name, submitted_by_role, submitted_at, payload, attachment_ref
		FROM exam_submissions WHERE exam_id=$1 ORDER BY submitted_at
	`, examID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var subs []workflow.StageSubmission
	for rows.Next() {
		var sub workflow.StageSubmission
		var payloadJSON []byte
		if err := rows.Scan(&sub.ID, &sub.ExamID, &sub.Stage, &sub.SubmittedByID, &sub.SubmittedByName,
			&sub.SubmittedByRole, &sub.SubmittedAt, &payloadJSON, &sub.AttachmentRef); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		if err := json.Unmarshal(payloadJSON, &sub.Payload); err != nil {
			return nil, fmt.Errorf("decode submission payload: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ---- search snapshot ----

// ExamSummary is the denormalized row the local search fallback scans.
type ExamSummary struct {
	ID            string
	PatientID     string
	PatientName   string
	AdmissionID   string
	AdmissionType string
	CurrentStage  string
}

func (s *PostgresStore) ListExamSummaries(ctx context.Context) ([]ExamSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.patient_id, p.name, e.admission_id, e.admission_type, e.current_stage
		FROM exams e
		JOIN patients p ON p.id = e.patient_id
		ORDER BY e.created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list exam summaries: %w", err)
	}
	defer rows.Close()

	var summaries []ExamSummary
	for rows.Next() {
		var summary ExamSummary
		if err := rows.Scan(&summary.ID, &summary.PatientID, &summary.PatientName,
			&summary.AdmissionID, &summary.AdmissionType, &summary.CurrentStage); err != nil {
			return nil, fmt.Errorf("scan exam summary: %w", err)
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) scanExam(row scanner) (workflow.ExamRecord, error) {
	var record workflow.ExamRecord
	err := row.Scan(&record.ID, &record.PatientID, &record.AdmissionID, &record.AdmissionType,
		&record.CurrentStage, &record.CreatedAt, &record.LastUpdatedAt, &record.LastUpdatedBy)
	if err != nil {
		return workflow.ExamRecord{}, err
	}
	return record, nil
}

func examDoc(record workflow.ExamRecord) map[string]any {
	return map[string]any{
		"id":            record.ID,
		"patientId":     record.PatientID,
		"admissionId":   record.AdmissionID,
		"admissionType": record.AdmissionType,
		"currentStage":  string(record.CurrentStage),
		"lastUpdatedBy": record.LastUpdatedBy,
	}
}
