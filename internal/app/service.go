package app

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"eegflow/api/internal/auth"
	"eegflow/api/internal/blob"
	"eegflow/api/internal/config"
	"eegflow/api/internal/email"
	"eegflow/api/internal/export"
	"eegflow/api/internal/ledger"
	"eegflow/api/internal/rbac"
	"eegflow/api/internal/search"
	"eegflow/api/internal/session"
	"eegflow/api/internal/store"
	"eegflow/api/internal/sync"
	"eegflow/api/internal/util"
	"eegflow/api/internal/workflow"
)

// Session is the authenticated per-request actor context. It is rebuilt from
// the store on every lookup so capability edits take effect on the next check.
type Session struct {
	Token        string
	ActorID      string
	ActorName    string
	Role         string
	Capabilities []string
	JTI          string
	ExpiresAt    time.Time
}

type CreatePatientInput struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

type CreateExamInput struct {
	PatientID     string `json:"patientId"`
	AdmissionID   string `json:"admissionId"`
	AdmissionType string `json:"admissionType"`
}

type TransitionInput struct {
	Target        string            `json:"target"`
	Payload       map[string]string `json:"payload"`
	AttachmentRef string            `json:"attachmentRef"`
}

type dataStore interface {
	Ping(ctx context.Context) error
	InsertPatient(ctx context.Context, patient store.Patient) error
	GetPatient(ctx context.Context, patientID string) (store.Patient, error)
	ListPatients(ctx context.Context) ([]store.Patient, error)
	GetActor(ctx context.Context, actorID string) (store.Actor, error)
	EnsureActor(ctx context.Context, actor store.Actor) (store.Actor, error)
	UpdateActorCapabilities(ctx context.Context, actorID string, capabilities []string) (store.Actor, error)
	InsertExam(ctx context.Context, record workflow.ExamRecord) error
	GetExam(ctx context.Context, examID string) (workflow.ExamRecord, error)
	GetExamByAdmission(ctx context.Context, admissionID string) (workflow.ExamRecord, error)
	ListExams(ctx context.Context) ([]workflow.ExamRecord, error)
	InsertSubmission(ctx context.Context, sub workflow.StageSubmission) error
	AdvanceExamStage(ctx context.Context, examID string, from, to workflow.Stage, updatedAt time.Time, updatedBy string) error
	ListSubmissions(ctx context.Context, examID string) ([]workflow.StageSubmission, error)
	ListExamSummaries(ctx context.Context) ([]store.ExamSummary, error)
}

type sessionStore interface {
	Save(ctx context.Context, tokenHash string, sess session.Context) error
	Lookup(ctx context.Context, tokenHash string) (session.Context, error)
	Revoke(ctx context.Context, tokenHash string) error
	Ping(ctx context.Context) error
}

type ledgerService interface {
	EnsureExamLedger(examID, author string) error
	CommitSubmission(examID string, sub workflow.StageSubmission) (ledger.CommitInfo, error)
	History(examID string, limit int) ([]ledger.CommitInfo, error)
}

// searchIndex is the write side of the remote search tier. Nil disables
// indexing; reads degrade to the local snapshot scan.
type searchIndex interface {
	IndexExam(record search.ExamRecord) error
	IndexPatient(record search.PatientRecord) error
}

type blobStore interface {
	Put(ctx context.Context, examID, fileName, contentType string, size int64, body io.Reader) (blob.Attachment, error)
	Get(ctx context.Context, ref string) (io.ReadCloser, blob.Attachment, error)
}

// rbacGate adapts the rbac package to the engine's Gate interface.
type rbacGate struct{}

func (rbacGate) CanSubmit(actor workflow.Actor, stage workflow.Stage) bool {
	return rbac.CanSubmit(rbac.Normalize(actor.Role), rbac.ParseCapabilities(actor.Capabilities), stage)
}

func (rbacGate) IsAdministrator(actor workflow.Actor) bool {
	return rbac.Normalize(actor.Role) == rbac.RoleAdministrator
}

type Deps struct {
	Store    dataStore
	Sessions sessionStore
	Ledger   ledgerService
	Search   *search.Router
	Index    searchIndex
	Feed     *sync.Broadcaster
	Blobs    blobStore
	Email    *email.Service
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	engine   *workflow.Engine
	ledger   ledgerService
	search   *search.Router
	index    searchIndex
	feed     *sync.Broadcaster
	blobs    blobStore
	email    *email.Service
	export   *export.Service
}

func New(cfg config.Config, deps Deps) *Service {
	svc := &Service{
		cfg:      cfg,
		store:    deps.Store,
		sessions: deps.Sessions,
		engine:   workflow.NewEngine(deps.Store, rbacGate{}),
		ledger:   deps.Ledger,
		search:   deps.Search,
		index:    deps.Index,
		feed:     deps.Feed,
		blobs:    deps.Blobs,
		email:    deps.Email,
	}
	svc.export = export.NewService(exportStore{store: deps.Store})
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := s.sessions.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

// Feed exposes the change broadcaster for the watch endpoint. Nil means live
// updates are disabled.
func (s *Service) Feed() *sync.Broadcaster {
	return s.feed
}

// ---- sessions ----

func (s *Service) Login(ctx context.Context, name, role string) (Session, error) {
	actorName := strings.TrimSpace(name)
	if actorName == "" {
		actorName = "Staff"
	}
	normalized := rbac.Normalize(role)

	actor, err := s.store.EnsureActor(ctx, store.Actor{
		ID:           actorIDForName(actorName),
		DisplayName:  actorName,
		Role:         string(normalized),
		Capabilities: defaultCapabilities(normalized),
	})
	if err != nil {
		return Session{}, err
	}

	now := time.Now()
	expiresAt := now.Add(s.cfg.SessionTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:          actor.ID,
		Name:         actor.DisplayName,
		Role:         actor.Role,
		Capabilities: actor.Capabilities,
		JTI:          jti,
		Exp:          expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	if err := s.sessions.Save(ctx, auth.HashToken(token), session.Context{
		ActorID:      actor.ID,
		DisplayName:  actor.DisplayName,
		Role:         actor.Role,
		Capabilities: actor.Capabilities,
		CreatedAt:    now,
	}); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		ActorID:      actor.ID,
		ActorName:    actor.DisplayName,
		Role:         actor.Role,
		Capabilities: actor.Capabilities,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken validates the token, checks the redis session is still
// alive, then reloads the actor so fresh capability flags apply.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	if _, err := s.sessions.Lookup(ctx, auth.HashToken(token)); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	actor, err := s.store.GetActor(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		ActorID:      actor.ID,
		ActorName:    actor.DisplayName,
		Role:         actor.Role,
		Capabilities: actor.Capabilities,
		JTI:          claims.JTI,
		ExpiresAt:    time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return s.sessions.Revoke(ctx, auth.HashToken(token))
}

func (s *Service) can(sess Session, capability rbac.Capability) bool {
	return rbac.Has(rbac.Normalize(sess.Role), rbac.ParseCapabilities(sess.Capabilities), capability)
}

func (s *Service) isAdministrator(sess Session) bool {
	return rbac.Normalize(sess.Role) == rbac.RoleAdministrator
}

// ---- patients ----

func (s *Service) CreatePatient(ctx context.Context, sess Session, input CreatePatientInput) (store.Patient, error) {
	if !s.can(sess, rbac.CapCreatePatient) {
		return store.Patient{}, domainError(http.StatusForbidden, "PERMISSION_DENIED", "createPatient capability required", nil)
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Patient{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", map[string]any{"missing": []string{"name"}})
	}
	patient := store.Patient{
		ID:   util.NewID("pat"),
		Name: name,
		Code: strings.TrimSpace(input.Code),
	}
	if err := s.store.InsertPatient(ctx, patient); err != nil {
		return store.Patient{}, err
	}
	s.indexPatient(patient)
	return s.store.GetPatient(ctx, patient.ID)
}

func (s *Service) ListPatients(ctx context.Context) ([]store.Patient, error) {
	return s.store.ListPatients(ctx)
}

// ---- exams ----

func (s *Service) CreateExam(ctx context.Context, sess Session, input CreateExamInput) (workflow.ExamRecord, error) {
	if !s.can(sess, rbac.CapCreateExam) {
		return workflow.ExamRecord{}, domainError(http.StatusForbidden, "PERMISSION_DENIED", "createExam capability required", nil)
	}
	admissionID := strings.TrimSpace(input.AdmissionID)
	if admissionID == "" {
		return workflow.ExamRecord{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "admissionId is required", map[string]any{"missing": []string{"admissionId"}})
	}

	patient, err := s.store.GetPatient(ctx, strings.TrimSpace(input.PatientID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return workflow.ExamRecord{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown patient", nil)
		}
		return workflow.ExamRecord{}, err
	}

	// One exam per admission id.
	if _, err := s.store.GetExamByAdmission(ctx, admissionID); err == nil {
		return workflow.ExamRecord{}, domainError(http.StatusConflict, "EXAM_EXISTS", "an exam already exists for this admission", map[string]any{"admissionId": admissionID})
	} else if !errors.Is(err, sql.ErrNoRows) {
		return workflow.ExamRecord{}, err
	}

	record := workflow.ExamRecord{
		ID:            util.NewID("exam"),
		PatientID:     patient.ID,
		AdmissionID:   admissionID,
		AdmissionType: strings.TrimSpace(input.AdmissionType),
		CurrentStage:  workflow.StagePending,
		LastUpdatedBy: sess.ActorID,
	}
	if err := s.store.InsertExam(ctx, record); err != nil {
		return workflow.ExamRecord{}, err
	}
	if err := s.ledger.EnsureExamLedger(record.ID, sess.ActorName); err != nil {
		return workflow.ExamRecord{}, err
	}

	record, err = s.store.GetExam(ctx, record.ID)
	if err != nil {
		return workflow.ExamRecord{}, err
	}
	s.indexExam(record, patient.Name)
	return record, nil
}

func (s *Service) GetExam(ctx context.Context, examID string) (workflow.ExamRecord, []workflow.StageSubmission, error) {
	record, err := s.store.GetExam(ctx, examID)
	if err != nil {
		return workflow.ExamRecord{}, nil, err
	}
	subs, err := s.store.ListSubmissions(ctx, examID)
	if err != nil {
		return workflow.ExamRecord{}, nil, err
	}
	return record, subs, nil
}

func (s *Service) ListExams(ctx context.Context) ([]workflow.ExamRecord, error) {
	return s.store.ListExams(ctx)
}

// Transition runs one stage advancement end to end: engine checks and dual
// write, then journal commit, search upsert, and the optional email notice.
// The post-write steps never fail the transition; they log and move on.
func (s *Service) Transition(ctx context.Context, sess Session, examID string, input TransitionInput) (workflow.ExamRecord, workflow.StageSubmission, error) {
	target, ok := workflow.ParseStage(strings.TrimSpace(input.Target))
	if !ok {
		return workflow.ExamRecord{}, workflow.StageSubmission{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown target stage", map[string]any{"target": input.Target})
	}

	record, err := s.store.GetExam(ctx, examID)
	if err != nil {
		return workflow.ExamRecord{}, workflow.StageSubmission{}, err
	}

	actor := workflow.Actor{
		ID:           sess.ActorID,
		DisplayName:  sess.ActorName,
		Role:         sess.Role,
		Capabilities: sess.Capabilities,
	}

	updated, sub, err := s.engine.Transition(ctx, record, actor, target, input.Payload, strings.TrimSpace(input.AttachmentRef))
	if err != nil {
		return workflow.ExamRecord{}, workflow.StageSubmission{}, err
	}

	if _, err := s.ledger.CommitSubmission(examID, sub); err != nil {
		log.Printf("app: ledger commit for %s: %v", examID, err)
	}

	patientName := ""
	if patient, err := s.store.GetPatient(ctx, updated.PatientID); err == nil {
		patientName = patient.Name
	}
	s.indexExam(updated, patientName)
	s.notifyAdvance(updated, record.CurrentStage, patientName, sess.ActorName)

	return updated, sub, nil
}

// Orphans lists submissions recorded for stages the exam never reached, the
// observable residue of a transition whose record update failed.
func (s *Service) Orphans(ctx context.Context, examID string) (workflow.ExamRecord, []workflow.StageSubmission, error) {
	record, err := s.store.GetExam(ctx, examID)
	if err != nil {
		return workflow.ExamRecord{}, nil, err
	}
	subs, err := s.store.ListSubmissions(ctx, examID)
	if err != nil {
		return workflow.ExamRecord{}, nil, err
	}
	return record, workflow.FindOrphans(record, subs), nil
}

func (s *Service) History(ctx context.Context, examID string, limit int) ([]ledger.CommitInfo, error) {
	if _, err := s.store.GetExam(ctx, examID); err != nil {
		return nil, err
	}
	return s.ledger.History(examID, limit)
}

// ---- actors ----

func (s *Service) UpdateActorCapabilities(ctx context.Context, sess Session, actorID string, names []string) (store.Actor, error) {
	if !s.isAdministrator(sess) {
		return store.Actor{}, domainError(http.StatusForbidden, "PERMISSION_DENIED", "administrator role required", nil)
	}
	// Names outside the closed set are dropped, not rejected.
	normalized := rbac.CapabilityNames(rbac.ParseCapabilities(names))
	return s.store.UpdateActorCapabilities(ctx, actorID, normalized)
}

// ---- search ----

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	return s.search.Search(ctx, q)
}

// Snapshot is the in-memory view the local search tier scans, in insertion
// order: exams first, then patients.
func (s *Service) Snapshot() []search.SnapshotEntry {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var entries []search.SnapshotEntry
	summaries, err := s.store.ListExamSummaries(ctx)
	if err != nil {
		log.Printf("app: snapshot exams: %v", err)
	}
	for _, summary := range summaries {
		entries = append(entries, search.SnapshotEntry{
			Kind:      search.KindExam,
			ID:        summary.ID,
			Title:     summary.PatientName + " · " + summary.AdmissionID,
			PatientID: summary.PatientID,
			Stage:     summary.CurrentStage,
			Fields:    []string{summary.PatientName, summary.AdmissionID, summary.AdmissionType},
		})
	}

	patients, err := s.store.ListPatients(ctx)
	if err != nil {
		log.Printf("app: snapshot patients: %v", err)
	}
	for _, patient := range patients {
		entries = append(entries, search.SnapshotEntry{
			Kind:   search.KindPatient,
			ID:     patient.ID,
			Title:  patient.Name,
			Fields: []string{patient.Name, patient.Code},
		})
	}
	return entries
}

// ---- attachments ----

func (s *Service) UploadAttachment(ctx context.Context, sess Session, examID, fileName, contentType string, size int64, body io.Reader) (blob.Attachment, error) {
	if s.blobs == nil {
		return blob.Attachment{}, domainError(http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "attachment storage not configured", nil)
	}
	if _, err := s.store.GetExam(ctx, examID); err != nil {
		return blob.Attachment{}, err
	}
	if strings.TrimSpace(fileName) == "" {
		return blob.Attachment{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file name is required", nil)
	}
	return s.blobs.Put(ctx, examID, fileName, contentType, size, body)
}

func (s *Service) DownloadAttachment(ctx context.Context, ref string) (io.ReadCloser, blob.Attachment, error) {
	if s.blobs == nil {
		return nil, blob.Attachment{}, domainError(http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "attachment storage not configured", nil)
	}
	return s.blobs.Get(ctx, ref)
}

// ---- export ----

func (s *Service) ExportExam(ctx context.Context, examID string, format export.Format) (*export.Result, error) {
	return s.export.Export(ctx, export.Request{ExamID: examID, Format: format})
}

// ---- fire-and-forget side effects ----

func (s *Service) indexExam(record workflow.ExamRecord, patientName string) {
	if s.index == nil {
		return
	}
	err := s.index.IndexExam(search.ExamRecord{
		ID:            record.ID,
		PatientID:     record.PatientID,
		PatientName:   patientName,
		AdmissionID:   record.AdmissionID,
		AdmissionType: record.AdmissionType,
		Stage:         string(record.CurrentStage),
	})
	if err != nil {
		log.Printf("app: index exam %s: %v", record.ID, err)
	}
}

func (s *Service) indexPatient(patient store.Patient) {
	if s.index == nil {
		return
	}
	err := s.index.IndexPatient(search.PatientRecord{
		ID:   patient.ID,
		Name: patient.Name,
		Code: patient.Code,
	})
	if err != nil {
		log.Printf("app: index patient %s: %v", patient.ID, err)
	}
}

func (s *Service) notifyAdvance(record workflow.ExamRecord, from workflow.Stage, patientName, actorName string) {
	if s.email == nil || !s.email.IsConfigured() || s.cfg.NotifyEmail == "" {
		return
	}
	to := []string{s.cfg.NotifyEmail}
	var err error
	if record.CurrentStage.Terminal() {
		err = s.email.SendExamCompletedEmail(to, email.ExamCompletedData{
			PatientName: patientName,
			AdmissionID: record.AdmissionID,
			ActorName:   actorName,
		})
	} else {
		err = s.email.SendStageAdvanceEmail(to, email.StageAdvanceData{
			PatientName: patientName,
			AdmissionID: record.AdmissionID,
			FromStage:   string(from),
			ToStage:     string(record.CurrentStage),
			ActorName:   actorName,
		})
	}
	if err != nil {
		log.Printf("app: notify advance for %s: %v", record.ID, err)
	}
}

// exportStore adapts the data store to the export service's view.
type exportStore struct {
	store dataStore
}

func (a exportStore) GetExam(ctx context.Context, id string) (workflow.ExamRecord, error) {
	return a.store.GetExam(ctx, id)
}

func (a exportStore) GetPatient(ctx context.Context, id string) (export.PatientInfo, error) {
	patient, err := a.store.GetPatient(ctx, id)
	if err != nil {
		return export.PatientInfo{}, err
	}
	return export.PatientInfo{ID: patient.ID, FullName: patient.Name, Code: patient.Code}, nil
}

func (a exportStore) ListSubmissions(ctx context.Context, examID string) ([]workflow.StageSubmission, error) {
	return a.store.ListSubmissions(ctx, examID)
}

func actorIDForName(name string) string {
	sum := sha1.Sum([]byte(strings.ToLower(strings.TrimSpace(name))))
	return "act_" + hex.EncodeToString(sum[:])[:12]
}

// defaultCapabilities seeds a first-login actor with the flags their role
// ordinarily carries. Administrators can edit them afterwards.
func defaultCapabilities(role rbac.Role) []string {
	switch role {
	case rbac.RoleReceptionist:
		return []string{string(rbac.CapCreatePatient), string(rbac.CapCreateExam)}
	case rbac.RoleNurse:
		return []string{string(rbac.CapObserve)}
	case rbac.RoleTechnician:
		return []string{string(rbac.CapRecord)}
	case rbac.RolePhysician:
		return []string{string(rbac.CapAnalyze)}
	case rbac.RoleNeurologist:
		return []string{string(rbac.CapAnalyze), string(rbac.CapInterpret)}
	case rbac.RoleAdministrator:
		return []string{
			string(rbac.CapObserve), string(rbac.CapRecord), string(rbac.CapAnalyze),
			string(rbac.CapInterpret), string(rbac.CapCreateExam), string(rbac.CapCreatePatient),
		}
	default:
		return nil
	}
}
