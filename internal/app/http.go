package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"eegflow/api/internal/auth"
	"eegflow/api/internal/blob"
	"eegflow/api/internal/export"
	"eegflow/api/internal/search"
	"eegflow/api/internal/session"
	"eegflow/api/internal/sync"
	"eegflow/api/internal/workflow"
)

const maxBodyBytes = 1 << 20

// maxAttachmentBytes caps raw EEG trace uploads.
const maxAttachmentBytes = 64 << 20

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/", s.handle)
	return s.withMiddleware(mux)
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	segs := splitPath(strings.TrimPrefix(r.URL.Path, "/api"))
	if len(segs) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown endpoint", nil)
		return
	}

	switch segs[0] {
	case "health":
		if r.Method == http.MethodGet && len(segs) == 1 {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
	case "ready":
		if r.Method == http.MethodGet && len(segs) == 1 {
			s.handleReady(w, r)
			return
		}
	case "session":
		switch {
		case len(segs) == 1 && r.Method == http.MethodGet:
			s.handleSessionGet(w, r)
			return
		case len(segs) == 2 && segs[1] == "login" && r.Method == http.MethodPost:
			s.handleLogin(w, r)
			return
		case len(segs) == 2 && segs[1] == "logout" && r.Method == http.MethodPost:
			s.handleLogout(w, r)
			return
		}
	case "patients":
		switch {
		case len(segs) == 1 && r.Method == http.MethodGet:
			s.handlePatientsList(w, r)
			return
		case len(segs) == 1 && r.Method == http.MethodPost:
			s.handlePatientCreate(w, r)
			return
		}
	case "exams":
		switch {
		case len(segs) == 1 && r.Method == http.MethodGet:
			s.handleExamsList(w, r)
			return
		case len(segs) == 1 && r.Method == http.MethodPost:
			s.handleExamCreate(w, r)
			return
		case len(segs) == 2 && r.Method == http.MethodGet:
			s.handleExamGet(w, r, segs[1])
			return
		case len(segs) == 3 && segs[2] == "transition" && r.Method == http.MethodPost:
			s.handleTransition(w, r, segs[1])
			return
		case len(segs) == 3 && segs[2] == "history" && r.Method == http.MethodGet:
			s.handleHistory(w, r, segs[1])
			return
		case len(segs) == 3 && segs[2] == "orphans" && r.Method == http.MethodGet:
			s.handleOrphans(w, r, segs[1])
			return
		case len(segs) == 3 && segs[2] == "attachments" && r.Method == http.MethodPost:
			s.handleAttachmentUpload(w, r, segs[1])
			return
		case len(segs) == 3 && segs[2] == "export" && r.Method == http.MethodGet:
			s.handleExport(w, r, segs[1])
			return
		case len(segs) == 3 && segs[2] == "watch" && r.Method == http.MethodGet:
			s.handleWatch(w, r, segs[1])
			return
		}
	case "attachments":
		if len(segs) >= 2 && r.Method == http.MethodGet {
			s.handleAttachmentDownload(w, r, strings.Join(segs[1:], "/"))
			return
		}
	case "search":
		switch {
		case len(segs) == 1 && r.Method == http.MethodGet:
			s.handleSearch(w, r)
			return
		case len(segs) == 2 && segs[1] == "snapshot" && r.Method == http.MethodGet:
			s.handleSearchSnapshot(w, r)
			return
		}
	case "actors":
		if len(segs) == 3 && segs[2] == "capabilities" && r.Method == http.MethodPost {
			s.handleActorCapabilities(w, r, segs[1])
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown endpoint", nil)
}

func (s *Service) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token", nil)
		return Session{}, false
	}
	sess, err := s.SessionFromToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired session", nil)
		return Session{}, false
	}
	return sess, true
}

// ---- health ----

func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "live": s.feed != nil && s.feed.IsLive()})
}

// ---- session ----

func sessionView(sess Session) map[string]any {
	capabilities := sess.Capabilities
	if capabilities == nil {
		capabilities = []string{}
	}
	return map[string]any{
		"actorId":      sess.ActorID,
		"actorName":    sess.ActorName,
		"role":         sess.Role,
		"capabilities": capabilities,
		"expiresAt":    sess.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

func (s *Service) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sessionView(sess))
}

func (s *Service) handleLogin(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Name string `json:"name"`
		Role string `json:"role"`
	}
	if !decodeBody(w, r, &input) {
		return
	}
	sess, err := s.Login(r.Context(), input.Name, input.Role)
	if err != nil {
		mapError(w, err)
		return
	}
	view := sessionView(sess)
	view["token"] = sess.Token
	writeJSON(w, http.StatusOK, view)
}

func (s *Service) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.Logout(r.Context(), bearerToken(r)); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// ---- patients ----

func (s *Service) handlePatientsList(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	patients, err := s.ListPatients(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"patients": patients})
}

func (s *Service) handlePatientCreate(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var input CreatePatientInput
	if !decodeBody(w, r, &input) {
		return
	}
	patient, err := s.CreatePatient(r.Context(), sess, input)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, patient)
}

// ---- exams ----

func (s *Service) handleExamsList(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	exams, err := s.ListExams(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exams": exams})
}

func (s *Service) handleExamCreate(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var input CreateExamInput
	if !decodeBody(w, r, &input) {
		return
	}
	record, err := s.CreateExam(r.Context(), sess, input)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Service) handleExamGet(w http.ResponseWriter, r *http.Request, examID string) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	record, subs, err := s.GetExam(r.Context(), examID)
	if err != nil {
		mapError(w, err)
		return
	}
	if subs == nil {
		subs = []workflow.StageSubmission{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"exam": record, "submissions": subs})
}

func (s *Service) handleTransition(w http.ResponseWriter, r *http.Request, examID string) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var input TransitionInput
	if !decodeBody(w, r, &input) {
		return
	}
	record, sub, err := s.Transition(r.Context(), sess, examID, input)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exam": record, "submission": sub})
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request, examID string) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	commits, err := s.History(r.Context(), examID, limit)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
}

func (s *Service) handleOrphans(w http.ResponseWriter, r *http.Request, examID string) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	record, orphans, err := s.Orphans(r.Context(), examID)
	if err != nil {
		mapError(w, err)
		return
	}
	if orphans == nil {
		orphans = []workflow.StageSubmission{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"examId":       record.ID,
		"currentStage": record.CurrentStage,
		"orphans":      orphans,
	})
}

// ---- attachments ----

func (s *Service) handleAttachmentUpload(w http.ResponseWriter, r *http.Request, examID string) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(maxAttachmentBytes); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid multipart body", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "file field is required", nil)
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	att, err := s.UploadAttachment(r.Context(), sess, examID, header.Filename, contentType, header.Size, file)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, att)
}

func (s *Service) handleAttachmentDownload(w http.ResponseWriter, r *http.Request, ref string) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	body, att, err := s.DownloadAttachment(r.Context(), ref)
	if err != nil {
		mapError(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", att.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", att.FileName))
	if att.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(att.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		log.Printf("http: stream attachment %s: %v", ref, err)
	}
}

// ---- export ----

func (s *Service) handleExport(w http.ResponseWriter, r *http.Request, examID string) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	format := export.Format(strings.ToLower(r.URL.Query().Get("format")))
	if format == "" {
		format = export.FormatPDF
	}
	if format != export.FormatPDF && format != export.FormatDOCX {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "format must be pdf or docx", nil)
		return
	}
	result, err := s.ExportExam(r.Context(), examID, format)
	if err != nil {
		mapError(w, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(result.Data); err != nil {
		log.Printf("http: stream export %s: %v", examID, err)
	}
}

// ---- watch (SSE) ----

// handleWatch streams live change events for one exam over server-sent
// events, starting with a status frame and the latest known change if any.
func (s *Service) handleWatch(w http.ResponseWriter, r *http.Request, examID string) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	if s.feed == nil {
		writeError(w, http.StatusServiceUnavailable, "WATCH_UNAVAILABLE", "live updates not configured", nil)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "streaming unsupported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	frames := make(chan watchFrame, 16)
	overflow := make(chan struct{}, 1)
	push := func(f watchFrame) { pushWatchFrame(frames, overflow, f) }

	sub := s.feed.Subscribe(examID,
		func(change sync.Change) { push(watchFrame{event: "change", data: change}) },
		func(live bool) { push(watchFrame{event: "status", data: map[string]bool{"live": live}}) },
	)
	defer sub.Close()

	push(watchFrame{event: "status", data: map[string]bool{"live": s.feed.IsLive()}})
	if change, ok := s.feed.Latest(examID); ok {
		push(watchFrame{event: "change", data: change})
	}

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-overflow:
			// The viewer fell behind; end the stream so it reconnects and
			// reseeds from Latest instead of silently missing changes.
			fmt.Fprint(w, "event: status\ndata: {\"live\":false}\n\n")
			flusher.Flush()
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case f := <-frames:
			payload, err := json.Marshal(f.data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.event, payload)
			flusher.Flush()
		}
	}
}

type watchFrame struct {
	event string
	data  any
}

// pushWatchFrame queues a frame without ever blocking the feed's dispatch
// goroutine. A full buffer flags overflow so the stream can terminate.
func pushWatchFrame(frames chan watchFrame, overflow chan struct{}, f watchFrame) {
	select {
	case frames <- f:
	default:
		select {
		case overflow <- struct{}{}:
		default:
		}
	}
}

// ---- search ----

func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	query := search.Query{
		Text:       r.URL.Query().Get("q"),
		FilterKind: search.Kind(r.URL.Query().Get("kind")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			query.Limit = parsed
		}
	}
	writeJSON(w, http.StatusOK, s.Search(r.Context(), query))
}

func (s *Service) handleSearchSnapshot(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	entries := s.Snapshot()
	if entries == nil {
		entries = []search.SnapshotEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// ---- actors ----

func (s *Service) handleActorCapabilities(w http.ResponseWriter, r *http.Request, actorID string) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var input struct {
		Capabilities []string `json:"capabilities"`
	}
	if !decodeBody(w, r, &input) {
		return
	}
	actor, err := s.UpdateActorCapabilities(r.Context(), sess, actorID, input.Capabilities)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actor)
}

// ---- middleware ----

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type contextKey string

const requestIDKey contextKey = "requestID"

func (s *Service) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = randomRequestID()
		}
		w.Header().Set("X-Request-Id", requestID)
		s.setCORSHeaders(w)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(rec, r.WithContext(ctx))

		log.Printf("http: %s %s %d %s rid=%s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond), requestID)
	})
}

func (s *Service) setCORSHeaders(w http.ResponseWriter) {
	origin := s.cfg.CORSOrigin
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-Id")
}

func randomRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "rid-unknown"
	}
	return hex.EncodeToString(buf)
}

// ---- helpers ----

func splitPath(p string) []string {
	var segs []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			segs = append(segs, seg)
		}
	}
	return segs
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body", nil)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("http: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}

func mapError(w http.ResponseWriter, err error) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		writeError(w, domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details)
		return
	}

	var outOfOrder *workflow.OutOfOrderError
	if errors.As(err, &outOfOrder) {
		writeError(w, http.StatusConflict, "OUT_OF_ORDER", outOfOrder.Error(), map[string]any{
			"current":   outOfOrder.Current,
			"requested": outOfOrder.Requested,
		})
		return
	}

	var denied *workflow.PermissionDeniedError
	if errors.As(err, &denied) {
		writeError(w, http.StatusForbidden, "PERMISSION_DENIED", denied.Error(), map[string]any{"stage": denied.Stage})
		return
	}

	var invalid *workflow.ValidationError
	if errors.As(err, &invalid) {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", invalid.Error(), map[string]any{
			"stage":   invalid.Stage,
			"missing": invalid.Missing,
		})
		return
	}

	var unavailable *workflow.StoreUnavailableError
	if errors.As(err, &unavailable) {
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", unavailable.Error(), map[string]any{"op": unavailable.Op})
		return
	}

	switch {
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, blob.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "resource not found", nil)
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken), errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired session", nil)
	case errors.Is(err, export.ErrReportUnavailable):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no report content for this exam", nil)
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		writeError(w, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", err.Error(), nil)
	default:
		log.Printf("http: internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal server error", nil)
	}
}
