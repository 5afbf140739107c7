package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"eegflow/api/internal/store"
	"eegflow/api/internal/workflow"
)

func TestHealthEndpoint(t *testing.T) {
	svc := newTestService(t, nil, nil)
	server := httptest.NewServer(svc.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if rid := resp.Header.Get("X-Request-Id"); rid == "" {
		t.Fatal("expected a request id header")
	}
}

func TestExamsRequireAuth(t *testing.T) {
	svc := newTestService(t, nil, nil)
	server := httptest.NewServer(svc.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/exams")
	if err != nil {
		t.Fatalf("list exams: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestLoginThenTransitionOverHTTP(t *testing.T) {
	fs := &fakeStore{}
	fs.GetActorFn = func(ctx context.Context, actorID string) (store.Actor, error) {
		return store.Actor{ID: actorID, DisplayName: "Tech", Role: "technician", Capabilities: []string{"record"}}, nil
	}
	fs.GetExamFn = func(ctx context.Context, examID string) (workflow.ExamRecord, error) {
		return workflow.ExamRecord{ID: examID, PatientID: "pat_1", CurrentStage: workflow.StageObservation}, nil
	}
	svc := newTestService(t, fs, nil)
	server := httptest.NewServer(svc.Handler())
	defer server.Close()

	loginResp, err := http.Post(server.URL+"/api/session/login", "application/json",
		strings.NewReader(`{"name":"Tech","role":"technician"}`))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer loginResp.Body.Close()
	var login struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(loginResp.Body).Decode(&login); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if login.Token == "" {
		t.Fatal("expected a token")
	}

	req, _ := http.NewRequest(http.MethodPost, server.URL+"/api/exams/exam_1/transition",
		strings.NewReader(`{"target":"RECORDING","payload":{"montage":"10-20","filters":"0.5-70Hz"}}`))
	req.Header.Set("Authorization", "Bearer "+login.Token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		Exam workflow.ExamRecord `json:"exam"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode transition: %v", err)
	}
	if body.Exam.CurrentStage != workflow.StageRecording {
		t.Fatalf("expected RECORDING, got %s", body.Exam.CurrentStage)
	}
}

func TestTransitionOutOfOrderStatus(t *testing.T) {
	fs := &fakeStore{}
	fs.GetActorFn = func(ctx context.Context, actorID string) (store.Actor, error) {
		return store.Actor{ID: actorID, DisplayName: "Tech", Role: "technician", Capabilities: []string{"record"}}, nil
	}
	fs.GetExamFn = func(ctx context.Context, examID string) (workflow.ExamRecord, error) {
		return workflow.ExamRecord{ID: examID, CurrentStage: workflow.StagePending}, nil
	}
	svc := newTestService(t, fs, nil)
	server := httptest.NewServer(svc.Handler())
	defer server.Close()

	sess, err := svc.Login(context.Background(), "Tech", "technician")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	req, _ := http.NewRequest(http.MethodPost, server.URL+"/api/exams/exam_1/transition",
		strings.NewReader(`{"target":"RECORDING","payload":{"montage":"10-20","filters":"0.5-70Hz"}}`))
	req.Header.Set("Authorization", "Bearer "+sess.Token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body.Error.Code != "OUT_OF_ORDER" {
		t.Fatalf("expected OUT_OF_ORDER, got %q", body.Error.Code)
	}
}

func TestWatchFrameOverflowSignals(t *testing.T) {
	frames := make(chan watchFrame, 2)
	overflow := make(chan struct{}, 1)

	for i := 0; i < 3; i++ {
		pushWatchFrame(frames, overflow, watchFrame{event: "change"})
	}

	if len(frames) != 2 {
		t.Fatalf("expected the buffer filled, got %d frames", len(frames))
	}
	select {
	case <-overflow:
	default:
		t.Fatal("a dropped frame must flag overflow, not vanish")
	}

	// A second overflow while the flag is pending must not block the pusher.
	done := make(chan struct{})
	go func() {
		pushWatchFrame(frames, overflow, watchFrame{event: "change"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pushWatchFrame blocked on a full buffer")
	}
}

func TestUnknownEndpoint(t *testing.T) {
	svc := newTestService(t, nil, nil)
	server := httptest.NewServer(svc.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/nope")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
