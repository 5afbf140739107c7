package search

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeRemote struct {
	SearchFn  func(q Query) ([]Hit, int, error)
	HealthyFn func() bool

	calls atomic.Int64
}

func (f *fakeRemote) Search(q Query) ([]Hit, int, error) {
	f.calls.Add(1)
	if f.SearchFn != nil {
		return f.SearchFn(q)
	}
	return nil, 0, errors.New("not implemented")
}

func (f *fakeRemote) Healthy() bool {
	if f.HealthyFn != nil {
		return f.HealthyFn()
	}
	return true
}

func snapshotOf(entries ...SnapshotEntry) func() []SnapshotEntry {
	return func() []SnapshotEntry { return entries }
}

func examEntry(id, patientName, admissionID string) SnapshotEntry {
	return SnapshotEntry{
		Kind:   KindExam,
		ID:     id,
		Title:  patientName + " · " + admissionID,
		Fields: []string{patientName, admissionID},
	}
}

func TestRouterEmptyQueryShortCircuits(t *testing.T) {
	remote := &fakeRemote{}
	router := NewRouter(remote, NewLocal(snapshotOf()), 0, time.Second)

	resp := router.Search(context.Background(), Query{Text: "   "})
	if len(resp.Hits) != 0 || resp.Superseded || resp.DegradedReason != "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if remote.calls.Load() != 0 {
		t.Fatal("empty query must not reach the remote tier")
	}
}

func TestRouterRemoteWins(t *testing.T) {
	remote := &fakeRemote{}
	remote.SearchFn = func(q Query) ([]Hit, int, error) {
		return []Hit{{Kind: KindExam, ID: "exam_1", Title: "Ada · ADM-1"}}, 1, nil
	}
	router := NewRouter(remote, NewLocal(snapshotOf()), 0, time.Second)

	resp := router.Search(context.Background(), Query{Text: "ada"})
	if resp.Source != SourceRemote {
		t.Fatalf("expected remote source, got %s", resp.Source)
	}
	if resp.Total != 1 || len(resp.Hits) != 1 || resp.Hits[0].ID != "exam_1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRouterFallsBackOnRemoteError(t *testing.T) {
	remote := &fakeRemote{}
	remote.SearchFn = func(q Query) ([]Hit, int, error) {
		return nil, 0, errors.New("connection refused")
	}
	local := NewLocal(snapshotOf(examEntry("exam_1", "Ada Osei", "ADM-1")))
	router := NewRouter(remote, local, 0, time.Second)

	resp := router.Search(context.Background(), Query{Text: "osei"})
	if resp.Source != SourceLocal {
		t.Fatalf("expected local source, got %s", resp.Source)
	}
	if resp.DegradedReason != "remote search failed" {
		t.Fatalf("unexpected reason %q", resp.DegradedReason)
	}
	if len(resp.Hits) != 1 || resp.Hits[0].ID != "exam_1" {
		t.Fatalf("unexpected hits: %+v", resp.Hits)
	}
}

func TestRouterFallsBackOnTimeout(t *testing.T) {
	remote := &fakeRemote{}
	remote.SearchFn = func(q Query) ([]Hit, int, error) {
		time.Sleep(200 * time.Millisecond)
		return []Hit{{ID: "late"}}, 1, nil
	}
	local := NewLocal(snapshotOf(examEntry("exam_1", "Ada Osei", "ADM-1")))
	router := NewRouter(remote, local, 0, 20*time.Millisecond)

	resp := router.Search(context.Background(), Query{Text: "ada"})
	if resp.Source != SourceLocal || resp.DegradedReason != "remote search timed out" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRouterUnhealthyRemoteSkipsQuery(t *testing.T) {
	remote := &fakeRemote{}
	remote.HealthyFn = func() bool { return false }
	local := NewLocal(snapshotOf(examEntry("exam_1", "Ada Osei", "ADM-1")))
	router := NewRouter(remote, local, 0, time.Second)

	resp := router.Search(context.Background(), Query{Text: "ada"})
	if resp.Source != SourceLocal || resp.DegradedReason != "remote search not ready" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if remote.calls.Load() != 0 {
		t.Fatal("unhealthy remote must not be queried")
	}
}

func TestRouterNoRemoteConfigured(t *testing.T) {
	local := NewLocal(snapshotOf(examEntry("exam_1", "Ada Osei", "ADM-1")))
	router := NewRouter(nil, local, 0, time.Second)

	resp := router.Search(context.Background(), Query{Text: "adm-1"})
	if resp.Source != SourceLocal || resp.DegradedReason != "remote search not configured" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRouterDebounceSupersedesEarlierCalls(t *testing.T) {
	remote := &fakeRemote{}
	remote.SearchFn = func(q Query) ([]Hit, int, error) {
		return []Hit{{ID: "hit-" + q.Text}}, 1, nil
	}
	router := NewRouter(remote, NewLocal(snapshotOf()), 50*time.Millisecond, time.Second)

	const burst = 4
	responses := make([]Response, burst)
	var wg sync.WaitGroup
	for i := 0; i < burst; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i] = router.Search(context.Background(), Query{Text: "seizure"})
		}(i)
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	winners := 0
	for _, resp := range responses {
		if !resp.Superseded {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winning call, got %d", winners)
	}
	if remote.calls.Load() != 1 {
		t.Fatalf("expected one remote query for the burst, got %d", remote.calls.Load())
	}
}

func TestRouterDiscardsLateRemoteAnswer(t *testing.T) {
	// A remote answer that lands after a newer call has started must not
	// surface: the older call reports superseded instead of stale hits.
	started := make(chan struct{})
	release := make(chan struct{})
	remote := &fakeRemote{}
	remote.SearchFn = func(q Query) ([]Hit, int, error) {
		if remote.calls.Load() == 1 {
			close(started)
			<-release
			return []Hit{{ID: "stale"}}, 1, nil
		}
		return []Hit{{ID: "fresh"}}, 1, nil
	}
	router := NewRouter(remote, NewLocal(snapshotOf()), 0, time.Second)

	first := make(chan Response, 1)
	go func() {
		first <- router.Search(context.Background(), Query{Text: "seizure"})
	}()
	<-started

	second := router.Search(context.Background(), Query{Text: "seizures"})
	if second.Superseded || second.Source != SourceRemote || second.Hits[0].ID != "fresh" {
		t.Fatalf("newest call must win: %+v", second)
	}

	close(release)
	resp := <-first
	if !resp.Superseded {
		t.Fatalf("late answer must be discarded, got %+v", resp)
	}
	if len(resp.Hits) != 0 {
		t.Fatalf("stale hits surfaced: %+v", resp.Hits)
	}
}

func TestRouterCanceledContext(t *testing.T) {
	remote := &fakeRemote{}
	router := NewRouter(remote, NewLocal(snapshotOf()), 100*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp := router.Search(ctx, Query{Text: "ada"})
	if !resp.Superseded {
		t.Fatalf("canceled call must report superseded, got %+v", resp)
	}
}
