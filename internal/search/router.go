package search

import (
	"context"
	"log"
	"strings"
	"sync/atomic"
	"time"
)

// Router is the tiered search entry point. It debounces bursts of calls,
// prefers the remote index with a bounded wait, and falls back to the local
// snapshot scan on any remote failure. It never returns an error: every
// failure path resolves to a (possibly empty) local result with a reason.
type Router struct {
	remote   Remote // nil when no remote index is configured
	local    *Local
	debounce time.Duration
	timeout  time.Duration
	seq      atomic.Uint64
}

func NewRouter(remote Remote, local *Local, debounce, timeout time.Duration) *Router {
	return &Router{
		remote:   remote,
		local:    local,
		debounce: debounce,
		timeout:  timeout,
	}
}

type remoteAnswer struct {
	hits  []Hit
	total int
	err   error
}

// Search executes one tiered lookup. Calls superseded within the debounce
// window return Superseded=true and never reach the remote tier; a
// superseded call's late remote answer is discarded, not returned.
func (r *Router) Search(ctx context.Context, q Query) Response {
	seq := r.seq.Add(1)

	if strings.TrimSpace(q.Text) == "" {
		return Response{Hits: []Hit{}, Query: q.Text}
	}

	if r.debounce > 0 {
		timer := time.NewTimer(r.debounce)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Response{Hits: []Hit{}, Query: q.Text, Superseded: true}
		case <-timer.C:
		}
	}
	if r.seq.Load() != seq {
		return Response{Hits: []Hit{}, Query: q.Text, Superseded: true}
	}

	reason := ""
	if r.remote == nil {
		reason = "remote search not configured"
	} else if !r.remote.Healthy() {
		reason = "remote search not ready"
	} else {
		answer := make(chan remoteAnswer, 1)
		go func() {
			hits, total, err := r.remote.Search(q)
			answer <- remoteAnswer{hits: hits, total: total, err: err}
		}()

		deadline := time.NewTimer(r.timeout)
		defer deadline.Stop()
		select {
		case <-ctx.Done():
			return Response{Hits: []Hit{}, Query: q.Text, Superseded: true}
		case <-deadline.C:
			reason = "remote search timed out"
		case got := <-answer:
			if got.err == nil {
				if r.seq.Load() != seq {
					// A newer call is in flight; this answer must not win.
					return Response{Hits: []Hit{}, Query: q.Text, Superseded: true}
				}
				hits := got.hits
				if hits == nil {
					hits = []Hit{}
				}
				return Response{Hits: hits, Total: got.total, Query: q.Text, Source: SourceRemote}
			}
			log.Printf("search: remote tier failed, falling back to snapshot scan: %v", got.err)
			reason = "remote search failed"
		}
	}

	if r.seq.Load() != seq {
		return Response{Hits: []Hit{}, Query: q.Text, Superseded: true}
	}
	hits := r.local.Search(q)
	return Response{
		Hits:           hits,
		Total:          len(hits),
		Query:          q.Text,
		Source:         SourceLocal,
		DegradedReason: reason,
	}
}
