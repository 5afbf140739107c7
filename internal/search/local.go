package search

import "strings"

// Local is the degraded search tier: a case-insensitive substring scan over
// an in-memory snapshot. Matches come back in snapshot (insertion) order,
// not relevance order.
type Local struct {
	snapshot func() []SnapshotEntry
}

// NewLocal creates a local scanner over a snapshot provider. The provider is
// invoked per search so the scan always sees the caller's current snapshot.
func NewLocal(snapshot func() []SnapshotEntry) *Local {
	return &Local{snapshot: snapshot}
}

func (l *Local) Search(q Query) []Hit {
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	if needle == "" {
		return []Hit{}
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	hits := make([]Hit, 0)
	for _, entry := range l.snapshot() {
		if q.FilterKind != "" && q.FilterKind != entry.Kind {
			continue
		}
		if !entryMatches(entry, needle) {
			continue
		}
		hits = append(hits, Hit{
			Kind:      entry.Kind,
			ID:        entry.ID,
			Title:     entry.Title,
			Snippet:   snippetFor(entry, needle),
			PatientID: entry.PatientID,
			Stage:     entry.Stage,
		})
		if len(hits) >= limit {
			break
		}
	}
	return hits
}

func entryMatches(entry SnapshotEntry, needle string) bool {
	for _, field := range entry.Fields {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

func snippetFor(entry SnapshotEntry, needle string) string {
	for _, field := range entry.Fields {
		if strings.Contains(strings.ToLower(field), needle) {
			return field
		}
	}
	return ""
}
