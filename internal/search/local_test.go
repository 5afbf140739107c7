package search

import "testing"

func TestLocalSubstringMatch(t *testing.T) {
	local := NewLocal(snapshotOf(
		examEntry("exam_1", "Ada Osei", "ADM-100"),
		examEntry("exam_2", "Ben Adler", "ADM-200"),
		SnapshotEntry{Kind: KindPatient, ID: "pat_1", Title: "Ada Osei", Fields: []string{"Ada Osei", "P-001"}},
	))

	hits := local.Search(Query{Text: "AdA"})
	if len(hits) != 3 {
		t.Fatalf("case-insensitive match expected 3 hits, got %d", len(hits))
	}
	// Snapshot order, not relevance order.
	if hits[0].ID != "exam_1" || hits[2].ID != "pat_1" {
		t.Fatalf("unexpected order: %+v", hits)
	}
}

func TestLocalKindFilter(t *testing.T) {
	local := NewLocal(snapshotOf(
		examEntry("exam_1", "Ada Osei", "ADM-100"),
		SnapshotEntry{Kind: KindPatient, ID: "pat_1", Title: "Ada Osei", Fields: []string{"Ada Osei"}},
	))

	hits := local.Search(Query{Text: "ada", FilterKind: KindPatient})
	if len(hits) != 1 || hits[0].ID != "pat_1" {
		t.Fatalf("unexpected hits: %+v", hits)
	}
}

func TestLocalLimit(t *testing.T) {
	entries := make([]SnapshotEntry, 30)
	for i := range entries {
		entries[i] = examEntry("exam", "Ada", "ADM")
	}
	local := NewLocal(func() []SnapshotEntry { return entries })

	if got := len(local.Search(Query{Text: "ada"})); got != 20 {
		t.Fatalf("default limit is 20, got %d", got)
	}
	if got := len(local.Search(Query{Text: "ada", Limit: 5})); got != 5 {
		t.Fatalf("explicit limit ignored, got %d", got)
	}
}

func TestLocalSnippet(t *testing.T) {
	local := NewLocal(snapshotOf(examEntry("exam_1", "Ada Osei", "ADM-100")))

	hits := local.Search(Query{Text: "adm-100"})
	if len(hits) != 1 || hits[0].Snippet != "ADM-100" {
		t.Fatalf("expected the matching field as snippet, got %+v", hits)
	}
}
