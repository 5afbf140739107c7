package search

// Kind identifies the entity behind a search hit.
type Kind string

const (
	KindExam    Kind = "exam"
	KindPatient Kind = "patient"
)

// Source tags which tier produced a result set.
type Source string

const (
	SourceRemote Source = "remote"
	SourceLocal  Source = "local"
)

// Hit is a single search result returned to the caller.
type Hit struct {
	Kind      Kind   `json:"kind"`
	ID        string `json:"id"`
	Title     string `json:"title"`
	Snippet   string `json:"snippet"`
	PatientID string `json:"patientId,omitempty"`
	Stage     string `json:"stage,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterKind Kind // empty = all kinds
	Limit      int
}

// Response is the envelope every search resolves to. Failure never escapes
// the router: a degraded remote tier shows up as Source=local plus a reason.
type Response struct {
	Hits           []Hit  `json:"hits"`
	Total          int    `json:"total"`
	Query          string `json:"query"`
	Source         Source `json:"source"`
	DegradedReason string `json:"degradedReason,omitempty"`
	Superseded     bool   `json:"superseded,omitempty"`
}

// Remote is the networked full-text index tier.
type Remote interface {
	Search(q Query) ([]Hit, int, error)
	Healthy() bool
}

// SnapshotEntry is one row of the in-memory snapshot the local tier scans.
// Fields holds the fixed searchable fields for the entry's kind.
type SnapshotEntry struct {
	Kind      Kind     `json:"kind"`
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	PatientID string   `json:"patientId,omitempty"`
	Stage     string   `json:"stage,omitempty"`
	Fields    []string `json:"fields"`
}

// ExamRecord is the data indexed for an exam.
type ExamRecord struct {
	ID            string `json:"id"`
	PatientID     string `json:"patientId"`
	PatientName   string `json:"patientName"`
	AdmissionID   string `json:"admissionId"`
	AdmissionType string `json:"admissionType"`
	Stage         string `json:"stage"`
}

// PatientRecord is the data indexed for a patient.
type PatientRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Code string `json:"code"`
}
