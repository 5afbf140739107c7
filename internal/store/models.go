package store

import "time"

type Patient struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Code      string    `json:"code,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Actor is the persisted staff member. Capabilities are a flat set of named
// flags; the rbac package interprets them.
type Actor struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName"`
	Role         string    `json:"role"`
	Capabilities []string  `json:"capabilities"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ChangeType mirrors the change feed's notion of what happened to a document.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// ChangeEvent is the wire shape published on the redis change feed after
// every exam write. EventID is unique per publish and used by the
// broadcaster for de-duplication.
type ChangeEvent struct {
	EventID    string         `json:"eventId"`
	Collection string         `json:"collection"`
	DocID      string         `json:"docId"`
	Type       ChangeType     `json:"type"`
	Doc        map[string]any `json:"doc,omitempty"`
	At         time.Time      `json:"at"`
}
