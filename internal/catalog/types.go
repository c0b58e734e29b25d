// Package catalog defines the core domain types shared across subsystems:
// the tracked Book entity, the append-only ChangeEvent audit record, and
// the Decision produced by the change detector.
package catalog

import (
	"time"
)

// ChangeType classifies a ChangeEvent.
type ChangeType string

// Change types persisted in the change_events table.
const (
	ChangeTypeNew     ChangeType = "new"
	ChangeTypeUpdate  ChangeType = "update"
	ChangeTypeDeleted ChangeType = "deleted"
)

// Book is a single catalog item. It is identified internally by ID
// (assigned at first persistence) and externally by SourceURL, which is
// unique and never reused.
type Book struct {
	ID          string    `json:"id"`
	SourceURL   string    `json:"source_url"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category"`

	PriceExclTax float64 `json:"price_excl_tax"`
	PriceInclTax float64 `json:"price_incl_tax"`

	Availability string `json:"availability"`
	InStock      bool   `json:"in_stock"`
	NumReviews   int    `json:"num_reviews"`
	Rating       int    `json:"rating"`

	ImageURL string `json:"image_url,omitempty"`

	// ContentHash is a digest over the tracked fields only. It is
	// recomputed on every observation and is the single source of truth
	// for "did anything tracked change".
	ContentHash string `json:"content_hash"`

	Deleted     bool       `json:"deleted"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	FirstSeenAt time.Time  `json:"first_seen_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ChangeEvent is an immutable audit record of one detected difference for
// one Book. Events are created, never mutated or deleted.
type ChangeEvent struct {
	ID           string     `json:"id"`
	BookID       string     `json:"book_id"`
	SourceURL    string     `json:"source_url"`
	ChangeType   ChangeType `json:"change_type"`
	FieldChanged string     `json:"field_changed,omitempty"`
	OldValue     any        `json:"old_value,omitempty"`
	NewValue     any        `json:"new_value,omitempty"`
	Description  string     `json:"description,omitempty"`
	ChangedAt    time.Time  `json:"changed_at"`
}

// DecisionKind classifies the detector's verdict for one observation.
type DecisionKind string

// Decision kinds.
const (
	DecisionCreate  DecisionKind = "create"
	DecisionNoOp    DecisionKind = "noop"
	DecisionUpdate  DecisionKind = "update"
	DecisionDeleted DecisionKind = "deleted"
)

// Decision is the change detector's output for one observed candidate.
// For Update decisions, Events carries one entry per changed tracked
// field; for Create and Deleted the persistence gateway synthesizes the
// single lifecycle event at commit time.
type Decision struct {
	Kind      DecisionKind
	Candidate Book
	// Current is the stored book the candidate was evaluated against.
	// Nil for Create decisions.
	Current *Book
	Events  []ChangeEvent
}
