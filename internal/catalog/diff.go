package catalog

import (
	"fmt"
)

// ErrHashDiffMismatch signals an internal-consistency violation: the
// content hash reported a change but the field-by-field diff over the
// tracked set found none. Because the hash is derived only from tracked
// fields this is impossible by construction and must never be swallowed
// as a NoOp.
type ErrHashDiffMismatch struct {
	SourceURL string
}

func (e *ErrHashDiffMismatch) Error() string {
	return fmt.Sprintf("content hash changed but tracked fields are equal for %s", e.SourceURL)
}

// Detector evaluates observed candidates against stored state.
type Detector struct{}

// NewDetector returns a Detector.
func NewDetector() *Detector {
	return &Detector{}
}

// Evaluate classifies a candidate against the stored book with the same
// source URL. current is nil when no such book exists yet. The candidate's
// ContentHash is (re)computed here so callers never have to pre-populate it.
func (d *Detector) Evaluate(candidate Book, current *Book) (Decision, error) {
	candidate.ContentHash = ContentHash(candidate)

	if current == nil {
		return Decision{Kind: DecisionCreate, Candidate: candidate}, nil
	}

	if candidate.ContentHash == current.ContentHash && !current.Deleted {
		return Decision{Kind: DecisionNoOp, Candidate: candidate, Current: current}, nil
	}

	events := diffTracked(*current, candidate)
	if len(events) == 0 && !current.Deleted {
		return Decision{}, &ErrHashDiffMismatch{SourceURL: candidate.SourceURL}
	}

	return Decision{
		Kind:      DecisionUpdate,
		Candidate: candidate,
		Current:   current,
		Events:    events,
	}, nil
}

// Deleted builds the decision for a book that was present in storage but
// absent from an exhaustive crawl.
func (d *Detector) Deleted(current Book) Decision {
	return Decision{
		Kind:      DecisionDeleted,
		Candidate: current,
		Current:   &current,
	}
}

func diffTracked(current, candidate Book) []ChangeEvent {
	var events []ChangeEvent
	for _, f := range TrackedFields {
		oldVal := f.Extract(current)
		newVal := f.Extract(candidate)
		if oldVal == newVal {
			continue
		}
		events = append(events, ChangeEvent{
			BookID:       current.ID,
			SourceURL:    current.SourceURL,
			ChangeType:   ChangeTypeUpdate,
			FieldChanged: f.Name,
			OldValue:     oldVal,
			NewValue:     newVal,
			Description:  describeChange(f.Name, oldVal, newVal),
		})
	}
	return events
}

// describeChange renders a human-readable summary for one field change.
func describeChange(field string, oldVal, newVal any) string {
	switch field {
	case "price_incl_tax":
		o, n := oldVal.(float64), newVal.(float64)
		if n > o {
			return fmt.Sprintf("Price increased by £%.2f (from £%.2f to £%.2f)", n-o, o, n)
		}
		return fmt.Sprintf("Price decreased by £%.2f (from £%.2f to £%.2f)", o-n, o, n)
	case "price_excl_tax":
		o, n := oldVal.(float64), newVal.(float64)
		if n > o {
			return fmt.Sprintf("Price (excl. tax) increased by £%.2f", n-o)
		}
		return fmt.Sprintf("Price (excl. tax) decreased by £%.2f", o-n)
	case "availability":
		return fmt.Sprintf("Availability changed from %q to %q", oldVal, newVal)
	case "num_reviews":
		o, n := oldVal.(int), newVal.(int)
		if n > o {
			return fmt.Sprintf("Number of reviews increased by %d (now %d)", n-o, n)
		}
		return fmt.Sprintf("Number of reviews decreased by %d (now %d)", o-n, n)
	case "rating":
		o, n := oldVal.(int), newVal.(int)
		if n > o {
			return fmt.Sprintf("Rating improved from %d to %d stars", o, n)
		}
		return fmt.Sprintf("Rating decreased from %d to %d stars", o, n)
	case "category":
		return fmt.Sprintf("Category changed from %q to %q", oldVal, newVal)
	default:
		return fmt.Sprintf("%s changed from %v to %v", field, oldVal, newVal)
	}
}
