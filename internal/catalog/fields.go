package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// TrackedField describes one field whose changes are recorded as audit
// events. The set is fixed and enumerated explicitly so the diff is total
// over a closed field set; nothing is discovered by reflection.
type TrackedField struct {
	Name    string
	Extract func(Book) any
}

// TrackedFields is the closed set of audited fields. Name, description and
// image changes are recorded only implicitly in the updated entity row.
// The content hash is derived from exactly this set, in this order.
var TrackedFields = []TrackedField{
	{Name: "price_excl_tax", Extract: func(b Book) any { return b.PriceExclTax }},
	{Name: "price_incl_tax", Extract: func(b Book) any { return b.PriceInclTax }},
	{Name: "availability", Extract: func(b Book) any { return b.Availability }},
	{Name: "num_reviews", Extract: func(b Book) any { return b.NumReviews }},
	{Name: "rating", Extract: func(b Book) any { return b.Rating }},
	{Name: "category", Extract: func(b Book) any { return b.Category }},
}

// ContentHash computes the SHA-256 digest over the tracked fields using a
// canonical serialization, so equal tracked values always hash equally.
func ContentHash(b Book) string {
	parts := make([]string, 0, len(TrackedFields))
	for _, f := range TrackedFields {
		parts = append(parts, canonicalValue(f.Extract(b)))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func canonicalValue(v any) string {
	switch t := v.(type) {
	case float64:
		return strconv.FormatFloat(t, 'f', 2, 64)
	case int:
		return strconv.Itoa(t)
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}
