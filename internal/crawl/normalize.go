package crawl

import (
	"github.com/bookwatch/bookwatch/internal/catalog"
	"github.com/bookwatch/bookwatch/internal/parser"
)

// buildBook normalizes a raw scraped record into a candidate entity.
// Unparseable fields fall back to zero values; a thin record is still a
// valid observation.
func buildBook(rec parser.RawRecord) catalog.Book {
	b := catalog.Book{
		SourceURL:   rec.SourceURL,
		Name:        rec.Title,
		Description: rec.Description,
		Category:    rec.Category,
		ImageURL:    rec.ImageURL,
	}

	if v, err := parser.ParsePrice(rec.PriceExclTax); err == nil {
		b.PriceExclTax = v
	}
	if v, err := parser.ParsePrice(rec.PriceInclTax); err == nil {
		b.PriceInclTax = v
	}

	b.Availability = rec.Availability
	b.InStock, _ = parser.ParseAvailability(rec.Availability)
	b.NumReviews = parser.ParseIntField(rec.NumReviews)
	b.Rating = parser.ParseRating(rec.RatingClass)

	b.ContentHash = catalog.ContentHash(b)
	return b
}
