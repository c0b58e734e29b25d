// Package parser extracts catalog records from fetched page markup. It is
// a pure mapping from HTML to raw records; validation and normalization
// happen at the coordinator boundary.
package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ListPage is the result of parsing one catalog listing page.
type ListPage struct {
	// DetailURLs are absolute URLs of the item detail pages found.
	DetailURLs []string
	// HasNext reports whether the page links to a further page.
	HasNext bool
	// NextURL is the absolute URL of the next page, when HasNext.
	NextURL string
	// CurrentPage and TotalPages come from the "Page x of y" marker, when
	// present; both default to 1.
	CurrentPage int
	TotalPages  int
}

// RawRecord carries raw string fields scraped from a detail page, prior to
// validation. Missing fields are left empty rather than aborting the record.
type RawRecord struct {
	SourceURL    string
	Title        string
	Description  string
	Category     string
	PriceExclTax string
	PriceInclTax string
	Availability string
	NumReviews   string
	RatingClass  string
	ImageURL     string
}

// ParseListPage extracts detail links and pagination state from a catalog
// listing page.
func ParseListPage(body []byte, pageURL string) (ListPage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ListPage{}, fmt.Errorf("parse list page %s: %w", pageURL, err)
	}

	page := ListPage{CurrentPage: 1, TotalPages: 1}

	doc.Find("article.product_pod h3 a").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || href == "" {
			return
		}
		abs, err := NormalizeURL(href, pageURL)
		if err != nil {
			return
		}
		page.DetailURLs = append(page.DetailURLs, abs)
	})

	if current := strings.TrimSpace(doc.Find("li.current").First().Text()); current != "" {
		// Text like "Page 2 of 50".
		parts := strings.Fields(current)
		if len(parts) >= 4 {
			_, _ = fmt.Sscanf(parts[1], "%d", &page.CurrentPage)
			_, _ = fmt.Sscanf(parts[3], "%d", &page.TotalPages)
		}
	}

	if href, ok := doc.Find("li.next a").First().Attr("href"); ok && href != "" {
		if abs, err := NormalizeURL(href, pageURL); err == nil {
			page.HasNext = true
			page.NextURL = abs
		}
	}

	return page, nil
}

// ParseDetailPage extracts a raw record from an item detail page. A page
// without a recognizable title is considered malformed.
func ParseDetailPage(body []byte, pageURL string) (RawRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return RawRecord{}, fmt.Errorf("parse detail page %s: %w", pageURL, err)
	}

	rec := RawRecord{SourceURL: pageURL}

	rec.Title = strings.TrimSpace(doc.Find("div.product_main h1").First().Text())
	if rec.Title == "" {
		return RawRecord{}, fmt.Errorf("parse detail page %s: no title found", pageURL)
	}

	rec.RatingClass, _ = doc.Find("p.star-rating").First().Attr("class")
	rec.Description = strings.TrimSpace(doc.Find("#product_description ~ p").First().Text())

	table := map[string]string{}
	doc.Find("table.table-striped tr").Each(func(_ int, s *goquery.Selection) {
		key := strings.TrimSpace(s.Find("th").First().Text())
		val := strings.TrimSpace(s.Find("td").First().Text())
		if key != "" {
			table[key] = val
		}
	})
	rec.PriceExclTax = table["Price (excl. tax)"]
	rec.PriceInclTax = table["Price (incl. tax)"]
	rec.Availability = table["Availability"]
	rec.NumReviews = table["Number of reviews"]

	// Second-to-last breadcrumb entry is the category.
	crumbs := doc.Find("ul.breadcrumb li")
	if crumbs.Length() >= 3 {
		rec.Category = strings.TrimSpace(crumbs.Eq(crumbs.Length() - 2).Find("a").Text())
	}

	if src, ok := doc.Find("div.item.active img").First().Attr("src"); ok && src != "" {
		if abs, err := NormalizeURL(src, pageURL); err == nil {
			rec.ImageURL = abs
		}
	}

	return rec, nil
}

// NormalizeURL resolves a possibly-relative href against the page it was
// found on.
func NormalizeURL(href, base string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url %q: %w", base, err)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parse href %q: %w", href, err)
	}
	return baseURL.ResolveReference(ref).String(), nil
}

var (
	priceRe    = regexp.MustCompile(`[0-9]+(?:\.[0-9]+)?`)
	quantityRe = regexp.MustCompile(`\(([0-9]+) available\)`)

	ratingWords = map[string]int{
		"One": 1, "Two": 2, "Three": 3, "Four": 4, "Five": 5,
	}
)

// ParsePrice extracts a price from strings like "£51.77".
func ParsePrice(raw string) (float64, error) {
	m := priceRe.FindString(raw)
	if m == "" {
		return 0, fmt.Errorf("no price in %q", raw)
	}
	var v float64
	if _, err := fmt.Sscanf(m, "%f", &v); err != nil {
		return 0, fmt.Errorf("parse price %q: %w", raw, err)
	}
	return v, nil
}

// ParseRating maps the star-rating CSS class ("star-rating Three") to 1-5.
// Unknown or missing classes yield 0.
func ParseRating(class string) int {
	for _, word := range strings.Fields(class) {
		if r, ok := ratingWords[word]; ok {
			return r
		}
	}
	return 0
}

// ParseAvailability normalizes an availability string and reports stock
// state and quantity, e.g. "In stock (22 available)" -> true, 22.
func ParseAvailability(raw string) (inStock bool, quantity int) {
	normalized := strings.Join(strings.Fields(raw), " ")
	inStock = strings.Contains(strings.ToLower(normalized), "in stock")
	if m := quantityRe.FindStringSubmatch(normalized); len(m) == 2 {
		_, _ = fmt.Sscanf(m[1], "%d", &quantity)
	}
	return inStock, quantity
}

// ParseIntField parses a numeric field, tolerating empty input.
func ParseIntField(raw string) int {
	var v int
	_, _ = fmt.Sscanf(strings.TrimSpace(raw), "%d", &v)
	return v
}
