// Package snapshot archives raw page HTML alongside each crawl run so a
// surprising diff can be traced back to the markup that produced it.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
)

// MaxBytes caps how much of a page body is archived. Catalog pages are
// small; anything past this is boilerplate.
const MaxBytes = 10 * 1024

// BlobStore writes one artifact and returns its URI. Implementations
// exist for GCS, the local filesystem, and in-memory development mode.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Archiver names and caps page snapshots for one crawl run.
type Archiver struct {
	store BlobStore
}

// NewArchiver wraps a blob store. A nil store disables archiving.
func NewArchiver(store BlobStore) *Archiver {
	return &Archiver{store: store}
}

// Enabled reports whether snapshots are being written.
func (a *Archiver) Enabled() bool {
	return a != nil && a.store != nil
}

// SavePage archives the leading MaxBytes of a page body under
// snapshots/<runID>/<label>.html and returns the artifact URI.
func (a *Archiver) SavePage(ctx context.Context, runID, label string, body []byte) (string, error) {
	if !a.Enabled() {
		return "", nil
	}
	if len(body) > MaxBytes {
		body = body[:MaxBytes]
	}
	path := fmt.Sprintf("snapshots/%s/%s.html", runID, label)
	uri, err := a.store.PutObject(ctx, path, "text/html", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("save snapshot %s: %w", path, err)
	}
	return uri, nil
}
