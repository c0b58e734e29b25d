package fetcher

import (
	"errors"
	"fmt"
)

// FetchError is the terminal error surfaced after retries are exhausted or
// a permanent failure is observed. Transient failures (network errors,
// timeouts, 5xx, 429) are retried before escalating; other 4xx responses
// are permanent and never retried.
type FetchError struct {
	URL        string
	StatusCode int
	Attempts   int
	Permanent  bool
	Err        error
}

func (e *FetchError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: %s failure (status %d) after %d attempt(s): %v",
			e.URL, kind, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s failure after %d attempt(s): %v", e.URL, kind, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err is a FetchError marked permanent.
func IsPermanent(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Permanent
}

// StatusCode extracts the HTTP status from a FetchError, or 0.
func StatusCode(err error) int {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.StatusCode
	}
	return 0
}

// retryableStatus reports whether an HTTP status is worth retrying.
func retryableStatus(code int) bool {
	return code >= 500 || code == 429
}
