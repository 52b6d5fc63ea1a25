package downloader

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidRelay = errors.New("invalid relay")
	ErrTooLarge     = errors.New("response body too large")
)

// StatusError is returned when a relay answers with a non-200 status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d from %s", e.StatusCode, e.URL)
}

// RelayAttempt records the outcome of one relay for one fetch.
type RelayAttempt struct {
	Relay string
	Err   error
}

// AllRelaysFailedError is returned by Fetch after every relay in the list
// was tried once without success. Last is the final underlying error.
type AllRelaysFailedError struct {
	URL      string
	Attempts []RelayAttempt
	Last     error
}

func (e *AllRelaysFailedError) Error() string {
	relays := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		relays = append(relays, a.Relay)
	}
	return fmt.Sprintf("all relays failed for %s (tried %s): %v", e.URL, strings.Join(relays, ", "), e.Last)
}

func (e *AllRelaysFailedError) Unwrap() error {
	return e.Last
}
