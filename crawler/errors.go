package crawler

import (
	"errors"
	"fmt"
)

var ErrSessionUsed = errors.New("session already started")

// InvalidURLError is returned by Start when the page URL is not an absolute
// http(s) URL. No network activity happens in that case.
type InvalidURLError struct {
	Input  string
	Reason string
	Cause  error
}

func (e *InvalidURLError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid url %q: %s (%v)", e.Input, e.Reason, e.Cause)
	}
	return fmt.Sprintf("invalid url %q: %s", e.Input, e.Reason)
}

func (e *InvalidURLError) Unwrap() error {
	return e.Cause
}

// PageError is a fatal failure to fetch or parse the top-level page.
type PageError struct {
	URL   string
	Stage string // "fetch" or "parse"
	Cause error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("%s page %s: %v", e.Stage, e.URL, e.Cause)
}

func (e *PageError) Unwrap() error {
	return e.Cause
}

// ArchiveFinalizeError is a fatal failure to produce the bundle.
type ArchiveFinalizeError struct {
	Cause error
}

func (e *ArchiveFinalizeError) Error() string {
	return fmt.Sprintf("finalize archive: %v", e.Cause)
}

func (e *ArchiveFinalizeError) Unwrap() error {
	return e.Cause
}
