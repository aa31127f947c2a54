package domain

import (
	"context"
	"errors"
	"fmt"
)

// Domain errors.
var (
	// ErrCandidateNotFound is returned when the requested concrete tier is absent from a set.
	ErrCandidateNotFound = errors.New("candidate not found")

	// ErrInvalidCandidate is returned when a candidate has no URL or a non-concrete tier.
	ErrInvalidCandidate = errors.New("invalid candidate")

	// ErrResolutionFailed is returned when a URL-resolution hook fails.
	ErrResolutionFailed = errors.New("url resolution failed")

	// ErrMalformedAnimation is returned when a frame archive does not match its timing metadata
	// or a frame cannot be decoded.
	ErrMalformedAnimation = errors.New("malformed animation")

	// ErrTranscodeIO is returned when the archive cannot be opened or an output cannot be written.
	ErrTranscodeIO = errors.New("transcode I/O failure")

	// ErrCancelled is returned when cooperative cancellation was observed.
	ErrCancelled = errors.New("cancelled")

	// ErrDetailAlreadyExpanded is returned when ExpandDetail is invoked a second time.
	ErrDetailAlreadyExpanded = errors.New("item detail already expanded")

	// ErrItemNotFound is returned when an item cannot be found.
	ErrItemNotFound = errors.New("item not found")

	// ErrJobNotFound is returned when a job cannot be found.
	ErrJobNotFound = errors.New("job not found")

	// ErrNoJobs is returned when there are no jobs to process.
	ErrNoJobs = errors.New("no jobs available")

	// ErrInvalidRequest is returned when a submission is missing required fields.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUnknownSite is returned when no site adapter is registered under a name.
	ErrUnknownSite = errors.New("unknown site")

	// ErrURLExpired is returned when a media URL has expired or is forbidden.
	ErrURLExpired = errors.New("media URL has expired")

	// ErrRateLimited is returned when rate limited by external services.
	ErrRateLimited = errors.New("rate limited")

	// ErrStorageFull is returned when there is insufficient storage space.
	ErrStorageFull = errors.New("insufficient storage space")
)

// Cancelled wraps a context error so that errors.Is matches both ErrCancelled
// and the original context error.
func Cancelled(err error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}

// CheckContext returns a Cancelled error if ctx is done.
func CheckContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return Cancelled(err)
	}
	return nil
}

// IsContextError reports whether err stems from context cancellation or deadline.
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// ItemError wraps an error with item context.
type ItemError struct {
	ItemID ItemID
	Op     string
	Err    error
}

func (e *ItemError) Error() string {
	if e.ItemID != "" {
		return e.Op + " [" + e.ItemID.String() + "]: " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// NewItemError creates a new ItemError.
func NewItemError(itemID ItemID, op string, err error) *ItemError {
	return &ItemError{
		ItemID: itemID,
		Op:     op,
		Err:    err,
	}
}
