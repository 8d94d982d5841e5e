package hearth

import "errors"

// Common sentinel errors for the hearth package.
var (
	// ErrClosed is returned when operations are attempted on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrNoData is returned by range operations when the store holds no days.
	ErrNoData = errors.New("no data")

	// ErrBadChannelSet is returned for malformed channel-set specs.
	ErrBadChannelSet = errors.New("bad channel set")
)

// ValidationError describes why an inbound record was rejected. It is
// reported synchronously to the submitter and never aborts processing of
// sibling records in the same batch.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func validationError(reason string) error {
	return &ValidationError{Reason: reason}
}
