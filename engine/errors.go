package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyEnrolled reports an enroll attempt for a (sequence, lead)
	// pair that already has an active or paused enrollment. Not fatal;
	// bulk enrollment accounts for it per lead.
	ErrAlreadyEnrolled = errors.New("lead already enrolled in sequence")

	// ErrInvalidTransition reports a pause/resume/stop attempt against an
	// enrollment whose current status does not permit it.
	ErrInvalidTransition = errors.New("invalid enrollment state transition")

	// ErrAlreadyClaimed reports a lost claim race. The scheduler skips the
	// candidate silently; it is never surfaced to users.
	ErrAlreadyClaimed = errors.New("enrollment already claimed")

	// ErrSequenceNotActive reports an enroll attempt into a sequence that
	// is not in active status.
	ErrSequenceNotActive = errors.New("sequence is not active")

	// ErrEnrollmentNotFound reports a lookup miss.
	ErrEnrollmentNotFound = errors.New("enrollment not found")

	// ErrLeadNotFound reports an enroll attempt for an unknown lead.
	ErrLeadNotFound = errors.New("lead not found")

	// ErrLeadSuppressed reports an enroll attempt for a suppressed lead.
	ErrLeadSuppressed = errors.New("lead is suppressed")
)

// ValidationError reports a malformed step graph, rejected at definition
// time so it never reaches scheduling.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid sequence definition: " + e.Reason
}

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// SendError carries the transient/permanent classification made by the
// messaging collaborator. The engine trusts the classification and does
// not retry at the transport layer.
type SendError struct {
	Permanent bool
	Err       error
}

func (e *SendError) Error() string {
	if e.Permanent {
		return "permanent send failure: " + e.Err.Error()
	}
	return "transient send failure: " + e.Err.Error()
}

func (e *SendError) Unwrap() error { return e.Err }

// NewTransientSendError wraps a delivery error that may succeed on retry.
func NewTransientSendError(err error) error {
	return &SendError{Permanent: false, Err: err}
}

// NewPermanentSendError wraps a delivery error that will never succeed.
func NewPermanentSendError(err error) error {
	return &SendError{Permanent: true, Err: err}
}

// IsPermanentSendError reports whether err is a send failure classified
// permanent. Unclassified errors are treated as transient so a misbehaving
// collaborator cannot fail enrollments outright.
func IsPermanentSendError(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Permanent
}
