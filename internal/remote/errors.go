package remote

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a Remote Port failure (§4.2, §7). The sync
// processor dispatches retry/terminal behavior purely on this tag.
type ErrorKind string

const (
	Transient ErrorKind = "transient"
	Auth      ErrorKind = "auth"
	NotFound  ErrorKind = "not_found"
	Conflict  ErrorKind = "conflict"
	Quota     ErrorKind = "quota"
	Fatal     ErrorKind = "fatal"
)

// Error wraps a failed Remote Port call with its classification.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("remote: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("remote: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified Remote Port error.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the ErrorKind from err, defaulting to Fatal for
// unclassified errors (§7: "unknown/unclassified errors bubble up as
// error without losing queue entries").
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return Fatal
}

// Retryable reports whether the sync processor should retry the
// ProcessingItem that produced err rather than terminate it (§7: local
// recovery is preferred for transient and auth errors).
func Retryable(err error) bool {
	switch KindOf(err) {
	case Transient, Auth:
		return true
	default:
		return false
	}
}

// ErrInteractionRequired is returned by a TokenSource when the user must
// re-authenticate interactively; the core surfaces this as
// authenticated=false via the Status Port (§6).
var ErrInteractionRequired = errors.New("user interaction required to refresh credentials")
