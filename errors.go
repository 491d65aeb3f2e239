package twinsync

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrNoneFound is returned by a Resolver when the graph legitimately holds no
// matching parent. It is an outcome, not a failure.
var ErrNoneFound = errors.New("no parent found")

// ErrInvalidRelation is returned by a Resolver for a relationship name that is
// not a plain identifier.
var ErrInvalidRelation = errors.New("invalid relationship name")

var (
	// ErrEmptyTwinID is returned when an operation is called without a twin id.
	ErrEmptyTwinID = errors.New("empty twin id")
	// ErrEmptyPatch is returned when a patch has no operations.
	ErrEmptyPatch = errors.New("empty patch")

	// ErrPropertyExists is wrapped by backends rejecting an add operation on a
	// property that already exists.
	ErrPropertyExists = errors.New("property already exists")
	// ErrPropertyMissing is wrapped by backends rejecting a replace operation
	// on a property that does not exist.
	ErrPropertyMissing = errors.New("property does not exist")
	// ErrPreconditionFailed is wrapped by backends rejecting a conditional write
	// whose ETag no longer matches.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrUnsupportedQuery is wrapped by backends that cannot interpret a query.
	ErrUnsupportedQuery = errors.New("unsupported query")
)

// A NotFoundError reports that the named twin (or relationship) does not exist
// in the graph service.
type NotFoundError struct {
	Kind string // "twin" or "relationship"
	ID   string
}

func (e *NotFoundError) Error() string {
	kind := e.Kind
	if kind == "" {
		kind = "twin"
	}
	return kind + " " + strconv.Quote(e.ID) + " not found"
}

// A TransportError reports a failure to communicate with the graph service:
// network and authentication failures, timeouts, malformed responses, and
// requests the service rejected.
type TransportError struct {
	// Op names the GraphService call that failed (e.g. "UpdateTwin").
	Op string
	// StatusCode is the service's response status, when one was received.
	StatusCode int
	// Code is the service's own error code, when one was reported.
	Code string
	Err  error
}

func (e *TransportError) Error() string {
	s := e.Op
	if e.StatusCode != 0 {
		s += " (" + strconv.Itoa(e.StatusCode) + ")"
	}
	if e.Code != "" {
		s += " " + e.Code
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *TransportError) Unwrap() error { return e.Err }

// A DuplicatePathError reports a patch that names the same path twice.
type DuplicatePathError struct {
	Path string
}

func (e *DuplicatePathError) Error() string {
	return fmt.Sprintf("duplicate patch path %q", e.Path)
}

// An InvalidPathError reports a patch path that is not a usable property
// pointer.
type InvalidPathError struct {
	Path   string
	Reason string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid patch path %q: %s", e.Path, e.Reason)
}

// IsNotFound reports whether err, or any error it wraps, is a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsTransport reports whether err, or any error it wraps, is a
// *TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Call asTransportError to classify an error returned by a GraphService
// implementation. Known kinds pass through untouched; anything else is a
// communication failure from the caller's point of view.
func asTransportError(op string, err error) error {
	if err == nil || IsNotFound(err) || IsTransport(err) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}
