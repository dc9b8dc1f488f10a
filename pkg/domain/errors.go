package domain

import (
	"errors"
	"fmt"
)

// ErrorHeader is the HTTP header carrying the JSON-encoded Error on non-200
// responses.
const ErrorHeader = "X-API-Error"

// ErrorKind is the category of a domain error. Every expected failure of a
// store or dispatch operation maps to exactly one kind; callers branch on the
// kind, not on error strings.
type ErrorKind string

const (
	KindInternalError     ErrorKind = "internalError"
	KindClientCrashing    ErrorKind = "clientCrashingError"
	KindNotImplemented    ErrorKind = "notImplemented"
	KindTimedOut          ErrorKind = "timedOut"
	KindParameterError    ErrorKind = "parameterError"
	KindItemNotFound      ErrorKind = "itemNotFound"
	KindDomainNotFound    ErrorKind = "domainNotFound"
	KindWrongRevision     ErrorKind = "wrongRevision"
	KindItemExists        ErrorKind = "itemExists"
	KindAuthRequired      ErrorKind = "authRequired"
	KindAccountExists     ErrorKind = "accountExists"
	KindTokenExpired      ErrorKind = "tokenExpired"
	KindSimulatedError    ErrorKind = "simulatedError"
	KindInsufficientQuota ErrorKind = "insufficientQuota"
	KindDeletionRejected  ErrorKind = "deletionRejected"
)

// Error is the typed error returned for every expected failure condition.
//
// Version-mismatch and name-collision kinds carry the current server-side
// entry so the caller can retry with fresh state without a second round trip.
// The JSON shape is part of the wire contract.
type Error struct {
	Kind ErrorKind `json:"value"`

	// Entry is set for wrongRevision, itemExists, and deletionRejected: the
	// current server-side state of the item the caller raced against.
	Entry *Entry `json:"entry,omitempty"`

	// Identifier is set for itemNotFound.
	Identifier *ItemID `json:"identifier,omitempty"`

	// Simulated-error payload (only for KindSimulatedError).
	ErrorDomain string  `json:"error_domain,omitempty"`
	ErrorCode   int     `json:"error_code,omitempty"`
	Description *string `json:"error_localized_description,omitempty"`
}

func (e *Error) Error() string {
	switch {
	case e.Identifier != nil:
		return fmt.Sprintf("%s: item %d", e.Kind, *e.Identifier)
	case e.Entry != nil:
		return fmt.Sprintf("%s: %q (revision %d/%d)",
			e.Kind, e.Entry.Name, e.Entry.Revision.Content, e.Entry.Revision.Metadata)
	case e.Kind == KindSimulatedError:
		return fmt.Sprintf("%s: %s code %d", e.Kind, e.ErrorDomain, e.ErrorCode)
	default:
		return string(e.Kind)
	}
}

// KindOf extracts the kind of a domain error; KindInternalError for anything
// else (including nil wrapping mistakes), since unexpected failures must not
// leak internals to clients.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternalError
}

// IsKind reports whether err is a domain error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == kind
}

// EntryOf returns the entry payload of a domain error, if any.
func EntryOf(err error) *Entry {
	var de *Error
	if errors.As(err, &de) {
		return de.Entry
	}
	return nil
}

func ErrInternal() *Error          { return &Error{Kind: KindInternalError} }
func ErrNotImplemented() *Error    { return &Error{Kind: KindNotImplemented} }
func ErrTimedOut() *Error          { return &Error{Kind: KindTimedOut} }
func ErrParameter() *Error         { return &Error{Kind: KindParameterError} }
func ErrDomainNotFound() *Error    { return &Error{Kind: KindDomainNotFound} }
func ErrAuthRequired() *Error      { return &Error{Kind: KindAuthRequired} }
func ErrAccountExists() *Error     { return &Error{Kind: KindAccountExists} }
func ErrTokenExpired() *Error      { return &Error{Kind: KindTokenExpired} }
func ErrInsufficientQuota() *Error { return &Error{Kind: KindInsufficientQuota} }
func ErrClientCrashing() *Error    { return &Error{Kind: KindClientCrashing} }

// ErrItemNotFound reports that the item does not exist or is deleted.
func ErrItemNotFound(id ItemID) *Error {
	return &Error{Kind: KindItemNotFound, Identifier: &id}
}

// ErrItemExists reports a name collision, carrying the colliding entry.
func ErrItemExists(existing Entry) *Error {
	return &Error{Kind: KindItemExists, Entry: &existing}
}

// ErrWrongRevision reports an optimistic-concurrency mismatch, carrying the
// current entry so the caller can rebase.
func ErrWrongRevision(current Entry) *Error {
	return &Error{Kind: KindWrongRevision, Entry: &current}
}

// ErrDeletionRejected reports a delete against a newer content version.
func ErrDeletionRejected(current Entry) *Error {
	return &Error{Kind: KindDeletionRejected, Entry: &current}
}

// ErrSimulated builds the fault-injection error returned to test harnesses.
func ErrSimulated(sim SimulatedError) *Error {
	return &Error{
		Kind:        KindSimulatedError,
		ErrorDomain: sim.Domain,
		ErrorCode:   sim.Code,
		Description: sim.Description,
	}
}
