// Package apperr defines the error taxonomy shared by the gateway's core
// components. Each kind wraps an underlying cause and names the operation
// that failed so callers can branch with errors.As or the Is* helpers.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions.
type Kind string

const (
	KindPersistence   Kind = "persistence"
	KindNotFound      Kind = "not_found"
	KindValidation    Kind = "validation"
	KindRemoteCall    Kind = "remote_call"
	KindDataIntegrity Kind = "data_integrity"
)

// Error is the concrete type behind every constructor in this package.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, &Error{Kind: k}) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// PersistenceError reports a ledger or store I/O failure.
func PersistenceError(op string, err error) error {
	return &Error{Kind: KindPersistence, Op: op, Err: err}
}

// NotFoundError reports an absent remote order/record or missing local state.
func NotFoundError(op, msg string) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: msg}
}

// ValidationError reports a malformed incoming record.
func ValidationError(op, msg string) error {
	return &Error{Kind: KindValidation, Op: op, Msg: msg}
}

// RemoteCallError reports a network or HTTP failure talking to the exchange
// or archive.
func RemoteCallError(op string, err error) error {
	return &Error{Kind: KindRemoteCall, Op: op, Err: err}
}

// DataIntegrityError reports an invariant violation in locally stored data.
func DataIntegrityError(op, msg string) error {
	return &Error{Kind: KindDataIntegrity, Op: op, Msg: msg}
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

func IsPersistence(err error) bool   { return KindOf(err) == KindPersistence }
func IsNotFound(err error) bool      { return KindOf(err) == KindNotFound }
func IsValidation(err error) bool    { return KindOf(err) == KindValidation }
func IsRemoteCall(err error) bool    { return KindOf(err) == KindRemoteCall }
func IsDataIntegrity(err error) bool { return KindOf(err) == KindDataIntegrity }
