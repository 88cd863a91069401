package machine

import (
	"errors"

	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
	"github.com/roach88/causality/internal/session"
	"github.com/roach88/causality/internal/store"
)

// Error codes for register machine failures. Channel codes are shared with
// the session package.
const (
	CodeAlreadyConsumed   = "ALREADY_CONSUMED"
	CodeTypeMismatch      = "TYPE_MISMATCH"
	CodeNotFound          = store.CodeNotFound
	CodeChannelClosed     = session.CodeChannelClosed
	CodeProtocolViolation = session.CodeProtocolViolation
)

// ErrAlreadyConsumed is the cause of every double-consumption error.
var ErrAlreadyConsumed = errors.New("already consumed")

// AlreadyConsumed reports a second consumption of id.
func AlreadyConsumed(id ir.ContentID) error {
	return fault.Validation("register", "available", "consumed",
		"register %s already consumed", id.Short()).
		WithCode(CodeAlreadyConsumed).
		WithContext("id", id.String()).
		Wrap(ErrAlreadyConsumed)
}

// TypeMismatch reports a value whose type differs from the one required.
func TypeMismatch(expected, found string) error {
	return fault.Validation("type", expected, found,
		"type mismatch: expected %s, found %s", expected, found).
		WithCode(CodeTypeMismatch)
}

func unknownRegister(id ir.ContentID) error {
	return fault.Validation("register", "allocated", "unknown",
		"register %s not found", id.Short()).
		WithCode(CodeNotFound).
		WithContext("id", id.String())
}

// IsAlreadyConsumed reports whether err is a double-consumption error.
func IsAlreadyConsumed(err error) bool {
	return errors.Is(err, ErrAlreadyConsumed)
}

// IsTypeMismatch reports whether err is a type mismatch.
func IsTypeMismatch(err error) bool {
	return fault.HasCode(err, CodeTypeMismatch)
}

// IsChannelClosed reports whether err came from an operation on a consumed
// channel.
func IsChannelClosed(err error) bool {
	return fault.HasCode(err, CodeChannelClosed)
}

// IsProtocolViolation reports whether err is a session protocol violation.
func IsProtocolViolation(err error) bool {
	return fault.HasCode(err, CodeProtocolViolation)
}
