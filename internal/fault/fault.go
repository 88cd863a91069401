// Package fault is the error taxonomy shared by every component, plus the
// retry and circuit-break policy built on it.
//
// Components return *Error values (possibly wrapped). Callers classify them
// with KindOf, IsRetryable and ShouldCircuitBreak; errors.Is against the
// package-level sentinels of other packages keeps working because *Error
// unwraps to its cause.
package fault

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Kind is the machine-readable error category.
type Kind string

const (
	KindStorage            Kind = "storage"
	KindNetwork            Kind = "network"
	KindCompilation        Kind = "compilation"
	KindSerialization      Kind = "serialization"
	KindValidation         Kind = "validation"
	KindConfiguration      Kind = "configuration"
	KindResourceExhaustion Kind = "resource_exhaustion"
	KindPermission         Kind = "permission"
	KindTimeout            Kind = "timeout"
	KindGeneric            Kind = "generic"
)

// Error is a classified failure. Only the fields relevant to Kind are set.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Context map[string]string

	// Storage
	Recoverable bool

	// Network
	Endpoint string
	Status   int
	Retries  int

	// Compilation
	Line   int
	Column int

	// Serialization
	Format string

	// Validation
	Field    string
	Expected string
	Actual   string

	// Configuration
	Key  string
	File string

	// ResourceExhaustion
	Resource string
	Used     int64
	Limit    int64

	// Permission
	Required string
	Current  string

	// Timeout
	Op       string
	Duration time.Duration
	Timeout  time.Duration

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Code != "" {
		b.WriteString("[" + e.Code + "]")
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Context) > 0 {
		keys := slices.Sorted(maps.Keys(e.Context))
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + e.Context[k]
		}
		b.WriteString(" (" + strings.Join(parts, ", ") + ")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same Kind and Code, so callers can
// compare against a template such as &Error{Kind: KindValidation, Code: "X"}.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

// WithCode sets the machine-readable code and returns e.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithContext adds a context entry and returns e.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// Wrap records the cause and returns e.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// Storage reports a persistence failure. Recoverable failures are retried.
func Storage(recoverable bool, format string, args ...any) *Error {
	return &Error{Kind: KindStorage, Recoverable: recoverable, Message: fmt.Sprintf(format, args...)}
}

// Network reports a transport failure against endpoint.
func Network(endpoint string, status, retries int, format string, args ...any) *Error {
	return &Error{Kind: KindNetwork, Endpoint: endpoint, Status: status, Retries: retries, Message: fmt.Sprintf(format, args...)}
}

// Compilation reports a failure to compile a definition at line:col.
func Compilation(line, col int, context, format string, args ...any) *Error {
	e := &Error{Kind: KindCompilation, Line: line, Column: col, Message: fmt.Sprintf(format, args...)}
	if context != "" {
		e.WithContext("source", context)
	}
	return e
}

// Serialization reports an encode or decode failure in format.
func Serialization(format string, err error) *Error {
	return &Error{Kind: KindSerialization, Format: format, Message: "cannot process " + format, Err: err}
}

// Validation reports input that violates a contract.
func Validation(field, expected, actual, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Field: field, Expected: expected, Actual: actual, Message: fmt.Sprintf(format, args...)}
}

// Configuration reports a bad or missing setting.
func Configuration(key, file, format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Key: key, File: file, Message: fmt.Sprintf(format, args...)}
}

// ResourceExhaustion reports that a quota or balance was insufficient.
func ResourceExhaustion(resource string, used, limit int64, format string, args ...any) *Error {
	return &Error{Kind: KindResourceExhaustion, Resource: resource, Used: used, Limit: limit, Message: fmt.Sprintf(format, args...)}
}

// Permission reports a denied operation.
func Permission(required, current, format string, args ...any) *Error {
	return &Error{Kind: KindPermission, Required: required, Current: current, Message: fmt.Sprintf(format, args...)}
}

// Timeout reports that op ran for duration against a budget of timeout.
func Timeout(op string, duration, timeout time.Duration) *Error {
	return &Error{
		Kind:     KindTimeout,
		Op:       op,
		Duration: duration,
		Timeout:  timeout,
		Message:  fmt.Sprintf("%s exceeded %s (ran %s)", op, timeout, duration),
	}
}

// Generic carries an unclassified failure across the outer boundary.
func Generic(code string, context map[string]string, format string, args ...any) *Error {
	return &Error{Kind: KindGeneric, Code: code, Context: context, Message: fmt.Sprintf(format, args...)}
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindGeneric when it is unclassified.
func KindOf(err error) Kind {
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	return KindGeneric
}

// CodeOf returns the code of err, or "".
func CodeOf(err error) string {
	if fe, ok := As(err); ok {
		return fe.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether the failure may succeed if attempted again:
// recoverable storage errors, network errors and timeouts.
func IsRetryable(err error) bool {
	fe, ok := As(err)
	if !ok {
		return false
	}
	switch fe.Kind {
	case KindStorage:
		return fe.Recoverable
	case KindNetwork, KindTimeout:
		return true
	}
	return false
}

// ShouldCircuitBreak reports whether the failure indicates a dependency is
// unhealthy rather than that the request was bad.
func ShouldCircuitBreak(err error) bool {
	switch KindOf(err) {
	case KindStorage, KindNetwork, KindConfiguration, KindResourceExhaustion, KindPermission:
		return true
	}
	return false
}

// ToGeneric converts err for callers that asked for an untyped channel. The
// kind and code survive in the context map.
func ToGeneric(err error) *Error {
	if err == nil {
		return nil
	}
	fe, ok := As(err)
	if !ok {
		return Generic("", nil, "%s", err.Error())
	}
	ctx := make(map[string]string, len(fe.Context)+2)
	maps.Copy(ctx, fe.Context)
	ctx["kind"] = string(fe.Kind)
	if fe.Code != "" {
		ctx["code"] = fe.Code
	}
	return &Error{Kind: KindGeneric, Code: fe.Code, Message: fe.Message, Context: ctx, Err: fe.Err}
}
