package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/causality/internal/fault"
)

// Error codes.
const (
	CodeUnknownIntent    = "UNKNOWN_INTENT"
	CodeDuplicateIntent  = "DUPLICATE_INTENT"
	CodeDependencyFailed = "DEPENDENCY_FAILED"
	CodeQuotaExceeded    = "QUOTA_EXCEEDED"
	CodeEngineStopped    = "ENGINE_STOPPED"
	CodeUnknownTransform = "UNKNOWN_TRANSFORM"
	CodeBadArgument      = "BAD_ARGUMENT"
)

// ErrCancelled is the cause of a cancelled intent's context.
var ErrCancelled = errors.New("intent cancelled")

func unknownIntent(id string) error {
	return fault.Validation("intent_id", "submitted intent", id, "intent %s is unknown", id).
		WithCode(CodeUnknownIntent)
}

func duplicateIntent(id string) error {
	return fault.Validation("intent_id", "fresh intent id", id, "intent %s already submitted", id).
		WithCode(CodeDuplicateIntent)
}

func dependencyFailed(id, dep string, state State) error {
	return fault.Generic(CodeDependencyFailed, map[string]string{"dependency": dep, "state": string(state)},
		"intent %s depends on %s which ended %s", id, dep, state)
}

func engineStopped() error {
	return fault.Generic(CodeEngineStopped, nil, "engine is stopped")
}

func quotaExceeded(intentID string, steps, limit int) error {
	return fault.ResourceExhaustion("effect_attempts", int64(steps), int64(limit),
		"intent %s exceeded its effect attempt quota", intentID).
		WithCode(CodeQuotaExceeded).
		WithContext("intent_id", intentID)
}

// IsQuotaError reports whether err is an exhausted effect quota.
func IsQuotaError(err error) bool {
	return fault.HasCode(err, CodeQuotaExceeded)
}

// stepError annotates err with the step that raised it, keeping the
// original error reachable.
func stepError(label string, err error) error {
	return fmt.Errorf("effect %s: %w", label, err)
}
