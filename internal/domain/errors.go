package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is matched by every *NotFoundError through errors.Is.
var ErrNotFound = errors.New("not found")

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func NotFound(kind, id string) error { return &NotFoundError{Kind: kind, ID: id} }

// ValidationError carries every blocking issue found on a definition.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		msgs = append(msgs, is.String())
	}
	return "definition is not valid: " + strings.Join(msgs, "; ")
}

type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return "conflict: " + e.Reason }

func Conflict(format string, args ...any) error {
	return &ConflictError{Reason: fmt.Sprintf(format, args...)}
}

type PermissionError struct {
	ActorID string
	Action  string
	Target  string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("actor %s may not %s %s", e.ActorID, e.Action, e.Target)
}

// NoMatchingEdgeError means the definition has no edge for an outcome.
type NoMatchingEdgeError struct {
	NodeID string
	Handle string
}

func (e *NoMatchingEdgeError) Error() string {
	if e.Handle == "" {
		return fmt.Sprintf("node %s has no outgoing edge", e.NodeID)
	}
	return fmt.Sprintf("node %s has no outgoing edge with handle %q", e.NodeID, e.Handle)
}

// NoEscalationTargetError is retryable: the assignment stays pending.
type NoEscalationTargetError struct {
	AssignmentID string
	Role         string
}

func (e *NoEscalationTargetError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("assignment %s: no escalation role configured", e.AssignmentID)
	}
	return fmt.Sprintf("assignment %s: no active user holds escalation role %s", e.AssignmentID, e.Role)
}

// Retryable reports whether a sweep should try the same work again later.
func Retryable(err error) bool {
	var nt *NoEscalationTargetError
	return errors.As(err, &nt)
}

// InputError is a malformed request, independent of stored state.
type InputError struct {
	Reason string
}

func (e *InputError) Error() string { return e.Reason }

func Invalid(format string, args ...any) error {
	return &InputError{Reason: fmt.Sprintf(format, args...)}
}
