package domain

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorType int

const (
	ErrorTypeInternal ErrorType = iota
	ErrorTypeValidation
	ErrorTypeNotFound
	ErrorTypeConflict
	ErrorTypeUnavailable
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeValidation:
		return "validation"
	case ErrorTypeNotFound:
		return "not_found"
	case ErrorTypeConflict:
		return "conflict"
	case ErrorTypeUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Error is the infrastructure error carried by adapters. Pipeline semantics
// use the dedicated error types below.
type Error struct {
	Type    ErrorType
	Message string
	Details map[string]interface{}
}

func (e Error) Error() string {
	if len(e.Details) == 0 {
		return e.Message
	}
	parts := make([]string, 0, len(e.Details))
	for k, v := range e.Details {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return fmt.Sprintf("%s (%s)", e.Message, strings.Join(parts, ", "))
}

func NewValidationError(field, message string) Error {
	return Error{
		Type:    ErrorTypeValidation,
		Message: message,
		Details: map[string]interface{}{"field": field},
	}
}

func NewInternalError(message string, err error) Error {
	details := map[string]interface{}{}
	if err != nil {
		details["error"] = err.Error()
	}
	return Error{Type: ErrorTypeInternal, Message: message, Details: details}
}

var (
	ErrAlreadyStarted     = errors.New("already started")
	ErrNotStarted         = errors.New("not started")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrServerUnreachable  = errors.New("pipeline server unreachable")
	ErrPipelineAborted    = errors.New("pipeline aborted")
	ErrUnknownQueueType   = errors.New("unknown queue type")
	ErrJournalUnavailable = errors.New("journal unavailable")
)

type CycleError struct {
	From StageID
	To   StageID
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency %s -> %s would create a cycle", e.From, e.To)
}

type DuplicateIDError struct {
	ID StageID
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("stage %s already exists", e.ID)
}

type UnknownStageError struct {
	ID StageID
}

func (e *UnknownStageError) Error() string {
	return fmt.Sprintf("unknown stage %s", e.ID)
}

type CapacityError struct {
	Capacity Capacity
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("invalid executor capacity: cores=%d memory_gb=%.2f", e.Capacity.Cores, e.Capacity.MemoryGB)
}

type UnknownExecutorError struct {
	ExecutorID string
}

func (e *UnknownExecutorError) Error() string {
	return fmt.Sprintf("unknown executor %s", e.ExecutorID)
}

type StaleAssignmentError struct {
	ExecutorID string
	StageID    StageID
	Reason     string
}

func (e *StaleAssignmentError) Error() string {
	return fmt.Sprintf("stale report from executor %s for stage %s: %s", e.ExecutorID, e.StageID, e.Reason)
}

// InvalidTransitionError is returned by the graph when a state change is not
// allowed from the stage's current state.
type InvalidTransitionError struct {
	ID   StageID
	From StageState
	To   StageState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("stage %s cannot move from %s to %s", e.ID, e.From, e.To)
}

func IsCycle(err error) bool {
	var target *CycleError
	return errors.As(err, &target)
}

func IsDuplicateID(err error) bool {
	var target *DuplicateIDError
	return errors.As(err, &target)
}

func IsUnknownStage(err error) bool {
	var target *UnknownStageError
	return errors.As(err, &target)
}

func IsCapacity(err error) bool {
	var target *CapacityError
	return errors.As(err, &target)
}

func IsUnknownExecutor(err error) bool {
	var target *UnknownExecutorError
	return errors.As(err, &target)
}

func IsStaleAssignment(err error) bool {
	var target *StaleAssignmentError
	return errors.As(err, &target)
}

func IsInvalidTransition(err error) bool {
	var target *InvalidTransitionError
	return errors.As(err, &target)
}

func IsServerUnreachable(err error) bool {
	return errors.Is(err, ErrServerUnreachable)
}

func IsInvalidConfig(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}
