package stagecoach

import "github.com/eleven-am/stagecoach/internal/domain"

type (
	CycleError             = domain.CycleError
	DuplicateIDError       = domain.DuplicateIDError
	UnknownStageError      = domain.UnknownStageError
	CapacityError          = domain.CapacityError
	UnknownExecutorError   = domain.UnknownExecutorError
	StaleAssignmentError   = domain.StaleAssignmentError
	InvalidTransitionError = domain.InvalidTransitionError
)

var (
	ErrServerUnreachable = domain.ErrServerUnreachable
	ErrPipelineAborted   = domain.ErrPipelineAborted
	ErrInvalidConfig     = domain.ErrInvalidConfig
	ErrAlreadyStarted    = domain.ErrAlreadyStarted
	ErrUnknownQueueType  = domain.ErrUnknownQueueType
)

func IsCycle(err error) bool             { return domain.IsCycle(err) }
func IsDuplicateID(err error) bool       { return domain.IsDuplicateID(err) }
func IsUnknownStage(err error) bool      { return domain.IsUnknownStage(err) }
func IsCapacity(err error) bool          { return domain.IsCapacity(err) }
func IsUnknownExecutor(err error) bool   { return domain.IsUnknownExecutor(err) }
func IsStaleAssignment(err error) bool   { return domain.IsStaleAssignment(err) }
func IsServerUnreachable(err error) bool { return domain.IsServerUnreachable(err) }
