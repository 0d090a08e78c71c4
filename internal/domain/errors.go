package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull is returned when an enqueue would push the queue past its bound
	ErrQueueFull = errors.New("queue is full")

	// ErrEmptyInput is returned when enqueue input contains no job text
	ErrEmptyInput = errors.New("input contains no jobs")

	// ErrRunInProgress is returned when Run is called while a drain is active
	ErrRunInProgress = errors.New("a run is already in progress")

	// ErrRunActive is returned when clearing state while a drain is active
	ErrRunActive = errors.New("cannot clear state while a run is active")

	// ErrNoAPIKeys is returned when no generation credential is configured
	ErrNoAPIKeys = errors.New("no API keys configured")

	// ErrJobNotFound is returned when a job id matches nothing in queue, ledger or archive
	ErrJobNotFound = errors.New("job not found")

	// ErrTemplateNotFound is returned when a template id cannot be resolved for a step
	ErrTemplateNotFound = errors.New("prompt template not found")
)

// StageError marks a failure with the pipeline stage it occurred in. The
// remote error message is preserved verbatim for user display.
type StageError struct {
	Step Step
	Err  error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("step %d (%s): %s", e.Step, e.Step, e.Err.Error())
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError wraps err with the stage it belongs to.
func NewStageError(step Step, err error) error {
	return &StageError{Step: step, Err: err}
}
