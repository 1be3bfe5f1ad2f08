package core

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig marks a submission rejected by TaskConfig.Validate.
	ErrInvalidConfig = errors.New("invalid task config")

	// ErrDuplicateTask marks a submission whose id is already active.
	ErrDuplicateTask = errors.New("task already active")

	// ErrLauncherClosed marks a submission made after Shutdown.
	ErrLauncherClosed = errors.New("launcher is closed")

	// ErrTaskNotFound is returned for ids the registry does not know.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskCancelled is the outcome of a cancelled task.
	ErrTaskCancelled = errors.New("task cancelled")

	// ErrWaitTimeout is returned by Handle.Wait when the timeout elapses first.
	ErrWaitTimeout = errors.New("timed out waiting for task")
)

// SubmissionError is returned synchronously by Launcher.Submit.
// Kind is one of ErrInvalidConfig, ErrDuplicateTask or ErrLauncherClosed.
type SubmissionError struct {
	TaskID string
	Kind   error
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("submit %s: %v", e.TaskID, e.Kind)
	}
	return fmt.Sprintf("submit %s: %v: %v", e.TaskID, e.Kind, e.Err)
}

func (e *SubmissionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// WorkerError is the failure of a Work function, including recovered panics.
type WorkerError struct {
	TaskID string
	Err    error
	Stack  []byte
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.TaskID, e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }

// Message is the text recorded in Record.Error and the error event.
func (e *WorkerError) Message() string {
	if e.Err == nil {
		return "unknown error"
	}
	return e.Err.Error()
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
