package taskstream

import "github.com/Swind/go-task-stream/core"

// Re-export commonly used types from core so most callers only import taskstream.

// Work is the unit of background computation run by a Launcher.
type Work = core.Work

// Reporter publishes progress events for one task.
type Reporter = core.Reporter

// TaskConfig is the training input captured at submission.
type TaskConfig = core.TaskConfig

// TaskSpec is what a Work function receives about its task.
type TaskSpec = core.TaskSpec

// TaskResult is the final output of a successful task.
type TaskResult = core.TaskResult

// TaskStatus is the lifecycle state of a task.
type TaskStatus = core.TaskStatus

// SubmitRequest describes a task to launch.
type SubmitRequest = core.SubmitRequest

// Handle is the caller's view of a launched task.
type Handle = core.Handle

// Record is the stored progress record of a task.
type Record = core.Record

// Event is a progress event.
type Event = core.Event

// Frame is one message written to a streaming client.
type Frame = core.Frame

// FrameWriter receives stream frames.
type FrameWriter = core.FrameWriter

// FrameWriterFunc adapts a function to FrameWriter.
type FrameWriterFunc = core.FrameWriterFunc

// Cache is the key-value backend behind the ProgressStore.
type Cache = core.Cache

// Status constants
const (
	StatusPending   = core.StatusPending
	StatusRunning   = core.StatusRunning
	StatusCompleted = core.StatusCompleted
	StatusFailed    = core.StatusFailed
	StatusCancelled = core.StatusCancelled
)

// Event constructors
var (
	NewLog      = core.NewLog
	NewEpochLog = core.NewEpochLog
	NewProgress = core.NewProgress
	NewBatch    = core.NewBatch
	NewError    = core.NewError
	NewComplete = core.NewComplete
)

// Stream writers
var (
	NewSSEWriter = core.NewSSEWriter
)

// Errors
var (
	ErrInvalidConfig  = core.ErrInvalidConfig
	ErrDuplicateTask  = core.ErrDuplicateTask
	ErrLauncherClosed = core.ErrLauncherClosed
	ErrTaskNotFound   = core.ErrTaskNotFound
	ErrTaskCancelled  = core.ErrTaskCancelled
	ErrRecordNotFound = core.ErrRecordNotFound
)
