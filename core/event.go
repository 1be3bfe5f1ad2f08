package core

import (
	"encoding/json"
	"errors"
	"fmt"
)

// =============================================================================
// Progress Events
// =============================================================================

// EventType is the discriminator carried by every progress event.
type EventType string

const (
	EventLog           EventType = "log"
	EventProgress      EventType = "progress"
	EventBatchProgress EventType = "batch_progress"
	EventError         EventType = "error"
	EventComplete      EventType = "complete"
	EventHeartbeat     EventType = "heartbeat"
)

// Progress stages reported by EpochProgressEvent.
const (
	StageEpochStart = "epoch_start"
	StageEpochEnd   = "epoch_end"
)

// Header holds the fields shared by all event variants.
//
// Seq is the absolute, 1-based position of the event in its task's log. It is
// assigned by ProgressStore on append; zero means the event was never durably
// recorded.
type Header struct {
	Seq       int64   `json:"seq,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

func (h Header) header() Header { return h }

// Event is a single immutable progress record. The set of implementations is
// closed: LogEvent, EpochProgressEvent, BatchProgressEvent, ErrorEvent,
// CompleteEvent and HeartbeatEvent.
type Event interface {
	Type() EventType
	header() Header
	withHeader(Header) Event
}

// EventSeq returns the log position of ev, or 0 when unsequenced.
func EventSeq(ev Event) int64 { return ev.header().Seq }

// EventTimestamp returns the publish time of ev in float seconds.
func EventTimestamp(ev Event) float64 { return ev.header().Timestamp }

// LogEvent is a human readable line. Epoch logs set EpochNumber.
type LogEvent struct {
	Header
	Message     string `json:"message"`
	Level       string `json:"level,omitempty"`
	EpochNumber int    `json:"epoch_number,omitempty"`
	TotalEpochs int    `json:"total_epochs,omitempty"`
	IsEpochLog  bool   `json:"is_epoch_log,omitempty"`
}

func (LogEvent) Type() EventType { return EventLog }
func (e LogEvent) withHeader(h Header) Event { e.Header = h; return e }

func (e LogEvent) MarshalJSON() ([]byte, error) {
	type plain LogEvent
	return json.Marshal(struct {
		Type EventType `json:"type"`
		plain
	}{EventLog, plain(e)})
}

// EpochProgressEvent reports the start or end of a training epoch.
type EpochProgressEvent struct {
	Header
	Stage           string   `json:"stage,omitempty"`
	Epoch           int      `json:"epoch"`
	TotalEpochs     int      `json:"total_epochs"`
	ProgressPercent float64  `json:"progress_percent"`
	StatusText      string   `json:"status_text,omitempty"`
	TrainLoss       *float64 `json:"train_loss,omitempty"`
	ValLoss         *float64 `json:"val_loss,omitempty"`
	TrainMAE        *float64 `json:"train_mae,omitempty"`
	ValMAE          *float64 `json:"val_mae,omitempty"`
	ElapsedTime     float64  `json:"elapsed_time,omitempty"`
	EpochTime       float64  `json:"epoch_time,omitempty"`
	RemainingTime   float64  `json:"remaining_time,omitempty"`
}

func (EpochProgressEvent) Type() EventType { return EventProgress }
func (e EpochProgressEvent) withHeader(h Header) Event { e.Header = h; return e }

func (e EpochProgressEvent) MarshalJSON() ([]byte, error) {
	type plain EpochProgressEvent
	return json.Marshal(struct {
		Type EventType `json:"type"`
		plain
	}{EventProgress, plain(e)})
}

// BatchProgressEvent reports progress inside an epoch.
type BatchProgressEvent struct {
	Header
	Epoch           int     `json:"epoch"`
	TotalEpochs     int     `json:"total_epochs"`
	Batch           int     `json:"batch"`
	TotalBatches    int     `json:"total_batches,omitempty"`
	Loss            float64 `json:"loss,omitempty"`
	MAE             float64 `json:"mae,omitempty"`
	ProgressPercent float64 `json:"progress_percent"`
}

func (BatchProgressEvent) Type() EventType { return EventBatchProgress }
func (e BatchProgressEvent) withHeader(h Header) Event { e.Header = h; return e }

func (e BatchProgressEvent) MarshalJSON() ([]byte, error) {
	type plain BatchProgressEvent
	return json.Marshal(struct {
		Type EventType `json:"type"`
		plain
	}{EventBatchProgress, plain(e)})
}

// ErrorEvent reports a failure. Appending one marks the task failed.
type ErrorEvent struct {
	Header
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func (ErrorEvent) Type() EventType { return EventError }
func (e ErrorEvent) withHeader(h Header) Event { e.Header = h; return e }

func (e ErrorEvent) MarshalJSON() ([]byte, error) {
	type plain ErrorEvent
	return json.Marshal(struct {
		Type EventType `json:"type"`
		plain
	}{EventError, plain(e)})
}

// CompleteEvent is the terminal event of a task.
type CompleteEvent struct {
	Header
	Status  TaskStatus         `json:"status"`
	Message string             `json:"message,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Error   string             `json:"error,omitempty"`
}

func (CompleteEvent) Type() EventType { return EventComplete }
func (e CompleteEvent) withHeader(h Header) Event { e.Header = h; return e }

func (e CompleteEvent) MarshalJSON() ([]byte, error) {
	type plain CompleteEvent
	return json.Marshal(struct {
		Type EventType `json:"type"`
		plain
	}{EventComplete, plain(e)})
}

// HeartbeatEvent signals liveness without carrying progress.
type HeartbeatEvent struct {
	Header
	Status  TaskStatus `json:"status,omitempty"`
	IdleFor float64    `json:"idle_seconds,omitempty"`
}

func (HeartbeatEvent) Type() EventType { return EventHeartbeat }
func (e HeartbeatEvent) withHeader(h Header) Event { e.Header = h; return e }

func (e HeartbeatEvent) MarshalJSON() ([]byte, error) {
	type plain HeartbeatEvent
	return json.Marshal(struct {
		Type EventType `json:"type"`
		plain
	}{EventHeartbeat, plain(e)})
}

// ErrUnknownEventType is returned by DecodeEvent for an unrecognised discriminator.
var ErrUnknownEventType = errors.New("unknown event type")

// DecodeEvent decodes a JSON object produced by one of the event MarshalJSON methods.
func DecodeEvent(data []byte) (Event, error) {
	var disc struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &disc); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	var (
		ev  Event
		err error
	)
	switch disc.Type {
	case EventLog:
		var e LogEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventProgress:
		var e EpochProgressEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventBatchProgress:
		var e BatchProgressEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventError:
		var e ErrorEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventComplete:
		var e CompleteEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventHeartbeat:
		var e HeartbeatEvent
		err = json.Unmarshal(data, &e)
		ev = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, disc.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", disc.Type, err)
	}
	return ev, nil
}

// EventList is an ordered list of events that round-trips through JSON.
type EventList []Event

func (l *EventList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(EventList, 0, len(raw))
	for _, r := range raw {
		ev, err := DecodeEvent(r)
		if err != nil {
			return err
		}
		out = append(out, ev)
	}
	*l = out
	return nil
}

// DedupeKey returns the collapse key for events that may be reported more
// than once. Only epoch-tagged logs have one.
func DedupeKey(ev Event) (string, bool) {
	if l, ok := ev.(LogEvent); ok && l.EpochNumber > 0 {
		return fmt.Sprintf("epoch:%d", l.EpochNumber), true
	}
	return "", false
}

// =============================================================================
// Event constructors
// =============================================================================

// NewLog builds an info level log event.
func NewLog(message string) LogEvent {
	return LogEvent{Message: message, Level: "info"}
}

// NewEpochLog builds a log event tagged with its epoch.
func NewEpochLog(message string, epoch, total int) LogEvent {
	return LogEvent{
		Message:     message,
		Level:       "info",
		EpochNumber: epoch,
		TotalEpochs: total,
		IsEpochLog:  true,
	}
}

// NewProgress builds an epoch boundary event. The store fills in the
// percentage and status text.
func NewProgress(stage string, epoch, total int) EpochProgressEvent {
	return EpochProgressEvent{Stage: stage, Epoch: epoch, TotalEpochs: total}
}

// NewBatch builds a batch progress event.
func NewBatch(epoch, total, batch, totalBatches int) BatchProgressEvent {
	e := BatchProgressEvent{
		Epoch:        epoch,
		TotalEpochs:  total,
		Batch:        batch,
		TotalBatches: totalBatches,
	}
	if total > 0 && totalBatches > 0 {
		done := float64(epoch-1) + float64(batch)/float64(totalBatches)
		e.ProgressPercent = roundTenth(done / float64(total) * 100)
	}
	return e
}

// NewError builds an error event.
func NewError(message string) ErrorEvent {
	return ErrorEvent{Message: message}
}

// NewComplete builds a terminal event.
func NewComplete(status TaskStatus, message string, metrics map[string]float64) CompleteEvent {
	return CompleteEvent{Status: status, Message: message, Metrics: metrics}
}

// NewHeartbeat builds a liveness event.
func NewHeartbeat(status TaskStatus, idle float64) HeartbeatEvent {
	return HeartbeatEvent{Status: status, IdleFor: idle}
}

// Float returns a pointer to v, for the optional loss fields.
func Float(v float64) *float64 { return &v }
