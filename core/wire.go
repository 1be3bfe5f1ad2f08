package core

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/gin-contrib/sse"
)

// Frame types written by an UpdateStream.
const (
	FrameConnection    = "connection"
	FrameLog           = "log"
	FrameProgress      = "progress"
	FrameBatchProgress = "batch_progress"
	FrameHeartbeat     = "heartbeat"
	FrameDiagnostics   = "diagnostics"
	FrameError         = "error"
	FrameComplete      = "complete"
	FrameClose         = "close"
)

// Frame is one wire message: a type name plus a JSON-encodable body.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// FrameWriter delivers frames to one client. An error ends the stream.
type FrameWriter interface {
	WriteFrame(Frame) error
}

// FrameWriterFunc adapts a function to FrameWriter.
type FrameWriterFunc func(Frame) error

func (f FrameWriterFunc) WriteFrame(fr Frame) error { return f(fr) }

// EncodeSSE writes f as a Server-Sent Events message. The body is encoded
// before anything is written, so a frame that cannot be encoded leaves w
// untouched.
func EncodeSSE(w io.Writer, f Frame) error {
	data, err := json.Marshal(f.Data)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Event, err)
	}
	return sse.Encode(w, sse.Event{Event: f.Event, Data: json.RawMessage(data)})
}

// SSEWriter is a FrameWriter producing text/event-stream output. Each frame
// is flushed when the underlying writer supports it.
type SSEWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

// NewSSEWriter wraps w, typically an http.ResponseWriter.
func NewSSEWriter(w io.Writer) *SSEWriter {
	sw := &SSEWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

func (s *SSEWriter) WriteFrame(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := EncodeSSE(s.w, f); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// CompletePayload is the body of the terminal complete frame. Every
// collection field is non-nil so clients never see null.
type CompletePayload struct {
	Type        EventType          `json:"type"`
	Status      TaskStatus         `json:"status"`
	Message     string             `json:"message"`
	Error       string             `json:"error,omitempty"`
	Metrics     map[string]float64 `json:"metrics"`
	History     History            `json:"history"`
	Predictions []float64          `json:"predictions"`
	YTest       []float64          `json:"y_test"`
	EpochLogs   []EpochLog         `json:"epoch_logs"`
	ModelID     string             `json:"model_id"`
	ModelName   string             `json:"model_name"`
	Timestamp   float64            `json:"timestamp"`
}

// AssembleComplete builds the terminal payload for rec. Values are taken from
// the stored result first, then the last complete event and the submitted
// config, and finally reconstructed from the retained event log. rec and
// last may both be nil.
func AssembleComplete(rec *Record, last *CompleteEvent) CompletePayload {
	p := CompletePayload{Type: EventComplete, Status: StatusFailed}
	if rec != nil {
		p.Status = rec.Status
		p.Error = rec.Error
	}
	if last != nil {
		if !p.Status.IsTerminal() {
			p.Status = last.Status
		}
		p.Message = last.Message
		if p.Error == "" {
			p.Error = last.Error
		}
		p.Metrics = NormalizeMetricKeys(last.Metrics)
		p.Timestamp = last.Timestamp
	}

	if rec != nil && rec.Result != nil {
		r := rec.Result
		if len(r.Metrics) > 0 {
			p.Metrics = NormalizeMetricKeys(r.Metrics)
		}
		p.History = r.History
		p.Predictions = r.Predictions
		p.YTest = r.YTest
		p.EpochLogs = r.EpochLogs
		p.ModelID = r.ModelID
		p.ModelName = r.ModelName
	}
	if rec != nil && rec.Config != nil {
		if p.ModelID == "" {
			p.ModelID = rec.Config.ModelID
		}
		if p.ModelName == "" {
			p.ModelName = rec.Config.ModelName
		}
	}
	if rec != nil {
		reconstructFromEvents(&p, rec.Updates)
	}

	if p.Message == "" {
		p.Message = defaultCompleteMessage(p.Status)
	}
	if p.Metrics == nil {
		p.Metrics = map[string]float64{}
	}
	if p.History.Loss == nil {
		p.History.Loss = []float64{}
	}
	if p.History.ValLoss == nil {
		p.History.ValLoss = []float64{}
	}
	if p.Predictions == nil {
		p.Predictions = []float64{}
	}
	if p.YTest == nil {
		p.YTest = []float64{}
	}
	if p.EpochLogs == nil {
		p.EpochLogs = []EpochLog{}
	}
	return p
}

// reconstructFromEvents fills loss curves and epoch logs the result did not
// carry, using epoch_end progress events and epoch-tagged logs.
func reconstructFromEvents(p *CompletePayload, updates EventList) {
	needHistory := len(p.History.Loss) == 0 && len(p.History.ValLoss) == 0
	needLogs := len(p.EpochLogs) == 0
	if !needHistory && !needLogs {
		return
	}

	var (
		loss    = map[int]float64{}
		valLoss = map[int]float64{}
		logs    = map[int]EpochLog{}
	)
	for _, ev := range updates {
		switch e := ev.(type) {
		case EpochProgressEvent:
			if e.Stage != StageEpochEnd {
				continue
			}
			if e.TrainLoss != nil {
				loss[e.Epoch] = *e.TrainLoss
			}
			if e.ValLoss != nil {
				valLoss[e.Epoch] = *e.ValLoss
			}
		case LogEvent:
			if e.EpochNumber > 0 {
				logs[e.EpochNumber] = EpochLog{
					Epoch:       e.EpochNumber,
					TotalEpochs: e.TotalEpochs,
					Message:     e.Message,
					Timestamp:   e.Timestamp,
				}
			}
		}
	}

	if needHistory {
		p.History.Loss = valuesByEpoch(loss)
		p.History.ValLoss = valuesByEpoch(valLoss)
	}
	if needLogs && len(logs) > 0 {
		epochs := make([]int, 0, len(logs))
		for epoch := range logs {
			epochs = append(epochs, epoch)
		}
		sort.Ints(epochs)
		p.EpochLogs = make([]EpochLog, 0, len(epochs))
		for _, epoch := range epochs {
			p.EpochLogs = append(p.EpochLogs, logs[epoch])
		}
	}
}

func valuesByEpoch(m map[int]float64) []float64 {
	if len(m) == 0 {
		return nil
	}
	epochs := make([]int, 0, len(m))
	for epoch := range m {
		epochs = append(epochs, epoch)
	}
	sort.Ints(epochs)
	out := make([]float64, 0, len(epochs))
	for _, epoch := range epochs {
		out = append(out, m[epoch])
	}
	return out
}

func defaultCompleteMessage(status TaskStatus) string {
	switch status {
	case StatusCompleted:
		return "Training completed"
	case StatusCancelled:
		return "Training cancelled"
	default:
		return "Training failed"
	}
}
