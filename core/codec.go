package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// RecordCodec encodes progress records for the shared cache.
type RecordCodec interface {
	Encode(rec *Record) ([]byte, error)
	Decode(data []byte) (*Record, error)
}

// JSONCodec stores records as JSON so they stay readable from other
// processes and tools sharing the cache.
//
// JSON cannot carry NaN or Inf. Encode drops non-finite metrics and optional
// losses, and zeroes other non-finite numbers, so a diverged training run
// still produces a storable record. The record passed in is not modified.
type JSONCodec struct{}

func (JSONCodec) Encode(rec *Record) ([]byte, error) {
	if rec == nil {
		return nil, errors.New("nil record")
	}
	out := *rec
	out.Result = finiteResult(rec.Result)
	out.Updates = finiteEvents(rec.Updates)
	out.LastActivityTime = finite(rec.LastActivityTime)
	out.LastBatchTime = finite(rec.LastBatchTime)

	data, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("json marshal failed: %w", err)
	}
	return data, nil
}

func (JSONCodec) Decode(data []byte) (*Record, error) {
	if len(data) == 0 {
		return nil, errors.New("data is empty")
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("json unmarshal failed: %w", err)
	}
	return &rec, nil
}

// =============================================================================
// Non-finite values
// =============================================================================

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func finite(v float64) float64 {
	if isFinite(v) {
		return v
	}
	return 0
}

func finitePtr(p *float64) *float64 {
	if p == nil || !isFinite(*p) {
		return nil
	}
	return p
}

// finiteMetrics returns m itself when every value is finite, otherwise a
// copy without the offending entries.
func finiteMetrics(m map[string]float64) map[string]float64 {
	clean := true
	for _, v := range m {
		if !isFinite(v) {
			clean = false
			break
		}
	}
	if clean {
		return m
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		if isFinite(v) {
			out[k] = v
		}
	}
	return out
}

// finiteSlice keeps the length of s so series stay aligned.
func finiteSlice(s []float64) []float64 {
	for i, v := range s {
		if isFinite(v) {
			continue
		}
		out := append([]float64(nil), s...)
		for j := i; j < len(out); j++ {
			out[j] = finite(out[j])
		}
		return out
	}
	return s
}

func finiteResult(r *TaskResult) *TaskResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Metrics = finiteMetrics(r.Metrics)
	out.History.Loss = finiteSlice(r.History.Loss)
	out.History.ValLoss = finiteSlice(r.History.ValLoss)
	out.Predictions = finiteSlice(r.Predictions)
	out.YTest = finiteSlice(r.YTest)
	for i, l := range r.EpochLogs {
		if isFinite(l.Timestamp) {
			continue
		}
		out.EpochLogs = append([]EpochLog(nil), r.EpochLogs...)
		for j := i; j < len(out.EpochLogs); j++ {
			out.EpochLogs[j].Timestamp = finite(out.EpochLogs[j].Timestamp)
		}
		break
	}
	return &out
}

func finiteEvents(list EventList) EventList {
	if list == nil {
		return nil
	}
	out := make(EventList, len(list))
	for i, ev := range list {
		out[i] = finiteEvent(ev)
	}
	return out
}

// finiteEvent returns ev with every float field made JSON safe.
func finiteEvent(ev Event) Event {
	if ev == nil {
		return nil
	}
	h := ev.header()
	h.Timestamp = finite(h.Timestamp)

	switch e := ev.(type) {
	case EpochProgressEvent:
		e.Header = h
		e.ProgressPercent = finite(e.ProgressPercent)
		e.TrainLoss = finitePtr(e.TrainLoss)
		e.ValLoss = finitePtr(e.ValLoss)
		e.TrainMAE = finitePtr(e.TrainMAE)
		e.ValMAE = finitePtr(e.ValMAE)
		e.ElapsedTime = finite(e.ElapsedTime)
		e.EpochTime = finite(e.EpochTime)
		e.RemainingTime = finite(e.RemainingTime)
		return e
	case BatchProgressEvent:
		e.Header = h
		e.Loss = finite(e.Loss)
		e.MAE = finite(e.MAE)
		e.ProgressPercent = finite(e.ProgressPercent)
		return e
	case CompleteEvent:
		e.Header = h
		e.Metrics = finiteMetrics(e.Metrics)
		return e
	case HeartbeatEvent:
		e.Header = h
		e.IdleFor = finite(e.IdleFor)
		return e
	default:
		if h == ev.header() {
			return ev
		}
		return ev.withHeader(h)
	}
}
