package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Work is the unit of background computation run by a Launcher.
// It reports progress through rep and returns the final result.
type Work func(ctx context.Context, spec TaskSpec, rep Reporter) (*TaskResult, error)

// =============================================================================
// Task Status
// =============================================================================

type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// =============================================================================
// Task Configuration
// =============================================================================

// Training data sources.
const (
	TrainingMethodDB  = "db"
	TrainingMethodCSV = "csv"
)

// TaskConfig is the immutable input captured when a training run is submitted.
type TaskConfig struct {
	ModelName      string  `json:"model_name"`
	ModelID        string  `json:"model_id,omitempty"`
	TrainingMethod string  `json:"training_method"`
	DataPath       string  `json:"data_path,omitempty"`
	UseSynthetic   bool    `json:"use_synthetic,omitempty"`
	Epochs         int     `json:"epochs"`
	BatchSize      int     `json:"batch_size"`
	RNNUnits       int     `json:"rnn_units"`
	RNNType        string  `json:"rnn_type"`
	Bidirectional  bool    `json:"bidirectional,omitempty"`
	DropoutRate    float64 `json:"dropout_rate"`
	LearningRate   float64 `json:"learning_rate"`
	TestSize       float64 `json:"test_size"`
	ValidationSize float64 `json:"validation_size"`
	SaveAsMain     bool    `json:"save_as_main,omitempty"`
}

// DefaultTaskConfig returns the hyperparameters used when a field is left unset.
func DefaultTaskConfig() TaskConfig {
	return TaskConfig{
		TrainingMethod: TrainingMethodDB,
		Epochs:         100,
		BatchSize:      32,
		RNNUnits:       64,
		RNNType:        "LSTM",
		DropoutRate:    0.2,
		LearningRate:   0.001,
		TestSize:       0.2,
		ValidationSize: 0.2,
	}
}

// WithDefaults returns a copy of c with zero fields filled from DefaultTaskConfig.
func (c TaskConfig) WithDefaults() TaskConfig {
	d := DefaultTaskConfig()
	if c.TrainingMethod == "" {
		c.TrainingMethod = d.TrainingMethod
	}
	if c.Epochs == 0 {
		c.Epochs = d.Epochs
	}
	if c.BatchSize == 0 {
		c.BatchSize = d.BatchSize
	}
	if c.RNNUnits == 0 {
		c.RNNUnits = d.RNNUnits
	}
	if c.RNNType == "" {
		c.RNNType = d.RNNType
	}
	if c.LearningRate == 0 {
		c.LearningRate = d.LearningRate
	}
	if c.TestSize == 0 {
		c.TestSize = d.TestSize
	}
	if c.ValidationSize == 0 {
		c.ValidationSize = d.ValidationSize
	}
	return c
}

// Validate checks the config for values no training run can accept.
func (c TaskConfig) Validate() error {
	var errs []error
	if c.ModelName == "" {
		errs = append(errs, errors.New("model_name is required"))
	}
	if c.Epochs <= 0 {
		errs = append(errs, fmt.Errorf("epochs must be positive, got %d", c.Epochs))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch_size must be positive, got %d", c.BatchSize))
	}
	if c.RNNUnits < 0 {
		errs = append(errs, fmt.Errorf("rnn_units must not be negative, got %d", c.RNNUnits))
	}
	switch c.RNNType {
	case "", "LSTM", "GRU", "SimpleRNN":
	default:
		errs = append(errs, fmt.Errorf("unsupported rnn_type %q", c.RNNType))
	}
	for name, v := range map[string]float64{
		"dropout_rate":    c.DropoutRate,
		"test_size":       c.TestSize,
		"validation_size": c.ValidationSize,
	} {
		if v < 0 || v >= 1 {
			errs = append(errs, fmt.Errorf("%s must be in [0,1), got %v", name, v))
		}
	}
	if c.LearningRate < 0 {
		errs = append(errs, fmt.Errorf("learning_rate must not be negative, got %v", c.LearningRate))
	}
	switch c.TrainingMethod {
	case TrainingMethodDB:
	case TrainingMethodCSV:
		if c.DataPath == "" && !c.UseSynthetic {
			errs = append(errs, errors.New("data_path is required for csv training"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported training_method %q", c.TrainingMethod))
	}
	return errors.Join(errs...)
}

// TaskSpec is everything a Work function receives about its task.
type TaskSpec struct {
	TaskID string     `json:"task_id"`
	Owner  int64      `json:"owner_id"`
	Config TaskConfig `json:"config"`
}

// =============================================================================
// Task Result
// =============================================================================

// History holds per-epoch loss curves.
type History struct {
	Loss    []float64 `json:"loss"`
	ValLoss []float64 `json:"val_loss"`
}

// EpochLog is one epoch summary line kept with the result.
type EpochLog struct {
	Epoch       int     `json:"epoch"`
	TotalEpochs int     `json:"total_epochs"`
	Message     string  `json:"message"`
	Timestamp   float64 `json:"timestamp,omitempty"`
}

// TaskResult is the payload of a completed training run.
type TaskResult struct {
	Metrics     map[string]float64 `json:"metrics"`
	History     History            `json:"history"`
	Predictions []float64          `json:"predictions"`
	YTest       []float64          `json:"y_test"`
	EpochLogs   []EpochLog         `json:"epoch_logs"`
	ModelID     string             `json:"model_id"`
	ModelName   string             `json:"model_name"`
	IsMainModel bool               `json:"is_main_model"`
	Timestamp   string             `json:"timestamp,omitempty"`
}

// =============================================================================
// Progress Record
// =============================================================================

// Record is the per-task entry kept in the shared cache.
type Record struct {
	TaskID           string      `json:"task_id"`
	Owner            int64       `json:"owner_id"`
	Status           TaskStatus  `json:"status"`
	Config           *TaskConfig `json:"config,omitempty"`
	Updates          EventList   `json:"updates"`
	Evicted          int64       `json:"evicted,omitempty"`
	LastActivityTime float64     `json:"last_activity_time"`
	LastBatchTime    float64     `json:"last_batch_time,omitempty"`
	Result           *TaskResult `json:"result,omitempty"`
	Error            string      `json:"error,omitempty"`
	CreatedAt        *time.Time  `json:"created_at,omitempty"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	EndedAt          *time.Time  `json:"ended_at,omitempty"`
}

// LastSeq is the sequence number of the newest event ever appended.
func (r *Record) LastSeq() int64 {
	return r.Evicted + int64(len(r.Updates))
}

// Since returns the retained events with a sequence number greater than cursor.
func (r *Record) Since(cursor int64) []Event {
	start := cursor - r.Evicted
	if start < 0 {
		start = 0
	}
	if start >= int64(len(r.Updates)) {
		return nil
	}
	return r.Updates[start:]
}

func timePtr(t time.Time) *time.Time { return &t }

// unixSeconds converts t to the float seconds used in event timestamps.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
