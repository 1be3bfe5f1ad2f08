package training

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Swind/go-task-stream/core"
	"github.com/google/go-cmp/cmp"
)

type recordingReporter struct {
	mu     sync.Mutex
	events []core.Event
}

func (r *recordingReporter) TaskID() string { return "test" }

func (r *recordingReporter) Publish(_ context.Context, ev core.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return true
}

func (r *recordingReporter) epochLogs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var epochs []int
	for _, ev := range r.events {
		if l, ok := ev.(core.LogEvent); ok && l.IsEpochLog {
			epochs = append(epochs, l.EpochNumber)
		}
	}
	return epochs
}

func (r *recordingReporter) count(stage string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if p, ok := ev.(core.EpochProgressEvent); ok && p.Stage == stage {
			n++
		}
	}
	return n
}

func fastTrainer() *Trainer {
	return NewTrainer(Options{BatchesPerEpoch: 4, StepDelay: -1, Seed: 7})
}

func spec(epochs int) core.TaskSpec {
	return core.TaskSpec{TaskID: "t", Config: core.TaskConfig{ModelName: "demand", Epochs: epochs}}
}

func TestTrainer_Run(t *testing.T) {
	rep := &recordingReporter{}

	result, err := fastTrainer().Run(context.Background(), spec(6), rep)
	if err != nil {
		t.Fatalf("Run error = %v", err)
	}

	if got := rep.count(core.StageEpochStart); got != 6 {
		t.Errorf("epoch_start events = %d, want 6", got)
	}
	if got := rep.count(core.StageEpochEnd); got != 6 {
		t.Errorf("epoch_end events = %d, want 6", got)
	}
	if diff := cmp.Diff([]int{1, 5, 6}, rep.epochLogs()); diff != "" {
		t.Errorf("epoch logs mismatch (-want +got):\n%s", diff)
	}

	if len(result.History.Loss) != 6 || len(result.History.ValLoss) != 6 {
		t.Errorf("history lengths = %d/%d, want 6/6", len(result.History.Loss), len(result.History.ValLoss))
	}
	if result.History.Loss[5] >= result.History.Loss[0] {
		t.Errorf("loss did not decrease: %v", result.History.Loss)
	}
	if len(result.Predictions) != maxPredictionSample || len(result.YTest) != maxPredictionSample {
		t.Errorf("sample sizes = %d/%d, want %d", len(result.Predictions), len(result.YTest), maxPredictionSample)
	}
	if len(result.EpochLogs) != 3 {
		t.Errorf("len(EpochLogs) = %d, want 3", len(result.EpochLogs))
	}
	for _, key := range []string{"MSE", "RMSE", "MAE", "R2", "Accuracy"} {
		if _, ok := result.Metrics[key]; !ok {
			t.Errorf("metrics missing %s: %v", key, result.Metrics)
		}
	}
	if result.ModelName != "demand" || result.ModelID == "" {
		t.Errorf("model = %q/%q, want demand and a generated id", result.ModelName, result.ModelID)
	}
}

func TestTrainer_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fastTrainer().Run(ctx, spec(3), &recordingReporter{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
}

func TestTrainer_CSVDataPath(t *testing.T) {
	missing := spec(1)
	missing.Config.TrainingMethod = core.TrainingMethodCSV
	missing.Config.DataPath = filepath.Join(t.TempDir(), "nope.csv")

	_, err := fastTrainer().Run(context.Background(), missing, &recordingReporter{})
	if !errors.Is(err, ErrDataNotFound) {
		t.Fatalf("Run error = %v, want ErrDataNotFound", err)
	}

	present := missing
	present.Config.DataPath = filepath.Join(t.TempDir(), "data.csv")
	if err := os.WriteFile(present.Config.DataPath, []byte("a,b\n1,2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := fastTrainer().Run(context.Background(), present, &recordingReporter{}); err != nil {
		t.Fatalf("Run error = %v", err)
	}
}

func TestEvaluate(t *testing.T) {
	actual := []float64{10, 20, 30, 40}

	perfect := Evaluate(actual, actual)
	if perfect["MSE"] != 0 || perfect["R2"] != 1 || perfect["Accuracy"] != 1 {
		t.Errorf("perfect metrics = %v", perfect)
	}

	off := Evaluate(actual, []float64{12, 18, 33, 40})
	if got, want := off["MAE"], 7.0/4; math.Abs(got-want) > 1e-9 {
		t.Errorf("MAE = %v, want %v", got, want)
	}
	if got, want := off["RMSE"], math.Sqrt(17.0/4); math.Abs(got-want) > 1e-9 {
		t.Errorf("RMSE = %v, want %v", got, want)
	}
	if got := off["Accuracy"]; got != 0.75 {
		t.Errorf("Accuracy = %v, want 0.75", got)
	}

	if empty := Evaluate(nil, nil); empty["R2"] != 0 {
		t.Errorf("empty metrics = %v", empty)
	}
}

func TestSample(t *testing.T) {
	a := []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	gotA, gotP := Sample(a, a, 4)

	if diff := cmp.Diff([]float64{0, 2, 4, 6}, gotA); diff != "" {
		t.Errorf("Sample mismatch (-want +got):\n%s", diff)
	}
	if len(gotP) != len(gotA) {
		t.Errorf("len(predicted) = %d, want %d", len(gotP), len(gotA))
	}

	small, _ := Sample(a[:3], a[:3], 100)
	if len(small) != 3 {
		t.Errorf("len(small) = %d, want 3", len(small))
	}
}
