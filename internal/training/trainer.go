// Package training provides the Work function run for each training task.
//
// The trainer simulates a recurrent regression model: it walks the configured
// epochs and batches, publishes progress the way a real training callback
// would, and evaluates a synthetic validation set at the end.
package training

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/Swind/go-task-stream/core"
)

const (
	defaultBatchesPerEpoch = 20
	defaultStepDelay       = 10 * time.Millisecond
	defaultBatchInterval   = time.Second
	defaultSamples         = 250

	// maxPredictionSample caps predictions/y_test in the result.
	maxPredictionSample = 100
)

// ErrDataNotFound is returned when a csv run points at a missing file.
var ErrDataNotFound = errors.New("training data not found")

// Options tunes the simulated run. Zero values select the defaults.
type Options struct {
	BatchesPerEpoch int
	// StepDelay is the simulated duration of one batch.
	StepDelay time.Duration
	// BatchInterval throttles batch_progress events.
	BatchInterval time.Duration
	// Samples is the size of the synthetic validation set.
	Samples int
	Seed    int64

	Logger core.Logger
	Now    func() time.Time
}

// Trainer runs simulated training tasks.
type Trainer struct {
	opts Options
}

// NewTrainer creates a trainer.
func NewTrainer(opts Options) *Trainer {
	if opts.BatchesPerEpoch <= 0 {
		opts.BatchesPerEpoch = defaultBatchesPerEpoch
	}
	if opts.StepDelay < 0 {
		opts.StepDelay = 0
	} else if opts.StepDelay == 0 {
		opts.StepDelay = defaultStepDelay
	}
	if opts.BatchInterval <= 0 {
		opts.BatchInterval = defaultBatchInterval
	}
	if opts.Samples <= 0 {
		opts.Samples = defaultSamples
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	if opts.Logger == nil {
		opts.Logger = core.NewNoOpLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Trainer{opts: opts}
}

// Work returns t.Run as a core.Work.
func (t *Trainer) Work() core.Work { return t.Run }

// Run trains one model. It returns ctx.Err() as soon as ctx is cancelled.
func (t *Trainer) Run(ctx context.Context, spec core.TaskSpec, rep core.Reporter) (*core.TaskResult, error) {
	cfg := spec.Config.WithDefaults()
	rng := rand.New(rand.NewSource(t.opts.Seed))
	started := t.opts.Now()

	if err := t.loadData(ctx, cfg, rep); err != nil {
		return nil, err
	}

	direction := "unidirectional"
	if cfg.Bidirectional {
		direction = "bidirectional"
	}
	rep.Publish(ctx, core.NewLog(fmt.Sprintf("Model configured: %s %s with %d units", cfg.RNNType, direction, cfg.RNNUnits)))
	rep.Publish(ctx, core.NewLog(fmt.Sprintf("Starting training with %d epochs...", cfg.Epochs)))

	var (
		history   core.History
		epochLogs []core.EpochLog
		lastBatch time.Time
	)
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rep.Publish(ctx, core.NewProgress(core.StageEpochStart, epoch, cfg.Epochs))

		base := lossAt(epoch, cfg.LearningRate)
		for batch := 1; batch <= t.opts.BatchesPerEpoch; batch++ {
			if err := t.step(ctx); err != nil {
				return nil, err
			}
			if now := t.opts.Now(); now.Sub(lastBatch) >= t.opts.BatchInterval {
				lastBatch = now
				ev := core.NewBatch(epoch, cfg.Epochs, batch, t.opts.BatchesPerEpoch)
				ev.Loss = base * (1 + 0.05*rng.Float64())
				ev.MAE = math.Sqrt(ev.Loss)
				rep.Publish(ctx, ev)
			}
		}

		loss := base * (1 + 0.02*rng.Float64())
		valLoss := loss * (1.05 + 0.05*rng.Float64())
		history.Loss = append(history.Loss, loss)
		history.ValLoss = append(history.ValLoss, valLoss)

		elapsed := t.opts.Now().Sub(started).Seconds()
		perEpoch := elapsed / float64(epoch)
		end := core.NewProgress(core.StageEpochEnd, epoch, cfg.Epochs)
		end.TrainLoss = core.Float(loss)
		end.ValLoss = core.Float(valLoss)
		end.TrainMAE = core.Float(math.Sqrt(loss))
		end.ValMAE = core.Float(math.Sqrt(valLoss))
		end.ElapsedTime = elapsed
		end.EpochTime = perEpoch
		end.RemainingTime = perEpoch * float64(cfg.Epochs-epoch)
		rep.Publish(ctx, end)

		if epoch == 1 || epoch%5 == 0 || epoch == cfg.Epochs {
			msg := fmt.Sprintf("Epoch %d/%d - loss: %.4f - val_loss: %.4f - mae: %.4f - eta: %s",
				epoch, cfg.Epochs, loss, valLoss, math.Sqrt(loss), formatRemaining(end.RemainingTime))
			rep.Publish(ctx, core.NewEpochLog(msg, epoch, cfg.Epochs))
			epochLogs = append(epochLogs, core.EpochLog{
				Epoch:       epoch,
				TotalEpochs: cfg.Epochs,
				Message:     msg,
				Timestamp:   float64(t.opts.Now().UnixNano()) / float64(time.Second),
			})
		}
	}

	rep.Publish(ctx, core.LogEvent{Message: "Training finished. Evaluating model...", Level: "success"})
	yTest, predictions := t.validationSet(rng, history.ValLoss[len(history.ValLoss)-1])
	metrics := Evaluate(yTest, predictions)
	rep.Publish(ctx, core.LogEvent{
		Message: fmt.Sprintf("Preliminary metrics: R2: %.4f, MAE: %.2f", metrics["R2"], metrics["MAE"]),
		Level:   "success",
	})

	modelID := cfg.ModelID
	if modelID == "" {
		modelID = fmt.Sprintf("%s_%s", cfg.ModelName, t.opts.Now().Format("20060102"))
	}
	rep.Publish(ctx, core.NewLog(fmt.Sprintf("Saving model as %s...", modelID)))
	if cfg.SaveAsMain {
		rep.Publish(ctx, core.LogEvent{Message: "Model set as main model for predictions.", Level: "success"})
	}

	ySample, pSample := Sample(yTest, predictions, maxPredictionSample)
	t.opts.Logger.Info("training finished",
		core.F("task_id", spec.TaskID),
		core.F("epochs", cfg.Epochs),
		core.F("r2", metrics["R2"]))

	return &core.TaskResult{
		Metrics:     metrics,
		History:     history,
		Predictions: pSample,
		YTest:       ySample,
		EpochLogs:   epochLogs,
		ModelID:     modelID,
		ModelName:   cfg.ModelName,
		IsMainModel: cfg.SaveAsMain,
		Timestamp:   t.opts.Now().Format("2006-01-02 15:04:05"),
	}, nil
}

func (t *Trainer) loadData(ctx context.Context, cfg core.TaskConfig, rep core.Reporter) error {
	switch {
	case cfg.TrainingMethod == core.TrainingMethodCSV && !cfg.UseSynthetic:
		if _, err := os.Stat(cfg.DataPath); err != nil {
			return fmt.Errorf("%w: %s", ErrDataNotFound, cfg.DataPath)
		}
		rep.Publish(ctx, core.NewLog("Loading training data from "+cfg.DataPath))
	case cfg.UseSynthetic:
		rep.Publish(ctx, core.NewLog("Generating synthetic training data"))
	default:
		rep.Publish(ctx, core.NewLog("Loading training data from the database"))
	}
	return nil
}

func (t *Trainer) step(ctx context.Context) error {
	if t.opts.StepDelay == 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(t.opts.StepDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// validationSet draws actual values and predictions whose error scale
// follows the final validation loss.
func (t *Trainer) validationSet(rng *rand.Rand, valLoss float64) (actual, predicted []float64) {
	noise := math.Sqrt(valLoss) * 4
	actual = make([]float64, t.opts.Samples)
	predicted = make([]float64, t.opts.Samples)
	for i := range actual {
		actual[i] = 5 + rng.Float64()*40
		predicted[i] = actual[i] + rng.NormFloat64()*noise
	}
	return actual, predicted
}

// lossAt is the simulated training loss curve.
func lossAt(epoch int, learningRate float64) float64 {
	rate := 0.05 + learningRate*100
	return 0.05 + 0.95/(1+rate*float64(epoch))
}

func formatRemaining(secs float64) string {
	s := int(secs)
	switch {
	case s > 3600:
		return fmt.Sprintf("%dh %dm", s/3600, (s%3600)/60)
	case s > 60:
		return fmt.Sprintf("%dm %ds", s/60, s%60)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
