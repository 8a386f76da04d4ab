// Package training drives a model over the canonical store with resumable checkpoints.
package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hyperjump/tagger/internal/checkpoint"
	"github.com/hyperjump/tagger/internal/metrics"
	"github.com/hyperjump/tagger/internal/models"
	"go.uber.org/zap"
)

// ErrNoRecords is returned when there is nothing to train on.
var ErrNoRecords = errors.New("no training records")

// Model is the contract between the controller and a trainable model.
type Model interface {
	TrainStep(ctx context.Context, b models.Batch) (models.StepResult, error)
	SetLearningRate(rate float64)
	// ResetMetrics clears running precision and recall.
	ResetMetrics()
	Save(w io.Writer) error
	Restore(r io.Reader) error
	Export(path string) error
}

// BatchLoader turns records into a minibatch.
type BatchLoader interface {
	Load(ctx context.Context, records []*models.ImageRecord) (models.Batch, error)
}

// Checkpoints persists and restores progress together with model weights.
type Checkpoints interface {
	Save(state checkpoint.State, writeModel func(io.Writer) error) (string, error)
	Restore(readModel func(io.Reader) error) (checkpoint.State, bool, error)
}

// Options controls the loop.
type Options struct {
	ModelType                 string
	ExportDir                 string
	MinibatchSize             int
	EpochCount                int64
	CheckpointFrequencyMB     int
	ConsoleLoggingFrequencyMB int
	ExportModelPerEpoch       int64
	LearningRate              float64
	LearningRates             []LearningRateStep
}

// Validate rejects non-positive sizes.
func (o Options) Validate() error {
	switch {
	case o.ModelType == "":
		return errors.New("model type is required")
	case o.MinibatchSize <= 0:
		return errors.New("minibatch size must be positive")
	case o.EpochCount <= 0:
		return errors.New("epoch count must be positive")
	case o.CheckpointFrequencyMB <= 0:
		return errors.New("checkpoint frequency must be positive")
	case o.ConsoleLoggingFrequencyMB <= 0:
		return errors.New("console logging frequency must be positive")
	case o.ExportModelPerEpoch <= 0:
		return errors.New("export period must be positive")
	}
	return nil
}

// SliceSize is the number of records trained between checkpoints.
func (o Options) SliceSize() int64 {
	return int64(o.MinibatchSize) * int64(o.CheckpointFrequencyMB)
}

// ExportPath returns the final export path, or the per-epoch path when epoch > 0.
func (o Options) ExportPath(epoch int64) string {
	name := "model-" + o.ModelType
	if epoch > 0 {
		name = fmt.Sprintf("%s.e%d", name, epoch)
	}
	return filepath.Join(o.ExportDir, name)
}

// Controller runs the training state machine.
type Controller struct {
	model   Model
	loader  BatchLoader
	ckpt    Checkpoints
	records []*models.ImageRecord
	opts    Options
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithClock replaces time.Now for speed and ETA reporting.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a controller over records, which must be ordered by id.
func New(m Model, loader BatchLoader, ckpt Checkpoints, records []*models.ImageRecord, opts Options, options ...Option) (*Controller, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNoRecords
	}
	c := &Controller{
		model:   m,
		loader:  loader,
		ckpt:    ckpt,
		records: records,
		opts:    opts,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, o := range options {
		o(c)
	}
	return c, nil
}

// window accumulates what is reported every ConsoleLoggingFrequencyMB minibatches.
type window struct {
	lossSum float64
	steps   int
	samples int64
	started time.Time
}

// Run restores the latest checkpoint and trains until EpochCount epochs are complete.
// Every slice ends with a checkpoint; cancellation stops at the next minibatch boundary
// and the returned state is the last one persisted. A failed step or load is fatal.
func (c *Controller) Run(ctx context.Context) (checkpoint.State, error) {
	log := c.logger.With(zap.String("run_id", uuid.New().String()))

	state, restored, err := c.ckpt.Restore(c.model.Restore)
	if err != nil {
		return checkpoint.State{}, fmt.Errorf("restore checkpoint: %w", err)
	}
	epochSize := int64(len(c.records))
	if restored {
		log.Info("checkpoint exists, continuing training",
			zap.Int64("used_epoch", state.UsedEpoch),
			zap.Int64("used_minibatch", state.UsedMinibatch),
			zap.Int64("used_sample", state.UsedSample),
			zap.Int64("offset", state.Offset),
			zap.Int64("random_seed", state.RandomSeed),
		)
		if state.Offset > epochSize {
			log.Warn("checkpoint offset past epoch size, clamping",
				zap.Int64("offset", state.Offset), zap.Int64("epoch_size", epochSize))
			state.Offset = epochSize
		}
	} else {
		log.Info("no checkpoint, starting new training")
	}
	saved := state

	sliceSize := c.opts.SliceSize()
	total := epochSize * c.opts.EpochCount
	win := window{started: c.now()}

	for state.UsedEpoch < c.opts.EpochCount {
		order := Shuffle(c.records, state.RandomSeed)
		rate := LearningRateFor(c.opts.LearningRate, c.opts.LearningRates, state.UsedEpoch)
		c.model.SetLearningRate(rate)
		log.Info("starting epoch",
			zap.Int64("epoch", state.UsedEpoch),
			zap.Int64("random_seed", state.RandomSeed),
			zap.Float64("learning_rate", rate),
			zap.Int64("offset", state.Offset),
		)

		for state.Offset < epochSize {
			end := min(state.Offset+sliceSize, epochSize)
			slice := order[state.Offset:end]
			for i := 0; i < len(slice); i += c.opts.MinibatchSize {
				if err := ctx.Err(); err != nil {
					log.Info("training interrupted", zap.Int64("resume_offset", saved.Offset))
					return saved, err
				}
				chunk := slice[i:min(i+c.opts.MinibatchSize, len(slice))]
				if err := c.step(ctx, log, &state, &win, chunk, total); err != nil {
					return saved, err
				}
			}
			state.Offset = end
			if err := c.save(log, state); err != nil {
				return saved, err
			}
			saved = state
		}

		state.UsedEpoch++
		state.RandomSeed++
		state.Offset = 0
		if err := c.save(log, state); err != nil {
			return saved, err
		}
		saved = state
		metrics.TrainingEpoch.Set(float64(state.UsedEpoch))

		if state.UsedEpoch%c.opts.ExportModelPerEpoch == 0 {
			path := c.opts.ExportPath(state.UsedEpoch)
			if err := c.model.Export(path); err != nil {
				return saved, fmt.Errorf("export epoch %d: %w", state.UsedEpoch, err)
			}
			log.Info("model exported", zap.String("path", path), zap.Int64("epoch", state.UsedEpoch))
		}
	}

	path := c.opts.ExportPath(0)
	if err := c.model.Export(path); err != nil {
		return saved, fmt.Errorf("export model: %w", err)
	}
	log.Info("training complete",
		zap.String("model", path),
		zap.Int64("used_epoch", state.UsedEpoch),
		zap.Int64("used_minibatch", state.UsedMinibatch),
		zap.Int64("used_sample", state.UsedSample),
	)
	return state, nil
}

func (c *Controller) step(ctx context.Context, log *zap.Logger, state *checkpoint.State, win *window, chunk []*models.ImageRecord, total int64) error {
	batch, err := c.loader.Load(ctx, chunk)
	if err != nil {
		return fmt.Errorf("load minibatch at epoch %d offset %d: %w", state.UsedEpoch, state.Offset, err)
	}
	res, err := c.model.TrainStep(ctx, batch)
	if err != nil {
		return fmt.Errorf("train step %d: %w", state.UsedMinibatch+1, err)
	}
	n := int64(batch.Size())
	state.UsedMinibatch++
	state.UsedSample += n
	win.lossSum += res.Loss
	win.steps++
	win.samples += n
	metrics.TrainingMinibatchesTotal.Inc()
	metrics.TrainingSamplesTotal.Add(float64(n))

	if state.UsedMinibatch%int64(c.opts.ConsoleLoggingFrequencyMB) != 0 {
		return nil
	}
	now := c.now()
	elapsed := max(now.Sub(win.started).Seconds(), 0.001)
	speed := float64(win.samples) / elapsed
	avgLoss := win.lossSum / float64(win.steps)
	remaining := float64(total-state.UsedSample) / max(speed, 0.001)
	log.Info("training progress",
		zap.Int64("epoch", state.UsedEpoch),
		zap.Float64("loss", avgLoss),
		zap.Float64("precision", res.Precision),
		zap.Float64("recall", res.Recall),
		zap.Float64("f1", models.F1(res.Precision, res.Recall)),
		zap.Float64("samples_per_second", speed),
		zap.Float64("progress_percent", float64(state.UsedSample)/float64(total)*100),
		zap.Time("eta", now.Add(time.Duration(remaining*float64(time.Second)))),
	)
	metrics.TrainingLoss.Set(avgLoss)
	c.model.ResetMetrics()
	*win = window{started: now}
	return nil
}

func (c *Controller) save(log *zap.Logger, state checkpoint.State) error {
	name, err := c.ckpt.Save(state, c.model.Save)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	metrics.CheckpointsSavedTotal.Inc()
	log.Debug("checkpoint saved",
		zap.String("name", name),
		zap.Int64("used_epoch", state.UsedEpoch),
		zap.Int64("offset", state.Offset),
	)
	return nil
}
