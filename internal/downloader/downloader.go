// Package downloader fetches the images referenced by a canonical store onto local disk.
package downloader

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/hyperjump/tagger/internal/metrics"
	"github.com/hyperjump/tagger/internal/models"
	"github.com/hyperjump/tagger/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers      = 10
	defaultBatchSize    = 1000
	defaultMaxRetries   = 8
	defaultBaseDelay    = time.Second
	defaultMinFreeBytes = 10 << 30
	defaultTimeout      = 60 * time.Second
)

// Task is one image to materialize. The file's existence is the only success record.
type Task struct {
	URL             string
	DestinationPath string
	Overwrite       bool
}

// Summary reports a run.
type Summary struct {
	RunID      string
	Batches    int
	Attempted  int64
	Succeeded  int64
	Downloaded int64
	Skipped    int64
	Failed     int64
	// StoppedLowSpace is set when free space fell under the floor after a batch.
	StoppedLowSpace bool
	// Interrupted is set when the context was cancelled between batches.
	Interrupted bool
	Duration    time.Duration
}

// Downloader reads records from a store in id order and downloads them with a fixed pool
// of workers, one batch at a time.
type Downloader struct {
	store        storage.Store
	imageDir     string
	workers      int
	batchSize    int
	maxRetries   int
	baseDelay    time.Duration
	minFreeBytes uint64
	timeout      time.Duration
	userAgent    string
	freeSpace    func(path string) (uint64, error)
	logger       *zap.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets a logger for batch progress and per-task failures (debug).
func WithLogger(l *zap.Logger) Option {
	return func(d *Downloader) { d.logger = l }
}

// WithWorkers sets the pool size.
func WithWorkers(n int) Option {
	return func(d *Downloader) { d.workers = n }
}

// WithBatchSize sets how many records are read and downloaded per batch.
func WithBatchSize(n int) Option {
	return func(d *Downloader) { d.batchSize = n }
}

// WithRetry sets the rate-limit retry budget and the initial backoff delay.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(d *Downloader) {
		d.maxRetries = maxRetries
		d.baseDelay = baseDelay
	}
}

// WithMinFreeBytes sets the free-space floor checked after each batch.
func WithMinFreeBytes(n uint64) Option {
	return func(d *Downloader) { d.minFreeBytes = n }
}

// WithHTTPTimeout bounds each request, body included.
func WithHTTPTimeout(t time.Duration) Option {
	return func(d *Downloader) { d.timeout = t }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(d *Downloader) { d.userAgent = ua }
}

// WithFreeSpaceFunc replaces the filesystem free-space check.
func WithFreeSpaceFunc(fn func(path string) (uint64, error)) Option {
	return func(d *Downloader) { d.freeSpace = fn }
}

// New creates a downloader writing under imageDir.
func New(store storage.Store, imageDir string, opts ...Option) *Downloader {
	d := &Downloader{
		store:        store,
		imageDir:     imageDir,
		workers:      defaultWorkers,
		batchSize:    defaultBatchSize,
		maxRetries:   defaultMaxRetries,
		baseDelay:    defaultBaseDelay,
		minFreeBytes: defaultMinFreeBytes,
		timeout:      defaultTimeout,
		freeSpace:    storage.FreeBytes,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.workers <= 0 {
		d.workers = defaultWorkers
	}
	if d.batchSize <= 0 {
		d.batchSize = defaultBatchSize
	}
	return d
}

type job struct {
	idx  int
	task Task
}

type result struct {
	idx     int
	outcome Outcome
	err     error
}

// Run downloads every record with an accepted extension. Cancelling ctx stops the run
// between batches; tasks already handed to workers finish under a context that ignores
// the cancellation. Per-image failures are counted, never returned.
func (d *Downloader) Run(ctx context.Context, overwrite bool) (Summary, error) {
	sum := Summary{RunID: uuid.New().String()}
	start := time.Now()
	log := d.logger.With(zap.String("run_id", sum.RunID))
	log.Info("starting download",
		zap.String("image_dir", d.imageDir),
		zap.Int("workers", d.workers),
		zap.Int("batch_size", d.batchSize),
	)

	jobs := make(chan job)
	results := make(chan result, d.batchSize)
	workCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	for i := 0; i < d.workers; i++ {
		f := newFetcher(d.timeout, d.userAgent, d.maxRetries, d.baseDelay, d.logger)
		g.Go(func() error {
			defer f.close()
			for j := range jobs {
				o, err := f.download(workCtx, j.task)
				results <- result{idx: j.idx, outcome: o, err: err}
			}
			return nil
		})
	}
	defer func() {
		close(jobs)
		_ = g.Wait()
	}()

	startID := int64(math.MinInt64)
	for {
		if ctx.Err() != nil {
			sum.Interrupted = true
			break
		}
		records, err := d.store.ListRecordsFrom(ctx, startID, d.batchSize, models.AllowedExtensions)
		if err != nil {
			if ctx.Err() != nil {
				sum.Interrupted = true
				break
			}
			return sum, fmt.Errorf("list records from %d: %w", startID, err)
		}
		if len(records) == 0 {
			break
		}

		tasks := make([]Task, len(records))
		for i, r := range records {
			tasks[i] = d.taskFor(r, overwrite)
		}
		var succeeded int64
		for _, res := range d.runBatch(tasks, jobs, results) {
			sum.Attempted++
			metrics.DownloadsTotal.WithLabelValues(res.outcome.String()).Inc()
			switch res.outcome {
			case Downloaded:
				sum.Downloaded++
			case Skipped:
				sum.Skipped++
			default:
				sum.Failed++
				log.Debug("download failed",
					zap.Int64("id", records[res.idx].ID),
					zap.String("url", tasks[res.idx].URL),
					zap.Error(res.err),
				)
			}
			if res.outcome.Succeeded() {
				succeeded++
			}
		}
		sum.Batches++
		sum.Succeeded += succeeded
		log.Info("batch finished",
			zap.Int("batch", sum.Batches),
			zap.Int("attempted", len(tasks)),
			zap.Int64("succeeded", succeeded),
			zap.Int64("last_id", records[len(records)-1].ID),
		)
		if records[len(records)-1].ID == math.MaxInt64 {
			break
		}
		startID = records[len(records)-1].ID + 1

		if d.lowOnSpace(log) {
			sum.StoppedLowSpace = true
			break
		}
		if len(records) < d.batchSize {
			break
		}
	}

	sum.Duration = time.Since(start)
	log.Info("download finished",
		zap.Int("batches", sum.Batches),
		zap.Int64("attempted", sum.Attempted),
		zap.Int64("succeeded", sum.Succeeded),
		zap.Int64("downloaded", sum.Downloaded),
		zap.Int64("skipped", sum.Skipped),
		zap.Int64("failed", sum.Failed),
		zap.Bool("stopped_low_space", sum.StoppedLowSpace),
		zap.Bool("interrupted", sum.Interrupted),
		zap.Duration("duration", sum.Duration),
	)
	return sum, nil
}

// runBatch hands every task to the pool and waits for all of them.
func (d *Downloader) runBatch(tasks []Task, jobs chan<- job, results <-chan result) []result {
	out := make([]result, len(tasks))
	go func() {
		for i, t := range tasks {
			jobs <- job{idx: i, task: t}
		}
	}()
	for range tasks {
		r := <-results
		out[r.idx] = r
	}
	return out
}

func (d *Downloader) lowOnSpace(log *zap.Logger) bool {
	free, err := d.freeSpace(d.imageDir)
	if err != nil {
		log.Warn("free space check failed", zap.String("path", d.imageDir), zap.Error(err))
		return false
	}
	metrics.DownloadFreeBytes.Set(float64(free))
	if free < d.minFreeBytes {
		log.Warn("free space below floor, stopping",
			zap.String("free", humanize.IBytes(free)),
			zap.String("floor", humanize.IBytes(d.minFreeBytes)),
		)
		return true
	}
	return false
}

func (d *Downloader) taskFor(r *models.ImageRecord, overwrite bool) Task {
	t := Task{
		DestinationPath: filepath.Join(d.imageDir, r.RelativePath()),
		Overwrite:       overwrite,
	}
	if r.DownloadURL != nil {
		t.URL = *r.DownloadURL
	}
	return t
}
