// Package builder drains a source into a fresh canonical training database.
package builder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hyperjump/tagger/internal/metrics"
	"github.com/hyperjump/tagger/internal/models"
	"github.com/hyperjump/tagger/internal/source"
	"github.com/hyperjump/tagger/internal/storage"
	"go.uber.org/zap"
)

// ErrSameSourceAndOutput is returned when the output would overwrite the source.
var ErrSameSourceAndOutput = errors.New("source and output are the same file")

// Options controls a build run.
type Options struct {
	StartID int64
	// EndID is inclusive.
	EndID      int64
	ChunkSize  int
	UseDeleted bool
	Vacuum     bool
}

// DefaultOptions covers every id with chunks of five million rows.
func DefaultOptions() Options {
	return Options{StartID: 0, EndID: math.MaxInt64, ChunkSize: 5000000}
}

// Validate rejects a non-positive chunk size and an empty id range.
func (o Options) Validate() error {
	if o.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", o.ChunkSize)
	}
	if o.EndID < o.StartID {
		return fmt.Errorf("end id %d is before start id %d", o.EndID, o.StartID)
	}
	return nil
}

// Summary reports what a run did.
type Summary struct {
	RunID    string
	Chunks   int
	Fetched  int64
	Inserted int64
	Dropped  int64
	// NextStartID is where a follow-up run would resume.
	NextStartID int64
	Duration    time.Duration
}

// RecordIndexer receives each committed chunk, e.g. to feed a search index.
type RecordIndexer interface {
	IndexRecords(ctx context.Context, records []*models.ImageRecord) error
}

// Builder copies normalized rows from a source into a store.
type Builder struct {
	src        source.Source
	out        storage.Store
	normalizer *source.Normalizer
	index      RecordIndexer
	logger     *zap.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithLogger sets a logger for per-chunk progress.
func WithLogger(l *zap.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// WithIndex feeds every committed chunk to idx.
func WithIndex(idx RecordIndexer) Option {
	return func(b *Builder) { b.index = idx }
}

// New creates a builder reading src and writing out.
func New(src source.Source, out storage.Store, opts ...Option) *Builder {
	b := &Builder{
		src:        src,
		out:        out,
		normalizer: source.NewNormalizer(src.Mapping()),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run drains the source from opts.StartID to opts.EndID. Each chunk is inserted in one
// transaction. A normalization error aborts the run; chunks already committed stay.
func (b *Builder) Run(ctx context.Context, opts Options) (Summary, error) {
	if err := opts.Validate(); err != nil {
		return Summary{}, err
	}
	sum := Summary{RunID: uuid.New().String()}
	start := time.Now()
	log := b.logger.With(zap.String("run_id", sum.RunID))
	cur := Cursor{CurrentStartID: opts.StartID, ChunkSize: opts.ChunkSize, EndID: opts.EndID}

	for !cur.Done() {
		if err := ctx.Err(); err != nil {
			sum.NextStartID = cur.CurrentStartID
			return sum, err
		}
		chunkStart := cur.CurrentStartID
		rows, err := b.src.Fetch(ctx, chunkStart, cur.ChunkSize)
		if err != nil {
			sum.NextStartID = chunkStart
			return sum, fmt.Errorf("fetch chunk at %d: %w", chunkStart, err)
		}
		if len(rows) == 0 {
			break
		}

		accepted := make([]*models.ImageRecord, 0, len(rows))
		var dropped int64
		passedEnd := false
		for _, row := range rows {
			if row.ID > cur.EndID {
				passedEnd = true
				break
			}
			rec, err := b.normalizer.Normalize(row)
			if err != nil {
				sum.NextStartID = chunkStart
				return sum, err
			}
			if rec.Deleted && !opts.UseDeleted {
				dropped++
				continue
			}
			accepted = append(accepted, rec)
		}

		if err := b.out.InsertRecords(ctx, accepted); err != nil {
			sum.NextStartID = chunkStart
			return sum, fmt.Errorf("insert chunk at %d: %w", chunkStart, err)
		}
		if b.index != nil && len(accepted) > 0 {
			if err := b.index.IndexRecords(ctx, accepted); err != nil {
				return sum, fmt.Errorf("index chunk at %d: %w", chunkStart, err)
			}
		}

		sum.Chunks++
		sum.Fetched += int64(len(rows))
		sum.Inserted += int64(len(accepted))
		sum.Dropped += dropped
		metrics.BuilderChunksTotal.Inc()
		metrics.BuilderRecordsTotal.WithLabelValues("inserted").Add(float64(len(accepted)))
		metrics.BuilderRecordsTotal.WithLabelValues("dropped").Add(float64(dropped))

		last := rows[len(rows)-1].ID
		if passedEnd {
			last = cur.EndID
		}
		cur.Advance(last)
		log.Info("chunk committed",
			zap.Int64("start_id", chunkStart),
			zap.Int("fetched", len(rows)),
			zap.Int("inserted", len(accepted)),
			zap.Int64("dropped", dropped),
			zap.Int64("next_start_id", cur.CurrentStartID),
		)
		if passedEnd || len(rows) < cur.ChunkSize {
			break
		}
	}
	sum.NextStartID = cur.CurrentStartID

	if opts.Vacuum {
		log.Info("vacuuming output")
		if err := b.out.Vacuum(ctx); err != nil {
			return sum, fmt.Errorf("vacuum: %w", err)
		}
	}
	sum.Duration = time.Since(start)
	log.Info("build finished",
		zap.Int("chunks", sum.Chunks),
		zap.Int64("fetched", sum.Fetched),
		zap.Int64("inserted", sum.Inserted),
		zap.Int64("dropped", sum.Dropped),
		zap.Duration("duration", sum.Duration),
	)
	return sum, nil
}

// Request names the source and output of a complete build.
type Request struct {
	Format     source.Format
	SourceURI  string
	OutputPath string
	Overwrite  bool
	Options    Options
}

// Build opens the source, creates the output, and runs a builder over them. The output is
// not touched when the options are invalid, when it already exists and overwrite is false,
// or when the source cannot be opened.
func Build(ctx context.Context, req Request, opts ...Option) (Summary, error) {
	if err := req.Options.Validate(); err != nil {
		return Summary{}, err
	}
	if sameFile(req.SourceURI, req.OutputPath) {
		return Summary{}, fmt.Errorf("%s: %w", req.OutputPath, ErrSameSourceAndOutput)
	}
	src, err := source.Open(ctx, req.Format, req.SourceURI, source.Options{UseDeleted: req.Options.UseDeleted})
	if err != nil {
		return Summary{}, fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	out, err := storage.Create(req.OutputPath, req.Overwrite)
	if err != nil {
		return Summary{}, err
	}
	defer out.Close()

	return New(src, out, opts...).Run(ctx, req.Options)
}

func sameFile(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA == nil && errB == nil && absA == absB {
		return true
	}
	infoA, errA := os.Stat(a)
	infoB, errB := os.Stat(b)
	return errA == nil && errB == nil && os.SameFile(infoA, infoB)
}
