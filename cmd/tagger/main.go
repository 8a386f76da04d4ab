// Package main is the tagger CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hyperjump/tagger/internal/builder"
	"github.com/hyperjump/tagger/internal/checkpoint"
	"github.com/hyperjump/tagger/internal/cli"
	"github.com/hyperjump/tagger/internal/config"
	"github.com/hyperjump/tagger/internal/dataset"
	"github.com/hyperjump/tagger/internal/downloader"
	"github.com/hyperjump/tagger/internal/inference"
	"github.com/hyperjump/tagger/internal/model"
	"github.com/hyperjump/tagger/internal/models"
	"github.com/hyperjump/tagger/internal/server"
	"github.com/hyperjump/tagger/internal/source"
	"github.com/hyperjump/tagger/internal/storage"
	"github.com/hyperjump/tagger/internal/tagindex"
	"github.com/hyperjump/tagger/internal/training"
	"github.com/hyperjump/tagger/internal/watcher"
	"github.com/hyperjump/tagger/pkg/utils"
	"go.uber.org/zap"
)

var version = "dev"

// evaluateCacheSize bounds the score cache of the serve command.
const evaluateCacheSize = 256

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	args := os.Args[2:]
	switch command {
	case "create-project":
		runCreateProject(args)
	case "make-training-database":
		runMakeTrainingDatabase(args)
	case "download-images":
		runDownloadImages(args)
	case "train-project":
		runTrainProject(args)
	case "evaluate":
		runEvaluate(args)
	case "serve", "server":
		runServe(args)
	case "query":
		runQuery(args)
	case "status":
		runStatus(args)
	case "version", "--version", "-v":
		fmt.Printf("tagger version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// loadProject loads and validates <dir>/project.yaml.
func loadProject(dir string) (*config.Config, error) {
	cfg, err := config.LoadProject(dir)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid project config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. debug from the flag wins over the config.
func newLogger(debug bool) *zap.Logger {
	logger, err := utils.NewLogger("tagger", debug)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	return logger
}

// parseArgs parses fs over args in which flags and positional arguments may be mixed,
// for example "tagger evaluate ./proj a.png -threshold 0.3". Positional arguments are
// returned in their original order. A dash-prefixed token that names no flag of fs is
// positional, so excluded tags such as "-monochrome" reach the command. "--" ends flags.
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}
		name, inline := flagName(a)
		if name == "" {
			positional = append(positional, a)
			continue
		}
		f := fs.Lookup(name)
		if f == nil && name != "h" && name != "help" {
			positional = append(positional, a)
			continue
		}
		flags = append(flags, a)
		if f != nil && !inline && !isBoolFlag(f) && i+1 < len(args) {
			i++
			flags = append(flags, args[i])
		}
	}
	if err := fs.Parse(flags); err != nil {
		return nil, err
	}
	return positional, nil
}

// flagName returns the name of a "-name", "--name" or "--name=value" token and whether
// the value is inline. Anything else yields "".
func flagName(arg string) (name string, inline bool) {
	if len(arg) < 2 || arg[0] != '-' {
		return "", false
	}
	name = strings.TrimPrefix(arg[1:], "-")
	if name == "" || name[0] == '-' || name[0] == '=' {
		return "", false
	}
	if i := strings.IndexByte(name, '='); i >= 0 {
		return name[:i], true
	}
	return name, false
}

func isBoolFlag(f *flag.Flag) bool {
	bf, ok := f.Value.(interface{ IsBoolFlag() bool })
	return ok && bf.IsBoolFlag()
}

// mustParseArgs is parseArgs for commands; flag errors exit.
func mustParseArgs(fs *flag.FlagSet, args []string) []string {
	positional, err := parseArgs(fs, args)
	if err != nil {
		fatalf("%v", err)
	}
	return positional
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runCreateProject(args []string) {
	fs := flag.NewFlagSet("create-project", flag.ExitOnError)
	positional := mustParseArgs(fs, args)
	if len(positional) < 1 {
		fmt.Println("Usage: tagger create-project <project-dir>")
		os.Exit(1)
	}
	if err := createProject(positional[0]); err != nil {
		fatalf("Create project failed: %v", err)
	}
	fmt.Printf("Project created: %s\n", positional[0])
	fmt.Println("Add one tag per line to tags.txt before training.")
}

// createProject writes a default project.yaml and the directories it points at.
func createProject(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	path := filepath.Join(dir, config.ProjectFileName)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s: %w", path, os.ErrExist)
	}
	cfg := config.Default()
	if err := config.Save(path, cfg); err != nil {
		return err
	}
	for _, sub := range []string{cfg.ImagePath, cfg.CheckpointPath, cfg.ExportPath} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return err
		}
	}
	return nil
}

// buildFlags are the make-training-database command line values.
type buildFlags struct {
	project    string
	format     string
	startID    int64
	endID      int64
	chunkSize  int
	useDeleted bool
	overwrite  bool
	vacuum     bool
	index      string
	debug      bool
}

func newBuildFlagSet(f *buildFlags, handling flag.ErrorHandling) *flag.FlagSet {
	fs := flag.NewFlagSet("make-training-database", handling)
	fs.StringVar(&f.project, "project", "", "project directory whose build section supplies defaults")
	fs.StringVar(&f.format, "format", string(source.Danbooru), "source format: danbooru (sqlite file) or derpibooru (postgres url)")
	fs.Int64Var(&f.startID, "start-id", 0, "first source id to copy")
	fs.Int64Var(&f.endID, "end-id", -1, "last source id to copy, inclusive (-1 = no limit)")
	fs.IntVar(&f.chunkSize, "chunk-size", builder.DefaultOptions().ChunkSize, "rows per transaction")
	fs.BoolVar(&f.useDeleted, "use-deleted", false, "keep rows flagged as deleted")
	fs.BoolVar(&f.overwrite, "overwrite", false, "replace an existing output database")
	fs.BoolVar(&f.vacuum, "vacuum", false, "VACUUM the output after the build")
	fs.StringVar(&f.index, "index", "", "also build a tag search index at this path")
	fs.BoolVar(&f.debug, "debug", false, "enable debug logging")
	return fs
}

// setFlags returns the names of the flags given on the command line.
func setFlags(fs *flag.FlagSet) map[string]bool {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

var errBuildUsage = errors.New("usage: tagger make-training-database [flags] <source> <output.sqlite>, or --project <dir> [source]")

// buildRequest resolves the source, output, and options of a build. With a project, its
// build section fills in every flag left unset, the output defaults to the project
// database, and the source to build.source_uri.
func buildRequest(f buildFlags, set map[string]bool, positional []string, cfg *config.Config) (builder.Request, error) {
	if cfg != nil {
		b := cfg.Build
		if !set["format"] && b.Source != "" {
			f.format = b.Source
		}
		if !set["chunk-size"] {
			f.chunkSize = b.ChunkSize
		}
		if !set["use-deleted"] {
			f.useDeleted = b.UseDeleted
		}
		if !set["vacuum"] {
			f.vacuum = b.Vacuum
		}
	}

	var src, out string
	switch {
	case len(positional) == 2:
		src, out = positional[0], positional[1]
	case len(positional) == 1 && cfg != nil:
		src, out = positional[0], cfg.DatabasePath
	case len(positional) == 0 && cfg != nil:
		src, out = cfg.Build.SourceURI, cfg.DatabasePath
	default:
		return builder.Request{}, errBuildUsage
	}
	if src == "" {
		return builder.Request{}, fmt.Errorf("no source given and build.source_uri is empty: %w", errBuildUsage)
	}

	format, err := source.ParseFormat(f.format)
	if err != nil {
		return builder.Request{}, err
	}
	opts := builder.DefaultOptions()
	opts.StartID = f.startID
	if f.endID >= 0 {
		opts.EndID = f.endID
	}
	opts.ChunkSize = f.chunkSize
	opts.UseDeleted = f.useDeleted
	opts.Vacuum = f.vacuum
	if err := opts.Validate(); err != nil {
		return builder.Request{}, err
	}
	return builder.Request{
		Format:     format,
		SourceURI:  src,
		OutputPath: out,
		Overwrite:  f.overwrite,
		Options:    opts,
	}, nil
}

func runMakeTrainingDatabase(args []string) {
	var f buildFlags
	fs := newBuildFlagSet(&f, flag.ExitOnError)
	positional := mustParseArgs(fs, args)

	var cfg *config.Config
	if f.project != "" {
		var err error
		if cfg, err = loadProject(f.project); err != nil {
			fatalf("Failed to load project: %v", err)
		}
	}
	req, err := buildRequest(f, setFlags(fs), positional, cfg)
	if errors.Is(err, errBuildUsage) {
		fmt.Println(err)
		os.Exit(1)
	}
	if err != nil {
		fatalf("%v", err)
	}
	logger := newLogger(f.debug || (cfg != nil && cfg.Debug))
	defer logger.Sync()

	builderOpts := []builder.Option{builder.WithLogger(logger)}
	if f.index != "" {
		if f.overwrite {
			if err := os.RemoveAll(f.index); err != nil {
				fatalf("Failed to remove index: %v", err)
			}
		}
		idx, err := tagindex.Open(f.index)
		if err != nil {
			fatalf("Failed to open index: %v", err)
		}
		defer idx.Close()
		builderOpts = append(builderOpts, builder.WithIndex(idx))
	}

	ctx, stop := signalContext()
	defer stop()
	logger.Info("building training database",
		zap.String("source", req.SourceURI),
		zap.String("output", req.OutputPath),
	)
	sum, err := builder.Build(ctx, req, builderOpts...)
	if err != nil {
		logger.Error("build failed", zap.Error(err))
		os.Exit(1)
	}
	fmt.Printf("Inserted %d of %d rows in %d chunk(s) (%s)\n",
		sum.Inserted, sum.Fetched, sum.Chunks, sum.Duration.Round(time.Millisecond))
}

func runDownloadImages(args []string) {
	fs := flag.NewFlagSet("download-images", flag.ExitOnError)
	overwrite := fs.Bool("overwrite", false, "download images that already exist")
	debug := fs.Bool("debug", false, "enable debug logging")
	cfg, err := loadProject(projectArg(mustParseArgs(fs, args)))
	if err != nil {
		fatalf("Failed to load project: %v", err)
	}
	logger := newLogger(cfg.Debug || *debug)
	defer logger.Sync()

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatal("Failed to open training database", zap.Error(err))
	}
	defer store.Close()

	d := cfg.Download
	dl := downloader.New(store, cfg.ImagePath,
		downloader.WithLogger(logger),
		downloader.WithWorkers(d.Workers),
		downloader.WithBatchSize(d.BatchSize),
		downloader.WithRetry(d.MaxRetries, d.BaseDelay),
		downloader.WithMinFreeBytes(d.MinFreeBytes),
		downloader.WithHTTPTimeout(d.Timeout),
		downloader.WithUserAgent(d.UserAgent),
	)
	ctx, stop := signalContext()
	defer stop()
	sum, err := dl.Run(ctx, *overwrite)
	if err != nil {
		logger.Fatal("Download failed", zap.Error(err))
	}
	fmt.Printf("Attempted %d, succeeded %d (%d downloaded, %d skipped), failed %d in %s\n",
		sum.Attempted, sum.Succeeded, sum.Downloaded, sum.Skipped, sum.Failed, sum.Duration.Round(time.Second))
	if sum.StoppedLowSpace {
		fmt.Println("Stopped early: free disk space is below the configured minimum.")
	}
}

func runTrainProject(args []string) {
	fs := flag.NewFlagSet("train-project", flag.ExitOnError)
	debug := fs.Bool("debug", false, "enable debug logging")
	cfg, err := loadProject(projectArg(mustParseArgs(fs, args)))
	if err != nil {
		fatalf("Failed to load project: %v", err)
	}
	logger := newLogger(cfg.Debug || *debug)
	defer logger.Sync()

	ctx, stop := signalContext()
	defer stop()
	state, err := trainProject(ctx, cfg, logger)
	if errors.Is(err, context.Canceled) {
		logger.Info("training interrupted, resume with the same command",
			zap.Int64("epoch", state.UsedEpoch),
			zap.Int64("offset", state.Offset),
		)
		return
	}
	if err != nil {
		logger.Fatal("Training failed", zap.Error(err))
	}
	fmt.Printf("Training finished: %d epoch(s), %d minibatches, %d samples\n",
		state.UsedEpoch, state.UsedMinibatch, state.UsedSample)
}

// trainProject runs or resumes the training loop of a project.
func trainProject(ctx context.Context, cfg *config.Config, logger *zap.Logger) (checkpoint.State, error) {
	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return checkpoint.State{}, fmt.Errorf("open training database: %w", err)
	}
	defer store.Close()

	records, err := store.LoadTrainingRecords(ctx, cfg.Training.MinimumTagCount)
	if err != nil {
		return checkpoint.State{}, fmt.Errorf("load records: %w", err)
	}
	tags, err := dataset.LoadTags(cfg.TagsPath)
	if err != nil {
		return checkpoint.State{}, err
	}
	vocab := dataset.NewVocabulary(tags)
	loader := dataset.NewLoader(cfg.ImagePath, vocab, cfg.Training.ImageWidth, cfg.Training.ImageHeight)

	// The record set is the database's alone, so a resumed run shuffles exactly the list
	// its checkpoint was made over. Missing images stop the run before any state changes.
	if missing := loader.Missing(records); len(missing) > 0 {
		return checkpoint.State{}, fmt.Errorf("%d of %d records have no image (first: %s); run download-images first: %w",
			len(missing), len(records), loader.Path(missing[0]), dataset.ErrImageUnavailable)
	}
	logger.Info("training data loaded",
		zap.Int("records", len(records)),
		zap.Int("tags", vocab.Len()),
	)

	m, err := model.New(modelConfig(cfg, vocab.Len()))
	if err != nil {
		return checkpoint.State{}, err
	}
	ckpt, err := checkpoint.Open(cfg.CheckpointPath,
		checkpoint.WithLogger(logger),
		checkpoint.WithKeep(cfg.Training.CheckpointsToKeep),
	)
	if err != nil {
		return checkpoint.State{}, err
	}
	defer ckpt.Close()

	if err := os.MkdirAll(cfg.ExportPath, 0755); err != nil {
		return checkpoint.State{}, err
	}
	ctrl, err := training.New(m, loader, ckpt, records, trainingOptions(cfg), training.WithLogger(logger))
	if err != nil {
		return checkpoint.State{}, err
	}
	return ctrl.Run(ctx)
}

func modelConfig(cfg *config.Config, outputs int) model.Config {
	return model.Config{
		Type:         cfg.Training.Model,
		Optimizer:    cfg.Training.Optimizer,
		Width:        cfg.Training.ImageWidth,
		Height:       cfg.Training.ImageHeight,
		Channels:     dataset.Channels,
		Outputs:      outputs,
		LearningRate: cfg.Training.LearningRate,
	}
}

func trainingOptions(cfg *config.Config) training.Options {
	t := cfg.Training
	steps := make([]training.LearningRateStep, len(t.LearningRates))
	for i, e := range t.LearningRates {
		steps[i] = training.LearningRateStep{Epoch: e.UsedEpoch, Rate: e.LearningRate}
	}
	return training.Options{
		ModelType:                 t.Model,
		ExportDir:                 cfg.ExportPath,
		MinibatchSize:             t.MinibatchSize,
		EpochCount:                t.EpochCount,
		CheckpointFrequencyMB:     t.CheckpointFrequencyMB,
		ConsoleLoggingFrequencyMB: t.ConsoleLoggingFrequencyMB,
		ExportModelPerEpoch:       t.ExportModelPerEpoch,
		LearningRate:              t.LearningRate,
		LearningRates:             steps,
	}
}

// modelPath is the model served and evaluated: the configured path, otherwise the
// final export of the training loop.
func modelPath(cfg *config.Config) string {
	if cfg.Server.ModelPath != "" {
		return cfg.Server.ModelPath
	}
	return trainingOptions(cfg).ExportPath(0)
}

// openTagger loads the project's tag list and the model at path.
func openTagger(cfg *config.Config, path string, cacheSize int) (*inference.Tagger, error) {
	tags, err := dataset.LoadTags(cfg.TagsPath)
	if err != nil {
		return nil, err
	}
	ev, err := inference.Open(path, cfg.Training.ImageWidth, cfg.Training.ImageHeight, len(tags))
	if err != nil {
		return nil, err
	}
	tg, err := inference.NewTagger(ev, tags, cacheSize)
	if err != nil {
		_ = ev.Close()
		return nil, err
	}
	return tg, nil
}

func runEvaluate(args []string) {
	fs := flag.NewFlagSet("evaluate", flag.ExitOnError)
	project := fs.String("project", ".", "project directory")
	modelFlag := fs.String("model", "", "model file (default: the project's final export)")
	threshold := fs.Float64("threshold", -1, "minimum confidence (default from config)")
	output := fs.String("output", "text", "output format: text, compact, or json")
	positional := mustParseArgs(fs, args)
	if len(positional) < 1 {
		fmt.Println("Usage: tagger evaluate [flags] <image-or-directory>...")
		os.Exit(1)
	}
	format, err := cli.ParseFormat(*output)
	if err != nil {
		fatalf("%v", err)
	}
	cfg, err := loadProject(*project)
	if err != nil {
		fatalf("Failed to load project: %v", err)
	}
	if *threshold < 0 {
		*threshold = cfg.Server.DefaultThreshold
	}
	path := *modelFlag
	if path == "" {
		path = modelPath(cfg)
	}
	tg, err := openTagger(cfg, path, 0)
	if err != nil {
		fatalf("Failed to load model: %v", err)
	}
	defer tg.Close()

	files, err := collectImages(positional)
	if err != nil {
		fatalf("%v", err)
	}
	results := evaluateFiles(context.Background(), tg, files, *threshold)
	if err := cli.WriteTagResults(os.Stdout, results, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func evaluateFiles(ctx context.Context, tg *inference.Tagger, files []string, threshold float64) []cli.FileTags {
	results := make([]cli.FileTags, 0, len(files))
	for _, f := range files {
		res := cli.FileTags{Path: f}
		tags, err := tg.TagFile(ctx, f, threshold)
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Tags = tags
		}
		results = append(results, res)
	}
	return results
}

// collectImages expands directories (not recursively) into their image files.
func collectImages(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		var found []string
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if ext, err := models.ParseExtension(filepath.Ext(e.Name())); err == nil && ext.Valid() {
				found = append(found, filepath.Join(p, e.Name()))
			}
		}
		sort.Strings(found)
		out = append(out, found...)
	}
	return out, nil
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	host := fs.String("host", "", "listen host (default from config)")
	port := fs.Int("port", 0, "listen port (default from config)")
	modelFlag := fs.String("model", "", "model file (default: the project's final export)")
	debug := fs.Bool("debug", false, "enable debug logging")
	cfg, err := loadProject(projectArg(mustParseArgs(fs, args)))
	if err != nil {
		fatalf("Failed to load project: %v", err)
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	path := *modelFlag
	if path == "" {
		path = modelPath(cfg)
	}

	logger := newLogger(cfg.Debug || *debug)
	defer logger.Sync()

	load := func() (*inference.Tagger, error) { return openTagger(cfg, path, evaluateCacheSize) }
	tg, err := load()
	if err != nil {
		logger.Fatal("Failed to load model", zap.String("path", path), zap.Error(err))
	}
	logger.Info("model loaded", zap.String("path", path))

	opts := []server.Option{server.WithLogger(logger), server.WithLoader(load)}
	if _, err := os.Stat(cfg.IndexPath); err == nil {
		idx, err := tagindex.Open(cfg.IndexPath)
		if err != nil {
			logger.Fatal("Failed to open record index", zap.Error(err))
		}
		defer idx.Close()
		store, err := storage.Open(cfg.DatabasePath)
		if err != nil {
			logger.Warn("record store unavailable, search returns ids only", zap.Error(err))
			opts = append(opts, server.WithRecordSearch(idx, nil))
		} else {
			defer store.Close()
			opts = append(opts, server.WithRecordSearch(idx, store))
		}
	}
	srv := server.NewServer(tg, &cfg.Server, opts...)

	ctx, stop := signalContext()
	defer stop()
	if cfg.Server.WatchModel {
		fw, err := watcher.New([]string{path}, func(string) {
			if err := srv.Reload(); err != nil {
				logger.Warn("model reload failed", zap.Error(err))
			}
		}, watcher.WithLogger(logger))
		if err != nil {
			logger.Fatal("Failed to create model watcher", zap.Error(err))
		}
		if err := fw.Start(ctx); err != nil {
			logger.Fatal("Failed to start model watcher", zap.Error(err))
		}
		defer fw.Stop()
	}

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()
	<-ctx.Done()

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(shutdownCtx)
	srv.Close()
}

// queryFlags are the query command line values.
type queryFlags struct {
	project string
	server  string
	all     bool
	limit   int
	offset  int
	records bool
	output  string
}

func newQueryFlagSet(f *queryFlags, handling flag.ErrorHandling) *flag.FlagSet {
	fs := flag.NewFlagSet("query", handling)
	fs.StringVar(&f.project, "project", ".", "project directory")
	fs.StringVar(&f.server, "server", "", "server URL (empty = open the project's index directly)")
	fs.BoolVar(&f.all, "all", false, "require every tag instead of any")
	fs.IntVar(&f.limit, "limit", 10, "number of results")
	fs.IntVar(&f.offset, "offset", 0, "results to skip")
	fs.BoolVar(&f.records, "records", true, "include record details")
	fs.StringVar(&f.output, "output", "text", "output format: text, compact, or json")
	return fs
}

// recordQuery joins the positional tags, excluded ones included, into a query.
func recordQuery(f queryFlags, positional []string) *models.RecordQuery {
	return &models.RecordQuery{
		Query:          strings.TrimSpace(strings.Join(positional, " ")),
		Limit:          f.limit,
		Offset:         f.offset,
		MatchAll:       f.all,
		IncludeRecords: f.records,
	}
}

func runQuery(args []string) {
	var f queryFlags
	fs := newQueryFlagSet(&f, flag.ExitOnError)
	positional := mustParseArgs(fs, args)
	q := recordQuery(f, positional)
	if err := q.Validate(); err != nil {
		fmt.Println("Usage: tagger query [flags] <tag> [-excluded_tag]...")
		os.Exit(1)
	}
	format, err := cli.ParseFormat(f.output)
	if err != nil {
		fatalf("%v", err)
	}

	var resp *models.RecordSearchResponse
	if f.server != "" {
		resp, err = queryViaHTTP(f.server, q)
	} else {
		resp, err = queryDirect(context.Background(), f.project, q)
	}
	if err != nil {
		fatalf("Query failed: %v", err)
	}
	if err := cli.WriteRecordResults(os.Stdout, resp, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func queryDirect(ctx context.Context, project string, q *models.RecordQuery) (*models.RecordSearchResponse, error) {
	cfg, err := loadProject(project)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.IndexPath); err != nil {
		return nil, fmt.Errorf("no record index at %s (build one with make-training-database --index)", cfg.IndexPath)
	}
	idx, err := tagindex.Open(cfg.IndexPath)
	if err != nil {
		return nil, err
	}
	defer idx.Close()
	resp, err := idx.Search(ctx, q)
	if err != nil || !q.IncludeRecords {
		return resp, err
	}
	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return resp, nil
	}
	defer store.Close()
	for _, h := range resp.Hits {
		if rec, err := store.GetRecord(ctx, h.ID); err == nil {
			h.Record = rec
		}
	}
	return resp, nil
}

func queryViaHTTP(serverURL string, q *models.RecordQuery) (*models.RecordSearchResponse, error) {
	v := url.Values{}
	v.Set("q", q.Query)
	v.Set("limit", strconv.Itoa(q.Limit))
	v.Set("offset", strconv.Itoa(q.Offset))
	v.Set("all", strconv.FormatBool(q.MatchAll))
	v.Set("records", strconv.FormatBool(q.IncludeRecords))
	resp, err := http.Get(serverURL + "/api/v1/records/search?" + v.Encode())
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	var out models.RecordSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// statusResponse is what the status command reports.
type statusResponse struct {
	Records         int64             `json:"records"`
	Tags            int               `json:"tags"`
	Images          int64             `json:"images"`
	ImageBytes      int64             `json:"image_bytes"`
	CheckpointBytes int64             `json:"checkpoint_bytes"`
	Checkpoint      *checkpoint.State `json:"checkpoint,omitempty"`
	EpochCount      int64             `json:"epoch_count"`
	ModelPath       string            `json:"model_path"`
	ModelExists     bool              `json:"model_exists"`
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	output := fs.String("output", "text", "output format: text or json")
	cfg, err := loadProject(projectArg(mustParseArgs(fs, args)))
	if err != nil {
		fatalf("Failed to load project: %v", err)
	}
	status, err := projectStatus(context.Background(), cfg)
	if err != nil {
		fatalf("Status failed: %v", err)
	}
	switch *output {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			fatalf("Output failed: %v", err)
		}
	case "text":
		writeStatusText(os.Stdout, status)
	default:
		fatalf("Unknown output format %q; use text or json", *output)
	}
}

func projectStatus(ctx context.Context, cfg *config.Config) (*statusResponse, error) {
	status := &statusResponse{EpochCount: cfg.Training.EpochCount, ModelPath: modelPath(cfg)}
	if store, err := storage.Open(cfg.DatabasePath); err == nil {
		n, err := store.CountRecords(ctx)
		store.Close()
		if err != nil {
			return nil, err
		}
		status.Records = n
	}
	if tags, err := dataset.LoadTags(cfg.TagsPath); err == nil {
		status.Tags = len(tags)
	}
	images, err := storage.DiskUsage(cfg.ImagePath)
	if err != nil {
		return nil, err
	}
	status.Images, status.ImageBytes = images.Files, images.Bytes
	ckpts, err := storage.DiskUsage(cfg.CheckpointPath)
	if err != nil {
		return nil, err
	}
	status.CheckpointBytes = ckpts.Bytes
	state, ok, err := checkpoint.LatestState(cfg.CheckpointPath)
	if err != nil {
		return nil, err
	}
	if ok {
		status.Checkpoint = &state
	}
	_, err = os.Stat(status.ModelPath)
	status.ModelExists = err == nil
	return status, nil
}

func writeStatusText(w io.Writer, s *statusResponse) {
	fmt.Fprintf(w, "records:           %d\n", s.Records)
	fmt.Fprintf(w, "tags:              %d\n", s.Tags)
	fmt.Fprintf(w, "images:            %d (%s)\n", s.Images, humanize.IBytes(uint64(s.ImageBytes)))
	fmt.Fprintf(w, "checkpoints:       %s\n", humanize.IBytes(uint64(s.CheckpointBytes)))
	if s.Checkpoint != nil {
		fmt.Fprintf(w, "epoch:             %d / %d\n", s.Checkpoint.UsedEpoch, s.EpochCount)
		fmt.Fprintf(w, "minibatches:       %d\n", s.Checkpoint.UsedMinibatch)
		fmt.Fprintf(w, "samples:           %d\n", s.Checkpoint.UsedSample)
		fmt.Fprintf(w, "offset:            %d\n", s.Checkpoint.Offset)
	} else {
		fmt.Fprintln(w, "epoch:             not started")
	}
	model := "missing"
	if s.ModelExists {
		model = "present"
	}
	fmt.Fprintf(w, "model:             %s (%s)\n", s.ModelPath, model)
}

// projectArg is the first positional argument, or the current directory.
func projectArg(positional []string) string {
	if len(positional) > 0 {
		return positional[0]
	}
	return "."
}

func printUsage() {
	fmt.Println(`tagger - image tagging training pipeline

Usage:
  tagger create-project <dir>                          Create a project with default settings
  tagger make-training-database [flags] <src> <out>    Build the training database from a source dump
  tagger make-training-database --project <dir> [src] Build the project database from its build settings
  tagger download-images [flags] [project]             Download images of the training database
  tagger train-project [flags] [project]               Train or resume training
  tagger evaluate [flags] <image-or-dir>...            Print tags of images
  tagger serve [flags] [project]                       Start the HTTP evaluation server
  tagger query [flags] <tag>...                        Search training records by tag
  tagger status [flags] [project]                      Show database, image and checkpoint status
  tagger version                                       Show version
  tagger help                                          Show this help

make-training-database Flags:
  --project string   Project whose build section and database path supply defaults
  --format string    danbooru (sqlite path) or derpibooru (postgres url) (default: danbooru)
  --start-id int     First id to copy (default: 0)
  --end-id int       Last id to copy, inclusive (default: no limit)
  --chunk-size int   Rows per transaction (default: 5000000)
  --use-deleted      Keep deleted rows
  --overwrite        Replace an existing output database
  --vacuum           VACUUM the output when done
  --index string     Also build a tag search index

download-images Flags:
  --overwrite        Download images that already exist

evaluate Flags:
  --project string   Project directory (default: .)
  --model string     Model file (default: <export_path>/model-<model>)
  --threshold float  Minimum confidence (default: server.default_threshold)
  --output string    text, compact or json (default: text)

serve Flags:
  --host string      Listen host (default: server.host)
  --port int         Listen port (default: server.port)
  --model string     Model file (default: <export_path>/model-<model>)

query Flags:
  --project string   Project directory (default: .)
  --server string    Query a running server instead of the index on disk
  --all              Require every tag
  --limit int        Number of results (default: 10)
  --output string    text, compact or json (default: text)
  Tags starting with '-' are excluded. Put tags after "--" when one collides with a flag name.

Flags may come before or after positional arguments.

Examples:
  tagger create-project ./anime
  tagger make-training-database --index ./anime/index/records.bleve danbooru.sqlite ./anime/training.sqlite
  tagger download-images ./anime
  tagger train-project ./anime
  tagger evaluate --project ./anime --threshold 0.3 ./pictures
  tagger serve --port 5000 ./anime
  tagger query --project ./anime 1girl solo -monochrome`)
}
