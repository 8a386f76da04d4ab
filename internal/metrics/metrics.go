// Package metrics defines Prometheus metrics for tagger.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	BuilderRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagger_builder_records_total",
			Help: "Source rows processed by the training database builder, by outcome",
		},
		[]string{"outcome"},
	)

	BuilderChunksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tagger_builder_chunks_total",
			Help: "Chunks committed to the canonical store",
		},
	)

	DownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagger_downloads_total",
			Help: "Image download tasks, by outcome",
		},
		[]string{"outcome"},
	)

	DownloadRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tagger_download_retries_total",
			Help: "Retries issued after rate-limited responses",
		},
	)

	DownloadFreeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tagger_download_free_bytes",
			Help: "Free bytes on the image filesystem at the last admission check",
		},
	)

	TrainingMinibatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tagger_training_minibatches_total",
			Help: "Minibatches trained in this process",
		},
	)

	TrainingSamplesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tagger_training_samples_total",
			Help: "Samples trained in this process",
		},
	)

	TrainingLoss = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tagger_training_loss",
			Help: "Average loss over the last logging window",
		},
	)

	TrainingEpoch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tagger_training_epoch",
			Help: "Completed training epochs",
		},
	)

	CheckpointsSavedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tagger_checkpoints_saved_total",
			Help: "Training checkpoints written",
		},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tagger_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	EvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagger_evaluations_total",
			Help: "Images evaluated by the inference server, by outcome",
		},
		[]string{"outcome"},
	)

	ModelReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagger_model_reloads_total",
			Help: "Model hot reloads, by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		BuilderRecordsTotal, BuilderChunksTotal,
		DownloadsTotal, DownloadRetriesTotal, DownloadFreeBytes,
		TrainingMinibatchesTotal, TrainingSamplesTotal, TrainingLoss, TrainingEpoch,
		CheckpointsSavedTotal,
		RequestDuration, EvaluationsTotal, ModelReloadsTotal,
	)
}
