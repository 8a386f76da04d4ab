package benchmark

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"testing"

	"github.com/hyperjump/tagger/internal/dataset"
	"github.com/hyperjump/tagger/internal/inference"
	"github.com/hyperjump/tagger/internal/model"
	"github.com/hyperjump/tagger/internal/models"
	"github.com/hyperjump/tagger/internal/training"
)

func BenchmarkPixels(b *testing.B) {
	src := image.NewRGBA(image.Rect(0, 0, 512, 512))
	for y := 0; y < 512; y++ {
		for x := 0; x < 512; x++ {
			src.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = dataset.Pixels(src, 64, 64)
	}
}

func BenchmarkLinearTrainStep(b *testing.B) {
	const w, h, outputs, batch = 32, 32, 100, 16
	m, err := model.New(model.Config{Type: model.TypeLinear, Optimizer: model.OptimizerMomentum, Width: w, Height: h, Outputs: outputs, LearningRate: 0.01})
	if err != nil {
		b.Fatal(err)
	}
	mb := models.Batch{Width: w, Height: h, Channels: dataset.Channels}
	for s := 0; s < batch; s++ {
		x := make([]float32, w*h*dataset.Channels)
		for i := range x {
			x[i] = float32((i+s)%7) / 7
		}
		y := make([]float32, outputs)
		y[s%outputs] = 1
		mb.Images = append(mb.Images, x)
		mb.Targets = append(mb.Targets, y)
	}
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := m.TrainStep(ctx, mb); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSelect(b *testing.B) {
	tags := make([]string, 6000)
	scores := make([]float32, len(tags))
	for i := range tags {
		tags[i] = fmt.Sprintf("tag_%d", i)
		scores[i] = float32(i%1000) / 1000
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = inference.Select(tags, scores, 0.5)
	}
}

func BenchmarkShuffle(b *testing.B) {
	records := make([]*models.ImageRecord, 100000)
	for i := range records {
		records[i] = &models.ImageRecord{ID: int64(i)}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = training.Shuffle(records, int64(i))
	}
}
