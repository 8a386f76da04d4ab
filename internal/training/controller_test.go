package training

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/hyperjump/tagger/internal/checkpoint"
	"github.com/hyperjump/tagger/internal/models"
)

// fakeModel remembers every id it was trained on. Its weights are that history, so a
// restored model carries exactly what was checkpointed.
type fakeModel struct {
	Trained []int64   `json:"trained"`
	Rates   []float64 `json:"rates"`

	steps    int
	failAt   int
	onStep   func(step int)
	resets   int
	exported []string
}

func (m *fakeModel) TrainStep(_ context.Context, b models.Batch) (models.StepResult, error) {
	m.steps++
	if m.onStep != nil {
		m.onStep(m.steps)
	}
	if m.failAt > 0 && m.steps == m.failAt {
		return models.StepResult{}, errors.New("nan loss")
	}
	m.Trained = append(m.Trained, b.IDs...)
	return models.StepResult{Loss: 0.5, Precision: 0.5, Recall: 0.25}, nil
}

func (m *fakeModel) SetLearningRate(rate float64) { m.Rates = append(m.Rates, rate) }
func (m *fakeModel) ResetMetrics()                { m.resets++ }
func (m *fakeModel) Save(w io.Writer) error       { return json.NewEncoder(w).Encode(m) }
func (m *fakeModel) Restore(r io.Reader) error    { return json.NewDecoder(r).Decode(m) }

func (m *fakeModel) Export(path string) error {
	m.exported = append(m.exported, filepath.Base(path))
	return os.WriteFile(path, []byte("model"), 0644)
}

type idLoader struct{}

func (idLoader) Load(_ context.Context, records []*models.ImageRecord) (models.Batch, error) {
	b := models.Batch{IDs: make([]int64, len(records)), Images: make([][]float32, len(records))}
	for i, r := range records {
		b.IDs[i] = r.ID
	}
	return b, nil
}

func makeRecords(n int) []*models.ImageRecord {
	out := make([]*models.ImageRecord, n)
	for i := range out {
		out[i] = &models.ImageRecord{ID: int64(i + 1)}
	}
	return out
}

func testOptions(exportDir string) Options {
	return Options{
		ModelType:                 "linear",
		ExportDir:                 exportDir,
		MinibatchSize:             3,
		EpochCount:                3,
		CheckpointFrequencyMB:     2,
		ConsoleLoggingFrequencyMB: 2,
		ExportModelPerEpoch:       2,
		LearningRate:              0.01,
		LearningRates:             []LearningRateStep{{Epoch: 1, Rate: 0.005}, {Epoch: 2, Rate: 0.001}},
	}
}

func runToEnd(t *testing.T, dir string, m *fakeModel, records []*models.ImageRecord) (checkpoint.State, error) {
	t.Helper()
	ckpt, err := checkpoint.Open(filepath.Join(dir, "checkpoints"))
	if err != nil {
		t.Fatalf("checkpoint.Open: %v", err)
	}
	defer ckpt.Close()
	c, err := New(m, idLoader{}, ckpt, records, testOptions(dir))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c.Run(context.Background())
}

func TestRunCompletesEveryEpochExactlyOnce(t *testing.T) {
	dir := t.TempDir()
	records := makeRecords(10)
	m := &fakeModel{}
	state, err := runToEnd(t, dir, m, records)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := checkpoint.State{UsedEpoch: 3, UsedMinibatch: 12, UsedSample: 30, Offset: 0, RandomSeed: 3}
	if state != want {
		t.Errorf("state = %+v, want %+v", state, want)
	}
	if len(m.Trained) != 30 {
		t.Fatalf("trained %d samples, want 30", len(m.Trained))
	}
	for e := 0; e < 3; e++ {
		epoch := slices.Clone(m.Trained[e*10 : (e+1)*10])
		wantOrder := Shuffle(records, int64(e))
		for i, r := range wantOrder {
			if epoch[i] != r.ID {
				t.Fatalf("epoch %d order = %v, want shuffle with seed %d", e, epoch, e)
			}
		}
		slices.Sort(epoch)
		for i, id := range epoch {
			if id != int64(i+1) {
				t.Fatalf("epoch %d ids = %v, want each id once", e, epoch)
			}
		}
	}
	if !slices.Equal(m.Rates, []float64{0.01, 0.005, 0.001}) {
		t.Errorf("rates = %v", m.Rates)
	}
	if !slices.Equal(m.exported, []string{"model-linear.e2", "model-linear"}) {
		t.Errorf("exports = %v", m.exported)
	}
	// 12 minibatches logged every 2.
	if m.resets != 6 {
		t.Errorf("ResetMetrics calls = %d, want 6", m.resets)
	}
	saved, ok, err := checkpoint.LatestState(filepath.Join(dir, "checkpoints"))
	if err != nil || !ok || saved != want {
		t.Errorf("latest checkpoint = %+v, %v, %v", saved, ok, err)
	}
}

func TestRunResumesAfterFailure(t *testing.T) {
	records := makeRecords(10)
	reference := &fakeModel{}
	if _, err := runToEnd(t, t.TempDir(), reference, records); err != nil {
		t.Fatalf("reference Run: %v", err)
	}

	// Failures at several points, including mid-slice and right after an epoch boundary.
	for _, failAt := range []int{1, 2, 3, 5, 7, 9} {
		dir := t.TempDir()
		crashed := &fakeModel{failAt: failAt}
		state, err := runToEnd(t, dir, crashed, records)
		if err == nil {
			t.Fatalf("failAt %d: expected error", failAt)
		}
		if state.Offset%6 != 0 && state.Offset != 10 {
			t.Errorf("failAt %d: returned offset %d is not a slice boundary", failAt, state.Offset)
		}

		resumed := &fakeModel{}
		final, err := runToEnd(t, dir, resumed, records)
		if err != nil {
			t.Fatalf("failAt %d: resumed Run: %v", failAt, err)
		}
		if final.UsedSample != 30 || final.UsedEpoch != 3 {
			t.Errorf("failAt %d: final state = %+v", failAt, final)
		}
		if !slices.Equal(resumed.Trained, reference.Trained) {
			t.Errorf("failAt %d: trained sequence diverged\n got %v\nwant %v", failAt, resumed.Trained, reference.Trained)
		}
	}
}

func TestRunCancelStopsAtMinibatchBoundary(t *testing.T) {
	dir := t.TempDir()
	records := makeRecords(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ckpt, err := checkpoint.Open(filepath.Join(dir, "checkpoints"))
	if err != nil {
		t.Fatal(err)
	}
	m := &fakeModel{onStep: func(step int) {
		if step == 3 {
			cancel()
		}
	}}
	c, err := New(m, idLoader{}, ckpt, records, testOptions(dir))
	if err != nil {
		t.Fatal(err)
	}
	state, err := c.Run(ctx)
	_ = ckpt.Close()
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	// Steps 1-2 form the first slice and were checkpointed; step 3 ran but is not persisted.
	if state.Offset != 6 || state.UsedMinibatch != 2 || state.UsedSample != 6 {
		t.Errorf("state = %+v", state)
	}
	if m.steps != 3 {
		t.Errorf("steps = %d, want 3", m.steps)
	}

	resumed := &fakeModel{}
	if _, err := runToEnd(t, dir, resumed, records); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(resumed.Trained) != 30 {
		t.Errorf("resumed model trained %d samples, want 30", len(resumed.Trained))
	}
}

func TestRunAlreadyComplete(t *testing.T) {
	dir := t.TempDir()
	records := makeRecords(4)
	if _, err := runToEnd(t, dir, &fakeModel{}, records); err != nil {
		t.Fatal(err)
	}
	again := &fakeModel{}
	state, err := runToEnd(t, dir, again, records)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if again.steps != 0 || state.UsedEpoch != 3 {
		t.Errorf("second run trained %d steps, state %+v", again.steps, state)
	}
	if !slices.Equal(again.exported, []string{"model-linear"}) {
		t.Errorf("exports = %v", again.exported)
	}
}

type failingLoader struct{}

func (failingLoader) Load(context.Context, []*models.ImageRecord) (models.Batch, error) {
	return models.Batch{}, os.ErrNotExist
}

func TestRunLoadFailureIsFatal(t *testing.T) {
	dir := t.TempDir()
	ckpt, err := checkpoint.Open(filepath.Join(dir, "checkpoints"))
	if err != nil {
		t.Fatal(err)
	}
	defer ckpt.Close()
	c, err := New(&fakeModel{}, failingLoader{}, ckpt, makeRecords(3), testOptions(dir))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Run(context.Background()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Run error = %v, want os.ErrNotExist", err)
	}
}

// gapLoader fails on records whose image has not been downloaded yet.
type gapLoader struct {
	missing map[int64]bool
}

func (l gapLoader) Load(ctx context.Context, records []*models.ImageRecord) (models.Batch, error) {
	for _, r := range records {
		if l.missing[r.ID] {
			return models.Batch{}, os.ErrNotExist
		}
	}
	return idLoader{}.Load(ctx, records)
}

func TestRunMissingImageResumesOverSameRecordSet(t *testing.T) {
	records := makeRecords(10)
	reference := &fakeModel{}
	if _, err := runToEnd(t, t.TempDir(), reference, records); err != nil {
		t.Fatalf("reference Run: %v", err)
	}

	dir := t.TempDir()
	run := func(m *fakeModel, loader BatchLoader) (checkpoint.State, error) {
		ckpt, err := checkpoint.Open(filepath.Join(dir, "checkpoints"))
		if err != nil {
			t.Fatalf("checkpoint.Open: %v", err)
		}
		defer ckpt.Close()
		c, err := New(m, loader, ckpt, records, testOptions(dir))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return c.Run(context.Background())
	}

	// Record 7 sits in the second slice of the first epoch.
	order := Shuffle(records, 0)
	missing := order[7].ID
	state, err := run(&fakeModel{}, gapLoader{missing: map[int64]bool{missing: true}})
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Run error = %v, want os.ErrNotExist", err)
	}
	if state.UsedEpoch != 0 || state.Offset != 6 {
		t.Errorf("state after missing image = %+v, want epoch 0 offset 6", state)
	}

	// The image arrives; the resumed run sees the same ten records in the same order.
	resumed := &fakeModel{}
	final, err := run(resumed, idLoader{})
	if err != nil {
		t.Fatalf("resumed Run: %v", err)
	}
	if final.UsedSample != 30 || final.UsedEpoch != 3 {
		t.Errorf("final state = %+v", final)
	}
	if !slices.Equal(resumed.Trained, reference.Trained) {
		t.Errorf("trained sequence diverged\n got %v\nwant %v", resumed.Trained, reference.Trained)
	}
}

func TestNewValidates(t *testing.T) {
	opts := testOptions(t.TempDir())
	if _, err := New(&fakeModel{}, idLoader{}, nil, nil, opts); !errors.Is(err, ErrNoRecords) {
		t.Errorf("New(no records) = %v, want ErrNoRecords", err)
	}
	opts.MinibatchSize = 0
	if _, err := New(&fakeModel{}, idLoader{}, nil, makeRecords(1), opts); err == nil {
		t.Error("expected error for zero minibatch size")
	}
}

func TestLearningRateFor(t *testing.T) {
	steps := []LearningRateStep{{Epoch: 0, Rate: 0.1}, {Epoch: 5, Rate: 0.01}, {Epoch: 10, Rate: 0.001}}
	tests := []struct {
		epoch int64
		want  float64
	}{
		{0, 0.1}, {4, 0.1}, {5, 0.01}, {9, 0.01}, {10, 0.001}, {100, 0.001},
	}
	for _, tt := range tests {
		if got := LearningRateFor(1, steps, tt.epoch); got != tt.want {
			t.Errorf("LearningRateFor(epoch %d) = %v, want %v", tt.epoch, got, tt.want)
		}
	}
	if got := LearningRateFor(0.5, nil, 3); got != 0.5 {
		t.Errorf("no schedule = %v, want base", got)
	}
}

func TestShuffleDeterministic(t *testing.T) {
	records := makeRecords(50)
	a := Shuffle(records, 7)
	b := Shuffle(records, 7)
	c := Shuffle(records, 8)
	same, diff := true, false
	for i := range a {
		if a[i] != b[i] {
			same = false
		}
		if a[i] != c[i] {
			diff = true
		}
	}
	if !same {
		t.Error("same seed produced different orders")
	}
	if !diff {
		t.Error("different seeds produced the same order")
	}
	for i, r := range records {
		if r.ID != int64(i+1) {
			t.Fatal("Shuffle modified its input")
		}
	}
}
