package models

// Batch is one minibatch handed to a model's training step.
// Images are HWC float32 in [0, 1]; Targets are multi-hot vectors over the tag vocabulary.
type Batch struct {
	IDs      []int64
	Width    int
	Height   int
	Channels int
	Images   [][]float32
	Targets  [][]float32
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.Images)
}

// StepResult is what a training step reports back.
type StepResult struct {
	Loss      float64
	Precision float64
	Recall    float64
}

// F1 is the harmonic mean of precision and recall, 0 when both are 0.
func F1(precision, recall float64) float64 {
	if precision+recall == 0 {
		return 0
	}
	return 2 * precision * recall / (precision + recall)
}
