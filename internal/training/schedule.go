package training

import (
	"math/rand/v2"

	"github.com/hyperjump/tagger/internal/models"
)

// LearningRateStep switches the learning rate once the completed epoch count reaches Epoch.
type LearningRateStep struct {
	Epoch int64
	Rate  float64
}

// LearningRateFor returns the rate for an epoch: the last step whose Epoch is not past
// usedEpoch wins, in list order; base applies when none does.
func LearningRateFor(base float64, steps []LearningRateStep, usedEpoch int64) float64 {
	rate := base
	for _, s := range steps {
		if s.Epoch <= usedEpoch {
			rate = s.Rate
		}
	}
	return rate
}

// Shuffle returns a permutation of records determined by seed alone. The input is not
// modified, so resuming an epoch reproduces its order without replaying earlier epochs.
func Shuffle(records []*models.ImageRecord, seed int64) []*models.ImageRecord {
	out := make([]*models.ImageRecord, len(records))
	copy(out, records)
	r := rand.New(rand.NewPCG(uint64(seed), 0x9e3779b97f4a7c15))
	r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
