package ml

import (
	"gonum.org/v1/gonum/floats"

	"imageforest/mlerr"
)

// PredictProbabilities returns, per class id, the fraction of trees voting
// for it.
func (f *Forest) PredictProbabilities(features []float64) ([]float64, error) {
	if err := f.checkFeatures(features); err != nil {
		return nil, err
	}
	probs := f.votes(features)
	floats.Scale(1/float64(len(f.trees)), probs)
	return probs, nil
}

// PredictClass is the majority vote, lowest class id on ties.
func (f *Forest) PredictClass(features []float64) (int, error) {
	if err := f.checkFeatures(features); err != nil {
		return 0, err
	}
	return argmax(f.votes(features)), nil
}

func (f *Forest) checkFeatures(features []float64) error {
	if len(features) != f.featureLen {
		return mlerr.Validation("feature length %d, expected %d", len(features), f.featureLen)
	}
	return nil
}

func (f *Forest) votes(features []float64) []float64 {
	votes := make([]float64, f.numClasses)
	for _, tree := range f.trees {
		votes[tree.Classify(features)]++
	}
	return votes
}

// argmax returns the first index holding the maximum.
func argmax(values []float64) int {
	if len(values) == 0 {
		return -1
	}
	return floats.MaxIdx(values)
}

func sum(values []float64) float64 {
	return floats.Sum(values)
}
