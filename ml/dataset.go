package ml

import (
	"imageforest/mlerr"
)

type LabeledSample struct {
	Features []float64
	Label    int
}

// Dataset is an immutable collection of samples sharing one feature length.
type Dataset struct {
	samples    []LabeledSample
	numClasses int
	featureLen int
}

// NewDataset copies samples. When numClasses is not positive it is inferred
// as the largest label plus one.
func NewDataset(samples []LabeledSample, numClasses int) (*Dataset, error) {
	if numClasses <= 0 {
		for _, s := range samples {
			if s.Label+1 > numClasses {
				numClasses = s.Label + 1
			}
		}
	}

	ds := &Dataset{
		samples:    make([]LabeledSample, len(samples)),
		numClasses: numClasses,
	}
	for i, s := range samples {
		if s.Label < 0 || s.Label >= numClasses {
			return nil, mlerr.Validation("sample %d: label %d out of range [0,%d)", i, s.Label, numClasses)
		}
		if i == 0 {
			ds.featureLen = len(s.Features)
			if ds.featureLen == 0 {
				return nil, mlerr.Validation("sample 0: empty feature vector")
			}
		} else if len(s.Features) != ds.featureLen {
			return nil, mlerr.Validation("sample %d: feature length %d, expected %d", i, len(s.Features), ds.featureLen)
		}
		ds.samples[i] = LabeledSample{
			Features: append([]float64(nil), s.Features...),
			Label:    s.Label,
		}
	}
	return ds, nil
}

func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.samples)
}

func (d *Dataset) NumClasses() int { return d.numClasses }

func (d *Dataset) FeatureLen() int { return d.featureLen }

// Sample returns a copy of the i-th sample.
func (d *Dataset) Sample(i int) LabeledSample {
	s := d.samples[i]
	return LabeledSample{Features: append([]float64(nil), s.Features...), Label: s.Label}
}

// Labels returns the labels in dataset order.
func (d *Dataset) Labels() []int {
	labels := make([]int, len(d.samples))
	for i, s := range d.samples {
		labels[i] = s.Label
	}
	return labels
}

func (d *Dataset) features(i int) []float64 { return d.samples[i].Features }

func (d *Dataset) label(i int) int { return d.samples[i].Label }
