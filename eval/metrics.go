package eval

import (
	"imageforest/mlerr"
)

type Metrics struct {
	Precision  []float64 `json:"precision"`
	Recall     []float64 `json:"recall"`
	F1         []float64 `json:"f1"`
	Support    []int     `json:"support"`
	Accuracy   float64   `json:"accuracy"`
	MacroF1    float64   `json:"macro_f1"`
	WeightedF1 float64   `json:"weighted_f1"`
}

// CalculateMetrics derives per-class precision, recall, F1 and support.
// Accuracy is correct predictions over all counted samples.
func CalculateMetrics(cm *ConfusionMatrix) (Metrics, error) {
	if cm == nil {
		return Metrics{}, mlerr.Validation("no confusion matrix")
	}
	n := cm.NumClasses()
	for i, row := range cm.Matrix {
		if len(row) != n {
			return Metrics{}, mlerr.Validation("confusion matrix row %d has %d columns, expected %d", i, len(row), n)
		}
	}

	m := Metrics{
		Precision: make([]float64, n),
		Recall:    make([]float64, n),
		F1:        make([]float64, n),
		Support:   make([]int, n),
	}
	correct, total := 0, 0
	for i := 0; i < n; i++ {
		tp := cm.Matrix[i][i]
		fp, fn := 0, 0
		for j := 0; j < n; j++ {
			total += cm.Matrix[i][j]
			if j == i {
				continue
			}
			fp += cm.Matrix[j][i]
			fn += cm.Matrix[i][j]
		}
		correct += tp

		m.Precision[i] = ratio(tp, tp+fp)
		m.Recall[i] = ratio(tp, tp+fn)
		if p, r := m.Precision[i], m.Recall[i]; p+r > 0 {
			m.F1[i] = 2 * p * r / (p + r)
		}
		m.Support[i] = tp + fn
	}

	m.Accuracy = ratio(correct, total)
	if n > 0 {
		for i := 0; i < n; i++ {
			m.MacroF1 += m.F1[i]
			if total > 0 {
				m.WeightedF1 += m.F1[i] * float64(m.Support[i]) / float64(total)
			}
		}
		m.MacroF1 /= float64(n)
	}
	return m, nil
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Report bundles a confusion matrix with its metrics.
type Report struct {
	Confusion *ConfusionMatrix `json:"confusion"`
	Metrics   Metrics          `json:"metrics"`
	Samples   int              `json:"samples"`
}

func Evaluate(predicted [][]float64, actual []int, classNames []string) (*Report, error) {
	cm, err := GenerateConfusionMatrix(predicted, actual, classNames)
	if err != nil {
		return nil, err
	}
	metrics, err := CalculateMetrics(cm)
	if err != nil {
		return nil, err
	}
	return &Report{Confusion: cm, Metrics: metrics, Samples: cm.Total()}, nil
}

func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	m := r.Metrics
	m.Precision = append([]float64(nil), m.Precision...)
	m.Recall = append([]float64(nil), m.Recall...)
	m.F1 = append([]float64(nil), m.F1...)
	m.Support = append([]int(nil), m.Support...)
	return &Report{Confusion: r.Confusion.Clone(), Metrics: m, Samples: r.Samples}
}
