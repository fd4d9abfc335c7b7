// Package eval scores classifier output with a confusion matrix and the
// per-class metrics derived from it.
package eval

import (
	"gonum.org/v1/gonum/floats"

	"imageforest/mlerr"
)

// ConfusionMatrix rows are actual classes, columns predicted classes.
type ConfusionMatrix struct {
	ClassNames []string `json:"class_names"`
	Matrix     [][]int  `json:"matrix"`
	Skipped    int      `json:"skipped"`
}

// GenerateConfusionMatrix takes the argmax of each predicted vector as the
// predicted class. Samples whose actual or predicted class falls outside the
// class range are skipped and counted in Skipped.
func GenerateConfusionMatrix(predicted [][]float64, actual []int, classNames []string) (*ConfusionMatrix, error) {
	if len(predicted) != len(actual) {
		return nil, mlerr.Validation("predicted/actual length mismatch: %d vs %d", len(predicted), len(actual))
	}
	numClasses := len(classNames)
	cm := NewConfusionMatrix(classNames)
	for i, vector := range predicted {
		p := -1
		if len(vector) > 0 {
			p = floats.MaxIdx(vector)
		}
		a := actual[i]
		if a < 0 || a >= numClasses || p < 0 || p >= numClasses {
			cm.Skipped++
			continue
		}
		cm.Matrix[a][p]++
	}
	return cm, nil
}

func NewConfusionMatrix(classNames []string) *ConfusionMatrix {
	n := len(classNames)
	matrix := make([][]int, n)
	for i := range matrix {
		matrix[i] = make([]int, n)
	}
	return &ConfusionMatrix{
		ClassNames: append([]string(nil), classNames...),
		Matrix:     matrix,
	}
}

func (cm *ConfusionMatrix) NumClasses() int {
	if cm == nil {
		return 0
	}
	return len(cm.Matrix)
}

// Total is the number of samples counted in the matrix.
func (cm *ConfusionMatrix) Total() int {
	if cm == nil {
		return 0
	}
	total := 0
	for _, row := range cm.Matrix {
		for _, v := range row {
			total += v
		}
	}
	return total
}

func (cm *ConfusionMatrix) Clone() *ConfusionMatrix {
	if cm == nil {
		return nil
	}
	out := NewConfusionMatrix(cm.ClassNames)
	for i, row := range cm.Matrix {
		copy(out.Matrix[i], row)
	}
	out.Skipped = cm.Skipped
	return out
}
