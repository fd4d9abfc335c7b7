package predict

import (
	"fmt"
	"math"
	"sort"
)

const (
	TopK         = 5
	UnknownLabel = "Unknown"
)

type Prediction struct {
	ClassName   string  `json:"class_name"`
	Probability float64 `json:"probability"`
}

// FormatPredictions pairs each probability with its class name, sorts them in
// descending order and keeps the top five. Malformed input yields a single
// placeholder entry.
func FormatPredictions(probabilities []float64, classNames []string) []Prediction {
	if len(probabilities) == 0 {
		return []Prediction{{ClassName: UnknownLabel}}
	}
	out := make([]Prediction, len(probabilities))
	for i, p := range probabilities {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return []Prediction{{ClassName: UnknownLabel}}
		}
		name := ""
		if i < len(classNames) {
			name = classNames[i]
		}
		if name == "" {
			name = fmt.Sprintf("Class %d", i)
		}
		out[i] = Prediction{ClassName: name, Probability: p}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Probability > out[j].Probability
	})
	if len(out) > TopK {
		out = out[:TopK]
	}
	return out
}
