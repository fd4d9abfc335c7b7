package predict

import (
	"time"

	"imageforest/ml"
)

type Stats struct {
	TrainedModels     int            `json:"trained_models"`
	AverageConfidence float64        `json:"average_confidence"`
	Fastest           ml.BackendKind `json:"fastest,omitempty"`
	FastestTime       time.Duration  `json:"fastest_time"`
	Slowest           ml.BackendKind `json:"slowest,omitempty"`
	SlowestTime       time.Duration  `json:"slowest_time"`
}

// GetPredictionStats summarizes trained backends. Ties on inference time go
// to the backend seen first.
func GetPredictionStats(result *Result) Stats {
	var s Stats
	if result == nil {
		return s
	}
	confident := 0
	for _, rec := range result.Records {
		if !rec.Trained {
			continue
		}
		s.TrainedModels++
		if rec.Error == "" && len(rec.Predictions) > 0 {
			s.AverageConfidence += rec.Predictions[0].Probability
			confident++
		}
		if s.Fastest == "" || rec.InferenceTime < s.FastestTime {
			s.Fastest, s.FastestTime = rec.Kind, rec.InferenceTime
		}
		if s.Slowest == "" || rec.InferenceTime > s.SlowestTime {
			s.Slowest, s.SlowestTime = rec.Kind, rec.InferenceTime
		}
	}
	if confident > 0 {
		s.AverageConfidence /= float64(confident)
	}
	return s
}
