// Package predict fans a query out to every registered backend and shapes
// the combined result.
package predict

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"imageforest/ml"
	"imageforest/mlerr"
)

const (
	NotTrainedLabel      = "Model not trained"
	PredictionErrorLabel = "Prediction Error"
)

// Record is the outcome for one backend.
type Record struct {
	Kind          ml.BackendKind `json:"kind"`
	Trained       bool           `json:"trained"`
	Predictions   []Prediction   `json:"predictions"`
	InferenceTime time.Duration  `json:"inference_time"`
	Error         string         `json:"error,omitempty"`
}

// Result holds one record per backend kind in enumeration order.
type Result struct {
	Records []Record `json:"records"`
}

func (r *Result) Get(kind ml.BackendKind) (Record, bool) {
	for _, rec := range r.Records {
		if rec.Kind == kind {
			return rec, true
		}
	}
	return Record{}, false
}

// ByKind indexes the records by backend kind.
func (r *Result) ByKind() map[ml.BackendKind]Record {
	out := make(map[ml.BackendKind]Record, len(r.Records))
	for _, rec := range r.Records {
		out[rec.Kind] = rec
	}
	return out
}

type Aggregator struct {
	registry *ml.Registry
	logger   *zap.Logger
	inFlight atomic.Bool
	now      func() time.Time
}

func NewAggregator(registry *ml.Registry, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{registry: registry, logger: logger, now: time.Now}
}

// PredictImage queries every backend. Only one call may be in flight per
// aggregator; overlapping calls fail with a StateError.
func (a *Aggregator) PredictImage(ctx context.Context, features []float64) (*Result, error) {
	if !a.inFlight.CompareAndSwap(false, true) {
		return nil, mlerr.State("prediction already in progress")
	}
	defer a.inFlight.Store(false)
	return a.predict(ctx, features), nil
}

func (a *Aggregator) predict(ctx context.Context, features []float64) *Result {
	classNames := a.registry.ClassNames()
	result := &Result{}
	for _, kind := range ml.BackendKinds() {
		model, err := a.registry.GetModel(kind)
		if err != nil || !model.IsTrained() {
			result.Records = append(result.Records, Record{
				Kind:        kind,
				Predictions: []Prediction{{ClassName: NotTrainedLabel}},
			})
			continue
		}

		start := a.now()
		probs, err := safePredict(ctx, model, features)
		elapsed := a.now().Sub(start)
		if err != nil {
			a.logger.Warn("backend prediction failed", zap.String("kind", string(kind)), zap.Error(err))
			result.Records = append(result.Records, Record{
				Kind:          kind,
				Trained:       true,
				Predictions:   []Prediction{{ClassName: PredictionErrorLabel}},
				InferenceTime: elapsed,
				Error:         err.Error(),
			})
			continue
		}
		result.Records = append(result.Records, Record{
			Kind:          kind,
			Trained:       true,
			Predictions:   FormatPredictions(probs, classNames),
			InferenceTime: elapsed,
		})
	}
	return result
}

func safePredict(ctx context.Context, model ml.Model, features []float64) (probs []float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backend panicked: %v", r)
		}
	}()
	return model.Predict(ctx, features)
}

// BatchItem is the outcome for one query of a batch.
type BatchItem struct {
	Index  int     `json:"index"`
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// PredictBatch runs PredictImage over queries in order. A failing query is
// recorded in its item and does not stop the rest.
func (a *Aggregator) PredictBatch(ctx context.Context, queries [][]float64) []BatchItem {
	items := make([]BatchItem, len(queries))
	for i, q := range queries {
		items[i].Index = i
		if err := ctx.Err(); err != nil {
			items[i].Error = err.Error()
			continue
		}
		result, err := a.PredictImage(ctx, q)
		if err != nil {
			items[i].Error = err.Error()
			continue
		}
		items[i].Result = result
	}
	return items
}
