package predict

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"imageforest/eval"
	"imageforest/ml"
	"imageforest/mlerr"
)

type fakeModel struct {
	probs []float64
	err   error
	panic bool
}

func (f *fakeModel) IsTrained() bool { return true }

func (f *fakeModel) Predict(context.Context, []float64) ([]float64, error) {
	if f.panic {
		panic("tensor shape mismatch")
	}
	return f.probs, f.err
}

func (f *fakeModel) Evaluate(context.Context, *ml.Dataset) (*eval.Report, error) {
	return nil, errors.New("not supported")
}

func (f *fakeModel) Summarize() ml.Summary { return ml.Summary{Trained: true} }

type blockingModel struct {
	fakeModel
	entered chan struct{}
	release chan struct{}
}

func (b *blockingModel) Predict(ctx context.Context, features []float64) ([]float64, error) {
	close(b.entered)
	<-b.release
	return []float64{1, 0}, nil
}

func mustSet(t *testing.T, r *ml.Registry, kind ml.BackendKind, m ml.Model) {
	t.Helper()
	if err := r.SetModel(kind, m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPredictImageFaultIsolation(t *testing.T) {
	r := ml.NewRegistry(nil)
	r.SetClassNames([]string{"cat", "dog"})
	mustSet(t, r, ml.DenseNet, &fakeModel{err: errors.New("graph not built")})
	mustSet(t, r, ml.RandomForest, &fakeModel{probs: []float64{0.2, 0.8}})

	agg := NewAggregator(r, nil)
	result, err := agg.PredictImage(context.Background(), []float64{0.1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(result.Records))
	}

	dense, ok := result.Get(ml.DenseNet)
	if !ok || dense.Error != "graph not built" {
		t.Errorf("unexpected dense record %+v", dense)
	}
	if !reflect.DeepEqual(dense.Predictions, []Prediction{{ClassName: PredictionErrorLabel}}) {
		t.Errorf("unexpected dense predictions %+v", dense.Predictions)
	}

	conv := result.ByKind()[ml.ConvNet]
	if conv.Trained || conv.InferenceTime != 0 {
		t.Errorf("unexpected conv record %+v", conv)
	}
	if !reflect.DeepEqual(conv.Predictions, []Prediction{{ClassName: NotTrainedLabel}}) {
		t.Errorf("unexpected conv predictions %+v", conv.Predictions)
	}

	forest := result.ByKind()[ml.RandomForest]
	want := []Prediction{
		{ClassName: "dog", Probability: 0.8},
		{ClassName: "cat", Probability: 0.2},
	}
	if forest.Error != "" || !reflect.DeepEqual(forest.Predictions, want) {
		t.Errorf("unexpected forest record %+v", forest)
	}

	for i, kind := range ml.BackendKinds() {
		if result.Records[i].Kind != kind {
			t.Errorf("record %d is %s, want %s", i, result.Records[i].Kind, kind)
		}
	}
}

func TestPredictImageRecoversPanics(t *testing.T) {
	r := ml.NewRegistry(nil)
	mustSet(t, r, ml.ConvNet, &fakeModel{panic: true})
	mustSet(t, r, ml.RandomForest, &fakeModel{probs: []float64{1}})

	result, err := NewAggregator(r, nil).PredictImage(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conv := result.ByKind()[ml.ConvNet]; !strings.Contains(conv.Error, "tensor shape mismatch") {
		t.Errorf("expected recovered panic, got %q", conv.Error)
	}
	if name := result.ByKind()[ml.RandomForest].Predictions[0].ClassName; name != "Class 0" {
		t.Errorf("expected fallback class name, got %q", name)
	}
}

func TestPredictImageSingleFlight(t *testing.T) {
	r := ml.NewRegistry(nil)
	block := &blockingModel{entered: make(chan struct{}), release: make(chan struct{})}
	mustSet(t, r, ml.DenseNet, block)
	agg := NewAggregator(r, nil)

	done := make(chan error, 1)
	go func() {
		_, err := agg.PredictImage(context.Background(), []float64{1})
		done <- err
	}()
	<-block.entered

	if _, err := agg.PredictImage(context.Background(), []float64{1}); !mlerr.IsState(err) {
		t.Fatalf("expected state error, got %v", err)
	}

	close(block.release)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// guard released
	mustSet(t, r, ml.DenseNet, &fakeModel{probs: []float64{1, 0}})
	if _, err := agg.PredictImage(context.Background(), []float64{1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPredictBatchContinuesAfterFailure(t *testing.T) {
	r := ml.NewRegistry(nil)
	mustSet(t, r, ml.RandomForest, &fakeModel{probs: []float64{0.5, 0.5}})
	agg := NewAggregator(r, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	items := agg.PredictBatch(ctx, [][]float64{{1}, {2}})
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	for i, item := range items {
		if item.Index != i || item.Error != "" || item.Result == nil {
			t.Errorf("unexpected item %d: %+v", i, item)
		}
	}

	cancel()
	items = agg.PredictBatch(ctx, [][]float64{{1}})
	if items[0].Error != context.Canceled.Error() || items[0].Result != nil {
		t.Errorf("expected cancelled item, got %+v", items[0])
	}
}

func TestFormatPredictions(t *testing.T) {
	probs := []float64{0.05, 0.3, 0.1, 0.3, 0.02, 0.2, 0.03}
	names := []string{"a", "b", "", "d"}

	got := FormatPredictions(probs, names)
	want := []Prediction{
		{ClassName: "b", Probability: 0.3},
		{ClassName: "d", Probability: 0.3},
		{ClassName: "Class 5", Probability: 0.2},
		{ClassName: "Class 2", Probability: 0.1},
		{ClassName: "a", Probability: 0.05},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v\nwant %+v", got, want)
	}
	for i := 0; i < 3; i++ {
		if again := FormatPredictions(probs, names); !reflect.DeepEqual(again, got) {
			t.Fatalf("formatting is not stable: %+v", again)
		}
	}
}

func TestFormatPredictionsMalformed(t *testing.T) {
	placeholder := []Prediction{{ClassName: UnknownLabel}}
	for _, probs := range [][]float64{nil, {0.5, math.NaN()}, {math.Inf(1)}} {
		if got := FormatPredictions(probs, nil); !reflect.DeepEqual(got, placeholder) {
			t.Errorf("FormatPredictions(%v) = %+v", probs, got)
		}
	}
}

func TestGetPredictionStats(t *testing.T) {
	result := &Result{Records: []Record{
		{Kind: ml.DenseNet, Trained: true, InferenceTime: 5 * time.Millisecond,
			Predictions: []Prediction{{ClassName: "a", Probability: 0.9}}},
		{Kind: ml.ConvNet, Predictions: []Prediction{{ClassName: NotTrainedLabel}}},
		{Kind: ml.RandomForest, Trained: true, InferenceTime: 5 * time.Millisecond,
			Predictions: []Prediction{{ClassName: "b", Probability: 0.5}}},
	}}

	stats := GetPredictionStats(result)
	if stats.TrainedModels != 2 || math.Abs(stats.AverageConfidence-0.7) > 1e-9 {
		t.Errorf("unexpected stats %+v", stats)
	}
	// equal times resolve to the first backend in both directions
	if stats.Fastest != ml.DenseNet || stats.Slowest != ml.DenseNet {
		t.Errorf("unexpected fastest/slowest %s/%s", stats.Fastest, stats.Slowest)
	}

	result.Records[2].InferenceTime = time.Millisecond
	stats = GetPredictionStats(result)
	if stats.Fastest != ml.RandomForest || stats.Slowest != ml.DenseNet {
		t.Errorf("unexpected fastest/slowest %s/%s", stats.Fastest, stats.Slowest)
	}

	if got := GetPredictionStats(&Result{}); !reflect.DeepEqual(got, Stats{}) {
		t.Errorf("expected zero stats, got %+v", got)
	}
}

func TestPredictImageTimesBackends(t *testing.T) {
	r := ml.NewRegistry(nil)
	mustSet(t, r, ml.RandomForest, &fakeModel{probs: []float64{1}})
	agg := NewAggregator(r, nil)
	tick := time.Unix(0, 0)
	agg.now = func() time.Time {
		tick = tick.Add(3 * time.Millisecond)
		return tick
	}

	result, err := agg.PredictImage(context.Background(), []float64{1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec := result.ByKind()[ml.RandomForest]; rec.InferenceTime != 3*time.Millisecond {
		t.Errorf("unexpected inference time %+v", rec)
	}
}
