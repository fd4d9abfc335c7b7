package http

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"imageforest/db"
	"imageforest/ml"
	"imageforest/monitoring"
	"imageforest/pipeline"
	"imageforest/predict"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "imageforest-http")
	if err != nil {
		panic(err)
	}
	if err := db.InitDB(filepath.Join(dir, "test.db")); err != nil {
		panic(err)
	}

	code := m.Run()

	db.Close()
	os.RemoveAll(dir)
	os.Exit(code)
}

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	fe, err := ml.NewFeatureExtractor(ml.ExtractorConfig{Resolution: 8, CacheSize: 16}, nil)
	if err != nil {
		t.Fatal(err)
	}
	registry := ml.NewRegistry(nil)
	api := &API{
		Extractor:  fe,
		Registry:   registry,
		Aggregator: predict.NewAggregator(registry, nil),
		Metrics:    monitoring.NewServiceMetrics(nil),
		Pipeline: pipeline.New(pipeline.Options{
			Extractor: fe,
			Registry:  registry,
			Trainer:   ml.TrainerConfig{NumTrees: 10},
			Seed:      42,
		}),
	}
	return NewHandler(DefaultServerConfig(), api)
}

func encodeSolid(t *testing.T, c color.RGBA) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, ml.SolidImage(4, 4, c)); err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthHandler(t *testing.T) {
	req, err := http.NewRequest("GET", "/api/health", nil)
	if err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	handler := http.HandlerFunc(handleHealth)

	handler.ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}

	expected := `{"status":"ok"}`
	if rr.Body.String() != expected+"\n" && rr.Body.String() != expected {
		t.Errorf("handler returned unexpected body: got %v want %v", rr.Body.String(), expected)
	}
}

func TestTrainThenPredict(t *testing.T) {
	h := newTestHandler(t)

	red := encodeSolid(t, color.RGBA{255, 0, 0, 255})
	blue := encodeSolid(t, color.RGBA{0, 0, 255, 255})
	req := trainRequest{ClassNames: []string{"red", "blue"}}
	for i := 0; i < 6; i++ {
		req.Samples = append(req.Samples,
			trainSample{Label: 0, Image: red},
			trainSample{Label: 1, Image: "data:image/png;base64," + blue},
		)
	}

	rr := do(t, h, "POST", "/api/train", req)
	if rr.Code != http.StatusOK {
		t.Fatalf("train returned %d: %s", rr.Code, rr.Body.String())
	}
	var outcome pipeline.Outcome
	if err := json.NewDecoder(rr.Body).Decode(&outcome); err != nil {
		t.Fatal(err)
	}
	if outcome.Samples != 12 || outcome.Summary.TreeCount != 10 {
		t.Errorf("unexpected outcome: %+v", outcome)
	}

	rr = do(t, h, "POST", "/api/predict", predictRequest{Image: red})
	if rr.Code != http.StatusOK {
		t.Fatalf("predict returned %d: %s", rr.Code, rr.Body.String())
	}
	var resp predictResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Result.Records) != len(ml.BackendKinds()) {
		t.Fatalf("expected %d records, got %d", len(ml.BackendKinds()), len(resp.Result.Records))
	}
	rec, ok := resp.Result.Get(ml.RandomForest)
	if !ok || !rec.Trained {
		t.Fatalf("random forest record missing or untrained: %+v", rec)
	}
	if rec.Predictions[0].ClassName != "red" {
		t.Errorf("expected red on top, got %+v", rec.Predictions)
	}
	if resp.Stats.TrainedModels != 1 {
		t.Errorf("expected 1 trained model, got %d", resp.Stats.TrainedModels)
	}

	rr = do(t, h, "GET", "/api/metrics", nil)
	if !strings.Contains(rr.Body.String(), `predictions_total{kind="random_forest"} 1`) {
		t.Errorf("metrics missing prediction counter:\n%s", rr.Body.String())
	}

	rr = do(t, h, "POST", "/api/models/random_forest/save", nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("save returned %d: %s", rr.Code, rr.Body.String())
	}
	var descriptor ml.Descriptor
	if err := json.NewDecoder(rr.Body).Decode(&descriptor); err != nil {
		t.Fatal(err)
	}
	if descriptor.ID != 1 || descriptor.TreeCount != 10 {
		t.Errorf("unexpected descriptor: %+v", descriptor)
	}

	rr = do(t, h, "GET", "/api/models", nil)
	var listing struct {
		Models []modelResponse `json:"models"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&listing); err != nil {
		t.Fatal(err)
	}
	forest := listing.Models[len(listing.Models)-1]
	if forest.Kind != ml.RandomForest || forest.Evaluation == nil || forest.Evaluation.Samples != 12 {
		t.Errorf("expected the forest evaluation in the listing, got %+v", forest)
	}
	if forest.Summary.OOBSamples == 0 {
		t.Errorf("expected out-of-bag samples in the summary, got %+v", forest.Summary)
	}
}

func TestPredictBatchKeepsPositions(t *testing.T) {
	h := newTestHandler(t)

	red := encodeSolid(t, color.RGBA{255, 0, 0, 255})
	rr := do(t, h, "POST", "/api/predict/batch", batchRequest{Images: []string{red, "!!", red}})
	if rr.Code != http.StatusOK {
		t.Fatalf("batch returned %d: %s", rr.Code, rr.Body.String())
	}
	var body struct {
		Items []predict.BatchItem `json:"items"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(body.Items))
	}
	for i, item := range body.Items {
		if item.Index != i {
			t.Errorf("item %d carries index %d", i, item.Index)
		}
	}
	if body.Items[1].Error == "" || body.Items[1].Result != nil {
		t.Errorf("expected item 1 to fail, got %+v", body.Items[1])
	}
	if body.Items[0].Result == nil || body.Items[2].Result == nil {
		t.Error("expected items 0 and 2 to carry results")
	}
}

func TestErrorStatusMapping(t *testing.T) {
	h := newTestHandler(t)
	garbage := base64.StdEncoding.EncodeToString([]byte("not an image"))

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"unknown kind", "POST", "/api/models/svm/save", nil, http.StatusBadRequest},
		{"untrained save", "POST", "/api/models/random_forest/save", nil, http.StatusConflict},
		{"missing image", "POST", "/api/predict", predictRequest{}, http.StatusBadRequest},
		{"undecodable image", "POST", "/api/predict", predictRequest{Image: garbage}, http.StatusUnprocessableEntity},
		{"empty training set", "POST", "/api/train", trainRequest{}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, tt.method, tt.path, tt.body)
			if rr.Code != tt.want {
				t.Errorf("got %d want %d: %s", rr.Code, tt.want, rr.Body.String())
			}
			var body map[string]string
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body["error"] == "" || body["request_id"] == "" {
				t.Errorf("expected error and request id, got %v", body)
			}
		})
	}
}

func TestModelsListsEveryKind(t *testing.T) {
	h := newTestHandler(t)

	rr := do(t, h, "GET", "/api/models", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("models returned %d", rr.Code)
	}
	var body struct {
		Models []modelResponse `json:"models"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Models) != 3 {
		t.Fatalf("expected 3 models, got %d", len(body.Models))
	}
	for i, kind := range ml.BackendKinds() {
		if body.Models[i].Kind != kind || body.Models[i].Summary.Trained {
			t.Errorf("unexpected entry %d: %+v", i, body.Models[i])
		}
	}

	rr = do(t, h, "GET", "/api/training/log", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("training log returned %d", rr.Code)
	}
}
