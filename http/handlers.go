package http

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"imageforest/db"
	"imageforest/eval"
	"imageforest/ml"
	"imageforest/mlerr"
	"imageforest/monitoring"
	"imageforest/pipeline"
	"imageforest/predict"
)

// API 聚合各处理器依赖
type API struct {
	Extractor  *ml.FeatureExtractor
	Registry   *ml.Registry
	Aggregator *predict.Aggregator
	Pipeline   *pipeline.Pipeline
	Monitor    *monitoring.RealtimeMonitor
	Metrics    *monitoring.ServiceMetrics
	Logger     *zap.Logger
}

func (a *API) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}

func RegisterHandlers(mux *http.ServeMux, api *API) {
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /api/train", api.handleTrain)
	mux.HandleFunc("POST /api/predict", api.handlePredict)
	mux.HandleFunc("POST /api/predict/batch", api.handlePredictBatch)
	mux.HandleFunc("GET /api/models", api.handleModels)
	mux.HandleFunc("GET /api/models/saved", api.handleSavedModels)
	mux.HandleFunc("POST /api/models/{kind}/save", api.handleSaveModel)
	mux.HandleFunc("GET /api/training/log", handleTrainingLog)
	if api.Metrics != nil {
		mux.HandleFunc("GET /api/metrics", api.handleMetrics)
		mux.HandleFunc("GET /api/stats", api.handleStats)
	}
	if api.Monitor != nil {
		mux.HandleFunc("GET /api/ws/progress", api.Monitor.Hub().HandleWebSocket)
	}
}

type trainSample struct {
	Label int    `json:"label"`
	Image string `json:"image"`
}

type trainRequest struct {
	ClassNames []string      `json:"class_names"`
	Samples    []trainSample `json:"samples"`
}

type predictRequest struct {
	Image string `json:"image"`
}

type batchRequest struct {
	Images []string `json:"images"`
}

type predictResponse struct {
	Result *predict.Result `json:"result"`
	Stats  predict.Stats   `json:"stats"`
}

type modelResponse struct {
	Kind       ml.BackendKind `json:"kind"`
	Summary    ml.Summary     `json:"summary"`
	Evaluation *eval.Report   `json:"evaluation,omitempty"`
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (a *API) handleTrain(w http.ResponseWriter, r *http.Request) {
	var req trainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, mlerr.Validation("invalid request body: %v", err))
		return
	}

	images := make([]pipeline.LabeledImage, len(req.Samples))
	for i, s := range req.Samples {
		raw, err := decodeImageField(s.Image)
		if err != nil {
			writeError(w, r, mlerr.Validation("sample %d: %v", i, err))
			return
		}
		images[i] = pipeline.LabeledImage{Source: ml.BytesSource(raw), Label: s.Label}
	}

	outcome, err := a.Pipeline.Train(r.Context(), req.ClassNames, images)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if a.Metrics != nil {
		a.Metrics.RecordTraining(outcome.Report.Metrics.Accuracy, outcome.Samples)
	}
	respondJSON(w, outcome)
}

func (a *API) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, mlerr.Validation("invalid request body: %v", err))
		return
	}
	features, err := a.features(req.Image)
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := a.Aggregator.PredictImage(r.Context(), features)
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.recordPredictions(result)
	resp := predictResponse{Result: result, Stats: predict.GetPredictionStats(result)}
	if a.Monitor != nil {
		if err := a.Monitor.SendPrediction(resp); err != nil {
			a.logger().Debug("prediction event not delivered", zap.Error(err))
		}
	}
	respondJSON(w, resp)
}

func (a *API) handlePredictBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, mlerr.Validation("invalid request body: %v", err))
		return
	}

	items := make([]predict.BatchItem, len(req.Images))
	queries := make([][]float64, 0, len(req.Images))
	positions := make([]int, 0, len(req.Images))
	for i, image := range req.Images {
		items[i].Index = i
		features, err := a.features(image)
		if err != nil {
			items[i].Error = err.Error()
			continue
		}
		queries = append(queries, features)
		positions = append(positions, i)
	}
	for j, item := range a.Aggregator.PredictBatch(r.Context(), queries) {
		item.Index = positions[j]
		items[positions[j]] = item
		if item.Result != nil {
			a.recordPredictions(item.Result)
		}
	}
	respondJSON(w, map[string]interface{}{"items": items})
}

func (a *API) handleModels(w http.ResponseWriter, r *http.Request) {
	evaluations := a.Registry.Evaluations()
	models := make([]modelResponse, 0, len(ml.BackendKinds()))
	for _, kind := range ml.BackendKinds() {
		model, err := a.Registry.GetModel(kind)
		if err != nil {
			writeError(w, r, err)
			return
		}
		summary := model.Summarize()
		summary.Kind = kind
		models = append(models, modelResponse{Kind: kind, Summary: summary, Evaluation: evaluations[kind]})
	}
	respondJSON(w, map[string]interface{}{
		"class_names": a.Registry.ClassNames(),
		"models":      models,
	})
}

func (a *API) handleSaveModel(w http.ResponseWriter, r *http.Request) {
	kind, err := ml.ParseKind(r.PathValue("kind"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	descriptor, err := a.Registry.SaveModel(kind)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(descriptor)
}

func (a *API) handleSavedModels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]interface{}{"models": a.Registry.SavedModels()})
}

func handleTrainingLog(w http.ResponseWriter, r *http.Request) {
	logs, err := db.LoadTrainingLog()
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, map[string]interface{}{"entries": logs})
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	io.WriteString(w, a.Metrics.Collector().ExportPrometheus())
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"service": a.Metrics.GetServiceStats(),
		"system":  a.Metrics.Collector().GetSystemStats(),
	}
	if a.Monitor != nil {
		stats["monitor"] = a.Monitor.GetStats()
	}
	respondJSON(w, stats)
}

// recordPredictions counts every backend that attempted inference.
func (a *API) recordPredictions(result *predict.Result) {
	if a.Metrics == nil {
		return
	}
	for _, rec := range result.Records {
		if rec.Trained {
			a.Metrics.RecordPrediction(string(rec.Kind), rec.InferenceTime, rec.Error != "")
		}
	}
}

func (a *API) features(field string) ([]float64, error) {
	raw, err := decodeImageField(field)
	if err != nil {
		return nil, mlerr.Validation("%v", err)
	}
	return a.Extractor.ExtractSource(ml.BytesSource(raw))
}

// decodeImageField accepts raw base64 or a data URL.
func decodeImageField(field string) ([]byte, error) {
	if field == "" {
		return nil, errors.New("image is required")
	}
	if strings.HasPrefix(field, "data:") {
		if i := strings.Index(field, ","); i >= 0 {
			field = field[i+1:]
		}
	}
	raw, err := base64.StdEncoding.DecodeString(field)
	if err != nil {
		return nil, errors.New("image is not valid base64")
	}
	return raw, nil
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// writeError maps the error taxonomy onto status codes and echoes the
// request id so clients can correlate the failure with server logs.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case mlerr.IsValidation(err):
		status = http.StatusBadRequest
	case mlerr.IsDecode(err):
		status = http.StatusUnprocessableEntity
	case mlerr.IsState(err):
		status = http.StatusConflict
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]string{"error": err.Error()}
	if id := GetRequestID(r.Context()); id != "" {
		body["request_id"] = id
	}
	json.NewEncoder(w).Encode(body)
}
