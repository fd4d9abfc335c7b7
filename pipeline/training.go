// Package pipeline turns labeled images into a trained, evaluated forest
// installed in the model registry.
package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"imageforest/db"
	"imageforest/eval"
	"imageforest/ml"
	"imageforest/mlerr"
)

type LabeledImage struct {
	Source ml.ImageSource
	Label  int
}

type TrainingLogSink func(entry db.TrainingLog) error

type Options struct {
	Extractor   *ml.FeatureExtractor
	Registry    *ml.Registry
	Logger      *zap.Logger
	Trainer     ml.TrainerConfig
	Seed        int64
	Progress    ml.ProgressFunc
	TrainingLog TrainingLogSink
}

type Outcome struct {
	Summary ml.Summary   `json:"summary"`
	Report  *eval.Report `json:"report"`
	Samples int          `json:"samples"`
	Failed  []int        `json:"failed,omitempty"`
}

type Pipeline struct {
	extractor   *ml.FeatureExtractor
	registry    *ml.Registry
	logger      *zap.Logger
	progress    ml.ProgressFunc
	trainingLog TrainingLogSink
	inFlight    atomic.Bool

	mu      sync.RWMutex
	trainer ml.TrainerConfig
	seed    int64
}

func New(opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Pipeline{
		extractor:   opts.Extractor,
		registry:    opts.Registry,
		logger:      opts.Logger,
		progress:    opts.Progress,
		trainingLog: opts.TrainingLog,
		trainer:     opts.Trainer,
		seed:        opts.Seed,
	}
}

// SetTrainerConfig applies to the next training run.
func (p *Pipeline) SetTrainerConfig(cfg ml.TrainerConfig, seed int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trainer = cfg
	p.seed = seed
	p.logger.Info("trainer config updated", zap.Int("num_trees", cfg.NumTrees), zap.Int("max_depth", cfg.Tree.MaxDepth))
}

func (p *Pipeline) trainerConfig() (ml.TrainerConfig, int64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.trainer, p.seed
}

// BuildDataset extracts features for every image. Images that cannot be
// decoded contribute a zero vector and are listed in failed.
func (p *Pipeline) BuildDataset(ctx context.Context, images []LabeledImage, numClasses int) (*ml.Dataset, []int, error) {
	sources := make([]ml.ImageSource, len(images))
	for i, img := range images {
		sources[i] = img.Source
	}
	vectors, failed, err := p.extractor.ExtractBatch(ctx, sources)
	if err != nil {
		return nil, nil, err
	}
	samples := make([]ml.LabeledSample, len(images))
	for i, img := range images {
		samples[i] = ml.LabeledSample{Features: vectors[i], Label: img.Label}
	}
	ds, err := ml.NewDataset(samples, numClasses)
	if err != nil {
		return nil, nil, err
	}
	return ds, failed, nil
}

// Train runs extraction, training and evaluation, then installs the forest
// in the registry. Only one run may be active at a time.
func (p *Pipeline) Train(ctx context.Context, classNames []string, images []LabeledImage) (*Outcome, error) {
	if len(images) == 0 {
		return nil, mlerr.Validation("No training data available")
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		return nil, mlerr.State("training already in progress")
	}
	defer p.inFlight.Store(false)

	start := time.Now()
	ds, failed, err := p.BuildDataset(ctx, images, len(classNames))
	if err != nil {
		return nil, fmt.Errorf("build dataset: %w", err)
	}

	cfg, seed := p.trainerConfig()
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	trainer := ml.NewForestTrainer(cfg, rand.New(rand.NewSource(seed)), p.logger)
	forest, err := trainer.Train(ctx, ds, p.progress)
	if err != nil {
		return nil, fmt.Errorf("train forest: %w", err)
	}

	names := ml.NormalizeClassNames(classNames)
	model := ml.NewForestModel(forest, names)
	report, err := model.Evaluate(ctx, ds)
	if err != nil {
		return nil, fmt.Errorf("evaluate forest: %w", err)
	}
	// the registry only changes once the run has fully succeeded
	if err := p.registry.SetModel(ml.RandomForest, model); err != nil {
		return nil, err
	}
	if err := p.registry.SetEvaluation(ml.RandomForest, report); err != nil {
		return nil, err
	}
	p.registry.SetClassNames(names)

	if p.trainingLog != nil {
		entry := db.TrainingLog{
			ModelName:  string(ml.RandomForest),
			Accuracy:   report.Metrics.Accuracy,
			Precision:  mean(report.Metrics.Precision),
			Recall:     mean(report.Metrics.Recall),
			F1:         report.Metrics.MacroF1,
			TrainedAt:  forest.TrainedAt(),
			DataPoints: ds.Len(),
		}
		if err := p.trainingLog(entry); err != nil {
			p.logger.Warn("training log not recorded", zap.Error(err))
		}
	}

	p.logger.Info("training pipeline finished",
		zap.Int("samples", ds.Len()),
		zap.Int("failed", len(failed)),
		zap.Float64("accuracy", report.Metrics.Accuracy),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &Outcome{Summary: model.Summarize(), Report: report, Samples: ds.Len(), Failed: failed}, nil
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}
