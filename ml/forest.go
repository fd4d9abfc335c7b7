package ml

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"imageforest/mlerr"
)

const DefaultNumTrees = 50

const (
	StageTraining   = "training"
	StageEvaluating = "evaluating"
	StageComplete   = "complete"
)

// Progress is emitted once per grown tree and at each later stage. Percent
// runs from 0 to 100 and never decreases within a run.
type Progress struct {
	RunID   string  `json:"run_id"`
	Stage   string  `json:"stage"`
	Percent float64 `json:"percent"`
	Tree    int     `json:"tree"`
	Trees   int     `json:"trees"`
}

type ProgressFunc func(Progress)

type TrainerConfig struct {
	NumTrees int
	Tree     TreeConfig
}

// Forest is immutable once built and safe for concurrent readers.
type Forest struct {
	trees       []*DecisionTree
	numClasses  int
	featureLen  int
	accuracy    float64
	oobAccuracy float64
	oobSamples  int
	trainedAt   time.Time
}

type ForestTrainer struct {
	cfg      TrainerConfig
	rnd      *rand.Rand
	logger   *zap.Logger
	inFlight atomic.Bool
}

// NewForestTrainer uses rnd for every bootstrap and split draw, so a fixed
// seed reproduces the same forest.
func NewForestTrainer(cfg TrainerConfig, rnd *rand.Rand, logger *zap.Logger) *ForestTrainer {
	if cfg.NumTrees <= 0 {
		cfg.NumTrees = DefaultNumTrees
	}
	cfg.Tree = cfg.Tree.withDefaults()
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ForestTrainer{cfg: cfg, rnd: rnd, logger: logger}
}

func (t *ForestTrainer) Config() TrainerConfig { return t.cfg }

// Train grows cfg.NumTrees trees on bootstrap samples of ds. Cancellation is
// observed between trees only.
func (t *ForestTrainer) Train(ctx context.Context, ds *Dataset, progress ProgressFunc) (*Forest, error) {
	if ds.Len() == 0 {
		return nil, mlerr.Validation("No training data available")
	}
	if !t.inFlight.CompareAndSwap(false, true) {
		return nil, mlerr.State("training already in progress")
	}
	defer t.inFlight.Store(false)

	runID := uuid.NewString()
	emit := func(stage string, percent float64, tree int) {
		if progress != nil {
			progress(Progress{RunID: runID, Stage: stage, Percent: percent, Tree: tree, Trees: t.cfg.NumTrees})
		}
	}

	n := ds.Len()
	numClasses := ds.NumClasses()
	features := make([][]float64, n)
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		features[i] = ds.features(i)
		labels[i] = ds.label(i)
	}

	start := time.Now()
	oobVotes := make([][]float64, n)
	for i := range oobVotes {
		oobVotes[i] = make([]float64, numClasses)
	}
	trees := make([]*DecisionTree, 0, t.cfg.NumTrees)
	for i := 0; i < t.cfg.NumTrees; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("training cancelled after %d trees: %w", i, err)
		}

		rows := make([]int, n)
		inBag := make([]bool, n)
		for j := range rows {
			r := t.rnd.Intn(n)
			rows[j] = r
			inBag[r] = true
		}
		tree := growTree(features, labels, rows, numClasses, t.cfg.Tree, t.rnd)
		for j := 0; j < n; j++ {
			if !inBag[j] {
				oobVotes[j][tree.Classify(features[j])]++
			}
		}
		trees = append(trees, tree)
		emit(StageTraining, float64(i+1)/float64(t.cfg.NumTrees)*90, i+1)
	}

	forest := &Forest{
		trees:      trees,
		numClasses: numClasses,
		featureLen: ds.FeatureLen(),
		trainedAt:  time.Now(),
	}

	emit(StageEvaluating, 95, t.cfg.NumTrees)
	correct := 0
	for j := 0; j < n; j++ {
		if argmax(forest.votes(features[j])) == labels[j] {
			correct++
		}
	}
	forest.accuracy = float64(correct) / float64(n)

	oobCorrect := 0
	for j := 0; j < n; j++ {
		if sum(oobVotes[j]) == 0 {
			continue
		}
		forest.oobSamples++
		if argmax(oobVotes[j]) == labels[j] {
			oobCorrect++
		}
	}
	if forest.oobSamples > 0 {
		forest.oobAccuracy = float64(oobCorrect) / float64(forest.oobSamples)
	}
	emit(StageComplete, 100, t.cfg.NumTrees)

	t.logger.Info("forest trained",
		zap.String("run_id", runID),
		zap.Int("trees", len(trees)),
		zap.Int("samples", n),
		zap.Int("classes", numClasses),
		zap.Float64("accuracy", forest.accuracy),
		zap.Float64("oob_accuracy", forest.oobAccuracy),
		zap.Duration("elapsed", time.Since(start)),
	)
	return forest, nil
}

func (f *Forest) NumTrees() int { return len(f.trees) }

func (f *Forest) NumClasses() int { return f.numClasses }

func (f *Forest) FeatureLen() int { return f.featureLen }

// Accuracy is measured on the training set itself and is optimistic.
func (f *Forest) Accuracy() float64 { return f.accuracy }

// OOBAccuracy scores each sample only with trees that did not see it.
func (f *Forest) OOBAccuracy() float64 { return f.oobAccuracy }

func (f *Forest) OOBSamples() int { return f.oobSamples }

func (f *Forest) TrainedAt() time.Time { return f.trainedAt }

func (f *Forest) Tree(i int) *DecisionTree { return f.trees[i] }
