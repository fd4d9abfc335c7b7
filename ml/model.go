package ml

import (
	"context"
	"fmt"
	"time"

	"imageforest/eval"
	"imageforest/mlerr"
)

type BackendKind string

const (
	DenseNet     BackendKind = "dense_net"
	ConvNet      BackendKind = "conv_net"
	RandomForest BackendKind = "random_forest"
)

var backendKinds = []BackendKind{DenseNet, ConvNet, RandomForest}

// BackendKinds returns every backend in its fixed enumeration order.
func BackendKinds() []BackendKind {
	return append([]BackendKind(nil), backendKinds...)
}

func ParseKind(s string) (BackendKind, error) {
	for _, k := range backendKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", mlerr.Validation("unknown model type: %q", s)
}

// Model is the contract every backend satisfies, whether implemented here
// or by an external framework.
type Model interface {
	IsTrained() bool
	Predict(ctx context.Context, features []float64) ([]float64, error)
	Evaluate(ctx context.Context, ds *Dataset) (*eval.Report, error)
	Summarize() Summary
}

type Summary struct {
	Kind        BackendKind `json:"kind"`
	Trained     bool        `json:"trained"`
	Accuracy    float64     `json:"accuracy"`
	OOBAccuracy float64     `json:"oob_accuracy,omitempty"`
	OOBSamples  int         `json:"oob_samples,omitempty"`
	TreeCount   int         `json:"tree_count,omitempty"`
	NodeCount   int         `json:"node_count,omitempty"`
	MaxDepth    int         `json:"max_depth,omitempty"`
	NumClasses  int         `json:"num_classes"`
	FeatureLen  int         `json:"feature_len"`
	TrainedAt   time.Time   `json:"trained_at,omitempty"`
}

type untrainedModel struct {
	kind BackendKind
}

func (m untrainedModel) IsTrained() bool { return false }

func (m untrainedModel) Predict(context.Context, []float64) ([]float64, error) {
	return nil, mlerr.State("model %s not trained", m.kind)
}

func (m untrainedModel) Evaluate(context.Context, *Dataset) (*eval.Report, error) {
	return nil, mlerr.State("model %s not trained", m.kind)
}

func (m untrainedModel) Summarize() Summary {
	return Summary{Kind: m.kind}
}

// ForestModel exposes a Forest through the Model contract.
type ForestModel struct {
	forest     *Forest
	classNames []string
}

func NewForestModel(forest *Forest, classNames []string) *ForestModel {
	return &ForestModel{forest: forest, classNames: append([]string(nil), classNames...)}
}

func (m *ForestModel) Forest() *Forest { return m.forest }

func (m *ForestModel) IsTrained() bool { return m != nil && m.forest != nil }

func (m *ForestModel) Predict(ctx context.Context, features []float64) ([]float64, error) {
	if !m.IsTrained() {
		return nil, mlerr.State("model %s not trained", RandomForest)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.forest.PredictProbabilities(features)
}

func (m *ForestModel) Evaluate(ctx context.Context, ds *Dataset) (*eval.Report, error) {
	if !m.IsTrained() {
		return nil, mlerr.State("model %s not trained", RandomForest)
	}
	if ds.Len() == 0 {
		return nil, mlerr.Validation("No evaluation data available")
	}
	predicted := make([][]float64, ds.Len())
	for i := 0; i < ds.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("evaluation cancelled after %d samples: %w", i, err)
		}
		probs, err := m.forest.PredictProbabilities(ds.features(i))
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		predicted[i] = probs
	}
	return eval.Evaluate(predicted, ds.Labels(), m.names())
}

func (m *ForestModel) Summarize() Summary {
	s := Summary{Kind: RandomForest, Trained: m.IsTrained()}
	if !s.Trained {
		return s
	}
	f := m.forest
	s.Accuracy = f.Accuracy()
	s.OOBAccuracy = f.OOBAccuracy()
	s.OOBSamples = f.OOBSamples()
	s.TreeCount = f.NumTrees()
	s.NumClasses = f.NumClasses()
	s.FeatureLen = f.FeatureLen()
	s.TrainedAt = f.TrainedAt()
	for _, tree := range f.trees {
		s.NodeCount += tree.NodeCount()
		if d := tree.Depth(); d > s.MaxDepth {
			s.MaxDepth = d
		}
	}
	return s
}

func (m *ForestModel) names() []string {
	names := make([]string, m.forest.NumClasses())
	for i := range names {
		if i < len(m.classNames) && m.classNames[i] != "" {
			names[i] = m.classNames[i]
		} else {
			names[i] = fmt.Sprintf("Class %d", i)
		}
	}
	return names
}
