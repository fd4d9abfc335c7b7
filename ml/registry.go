package ml

import (
	"io"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"imageforest/eval"
	"imageforest/mlerr"
)

// Descriptor is the record produced when a model is saved.
type Descriptor struct {
	ID        int64       `json:"id"`
	Kind      BackendKind `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	Accuracy  float64     `json:"accuracy"`
	TreeCount int         `json:"tree_count"`
}

// DescriptorSink persists saved-model descriptors.
type DescriptorSink interface {
	SaveDescriptor(d Descriptor) error
}

type DescriptorSinkFunc func(d Descriptor) error

func (f DescriptorSinkFunc) SaveDescriptor(d Descriptor) error { return f(d) }

// Registry holds at most one model per backend kind. Accessors hand out
// copies of its internal collections.
type Registry struct {
	mu          sync.RWMutex
	models      map[BackendKind]Model
	evaluations map[BackendKind]*eval.Report
	saved       []Descriptor
	nextID      int64
	classNames  []string
	sink        DescriptorSink
	logger      *zap.Logger
	now         func() time.Time
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		models:      make(map[BackendKind]Model),
		evaluations: make(map[BackendKind]*eval.Report),
		logger:      logger,
		now:         time.Now,
	}
}

func (r *Registry) SetSink(sink DescriptorSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

// SetModel installs m in the slot for kind, releasing the previous occupant.
// A nil model empties the slot.
func (r *Registry) SetModel(kind BackendKind, m Model) error {
	if _, err := ParseKind(string(kind)); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.models[kind]; ok {
		if sameModel(prev, m) {
			return nil
		}
		release(prev, kind, r.logger)
		delete(r.models, kind)
		delete(r.evaluations, kind)
	}
	if m != nil {
		r.models[kind] = m
		r.logger.Info("model installed", zap.String("kind", string(kind)), zap.Bool("trained", m.IsTrained()))
	}
	return nil
}

// sameModel reports whether a and b are the same instance. Values of
// uncomparable types are never the same.
func sameModel(a, b Model) bool {
	if a == nil || b == nil {
		return false
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

func release(m Model, kind BackendKind, logger *zap.Logger) {
	if c, ok := m.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.Warn("release previous model", zap.String("kind", string(kind)), zap.Error(err))
		}
	}
}

// GetModel returns the model for kind, or a not-trained stub when the slot
// is empty.
func (r *Registry) GetModel(kind BackendKind) (Model, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.models[kind]; ok {
		return m, nil
	}
	return untrainedModel{kind: kind}, nil
}

func (r *Registry) IsTrained(kind BackendKind) (bool, error) {
	m, err := r.GetModel(kind)
	if err != nil {
		return false, err
	}
	return m.IsTrained(), nil
}

func (r *Registry) SetEvaluation(kind BackendKind, report *eval.Report) error {
	if _, err := ParseKind(string(kind)); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluations[kind] = report.Clone()
	return nil
}

// Evaluation returns nil when kind has not been evaluated.
func (r *Registry) Evaluation(kind BackendKind) (*eval.Report, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.evaluations[kind].Clone(), nil
}

func (r *Registry) Evaluations() map[BackendKind]*eval.Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[BackendKind]*eval.Report, len(r.evaluations))
	for k, v := range r.evaluations {
		out[k] = v.Clone()
	}
	return out
}

// NormalizeClassNames trims and NFC-normalizes names into a new slice.
func NormalizeClassNames(names []string) []string {
	normalized := make([]string, len(names))
	for i, name := range names {
		normalized[i] = norm.NFC.String(strings.TrimSpace(name))
	}
	return normalized
}

// SetClassNames stores trimmed, NFC-normalized class names.
func (r *Registry) SetClassNames(names []string) {
	normalized := NormalizeClassNames(names)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classNames = normalized
}

func (r *Registry) ClassNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.classNames...)
}

// SaveModel appends a descriptor for the trained model in kind to the ledger.
func (r *Registry) SaveModel(kind BackendKind) (Descriptor, error) {
	m, err := r.GetModel(kind)
	if err != nil {
		return Descriptor{}, err
	}
	if !m.IsTrained() {
		return Descriptor{}, mlerr.State("model %s not trained", kind)
	}
	summary := m.Summarize()

	r.mu.Lock()
	defer r.mu.Unlock()
	d := Descriptor{
		ID:        r.nextID + 1,
		Kind:      kind,
		Timestamp: r.now().UTC(),
		Accuracy:  summary.Accuracy,
		TreeCount: summary.TreeCount,
	}
	if r.sink != nil {
		if err := r.sink.SaveDescriptor(d); err != nil {
			return Descriptor{}, err
		}
	}
	r.nextID = d.ID
	r.saved = append(r.saved, d)
	r.logger.Info("model saved", zap.Int64("id", d.ID), zap.String("kind", string(kind)), zap.Float64("accuracy", d.Accuracy))
	return d, nil
}

func (r *Registry) SavedModels() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Descriptor(nil), r.saved...)
}

// RestoreLedger loads previously persisted descriptors so new ids keep
// increasing across restarts.
func (r *Registry) RestoreLedger(descriptors []Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range descriptors {
		r.saved = append(r.saved, d)
		if d.ID > r.nextID {
			r.nextID = d.ID
		}
	}
}
