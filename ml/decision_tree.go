package ml

import (
	"math"
	"math/rand"
)

const (
	DefaultMaxDepth      = 10
	DefaultMaxThresholds = 5
)

type NodeKind uint8

const (
	LeafNode NodeKind = iota
	SplitNode
)

// TreeNode is either a leaf (ClassLabel, Count, Distribution) or a split
// (FeatureIdx, Threshold, LeftChild, RightChild). Children always live at a
// higher arena index than their parent.
type TreeNode struct {
	Kind         NodeKind    `json:"kind"`
	FeatureIdx   int         `json:"feature_idx"`
	Threshold    float64     `json:"threshold"`
	LeftChild    int         `json:"left_child"`
	RightChild   int         `json:"right_child"`
	ClassLabel   int         `json:"class_label"`
	Count        int         `json:"count"`
	Distribution map[int]int `json:"distribution,omitempty"`
}

type TreeConfig struct {
	MaxDepth      int
	MaxThresholds int
}

func (c TreeConfig) withDefaults() TreeConfig {
	if c.MaxDepth <= 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.MaxThresholds <= 0 {
		c.MaxThresholds = DefaultMaxThresholds
	}
	return c
}

type DecisionTree struct {
	nodes []TreeNode
}

// growTree induces a tree over the given rows of features/labels. Rows may
// repeat, which is how bootstrap samples are expressed.
func growTree(features [][]float64, labels []int, rows []int, numClasses int, cfg TreeConfig, rnd *rand.Rand) *DecisionTree {
	b := &treeBuilder{
		features:   features,
		labels:     labels,
		numClasses: numClasses,
		cfg:        cfg.withDefaults(),
		rnd:        rnd,
	}
	if len(features) > 0 {
		b.numFeatures = len(features[0])
	}
	b.induce(rows, 0)
	return &DecisionTree{nodes: b.nodes}
}

// Classify walks from the root to a leaf and returns its label. The caller
// guarantees len(features) covers every split index.
func (t *DecisionTree) Classify(features []float64) int {
	idx := 0
	for {
		node := &t.nodes[idx]
		if node.Kind == LeafNode {
			return node.ClassLabel
		}
		if features[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
	}
}

func (t *DecisionTree) NodeCount() int { return len(t.nodes) }

func (t *DecisionTree) LeafCount() int {
	leaves := 0
	for _, n := range t.nodes {
		if n.Kind == LeafNode {
			leaves++
		}
	}
	return leaves
}

// Depth is the number of edges on the longest root-to-leaf path.
func (t *DecisionTree) Depth() int {
	depths := make([]int, len(t.nodes))
	max := 0
	for i, n := range t.nodes {
		if depths[i] > max {
			max = depths[i]
		}
		if n.Kind == SplitNode {
			depths[n.LeftChild] = depths[i] + 1
			depths[n.RightChild] = depths[i] + 1
		}
	}
	return max
}

// Nodes returns a copy of the arena.
func (t *DecisionTree) Nodes() []TreeNode {
	nodes := make([]TreeNode, len(t.nodes))
	for i, n := range t.nodes {
		nodes[i] = n
		if n.Distribution != nil {
			nodes[i].Distribution = make(map[int]int, len(n.Distribution))
			for k, v := range n.Distribution {
				nodes[i].Distribution[k] = v
			}
		}
	}
	return nodes
}

type treeBuilder struct {
	features    [][]float64
	labels      []int
	numClasses  int
	numFeatures int
	cfg         TreeConfig
	rnd         *rand.Rand
	nodes       []TreeNode
}

func (b *treeBuilder) induce(rows []int, depth int) int {
	counts := b.classCounts(rows)
	if len(rows) == 0 || depth >= b.cfg.MaxDepth || isPure(counts) {
		return b.leaf(rows, counts)
	}

	feature, threshold, ok := b.findBestSplit(rows, counts)
	if !ok {
		return b.leaf(rows, counts)
	}

	left := make([]int, 0, len(rows))
	right := make([]int, 0, len(rows))
	for _, r := range rows {
		if b.features[r][feature] <= threshold {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}

	idx := len(b.nodes)
	b.nodes = append(b.nodes, TreeNode{
		Kind:       SplitNode,
		FeatureIdx: feature,
		Threshold:  threshold,
		ClassLabel: majorityLabel(counts),
		Count:      len(rows),
	})
	l := b.induce(left, depth+1)
	r := b.induce(right, depth+1)
	b.nodes[idx].LeftChild = l
	b.nodes[idx].RightChild = r
	return idx
}

func (b *treeBuilder) leaf(rows []int, counts []int) int {
	dist := make(map[int]int)
	for label, c := range counts {
		if c > 0 {
			dist[label] = c
		}
	}
	b.nodes = append(b.nodes, TreeNode{
		Kind:         LeafNode,
		FeatureIdx:   -1,
		LeftChild:    -1,
		RightChild:   -1,
		ClassLabel:   majorityLabel(counts),
		Count:        len(rows),
		Distribution: dist,
	})
	return len(b.nodes) - 1
}

// findBestSplit scores random thresholds over a random subspace of
// floor(sqrt(numFeatures)) features. The first candidate wins ties.
func (b *treeBuilder) findBestSplit(rows []int, counts []int) (int, float64, bool) {
	k := int(math.Sqrt(float64(b.numFeatures)))
	if k < 1 {
		k = 1
	}
	if k > b.numFeatures {
		k = b.numFeatures
	}
	subspace := b.rnd.Perm(b.numFeatures)[:k]

	parent := entropy(counts, len(rows))
	bestFeature := -1
	bestThreshold := 0.0
	bestGain := math.Inf(-1)
	for _, feature := range subspace {
		for _, threshold := range b.candidateThresholds(rows, feature) {
			gain := parent - b.splitEntropy(rows, feature, threshold)
			if gain > bestGain {
				bestGain = gain
				bestFeature = feature
				bestThreshold = threshold
			}
		}
	}
	if bestFeature == -1 {
		return -1, 0, false
	}
	return bestFeature, bestThreshold, true
}

// candidateThresholds draws up to MaxThresholds distinct observed values of
// feature. The maximum is excluded since it would leave the right side empty.
func (b *treeBuilder) candidateThresholds(rows []int, feature int) []float64 {
	seen := make(map[float64]struct{})
	values := make([]float64, 0)
	max := math.Inf(-1)
	for _, r := range rows {
		v := b.features[r][feature]
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		values = append(values, v)
		if v > max {
			max = v
		}
	}

	candidates := values[:0]
	for _, v := range values {
		if v < max {
			candidates = append(candidates, v)
		}
	}
	if len(candidates) <= b.cfg.MaxThresholds {
		return candidates
	}
	for i := 0; i < b.cfg.MaxThresholds; i++ {
		j := i + b.rnd.Intn(len(candidates)-i)
		candidates[i], candidates[j] = candidates[j], candidates[i]
	}
	return candidates[:b.cfg.MaxThresholds]
}

func (b *treeBuilder) splitEntropy(rows []int, feature int, threshold float64) float64 {
	left := make([]int, b.numClasses)
	right := make([]int, b.numClasses)
	nLeft, nRight := 0, 0
	for _, r := range rows {
		if b.features[r][feature] <= threshold {
			left[b.labels[r]]++
			nLeft++
		} else {
			right[b.labels[r]]++
			nRight++
		}
	}
	total := float64(len(rows))
	return float64(nLeft)/total*entropy(left, nLeft) + float64(nRight)/total*entropy(right, nRight)
}

func (b *treeBuilder) classCounts(rows []int) []int {
	counts := make([]int, b.numClasses)
	for _, r := range rows {
		counts[b.labels[r]]++
	}
	return counts
}

func entropy(counts []int, total int) float64 {
	if total == 0 {
		return 0
	}
	h := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}

// majorityLabel returns the most frequent label, lowest label on ties.
func majorityLabel(counts []int) int {
	if len(counts) == 0 {
		return 0
	}
	best := 0
	for label, c := range counts {
		if c > counts[best] {
			best = label
		}
	}
	return best
}

func isPure(counts []int) bool {
	nonZero := 0
	for _, c := range counts {
		if c > 0 {
			nonZero++
		}
	}
	return nonZero <= 1
}
