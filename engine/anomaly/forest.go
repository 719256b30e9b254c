package anomaly

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/WessleyAI/fleetops/engine/domain"
)

const eulerGamma = 0.5772156649015329

// ForestOpts configures isolation forest training.
type ForestOpts struct {
	Trees         int
	SampleSize    int
	Contamination float64
	Seed          int64
}

// DefaultForestOpts mirrors the usual isolation forest defaults with a fixed seed
// so refits on identical windows give identical verdicts.
var DefaultForestOpts = ForestOpts{Trees: 100, SampleSize: 256, Contamination: 0.02, Seed: 42}

// Forest is a trained isolation forest. Immutable after Fit.
type Forest struct {
	trees     []*node
	psi       int
	threshold float64
}

type node struct {
	feature     int
	split       float64
	left, right *node
	size        int // leaf only
}

func (n *node) leaf() bool { return n.left == nil }

// Fit trains a forest on data and sets the outlier threshold so that the
// Contamination fraction of the training points score above it.
func Fit(data []domain.FeatureVector, opts ForestOpts) (*Forest, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("anomaly: fit on %d points: %w", len(data), domain.ErrNotWarmedUp)
	}
	if opts.Trees <= 0 {
		opts.Trees = DefaultForestOpts.Trees
	}
	if opts.SampleSize <= 1 {
		opts.SampleSize = DefaultForestOpts.SampleSize
	}
	if opts.Contamination <= 0 || opts.Contamination >= 0.5 {
		return nil, domain.NewValidationError("contamination", fmt.Sprint(opts.Contamination), domain.ErrOutOfRange)
	}
	dim := len(data[0])
	for _, x := range data {
		if len(x) != dim {
			return nil, domain.NewValidationError("features", fmt.Sprint(len(x)), domain.ErrFeatureArity)
		}
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	psi := min(opts.SampleSize, len(data))
	limit := int(math.Ceil(math.Log2(float64(psi))))

	f := &Forest{psi: psi, trees: make([]*node, opts.Trees)}
	for t := range f.trees {
		sample := rng.Perm(len(data))[:psi]
		f.trees[t] = grow(data, sample, 0, limit, dim, rng)
	}

	scores := make([]float64, len(data))
	for i, x := range data {
		scores[i] = f.Score(x)
	}
	f.threshold = percentile(scores, 1-opts.Contamination)
	return f, nil
}

func grow(data []domain.FeatureVector, idx []int, depth, limit, dim int, rng *rand.Rand) *node {
	if depth >= limit || len(idx) <= 1 {
		return &node{size: len(idx)}
	}
	// Only features with spread can separate points.
	type span struct {
		feature int
		lo, hi  float64
	}
	var spans []span
	for d := 0; d < dim; d++ {
		lo, hi := data[idx[0]][d], data[idx[0]][d]
		for _, i := range idx[1:] {
			lo = math.Min(lo, data[i][d])
			hi = math.Max(hi, data[i][d])
		}
		if hi > lo {
			spans = append(spans, span{d, lo, hi})
		}
	}
	if len(spans) == 0 {
		return &node{size: len(idx)}
	}
	s := spans[rng.Intn(len(spans))]
	split := s.lo + rng.Float64()*(s.hi-s.lo)

	var left, right []int
	for _, i := range idx {
		if data[i][s.feature] < split {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &node{size: len(idx)}
	}
	return &node{
		feature: s.feature,
		split:   split,
		left:    grow(data, left, depth+1, limit, dim, rng),
		right:   grow(data, right, depth+1, limit, dim, rng),
	}
}

// pathLength is the depth at which x is isolated, adjusted for unsplit leaves.
func pathLength(x domain.FeatureVector, n *node) float64 {
	depth := 0.0
	for !n.leaf() {
		if x[n.feature] < n.split {
			n = n.left
		} else {
			n = n.right
		}
		depth++
	}
	return depth + averagePath(n.size)
}

// averagePath is c(n), the mean path length of an unsuccessful BST search.
func averagePath(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	default:
		fn := float64(n)
		return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
	}
}

// Score is the anomaly score in (0,1]; higher is more anomalous.
func (f *Forest) Score(x domain.FeatureVector) float64 {
	var total float64
	for _, t := range f.trees {
		total += pathLength(x, t)
	}
	mean := total / float64(len(f.trees))
	c := averagePath(f.psi)
	if c == 0 {
		return 0.5
	}
	return math.Pow(2, -mean/c)
}

// Threshold is the score above which a point is an outlier.
func (f *Forest) Threshold() float64 { return f.threshold }

// IsOutlier reports whether x scores strictly above the threshold.
func (f *Forest) IsOutlier(x domain.FeatureVector) bool {
	return f.Score(x) > f.threshold
}

// percentile interpolates linearly between closest ranks; q in [0,1].
func percentile(values []float64, q float64) float64 {
	s := make([]float64, len(values))
	copy(s, values)
	sort.Float64s(s)
	pos := q * float64(len(s)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	return s[lo] + (s[hi]-s[lo])*(pos-float64(lo))
}
