package anomaly

import (
	"math"
	"math/rand/v2"
)

const eulerGamma = 0.5772156649015329

// IsolationForest scores points by how quickly random axis-aligned splits
// isolate them. Scores are in (0, 1]; higher means more anomalous.
type IsolationForest struct {
	Trees      int
	SampleSize int
	Seed       uint64
}

type isolationNode struct {
	feature int
	split   float64
	left    *isolationNode
	right   *isolationNode
	size    int
}

func (f IsolationForest) Score(points [][]float64) []float64 {
	n := len(points)
	scores := make([]float64, n)
	if n == 0 {
		return scores
	}
	trees := f.Trees
	if trees <= 0 {
		trees = defaultTrees
	}
	psi := f.SampleSize
	if psi <= 0 || psi > n {
		psi = n
	}
	limit := int(math.Ceil(math.Log2(float64(max(psi, 2)))))
	rng := rand.New(rand.NewPCG(f.Seed, f.Seed^0x9e3779b97f4a7c15))

	depths := make([]float64, n)
	for t := 0; t < trees; t++ {
		sample := rng.Perm(n)[:psi]
		root := buildIsolationTree(points, sample, 0, limit, rng)
		for i, p := range points {
			depths[i] += pathLength(root, p, 0)
		}
	}

	norm := averagePathLength(psi)
	for i := range scores {
		if norm == 0 {
			scores[i] = 1
			continue
		}
		scores[i] = math.Pow(2, -(depths[i]/float64(trees))/norm)
	}
	return scores
}

func buildIsolationTree(points [][]float64, idx []int, depth, limit int, rng *rand.Rand) *isolationNode {
	if depth >= limit || len(idx) <= 1 {
		return &isolationNode{size: len(idx)}
	}

	dims := len(points[idx[0]])
	candidates := make([]int, 0, dims)
	lows := make([]float64, dims)
	highs := make([]float64, dims)
	for d := 0; d < dims; d++ {
		lo, hi := points[idx[0]][d], points[idx[0]][d]
		for _, i := range idx[1:] {
			v := points[i][d]
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		lows[d], highs[d] = lo, hi
		if hi > lo {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return &isolationNode{size: len(idx)}
	}

	feature := candidates[rng.IntN(len(candidates))]
	split := lows[feature] + rng.Float64()*(highs[feature]-lows[feature])
	var left, right []int
	for _, i := range idx {
		if points[i][feature] < split {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return &isolationNode{
		feature: feature,
		split:   split,
		left:    buildIsolationTree(points, left, depth+1, limit, rng),
		right:   buildIsolationTree(points, right, depth+1, limit, rng),
		size:    len(idx),
	}
}

func pathLength(node *isolationNode, p []float64, depth int) float64 {
	if node.left == nil && node.right == nil {
		return float64(depth) + averagePathLength(node.size)
	}
	if p[node.feature] < node.split {
		return pathLength(node.left, p, depth+1)
	}
	return pathLength(node.right, p, depth+1)
}

// averagePathLength is c(n), the mean unsuccessful-search depth of a binary
// search tree with n nodes.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	m := float64(n - 1)
	return 2*(math.Log(m)+eulerGamma) - 2*m/float64(n)
}
