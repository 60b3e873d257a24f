package agent

import (
	"context"
	"errors"
	"math"
	"sort"

	"game_mas/internal/domain"
)

const (
	difficultyClusters     = 3
	kmeansMaxIterations    = 100
	lowCompletionRate      = 0.5
	steepCurveFactor       = 3.0
	suggestLowerDifficulty = "lower level difficulty"
	suggestOptimizeCurve   = "optimize difficulty curve"
)

var ErrNoPlayerData = errors.New("no player data has been analysed")

func (b *Balancer) analyzeData(ctx context.Context, agentID string, records []domain.TelemetryRecord) domain.Result {
	if len(records) == 0 {
		return domain.FailedResult(domain.ErrorKindNoPlayerData, ErrNoPlayerData)
	}
	data := make([]domain.TelemetryRecord, len(records))
	copy(data, records)

	b.mu.Lock()
	b.dataset = data
	b.mu.Unlock()

	report := buildDatasetReport(data)
	logAction(ctx, b.journal, agentID, "dataset_analyzed", "player dataset analysed", map[string]any{
		"sample_size":     report.SampleSize,
		"completion_rate": report.CompletionRate,
		"hotspots":        len(report.Hotspots),
	})
	res := domain.CompletedResult()
	res.Report = &report
	return res
}

func (b *Balancer) adjustBalance(ctx context.Context, agentID string) domain.Result {
	b.mu.Lock()
	data := b.dataset
	b.mu.Unlock()
	if len(data) == 0 {
		return domain.FailedResult(domain.ErrorKindNoPlayerData, ErrNoPlayerData)
	}

	report := buildDatasetReport(data)
	suggestions := make([]string, 0, 2)
	if report.CompletionRate < lowCompletionRate {
		suggestions = append(suggestions, suggestLowerDifficulty)
	}
	if steepDifficultyCurve(report.Centroids) {
		suggestions = append(suggestions, suggestOptimizeCurve)
	}
	logAction(ctx, b.journal, agentID, "balance_adjusted", "balance suggestions derived from dataset", map[string]any{
		"suggestions": suggestions,
	})
	res := domain.CompletedResult()
	res.Report = &report
	res.Suggestions = suggestions
	return res
}

func buildDatasetReport(data []domain.TelemetryRecord) domain.DatasetReport {
	successes := 0
	hotspots := make(map[string]int)
	points := make([][2]float64, len(data))
	for i, rec := range data {
		if rec.Success {
			successes++
		}
		if rec.FailLocation != "" {
			hotspots[rec.FailLocation]++
		}
		points[i] = [2]float64{rec.CompletionTime, float64(rec.Attempts)}
	}
	labels, centroids := kmeans(points, difficultyClusters)
	return domain.DatasetReport{
		CompletionRate:     float64(successes) / float64(len(data)),
		DifficultyClusters: labels,
		Centroids:          centroids,
		Hotspots:           hotspots,
		SampleSize:         len(data),
	}
}

// steepDifficultyCurve reports whether the slowest populated cluster takes
// more than steepCurveFactor times as long as the fastest one.
func steepDifficultyCurve(centroids []domain.Centroid) bool {
	fastest, slowest := math.Inf(1), math.Inf(-1)
	populated := 0
	for _, c := range centroids {
		if c.Members == 0 {
			continue
		}
		populated++
		fastest = math.Min(fastest, c.CompletionTime)
		slowest = math.Max(slowest, c.CompletionTime)
	}
	if populated < 2 || fastest <= 0 {
		return false
	}
	return slowest > steepCurveFactor*fastest
}

// kmeans clusters points with Lloyd's algorithm. Initial centroids are spread
// over the points sorted by completion time, so results are deterministic.
func kmeans(points [][2]float64, k int) ([]int, []domain.Centroid) {
	n := len(points)
	if n == 0 {
		return nil, nil
	}
	if k > n {
		k = n
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		pa, pb := points[order[a]], points[order[b]]
		if pa[0] != pb[0] {
			return pa[0] < pb[0]
		}
		return pa[1] < pb[1]
	})
	centers := make([][2]float64, k)
	for j := range centers {
		pos := 0
		if k > 1 {
			pos = j * (n - 1) / (k - 1)
		}
		centers[j] = points[order[pos]]
	}

	labels := make([]int, n)
	for i := range labels {
		labels[i] = -1
	}
	for iter := 0; iter < kmeansMaxIterations; iter++ {
		changed := false
		for i, p := range points {
			best, bestDist := 0, math.Inf(1)
			for j, c := range centers {
				dx, dy := p[0]-c[0], p[1]-c[1]
				if d := dx*dx + dy*dy; d < bestDist {
					best, bestDist = j, d
				}
			}
			if labels[i] != best {
				labels[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}
		sums := make([][2]float64, k)
		counts := make([]int, k)
		for i, p := range points {
			sums[labels[i]][0] += p[0]
			sums[labels[i]][1] += p[1]
			counts[labels[i]]++
		}
		for j := range centers {
			if counts[j] > 0 {
				centers[j] = [2]float64{sums[j][0] / float64(counts[j]), sums[j][1] / float64(counts[j])}
			}
		}
	}

	centroids := make([]domain.Centroid, k)
	for j, c := range centers {
		centroids[j] = domain.Centroid{CompletionTime: c[0], Attempts: c[1]}
	}
	for _, l := range labels {
		centroids[l].Members++
	}
	return labels, centroids
}
