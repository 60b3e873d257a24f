package anomaly

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"game_mas/internal/domain"
)

// Features extracts (completion_time, attempts, success) per record.
func Features(batch domain.AnalysisBatch) [][]float64 {
	points := make([][]float64, len(batch))
	for i, rec := range batch {
		success := 0.0
		if rec.Success {
			success = 1
		}
		points[i] = []float64{rec.CompletionTime, float64(rec.Attempts), success}
	}
	return points
}

// Standardize rescales every column to zero mean and unit population
// variance in place. Constant columns become zero.
func Standardize(points [][]float64) {
	if len(points) == 0 {
		return
	}
	dims := len(points[0])
	column := make([]float64, len(points))
	for d := 0; d < dims; d++ {
		for i, p := range points {
			column[i] = p[d]
		}
		mean, variance := stat.PopMeanVariance(column, nil)
		std := math.Sqrt(variance)
		for _, p := range points {
			if std == 0 {
				p[d] = 0
				continue
			}
			p[d] = (p[d] - mean) / std
		}
	}
}
