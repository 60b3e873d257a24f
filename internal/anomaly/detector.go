package anomaly

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"game_mas/internal/domain"
)

const (
	defaultContamination = 0.1
	defaultTrees         = 100
	defaultSampleSize    = 256
	minSamples           = 2
)

var ErrInsufficientSamples = errors.New("insufficient samples for analysis")

// Scorer assigns each standardized point an anomaly score; higher is more anomalous.
type Scorer interface {
	Score(points [][]float64) []float64
}

type Config struct {
	Contamination float64
	Trees         int
	SampleSize    int
	// Seed fixes the forest randomness. Zero draws a fresh seed per batch.
	Seed uint64
}

func (c Config) withDefaults() Config {
	if c.Contamination <= 0 {
		c.Contamination = defaultContamination
	}
	if c.Trees <= 0 {
		c.Trees = defaultTrees
	}
	if c.SampleSize <= 0 {
		c.SampleSize = defaultSampleSize
	}
	return c
}

func (c Config) Validate() error {
	if c.Contamination < 0 || c.Contamination > 0.5 {
		return fmt.Errorf("contamination %.3f outside [0, 0.5]", c.Contamination)
	}
	if c.Trees < 0 || c.SampleSize < 0 {
		return fmt.Errorf("trees and sample size must not be negative")
	}
	return nil
}

type Detector struct {
	cfg    Config
	scorer Scorer
}

func New(cfg Config) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// NewWithScorer replaces the isolation forest with another outlier scorer.
func NewWithScorer(cfg Config, scorer Scorer) *Detector {
	return &Detector{cfg: cfg.withDefaults(), scorer: scorer}
}

func (d *Detector) Analyze(batch domain.AnalysisBatch) (domain.AnalysisResult, error) {
	if len(batch) < minSamples {
		return domain.AnalysisResult{}, fmt.Errorf("%w: got %d, need at least %d", ErrInsufficientSamples, len(batch), minSamples)
	}

	points := Features(batch)
	Standardize(points)
	scores := d.scorerFor().Score(points)
	flagged := flagTop(scores, d.cfg.Contamination)

	var totalTime, successes float64
	anomalies := make([]domain.TelemetryRecord, 0)
	for i, rec := range batch {
		totalTime += rec.CompletionTime
		if rec.Success {
			successes++
		}
		if flagged[i] {
			anomalies = append(anomalies, rec)
		}
	}
	n := float64(len(batch))
	return domain.AnalysisResult{
		AverageCompletionTime: totalTime / n,
		SuccessRate:           successes / n,
		Anomalies:             anomalies,
		SampleSize:            len(batch),
	}, nil
}

func (d *Detector) scorerFor() Scorer {
	if d.scorer != nil {
		return d.scorer
	}
	seed := d.cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return IsolationForest{Trees: d.cfg.Trees, SampleSize: d.cfg.SampleSize, Seed: seed}
}

// flagTop marks at most floor(contamination*n) points whose score is strictly
// above the next-highest score. Ties at the cutoff are left unflagged.
func flagTop(scores []float64, contamination float64) []bool {
	n := len(scores)
	flagged := make([]bool, n)
	k := int(math.Floor(contamination*float64(n) + 1e-9))
	if k <= 0 {
		return flagged
	}
	if k >= n {
		k = n - 1
	}
	sorted := append([]float64(nil), scores...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	cutoff := sorted[k]
	for i, s := range scores {
		if s > cutoff {
			flagged[i] = true
		}
	}
	return flagged
}
