package biomass

import (
	"math"
	"sort"

	"microcrop-processor/internal/fault"
	"microcrop-processor/internal/model"
)

// baselineObservations anchors the baseline on the earliest deliveries.
const baselineObservations = 5

// Config tunes sample intake and reduction.
type Config struct {
	// BaselineWindowDays is how far before a policy start the delivery
	// window opens, so the baseline reflects pre-coverage vegetation.
	BaselineWindowDays int
	// MinObservations below which a summary is refused.
	MinObservations int
	// MaxCloudCover above which a delivered observation is discarded
	// instead of persisted.
	MaxCloudCover float64
	// RollingObservations is the per-plot retention depth of the series.
	RollingObservations int
}

// DefaultConfig mirrors the configuration defaults for tests and tools.
func DefaultConfig() Config {
	return Config{
		BaselineWindowDays:  30,
		MinObservations:     3,
		MaxCloudCover:       0.3,
		RollingObservations: 10,
	}
}

// Reducer folds a plot's observation series into a BiomassSummary.
type Reducer struct {
	cfg Config
}

func NewReducer(cfg Config) *Reducer {
	return &Reducer{cfg: cfg}
}

// Reduce summarizes the series for one plot. The input order does not
// matter; reduction always runs over the date-ascending series.
func (r *Reducer) Reduce(plotID string, samples []model.BiomassSample) (*model.BiomassSummary, error) {
	if len(samples) < r.cfg.MinObservations {
		return nil, fault.New(fault.InsufficientData, "biomass.reduce",
			"plot %s has %d observations, need %d", plotID, len(samples), r.cfg.MinObservations)
	}

	ordered := make([]model.BiomassSample, len(samples))
	copy(ordered, samples)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Date.Before(ordered[j].Date) })

	values := make([]float64, len(ordered))
	for i, s := range ordered {
		values[i] = s.Value
	}

	minV, maxV := values[0], values[0]
	for _, v := range values[1:] {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}

	k := baselineObservations
	if len(values) < k {
		k = len(values)
	}
	var baselineSum float64
	for _, v := range values[:k] {
		baselineSum += v
	}
	baseline := baselineSum / float64(k)
	current := values[len(values)-1]

	var deviation float64
	if baseline != 0 {
		deviation = (baseline - current) / baseline * 100
	}

	return &model.BiomassSummary{
		PlotID:           plotID,
		Current:          current,
		Baseline:         baseline,
		Min:              minV,
		Max:              maxV,
		Trend:            trend(values),
		DeviationPercent: deviation,
		Observations:     len(ordered),
		LastUpdated:      ordered[len(ordered)-1].Date,
		Quality:          overallQuality(ordered),
	}, nil
}

// trend is the least-squares slope over the date-ordered values, scaled by
// 10 and clamped to [-1, 1]. Too-short or degenerate series read as flat.
func trend(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := float64(n)*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	slope := (float64(n)*sumXY - sumX*sumY) / denom
	return math.Max(-1, math.Min(1, 10*slope))
}

// overallQuality averages the per-sample weights and buckets the mean.
func overallQuality(samples []model.BiomassSample) model.QualityTag {
	var sum int
	for _, s := range samples {
		sum += s.Quality.Weight()
	}
	avg := float64(sum) / float64(len(samples))
	switch {
	case avg >= 2.5:
		return model.QualityHigh
	case avg >= 1.5:
		return model.QualityMedium
	default:
		return model.QualityLow
	}
}
