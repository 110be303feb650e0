package weather

import (
	"math"

	"microcrop-processor/internal/model"
)

const (
	// minAnomalySamples gates the detector; below this the ratio is noise.
	minAnomalySamples = 30
	// zOutlierCutoff marks a value anomalous beyond three standard deviations.
	zOutlierCutoff = 3.0
	// anomalyFlagRatio is the outlier share above which a window is flagged.
	anomalyFlagRatio = 0.1
)

type anomalyResult struct {
	Flagged bool
	Score   float64
}

// detectAnomalies screens all temperatures and the non-zero rainfall values
// for z-score outliers. The score is the outlier share of the sample count,
// capped at 1.
func detectAnomalies(samples []model.StationSample) anomalyResult {
	if len(samples) < minAnomalySamples {
		return anomalyResult{}
	}

	temps := make([]float64, 0, len(samples))
	var rains []float64
	for _, s := range samples {
		temps = append(temps, s.Temperature)
		if s.Rainfall > 0 {
			rains = append(rains, s.Rainfall)
		}
	}

	outliers := countZOutliers(temps) + countZOutliers(rains)
	ratio := float64(outliers) / float64(len(samples))
	return anomalyResult{
		Flagged: ratio > anomalyFlagRatio,
		Score:   math.Min(1, ratio),
	}
}

// countZOutliers counts values whose absolute z-score exceeds the cutoff.
// A zero-variance population has no outliers.
func countZOutliers(values []float64) int {
	if len(values) == 0 {
		return 0
	}
	m := mean(values)
	sd := stdDev(values, m)
	if sd == 0 {
		return 0
	}
	n := 0
	for _, v := range values {
		if math.Abs((v-m)/sd) > zOutlierCutoff {
			n++
		}
	}
	return n
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdDev is the population standard deviation around a precomputed mean.
func stdDev(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)))
}
