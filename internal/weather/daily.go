package weather

import (
	"sort"

	"microcrop-processor/internal/model"
)

// daySummary aggregates every sample falling on one UTC calendar date.
type daySummary struct {
	Date     string
	Rainfall float64
	MaxTemp  float64
	MeanTemp float64
	Samples  int
}

// summarizeDays groups samples by UTC calendar date and returns the dates in
// ascending order. Run detectors treat the returned sequence as consecutive
// even across gaps, matching how spells are counted on sparse station data.
func summarizeDays(samples []model.StationSample) []daySummary {
	type acc struct {
		rain    float64
		maxTemp float64
		tempSum float64
		n       int
	}
	byDate := make(map[string]*acc)
	for _, s := range samples {
		key := s.Timestamp.UTC().Format("2006-01-02")
		a, ok := byDate[key]
		if !ok {
			a = &acc{maxTemp: s.Temperature}
			byDate[key] = a
		}
		a.rain += s.Rainfall
		if s.Temperature > a.maxTemp {
			a.maxTemp = s.Temperature
		}
		a.tempSum += s.Temperature
		a.n++
	}

	dates := make([]string, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	days := make([]daySummary, 0, len(dates))
	for _, d := range dates {
		a := byDate[d]
		days = append(days, daySummary{
			Date:     d,
			Rainfall: a.rain,
			MaxTemp:  a.maxTemp,
			MeanTemp: a.tempSum / float64(a.n),
			Samples:  a.n,
		})
	}
	return days
}

// longestRun returns the longest consecutive run of days satisfying pred.
func longestRun(days []daySummary, pred func(daySummary) bool) int {
	longest, current := 0, 0
	for _, d := range days {
		if pred(d) {
			current++
			if current > longest {
				longest = current
			}
		} else {
			current = 0
		}
	}
	return longest
}

// daysSinceSignificantRain counts trailing dates, newest first, whose daily
// rainfall stayed at or below the significant threshold. When no date in the
// window exceeds it, every date counts.
func daysSinceSignificantRain(days []daySummary) int {
	for i := len(days) - 1; i >= 0; i-- {
		if days[i].Rainfall > significantRainMM {
			return len(days) - 1 - i
		}
	}
	return len(days)
}

// maxCumulative returns the largest k-day sliding-window rainfall sum over
// the sorted dates. Spans shorter than k fall back to the whole-period sum.
func maxCumulative(days []daySummary, k int) float64 {
	if len(days) == 0 {
		return 0
	}
	if len(days) < k {
		var total float64
		for _, d := range days {
			total += d.Rainfall
		}
		return total
	}
	var best float64
	for i := 0; i+k <= len(days); i++ {
		var sum float64
		for _, d := range days[i : i+k] {
			sum += d.Rainfall
		}
		if sum > best {
			best = sum
		}
	}
	return best
}

// longestSampleRun returns the longest consecutive run of samples, in
// timestamp order, satisfying pred.
func longestSampleRun(samples []model.StationSample, pred func(model.StationSample) bool) int {
	longest, current := 0, 0
	for _, s := range samples {
		if pred(s) {
			current++
			if current > longest {
				longest = current
			}
		} else {
			current = 0
		}
	}
	return longest
}
