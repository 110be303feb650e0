package weather

import (
	"math"
	"sort"
	"time"

	"microcrop-processor/internal/fault"
	"microcrop-processor/internal/model"
)

// EngineVersion stamps every index so stored rows can be traced back to the
// formula revision that produced them.
const EngineVersion = "1.0.0"

// Fixed agronomic bounds. Operator-tunable calibration lives in Thresholds.
const (
	dryDayMM          = 1.0  // daily rainfall below this counts as a dry day
	significantRainMM = 10.0 // daily rainfall above this ends a dry spell and counts as a wet day
	heavyRainRateMMH  = 5.0  // sample rainfall rate above this counts as heavy rain
	floodCum3BaseMM   = 100.0
	degreeDayBaseC    = 10.0
	optimalTempMinC   = 20.0
	optimalTempMaxC   = 30.0
	soilOptimalPct    = 50.0
)

// Thresholds are the operator-tunable calibration constants of the scoring
// formulas. Zero values are rejected at configuration load, not here.
type Thresholds struct {
	// ExpectedDailyRainMM is the seasonal norm the drought deficit is
	// measured against, in mm per day.
	ExpectedDailyRainMM float64
	// SevereDryDays is the dry-spell length at which the run term kicks in.
	SevereDryDays int
	// FloodDailyMM is the single-day rainfall above which flooding scores.
	FloodDailyMM float64
	// FloodIntensityMMH is the sample rainfall rate above which the
	// intensity term scores.
	FloodIntensityMMH float64
	// Cumulative3DayScale divides the 3-day accumulation overshoot.
	Cumulative3DayScale float64
	// HeatMaxC is the daily maximum above which heat scores.
	HeatMaxC float64
	// HeatExtremeC is the daily maximum counted as an extreme heat day.
	HeatExtremeC float64
}

// DefaultThresholds mirrors the configuration defaults for tests and tools
// that run without an environment.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ExpectedDailyRainMM: 2.0,
		SevereDryDays:       14,
		FloodDailyMM:        30.0,
		FloodIntensityMMH:   200.0,
		Cumulative3DayScale: 200.0,
		HeatMaxC:            35.0,
		HeatExtremeC:        40.0,
	}
}

// Engine derives weather indices from raw station samples. It is pure
// computation; callers own all I/O.
type Engine struct {
	t Thresholds
}

func NewEngine(t Thresholds) *Engine {
	return &Engine{t: t}
}

// Compute derives the index for one plot over a closed window. Equal inputs
// produce equal outputs apart from CreatedAt, which is how recomputed
// windows collide on insert instead of duplicating.
func (e *Engine) Compute(plotID, policyID string, w model.Window, samples []model.StationSample) (*model.WeatherIndex, error) {
	if err := w.Validate(); err != nil {
		return nil, fault.Wrap(fault.Permanent, "weather.compute", err)
	}
	if len(samples) == 0 {
		return nil, fault.New(fault.InsufficientData, "weather.compute", "no samples for plot %s over %s", plotID, w.Key())
	}

	ordered := make([]model.StationSample, len(samples))
	copy(ordered, samples)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Timestamp.Before(ordered[j].Timestamp) })

	days := summarizeDays(ordered)
	soilMean, soilMax := soilMoistureStats(ordered)

	drought, droughtDetail := e.droughtScore(days, w, soilMean)
	flood, floodDetail := e.floodScore(days, ordered, soilMax)
	heat, heatDetail := e.heatScore(days)
	composite, dominant := combine(drought, flood, heat)

	quality := meanQuality(ordered)
	anomaly := detectAnomalies(ordered)

	idx := &model.WeatherIndex{
		ID:            model.IndexID(plotID, policyID, w),
		PlotID:        plotID,
		PolicyID:      policyID,
		Window:        w,
		Drought:       drought,
		Flood:         flood,
		Heat:          heat,
		Composite:     composite,
		Dominant:      dominant,
		Severity: model.SeveritySet{
			Drought: severityLabel(drought, droughtHeatLabels),
			Flood:   severityLabel(flood, floodLabels),
			Heat:    severityLabel(heat, droughtHeatLabels),
		},
		DroughtDetail: droughtDetail,
		FloodDetail:   floodDetail,
		HeatDetail:    heatDetail,
		Stations:      stationIDs(ordered),
		Samples:       len(ordered),
		Quality:       quality,
		Confidence:    0.7*quality + 0.3*math.Min(1, float64(len(ordered))/100),
		Anomaly:       anomaly.Flagged,
		EngineVersion: EngineVersion,
		CreatedAt:     time.Now().UTC(),
	}
	if anomaly.Flagged {
		score := anomaly.Score
		idx.AnomalyScore = &score
	}
	return idx, nil
}

func (e *Engine) droughtScore(days []daySummary, w model.Window, soilMean *float64) (float64, model.DroughtDetail) {
	var total float64
	for _, d := range days {
		total += d.Rainfall
	}
	deficit := math.Max(0, e.t.ExpectedDailyRainMM*float64(w.Days())-total)
	dryRun := longestRun(days, func(d daySummary) bool { return d.Rainfall < dryDayMM })
	sinceRain := daysSinceSignificantRain(days)

	var score float64
	if deficit > 0 {
		score += math.Min(0.4, deficit/100)
	}
	if dryRun >= e.t.SevereDryDays {
		score += math.Min(0.3, float64(dryRun-e.t.SevereDryDays)/20)
	}
	score += math.Min(0.2, float64(sinceRain)/30)

	detail := model.DroughtDetail{
		RainfallDeficitMM:  deficit,
		ConsecutiveDryDays: dryRun,
		DaysSinceRain:      sinceRain,
	}
	if soilMean != nil {
		level := *soilMean
		detail.SoilMoistureLevel = &level
		soilDeficit := math.Max(0, soilOptimalPct-level)
		detail.SoilMoistureDeficit = &soilDeficit
		switch {
		case level < 30:
			score += 0.1
		case level < 50:
			score += 0.05
		}
	}
	return clamp01(score), detail
}

func (e *Engine) floodScore(days []daySummary, samples []model.StationSample, soilMax *float64) (float64, model.FloodDetail) {
	var maxDaily float64
	for _, d := range days {
		if d.Rainfall > maxDaily {
			maxDaily = d.Rainfall
		}
	}
	cum3 := maxCumulative(days, 3)
	cum7 := maxCumulative(days, 7)
	intensity := maxIntensity(samples)
	wetRun := longestRun(days, func(d daySummary) bool { return d.Rainfall > significantRainMM })

	var score float64
	if maxDaily > e.t.FloodDailyMM {
		score += math.Min(0.3, (maxDaily-e.t.FloodDailyMM)/100)
	}
	if cum3 > floodCum3BaseMM {
		score += math.Min(0.3, (cum3-floodCum3BaseMM)/e.t.Cumulative3DayScale)
	}
	if intensity > e.t.FloodIntensityMMH {
		score += math.Min(0.2, (intensity-e.t.FloodIntensityMMH)/20)
	}
	if wetRun >= 5 {
		score += math.Min(0.1, float64(wetRun)/10)
	}

	heavy := 0
	for _, s := range samples {
		if s.RainfallRate != nil && *s.RainfallRate > heavyRainRateMMH {
			heavy++
		}
	}

	detail := model.FloodDetail{
		MaxDailyRainfallMM:  maxDaily,
		Cumulative3DayMM:    cum3,
		Cumulative7DayMM:    cum7,
		MaxIntensityMMH:     intensity,
		HeavyRainSamples:    heavy,
		ConsecutiveWetDays:  wetRun,
		SustainedWetSamples: longestSampleRun(samples, func(s model.StationSample) bool { return s.Rainfall > 0 }),
	}
	if soilMax != nil {
		saturation := *soilMax
		detail.MaxSoilSaturation = &saturation
		if saturation > 90 {
			score += 0.1
		}
	}
	return clamp01(score), detail
}

func (e *Engine) heatScore(days []daySummary) (float64, model.HeatDetail) {
	var maxTemp, maxSum, degreeDays float64
	extreme, optimal := 0, 0
	for i, d := range days {
		if i == 0 || d.MaxTemp > maxTemp {
			maxTemp = d.MaxTemp
		}
		maxSum += d.MaxTemp
		degreeDays += math.Max(0, d.MeanTemp-degreeDayBaseC)
		if d.MaxTemp > e.t.HeatExtremeC {
			extreme++
		}
		if d.MaxTemp >= optimalTempMinC && d.MaxTemp <= optimalTempMaxC {
			optimal++
		}
	}
	avgMax := maxSum / float64(len(days))
	hotRun := longestRun(days, func(d daySummary) bool { return d.MaxTemp > e.t.HeatMaxC })

	var score float64
	if maxTemp > e.t.HeatMaxC {
		score += math.Min(0.3, (maxTemp-e.t.HeatMaxC)/15)
	}
	if avgMax > 30 {
		score += math.Min(0.2, (avgMax-30)/10)
	}
	if hotRun >= 7 {
		score += math.Min(0.3, float64(hotRun-7)/10)
	}
	if extreme > 0 {
		score += math.Min(0.2, float64(extreme)/5)
	}

	return clamp01(score), model.HeatDetail{
		MaxTemperature:     maxTemp,
		AvgMaxTemperature:  avgMax,
		ConsecutiveHotDays: hotRun,
		ExtremeHeatDays:    extreme,
		HeatDegreeDays:     degreeDays,
		OptimalTempDays:    optimal,
	}
}

// combine folds the sub-indices into the composite score and dominant tag.
// Concurrent drought and heat compound; otherwise the strongest sub-index
// dominates once it clears 0.3.
func combine(drought, flood, heat float64) (float64, model.Stress) {
	if drought >= 0.4 && heat >= 0.4 {
		return math.Min(1, drought+0.5*heat), model.StressCombined
	}
	composite := math.Max(drought, math.Max(flood, heat))
	if composite <= 0.3 {
		return composite, model.StressNone
	}
	switch composite {
	case drought:
		return composite, model.StressDrought
	case flood:
		return composite, model.StressFlood
	default:
		return composite, model.StressHeat
	}
}

var (
	droughtHeatLabels = [5]string{"none", "mild", "moderate", "severe", "extreme"}
	floodLabels       = [5]string{"none", "low", "moderate", "high", "critical"}
)

// severityLabel buckets a score at the fixed 0.2 / 0.4 / 0.6 / 0.8 cuts.
func severityLabel(score float64, labels [5]string) string {
	switch {
	case score >= 0.8:
		return labels[4]
	case score >= 0.6:
		return labels[3]
	case score >= 0.4:
		return labels[2]
	case score >= 0.2:
		return labels[1]
	default:
		return labels[0]
	}
}

// soilMoistureStats normalizes the present soil-moisture readings and
// returns their mean and max, or nils when no station reports soil.
func soilMoistureStats(samples []model.StationSample) (*float64, *float64) {
	var values []float64
	for _, s := range samples {
		if s.SoilMoisture != nil {
			values = append(values, model.NormalizeSoilMoisture(*s.SoilMoisture))
		}
	}
	if len(values) == 0 {
		return nil, nil
	}
	m := mean(values)
	mx := values[0]
	for _, v := range values[1:] {
		if v > mx {
			mx = v
		}
	}
	return &m, &mx
}

func maxIntensity(samples []model.StationSample) float64 {
	var mx float64
	for _, s := range samples {
		if s.RainfallRate != nil && *s.RainfallRate > mx {
			mx = *s.RainfallRate
		}
	}
	return mx
}

func meanQuality(samples []model.StationSample) float64 {
	var sum float64
	for _, s := range samples {
		sum += s.Quality
	}
	return sum / float64(len(samples))
}

func stationIDs(samples []model.StationSample) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, s := range samples {
		if s.StationID != "" && !seen[s.StationID] {
			seen[s.StationID] = true
			ids = append(ids, s.StationID)
		}
	}
	sort.Strings(ids)
	return ids
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
