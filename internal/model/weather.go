package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Window is a closed UTC interval over which derived values are computed.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func NewWindow(start, end time.Time) Window {
	return Window{Start: start.UTC(), End: end.UTC()}
}

func (w Window) Validate() error {
	if !w.End.After(w.Start) {
		return fmt.Errorf("window end %s not after start %s", w.End.Format(time.RFC3339), w.Start.Format(time.RFC3339))
	}
	return nil
}

// Days counts calendar days covered by the window, inclusive of both ends.
func (w Window) Days() int {
	return int(w.End.Sub(w.Start).Hours()/24) + 1
}

// Key renders the window for cache keys and idempotency keys.
func (w Window) Key() string {
	return w.Start.UTC().Format(time.RFC3339) + ":" + w.End.UTC().Format(time.RFC3339)
}

// Station is upstream weather-station metadata.
type Station struct {
	ID        string  `json:"id"`
	Name      string  `json:"name,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	// DistanceKM is filled by nearby searches.
	DistanceKM float64 `json:"distance_km,omitempty"`
	Active     bool    `json:"active"`
}

// StationSample is one observation from one station. Optional fields are
// pointers; absent values contribute nothing to derived indices.
type StationSample struct {
	StationID       string    `json:"station_id"`
	Timestamp       time.Time `json:"timestamp"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	Temperature     float64   `json:"temperature"`
	FeelsLike       *float64  `json:"feels_like,omitempty"`
	MinTemperature  *float64  `json:"min_temperature,omitempty"`
	MaxTemperature  *float64  `json:"max_temperature,omitempty"`
	Rainfall        float64   `json:"rainfall"`
	RainfallRate    *float64  `json:"rainfall_rate,omitempty"`
	Humidity        float64   `json:"humidity"`
	Pressure        float64   `json:"pressure"`
	WindSpeed       *float64  `json:"wind_speed,omitempty"`
	WindDirection   *float64  `json:"wind_direction,omitempty"`
	WindGust        *float64  `json:"wind_gust,omitempty"`
	SolarRadiation  *float64  `json:"solar_radiation,omitempty"`
	UVIndex         *float64  `json:"uv_index,omitempty"`
	SoilMoisture    *float64  `json:"soil_moisture,omitempty"`
	SoilTemperature *float64  `json:"soil_temperature,omitempty"`
	Quality         float64   `json:"data_quality"`
}

// DefaultPressure is assumed when a station omits barometric pressure.
const DefaultPressure = 1013.25

// NormalizeSoilMoisture maps fraction-scale readings onto the 0-100 scale.
// Stations disagree on the unit; values at or below 1.0 are fractions.
func NormalizeSoilMoisture(v float64) float64 {
	if v <= 1.0 {
		return v * 100
	}
	return v
}

// Stress tags a dominant stress condition on a WeatherIndex.
type Stress string

const (
	StressDrought  Stress = "drought"
	StressFlood    Stress = "flood"
	StressHeat     Stress = "heat"
	StressCombined Stress = "combined"
	StressNone     Stress = "none"
)

// DroughtDetail carries the intermediate drought indicators.
type DroughtDetail struct {
	RainfallDeficitMM   float64  `json:"rainfall_deficit_mm"`
	ConsecutiveDryDays  int      `json:"consecutive_dry_days"`
	DaysSinceRain       int      `json:"days_since_significant_rain"`
	SoilMoistureLevel   *float64 `json:"soil_moisture_level,omitempty"`
	SoilMoistureDeficit *float64 `json:"soil_moisture_deficit,omitempty"`
}

// FloodDetail carries the intermediate flood indicators.
type FloodDetail struct {
	MaxDailyRainfallMM  float64  `json:"max_daily_rainfall_mm"`
	Cumulative3DayMM    float64  `json:"cumulative_3day_mm"`
	Cumulative7DayMM    float64  `json:"cumulative_7day_mm"`
	MaxIntensityMMH     float64  `json:"max_intensity_mmh"`
	HeavyRainSamples    int      `json:"heavy_rain_samples"`
	ConsecutiveWetDays  int      `json:"consecutive_wet_days"`
	SustainedWetSamples int      `json:"sustained_wet_samples"`
	MaxSoilSaturation   *float64 `json:"max_soil_saturation,omitempty"`
}

// HeatDetail carries the intermediate heat indicators.
type HeatDetail struct {
	MaxTemperature     float64 `json:"max_temperature"`
	AvgMaxTemperature  float64 `json:"avg_max_temperature"`
	ConsecutiveHotDays int     `json:"consecutive_hot_days"`
	ExtremeHeatDays    int     `json:"extreme_heat_days"`
	HeatDegreeDays     float64 `json:"heat_degree_days"`
	OptimalTempDays    int     `json:"optimal_temp_days"`
}

// SeveritySet labels each sub-index on its own 5-level scale.
type SeveritySet struct {
	Drought string `json:"drought"`
	Flood   string `json:"flood"`
	Heat    string `json:"heat"`
}

// IndexID derives the deterministic identity of a weather index from the
// plot, policy and window, so recomputing an already-stored window collides
// instead of duplicating.
func IndexID(plotID, policyID string, w Window) string {
	h := sha256.Sum256([]byte(plotID + "|" + policyID + "|" + w.Start.UTC().Format(time.RFC3339) + "|" + w.End.UTC().Format(time.RFC3339)))
	return "WI_" + hex.EncodeToString(h[:])[:32]
}

// WeatherIndex is the derived stress assessment for one plot and window.
// Immutable once computed; new windows produce new rows.
type WeatherIndex struct {
	ID            string        `json:"id"`
	PlotID        string        `json:"plot_id"`
	PolicyID      string        `json:"policy_id"`
	Window        Window        `json:"window"`
	Drought       float64       `json:"drought_score"`
	Flood         float64       `json:"flood_score"`
	Heat          float64       `json:"heat_score"`
	Composite     float64       `json:"composite_score"`
	Dominant      Stress        `json:"dominant_stress"`
	Severity      SeveritySet   `json:"severity"`
	DroughtDetail DroughtDetail `json:"drought_detail"`
	FloodDetail   FloodDetail   `json:"flood_detail"`
	HeatDetail    HeatDetail    `json:"heat_detail"`
	Stations      []string      `json:"stations"`
	Samples       int           `json:"data_points"`
	Quality       float64       `json:"data_quality"`
	Confidence    float64       `json:"confidence_score"`
	Anomaly       bool          `json:"is_anomaly"`
	AnomalyScore  *float64      `json:"anomaly_score,omitempty"`
	EngineVersion string        `json:"engine_version"`
	CreatedAt     time.Time     `json:"created_at"`
}
