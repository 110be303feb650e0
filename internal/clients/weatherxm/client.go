// Package weatherxm is the weather-station upstream boundary. Everything
// downstream of this package works on typed samples; raw payloads never
// escape.
package weatherxm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"microcrop-processor/internal/clients/httpx"
	"microcrop-processor/internal/fault"
	"microcrop-processor/internal/metrics"
	"microcrop-processor/internal/model"
)

const (
	// nearestStationKM bounds the current-conditions lookup.
	nearestStationKM = 10.0
	// maxHistoryStations caps how many stations feed one plot history.
	maxHistoryStations = 3
	// currentWindow is how far back current conditions may look.
	currentWindow = time.Hour
	// metadataTTL caches station records and nearby lookups.
	metadataTTL = 10 * time.Minute
)

// Config carries the upstream coordinates and lookup tuning.
type Config struct {
	BaseURL            string
	APIKey             string
	Timeout            time.Duration
	RateLimitPerMinute int
	// StationRadiusKM is the nearby-search radius for plot history.
	StationRadiusKM float64
	// MinStations is the fewest nearby stations a plot history accepts.
	MinStations int
}

// Client is consumed by the ingestion tasks and the API surface.
type Client interface {
	TestConnection(ctx context.Context) error
	Station(ctx context.Context, id string) (*model.Station, error)
	NearbyStations(ctx context.Context, lat, lon, radiusKM float64) ([]model.Station, error)
	StationHistory(ctx context.Context, stationID string, w model.Window) ([]model.StationSample, error)
	CurrentConditions(ctx context.Context, plotID string, lat, lon float64) (*model.StationSample, error)
	PlotHistory(ctx context.Context, plotID string, lat, lon float64, w model.Window) ([]model.StationSample, error)
}

// HTTPClient implements Client against the live upstream.
type HTTPClient struct {
	cfg  Config
	doer *httpx.Doer
	meta *gocache.Cache
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.APIKey == "" {
		return nil, fault.New(fault.Fatal, "weatherxm.new", "WEATHERXM_API_KEY is not set")
	}
	if cfg.BaseURL == "" {
		return nil, fault.New(fault.Fatal, "weatherxm.new", "WEATHERXM_API_URL is not set")
	}
	return &HTTPClient{
		cfg: cfg,
		doer: httpx.New(httpx.Options{
			Upstream:  "weatherxm",
			Timeout:   cfg.Timeout,
			PerMinute: cfg.RateLimitPerMinute,
			Authorize: func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+cfg.APIKey) },
		}),
		meta: gocache.New(metadataTTL, 2*metadataTTL),
	}, nil
}

// stationPayload is the upstream station record.
type stationPayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Location struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"location"`
	// DistanceMeters is present on nearby searches only.
	DistanceMeters float64 `json:"distance"`
	Active         bool    `json:"isActive"`
}

func (p stationPayload) toStation() model.Station {
	return model.Station{
		ID:         p.ID,
		Name:       p.Name,
		Latitude:   p.Location.Lat,
		Longitude:  p.Location.Lon,
		DistanceKM: p.DistanceMeters / 1000,
		Active:     p.Active,
	}
}

// samplePayload is one upstream observation. Everything is optional on the
// wire; conversion applies the documented defaults.
type samplePayload struct {
	Timestamp         string   `json:"timestamp"`
	Temperature       *float64 `json:"temperature"`
	FeelsLike         *float64 `json:"feels_like"`
	TemperatureMin    *float64 `json:"temperature_min"`
	TemperatureMax    *float64 `json:"temperature_max"`
	Precipitation     *float64 `json:"precipitation"`
	PrecipitationRate *float64 `json:"precipitation_rate"`
	Humidity          *float64 `json:"humidity"`
	Pressure          *float64 `json:"pressure"`
	WindSpeed         *float64 `json:"wind_speed"`
	WindDirection     *float64 `json:"wind_direction"`
	WindGust          *float64 `json:"wind_gust"`
	SolarIrradiance   *float64 `json:"solar_irradiance"`
	UVIndex           *float64 `json:"uv_index"`
	SoilMoisture      *float64 `json:"soil_moisture"`
	SoilTemperature   *float64 `json:"soil_temperature"`
	Quality           *float64 `json:"data_quality"`
}

type historyResponse struct {
	Data []samplePayload `json:"data"`
}

// toSample converts one wire observation. Records without a parseable
// timestamp or a temperature are unusable and reported as skipped.
func toSample(stationID string, lat, lon float64, p samplePayload) (model.StationSample, bool) {
	ts, err := time.Parse(time.RFC3339, p.Timestamp)
	if err != nil || p.Temperature == nil {
		metrics.SkippedRecords.WithLabelValues("weatherxm").Inc()
		log.Warn().Str("station", stationID).Str("timestamp", p.Timestamp).Msg("Skipping malformed station observation")
		return model.StationSample{}, false
	}

	s := model.StationSample{
		StationID:       stationID,
		Timestamp:       ts.UTC(),
		Latitude:        lat,
		Longitude:       lon,
		Temperature:     *p.Temperature,
		FeelsLike:       p.FeelsLike,
		MinTemperature:  p.TemperatureMin,
		MaxTemperature:  p.TemperatureMax,
		RainfallRate:    p.PrecipitationRate,
		WindSpeed:       p.WindSpeed,
		WindDirection:   p.WindDirection,
		WindGust:        p.WindGust,
		SolarRadiation:  p.SolarIrradiance,
		UVIndex:         p.UVIndex,
		SoilMoisture:    p.SoilMoisture,
		SoilTemperature: p.SoilTemperature,
		Pressure:        model.DefaultPressure,
		Quality:         1.0,
	}
	if p.Precipitation != nil {
		s.Rainfall = *p.Precipitation
	}
	if p.Humidity != nil {
		s.Humidity = *p.Humidity
	}
	if p.Pressure != nil {
		s.Pressure = *p.Pressure
	}
	if p.Quality != nil {
		s.Quality = *p.Quality
	}
	return s, true
}

// TestConnection verifies the credentials against the account endpoint.
func (c *HTTPClient) TestConnection(ctx context.Context) error {
	var out struct {
		ID string `json:"id"`
	}
	return c.doer.GetJSON(ctx, c.cfg.BaseURL+"/me", &out)
}

// Station returns metadata for one station, cached for a few minutes.
func (c *HTTPClient) Station(ctx context.Context, id string) (*model.Station, error) {
	key := "station:" + id
	if v, ok := c.meta.Get(key); ok {
		st := v.(model.Station)
		return &st, nil
	}

	var payload stationPayload
	if err := c.doer.GetJSON(ctx, c.cfg.BaseURL+"/stations/"+url.PathEscape(id), &payload); err != nil {
		return nil, err
	}
	st := payload.toStation()
	c.meta.Set(key, st, gocache.DefaultExpiration)
	return &st, nil
}

// NearbyStations searches around a point. The radius travels in meters;
// results come back sorted nearest first.
func (c *HTTPClient) NearbyStations(ctx context.Context, lat, lon, radiusKM float64) ([]model.Station, error) {
	key := fmt.Sprintf("nearby:%.4f:%.4f:%.1f", lat, lon, radiusKM)
	if v, ok := c.meta.Get(key); ok {
		return v.([]model.Station), nil
	}

	q := url.Values{}
	q.Set("lat", fmt.Sprintf("%f", lat))
	q.Set("lon", fmt.Sprintf("%f", lon))
	q.Set("radius", fmt.Sprintf("%d", int(radiusKM*1000)))

	var payload []stationPayload
	if err := c.doer.GetJSON(ctx, c.cfg.BaseURL+"/stations/nearby?"+q.Encode(), &payload); err != nil {
		return nil, err
	}

	stations := make([]model.Station, 0, len(payload))
	for _, p := range payload {
		stations = append(stations, p.toStation())
	}
	sort.Slice(stations, func(i, j int) bool { return stations[i].DistanceKM < stations[j].DistanceKM })

	c.meta.Set(key, stations, gocache.DefaultExpiration)
	return stations, nil
}

// StationHistory fetches raw observations for one station over a window.
func (c *HTTPClient) StationHistory(ctx context.Context, stationID string, w model.Window) ([]model.StationSample, error) {
	if err := w.Validate(); err != nil {
		return nil, fault.Wrap(fault.Permanent, "weatherxm.history", err)
	}

	st, err := c.Station(ctx, stationID)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("start", w.Start.UTC().Format(time.RFC3339))
	q.Set("end", w.End.UTC().Format(time.RFC3339))

	var payload historyResponse
	if err := c.doer.GetJSON(ctx, c.cfg.BaseURL+"/stations/"+url.PathEscape(stationID)+"/data?"+q.Encode(), &payload); err != nil {
		return nil, err
	}

	samples := make([]model.StationSample, 0, len(payload.Data))
	for _, p := range payload.Data {
		if s, ok := toSample(stationID, st.Latitude, st.Longitude, p); ok {
			samples = append(samples, s)
		}
	}
	return samples, nil
}

// CurrentConditions returns the latest observation from the nearest station
// within 10 km, looking back at most one hour.
func (c *HTTPClient) CurrentConditions(ctx context.Context, plotID string, lat, lon float64) (*model.StationSample, error) {
	stations, err := c.NearbyStations(ctx, lat, lon, nearestStationKM)
	if err != nil {
		return nil, err
	}
	if len(stations) == 0 {
		return nil, fault.New(fault.InsufficientData, "weatherxm.current", "no station within %.0f km of plot %s", nearestStationKM, plotID)
	}

	now := time.Now().UTC()
	w := model.NewWindow(now.Add(-currentWindow), now)
	samples, err := c.StationHistory(ctx, stations[0].ID, w)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, fault.New(fault.InsufficientData, "weatherxm.current", "station %s has no observation in the last hour", stations[0].ID)
	}

	latest := samples[0]
	for _, s := range samples[1:] {
		if s.Timestamp.After(latest.Timestamp) {
			latest = s
		}
	}
	return &latest, nil
}

// PlotHistory merges the histories of up to three nearest stations within
// the configured radius, sorted by timestamp.
func (c *HTTPClient) PlotHistory(ctx context.Context, plotID string, lat, lon float64, w model.Window) ([]model.StationSample, error) {
	stations, err := c.NearbyStations(ctx, lat, lon, c.cfg.StationRadiusKM)
	if err != nil {
		return nil, err
	}
	if len(stations) < c.cfg.MinStations {
		return nil, fault.New(fault.InsufficientData, "weatherxm.plot_history",
			"plot %s has %d stations within %.0f km, need %d", plotID, len(stations), c.cfg.StationRadiusKM, c.cfg.MinStations)
	}
	if len(stations) > maxHistoryStations {
		stations = stations[:maxHistoryStations]
	}

	var merged []model.StationSample
	var lastErr error
	for _, st := range stations {
		samples, err := c.StationHistory(ctx, st.ID, w)
		if err != nil {
			// One broken station must not sink the plot; the survivors
			// still produce a usable series.
			log.Warn().Str("plot", plotID).Str("station", st.ID).Err(err).Msg("Station history failed")
			lastErr = err
			continue
		}
		merged = append(merged, samples...)
	}
	if len(merged) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, fault.New(fault.InsufficientData, "weatherxm.plot_history", "no observations for plot %s over %s", plotID, w.Key())
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Timestamp.Before(merged[j].Timestamp) })
	return merged, nil
}
