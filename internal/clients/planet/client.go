// Package planet is the satellite-subscription upstream boundary.
package planet

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"microcrop-processor/internal/clients/httpx"
	"microcrop-processor/internal/fault"
	"microcrop-processor/internal/metrics"
	"microcrop-processor/internal/model"
)

// Config carries the upstream coordinates and the biomass product to order.
type Config struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	ProductID string
}

// Client is consumed by the subscription lifecycle manager.
type Client interface {
	Create(ctx context.Context, policyID, plotID string, geom model.Geometry, start, end time.Time) (string, error)
	Status(ctx context.Context, subscriptionID string) (model.SubscriptionStatus, error)
	Cancel(ctx context.Context, subscriptionID string) error
	LatestBiomass(ctx context.Context, subscriptionID, plotID string, limit int) ([]model.BiomassSample, error)
}

// HTTPClient implements Client against the live upstream.
type HTTPClient struct {
	cfg  Config
	doer *httpx.Doer
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.APIKey == "" {
		return nil, fault.New(fault.Fatal, "planet.new", "PLANET_API_KEY is not set")
	}
	if cfg.BaseURL == "" {
		return nil, fault.New(fault.Fatal, "planet.new", "PLANET_API_URL is not set")
	}
	if cfg.ProductID == "" {
		return nil, fault.New(fault.Fatal, "planet.new", "PLANET_PRODUCT_ID is not set")
	}
	return &HTTPClient{
		cfg: cfg,
		doer: httpx.New(httpx.Options{
			Upstream:  "planet",
			Timeout:   cfg.Timeout,
			Authorize: func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+cfg.APIKey) },
		}),
	}, nil
}

// SubscriptionName renders the deterministic upstream name for a policy and
// plot, which is how reconciliation finds records we already created.
func SubscriptionName(policyID, plotID string) string {
	return fmt.Sprintf("microcrop-policy-%s-plot-%s", policyID, plotID)
}

type createRequest struct {
	Name   string     `json:"name"`
	Source sourceSpec `json:"source"`
}

type sourceSpec struct {
	Type       string     `json:"type"`
	Parameters parameters `json:"parameters"`
}

type parameters struct {
	ID        string         `json:"id"`
	StartTime string         `json:"start_time"`
	EndTime   string         `json:"end_time"`
	Geometry  model.Geometry `json:"geometry"`
}

type subscriptionPayload struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Create orders satellite delivery for a plot and returns the upstream id.
func (c *HTTPClient) Create(ctx context.Context, policyID, plotID string, geom model.Geometry, start, end time.Time) (string, error) {
	if err := geom.Validate(); err != nil {
		return "", fault.Wrap(fault.Permanent, "planet.create", err)
	}
	if !end.After(start) {
		return "", fault.New(fault.Permanent, "planet.create", "delivery window end %s not after start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	req := createRequest{
		Name: SubscriptionName(policyID, plotID),
		Source: sourceSpec{
			Type: "biomass_proxy",
			Parameters: parameters{
				ID:        c.cfg.ProductID,
				StartTime: start.UTC().Format(time.RFC3339),
				EndTime:   end.UTC().Format(time.RFC3339),
				Geometry:  geom,
			},
		},
	}

	var out subscriptionPayload
	if err := c.doer.PostJSON(ctx, c.cfg.BaseURL, req, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fault.New(fault.Permanent, "planet.create", "upstream returned no subscription id for %s", req.Name)
	}
	return out.ID, nil
}

// Status fetches the upstream state mapped onto the local lifecycle:
// cancelled and failed pass through, completed reads as expired, anything
// still delivering reads as active.
func (c *HTTPClient) Status(ctx context.Context, subscriptionID string) (model.SubscriptionStatus, error) {
	var out subscriptionPayload
	if err := c.doer.GetJSON(ctx, c.cfg.BaseURL+"/"+url.PathEscape(subscriptionID), &out); err != nil {
		return "", err
	}
	switch out.Status {
	case "cancelled":
		return model.SubscriptionCancelled, nil
	case "failed":
		return model.SubscriptionFailed, nil
	case "completed":
		return model.SubscriptionExpired, nil
	default:
		return model.SubscriptionActive, nil
	}
}

// Cancel stops delivery. A subscription the upstream no longer knows counts
// as cancelled.
func (c *HTTPClient) Cancel(ctx context.Context, subscriptionID string) error {
	err := c.doer.PatchJSON(ctx, c.cfg.BaseURL+"/"+url.PathEscape(subscriptionID), map[string]string{"status": "cancelled"}, nil)
	if err != nil && errors.Is(err, httpx.ErrNotFound) {
		log.Debug().Str("subscription", subscriptionID).Msg("Cancelling a subscription the upstream already dropped")
		return nil
	}
	return err
}

type resultsResponse struct {
	Results []resultPayload `json:"results"`
}

type resultPayload struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Created  string `json:"created"`
	Location string `json:"location"`
}

// LatestBiomass downloads the newest completed delivery and returns up to
// limit observations, date ascending. No delivery yet is an empty series,
// not an error.
func (c *HTTPClient) LatestBiomass(ctx context.Context, subscriptionID, plotID string, limit int) ([]model.BiomassSample, error) {
	var out resultsResponse
	if err := c.doer.GetJSON(ctx, c.cfg.BaseURL+"/"+url.PathEscape(subscriptionID)+"/results", &out); err != nil {
		return nil, err
	}

	completed := make([]resultPayload, 0, len(out.Results))
	for _, r := range out.Results {
		if r.Status == "completed" && r.Location != "" {
			completed = append(completed, r)
		}
	}
	if len(completed) == 0 {
		return nil, nil
	}
	sort.Slice(completed, func(i, j int) bool { return completed[i].Created > completed[j].Created })

	raw, err := c.doer.Download(ctx, completed[0].Location)
	if err != nil {
		return nil, err
	}

	samples, err := parseBiomassCSV(raw, subscriptionID, plotID)
	if err != nil {
		return nil, err
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Date.Before(samples[j].Date) })
	if limit > 0 && len(samples) > limit {
		samples = samples[len(samples)-limit:]
	}
	return samples, nil
}

// parseBiomassCSV reads a delivered series: header date,value,cloud_cover.
// Malformed rows are skipped with a warning and counted.
func parseBiomassCSV(raw []byte, subscriptionID, plotID string) ([]model.BiomassSample, error) {
	reader := csv.NewReader(bytes.NewReader(raw))
	reader.FieldsPerRecord = -1

	var samples []model.BiomassSample
	first := true
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fault.Wrap(fault.Permanent, "planet.results", fmt.Errorf("reading delivery csv: %w", err))
		}
		if first {
			first = false
			if len(record) > 0 && record[0] == "date" {
				continue
			}
		}
		if len(record) < 3 {
			skipRow(subscriptionID, record)
			continue
		}
		date, err := time.Parse("2006-01-02", record[0])
		if err != nil {
			skipRow(subscriptionID, record)
			continue
		}
		value, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			skipRow(subscriptionID, record)
			continue
		}
		cloud, err := strconv.ParseFloat(record[2], 64)
		if err != nil {
			skipRow(subscriptionID, record)
			continue
		}
		samples = append(samples, model.BiomassSample{
			PlotID:         plotID,
			SubscriptionID: subscriptionID,
			Date:           date.UTC(),
			Value:          value,
			CloudCover:     cloud,
			Quality:        model.QualityFromCloudCover(cloud),
		})
	}
	return samples, nil
}

func skipRow(subscriptionID string, record []string) {
	metrics.SkippedRecords.WithLabelValues("planet").Inc()
	log.Warn().Str("subscription", subscriptionID).Strs("record", record).Msg("Skipping malformed biomass row")
}
