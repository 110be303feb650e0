package model

import "time"

// QualityTag grades a biomass observation by cloud contamination.
type QualityTag string

const (
	QualityHigh   QualityTag = "high"
	QualityMedium QualityTag = "medium"
	QualityLow    QualityTag = "low"
)

// QualityFromCloudCover derives the tag: high under 10% cloud, medium under
// 30%, low above.
func QualityFromCloudCover(cloud float64) QualityTag {
	switch {
	case cloud < 0.1:
		return QualityHigh
	case cloud < 0.3:
		return QualityMedium
	default:
		return QualityLow
	}
}

// Weight ranks tags for averaging: high 3, medium 2, low 1.
func (q QualityTag) Weight() int {
	switch q {
	case QualityHigh:
		return 3
	case QualityMedium:
		return 2
	default:
		return 1
	}
}

// BiomassSample is one delivered vegetation-proxy observation for a plot.
type BiomassSample struct {
	PlotID         string     `json:"plot_id"`
	SubscriptionID string     `json:"subscription_id,omitempty"`
	Date           time.Time  `json:"observation_date"`
	Value          float64    `json:"value"`
	CloudCover     float64    `json:"cloud_cover"`
	Quality        QualityTag `json:"quality"`
	UpdatedAt      time.Time  `json:"updated_at,omitempty"`
}

// BiomassSummary reduces a plot's sample series to decision inputs.
type BiomassSummary struct {
	PlotID           string     `json:"plot_id"`
	Current          float64    `json:"current"`
	Baseline         float64    `json:"baseline"`
	Min              float64    `json:"min"`
	Max              float64    `json:"max"`
	Trend            float64    `json:"trend"`
	DeviationPercent float64    `json:"deviation_percent"`
	Observations     int        `json:"observations"`
	LastUpdated      time.Time  `json:"last_updated"`
	Quality          QualityTag `json:"quality"`
}
