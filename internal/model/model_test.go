package model

import (
	"testing"
	"time"
)

func TestSubscriptionTransitions(t *testing.T) {
	tests := []struct {
		name     string
		from     SubscriptionStatus
		to       SubscriptionStatus
		expected bool
	}{
		{"RequestedToActive", SubscriptionRequested, SubscriptionActive, true},
		{"RequestedToFailed", SubscriptionRequested, SubscriptionFailed, true},
		{"RequestedToExpired", SubscriptionRequested, SubscriptionExpired, false},
		{"ActiveToExpired", SubscriptionActive, SubscriptionExpired, true},
		{"ActiveToCancelled", SubscriptionActive, SubscriptionCancelled, true},
		{"ActiveToFailed", SubscriptionActive, SubscriptionFailed, false},
		{"ExpiredToActive", SubscriptionExpired, SubscriptionActive, false},
		{"CancelledToExpired", SubscriptionCancelled, SubscriptionExpired, false},
		{"FailedToActive", SubscriptionFailed, SubscriptionActive, false},
		{"SelfTransition", SubscriptionActive, SubscriptionActive, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.expected {
				t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.expected)
			}
		})
	}
}

func TestQualityFromCloudCover(t *testing.T) {
	tests := []struct {
		name     string
		cloud    float64
		expected QualityTag
	}{
		{"Clear", 0.0, QualityHigh},
		{"JustUnderHigh", 0.09, QualityHigh},
		{"HighBoundary", 0.1, QualityMedium},
		{"Medium", 0.25, QualityMedium},
		{"MediumBoundary", 0.3, QualityLow},
		{"Overcast", 0.9, QualityLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := QualityFromCloudCover(tt.cloud); got != tt.expected {
				t.Errorf("QualityFromCloudCover(%v) = %v, want %v", tt.cloud, got, tt.expected)
			}
		})
	}
}

func TestAssessmentIDDeterministic(t *testing.T) {
	w := NewWindow(
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	)

	a := AssessmentID("plot-1", "policy-9", w)
	b := AssessmentID("plot-1", "policy-9", w)
	if a != b {
		t.Fatalf("same inputs produced different ids: %s vs %s", a, b)
	}
	if len(a) != len("DA_")+32 {
		t.Errorf("id length = %d, want %d", len(a), len("DA_")+32)
	}

	other := AssessmentID("plot-2", "policy-9", w)
	if a == other {
		t.Errorf("different plots collided on %s", a)
	}
}

func TestWindowDays(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		end      time.Time
		expected int
	}{
		{"SingleDay", start.Add(23 * time.Hour), 1},
		{"Week", start.AddDate(0, 0, 6), 7},
		{"Month", start.AddDate(0, 0, 29), 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWindow(start, tt.end)
			if got := w.Days(); got != tt.expected {
				t.Errorf("Days() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestWindowValidate(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if err := NewWindow(start, start).Validate(); err == nil {
		t.Error("zero-length window validated")
	}
	if err := NewWindow(start.Add(time.Hour), start).Validate(); err == nil {
		t.Error("inverted window validated")
	}
	if err := NewWindow(start, start.Add(time.Hour)).Validate(); err != nil {
		t.Errorf("valid window rejected: %v", err)
	}
}

func TestNormalizeSoilMoisture(t *testing.T) {
	tests := []struct {
		name     string
		in       float64
		expected float64
	}{
		{"Fraction", 0.95, 95},
		{"FractionLow", 0.05, 5},
		{"Percent", 42, 42},
		{"Zero", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeSoilMoisture(tt.in); got != tt.expected {
				t.Errorf("NormalizeSoilMoisture(%v) = %v, want %v", tt.in, got, tt.expected)
			}
		})
	}
}

func TestGeometryCentroid(t *testing.T) {
	g := Geometry{
		Type: "Polygon",
		Coordinates: [][][2]float64{{
			{10, 50}, {12, 50}, {12, 52}, {10, 52}, {10, 50},
		}},
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	lat, lon := g.Centroid()
	if lat != 51 || lon != 11 {
		t.Errorf("Centroid() = (%v, %v), want (51, 11)", lat, lon)
	}
}

func TestGeometryValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		g    Geometry
	}{
		{"NotPolygon", Geometry{Type: "Point"}},
		{"EmptyRing", Geometry{Type: "Polygon"}},
		{"ShortRing", Geometry{Type: "Polygon", Coordinates: [][][2]float64{{{0, 0}, {1, 1}, {0, 0}}}}},
		{"BadLatitude", Geometry{Type: "Polygon", Coordinates: [][][2]float64{{{0, 91}, {1, 1}, {2, 2}, {0, 91}}}}},
		{"BadLongitude", Geometry{Type: "Polygon", Coordinates: [][][2]float64{{{181, 0}, {1, 1}, {2, 2}, {181, 0}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.g.Validate(); err == nil {
				t.Error("Validate() accepted invalid geometry")
			}
		})
	}
}
