package tasks

import (
	"context"
	"slices"
	"testing"

	"microcrop-processor/internal/fault"
	"microcrop-processor/internal/scheduler"
)

func TestPlanetKindsDelegateToManager(t *testing.T) {
	e := newEnv(t)

	runs := []struct {
		name string
		run  scheduler.Handler
	}{
		{"sweep", e.p.checkSubscriptions},
		{"fetch", e.p.fetchBiomass},
		{"cancel", e.p.cancelExpiredSubs},
		{"quality", e.p.monitorQuality},
	}
	for _, r := range runs {
		if err := r.run(context.Background(), scheduler.Task{}); err != nil {
			t.Fatalf("%s: %v", r.name, err)
		}
	}
	if want := []string{"sweep", "fetch", "cancel", "quality"}; !slices.Equal(e.subs.calls, want) {
		t.Fatalf("manager calls = %v, want %v", e.subs.calls, want)
	}

	// Manager faults pass through untouched so the retry loop sees the kind.
	e.subs.err = fault.New(fault.Transient, "planet.search", "upstream 502")
	for _, r := range runs {
		if err := r.run(context.Background(), scheduler.Task{}); !fault.Is(err, fault.Transient) {
			t.Fatalf("%s: err = %v, want transient", r.name, err)
		}
	}
}

func TestCleanupRetentionLoopsSampleBatches(t *testing.T) {
	e := newEnv(t)
	e.subs.staleRows = 4
	e.st.sampleBatches = []int64{retentionBatch, 137}
	e.st.quarantineRows = 9

	if err := e.p.cleanupRetention(context.Background(), scheduler.Task{}); err != nil {
		t.Fatalf("cleanupRetention: %v", err)
	}

	// A full first batch means more backlog; the loop stops on the short one.
	if e.st.deleteCalls != 2 {
		t.Fatalf("delete batches = %d, want 2", e.st.deleteCalls)
	}
	if e.st.sampleLimit != retentionBatch {
		t.Fatalf("batch limit = %d, want %d", e.st.sampleLimit, retentionBatch)
	}

	wantWeather := testNow.AddDate(0, 0, -e.p.d.Retention.WeatherDays)
	if !e.st.sampleCutoff.Equal(wantWeather) {
		t.Fatalf("weather cutoff = %s, want %s", e.st.sampleCutoff, wantWeather)
	}
	wantBiomass := testNow.AddDate(0, 0, -e.p.d.Retention.BiomassDays)
	if !e.subs.staleCutoff.Equal(wantBiomass) {
		t.Fatalf("biomass cutoff = %s, want %s", e.subs.staleCutoff, wantBiomass)
	}
	wantQuarantine := testNow.AddDate(0, 0, -e.p.d.Retention.QuarantineDays)
	if !e.st.quarantineCutoff.Equal(wantQuarantine) {
		t.Fatalf("quarantine cutoff = %s, want %s", e.st.quarantineCutoff, wantQuarantine)
	}
}
