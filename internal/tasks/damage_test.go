package tasks

import (
	"context"
	"slices"
	"testing"
	"time"

	"microcrop-processor/internal/fault"
	"microcrop-processor/internal/model"
	"microcrop-processor/internal/scheduler"
)

func TestProcessAssessmentDelegates(t *testing.T) {
	e := newEnv(t)
	w := model.NewWindow(testNow.AddDate(0, 0, -7), testNow.Truncate(time.Hour))
	task := taskFor(t, KindProcessAssessment, AssessmentPayload{
		PlotID:   "plot-a",
		PolicyID: "pol-a",
		Window:   w,
		Trigger:  model.TriggerManual,
	})

	if err := e.p.processAssessment(context.Background(), task); err != nil {
		t.Fatalf("processAssessment: %v", err)
	}
	if len(e.bun.calls) != 1 {
		t.Fatalf("bundler calls = %d, want 1", len(e.bun.calls))
	}
	call := e.bun.calls[0]
	if call.plotID != "plot-a" || call.policyID != "pol-a" || call.trigger != model.TriggerManual {
		t.Fatalf("call = %+v", call)
	}
	if call.window.Key() != w.Key() {
		t.Fatalf("window = %s, want %s", call.window.Key(), w.Key())
	}
}

func TestProcessAssessmentDefaultsTrigger(t *testing.T) {
	e := newEnv(t)
	task := taskFor(t, KindProcessAssessment, AssessmentPayload{
		PlotID:   "plot-a",
		PolicyID: "pol-a",
		Window:   model.NewWindow(testNow.AddDate(0, 0, -7), testNow),
	})

	if err := e.p.processAssessment(context.Background(), task); err != nil {
		t.Fatalf("processAssessment: %v", err)
	}
	if got := e.bun.calls[0].trigger; got != model.TriggerScheduled {
		t.Fatalf("trigger = %s, want the scheduled default", got)
	}
}

func TestProcessAssessmentRejectsIncompletePayload(t *testing.T) {
	e := newEnv(t)
	task := taskFor(t, KindProcessAssessment, AssessmentPayload{PlotID: "plot-a"})

	err := e.p.processAssessment(context.Background(), task)
	if !fault.Is(err, fault.Permanent) {
		t.Fatalf("err = %v, want permanent", err)
	}
	if len(e.bun.calls) != 0 {
		t.Fatal("bundler reached with an incomplete payload")
	}
}

func TestProcessAssessmentSurfacesBundlerFault(t *testing.T) {
	e := newEnv(t)
	e.bun.errs = map[string]error{
		"plot-a": fault.New(fault.InsufficientData, "evidence.assemble", "no index covers window"),
	}
	task := taskFor(t, KindProcessAssessment, AssessmentPayload{
		PlotID:   "plot-a",
		PolicyID: "pol-a",
		Window:   model.NewWindow(testNow.AddDate(0, 0, -7), testNow),
	})

	err := e.p.processAssessment(context.Background(), task)
	if !fault.Is(err, fault.InsufficientData) {
		t.Fatalf("err = %v, want the bundler fault passed through", err)
	}
}

func TestProcessPendingBoundsBatch(t *testing.T) {
	e := newEnv(t)
	e.st.recent = []*model.WeatherIndex{
		indexFor("plot-1", "pol-1", 0.9),
		indexFor("plot-2", "pol-2", 0.8),
		indexFor("plot-3", "pol-3", 0.7),
		indexFor("plot-4", "pol-4", 0.1),
	}
	e.st.covered["plot-1"] = true

	if err := e.p.processPending(context.Background(), scheduler.Task{}); err != nil {
		t.Fatalf("processPending: %v", err)
	}

	// The batch cap of two admits plot-1 and plot-2; plot-1 is already
	// covered, plot-3 waits for the next run, plot-4 is under threshold.
	if len(e.bun.calls) != 1 {
		t.Fatalf("bundler calls = %d, want 1", len(e.bun.calls))
	}
	call := e.bun.calls[0]
	if call.plotID != "plot-2" || call.trigger != model.TriggerScheduled {
		t.Fatalf("call = %+v", call)
	}
	end := testNow.Truncate(time.Hour)
	if !call.window.End.Equal(end) || !call.window.Start.Equal(end.AddDate(0, 0, -7)) {
		t.Fatalf("window = %s, want the hour-bucketed trailing week", call.window.Key())
	}
}

func TestProcessPendingToleratesUnassessableWindows(t *testing.T) {
	e := newEnv(t)
	e.st.recent = []*model.WeatherIndex{indexFor("plot-1", "pol-1", 0.9)}
	e.bun.errs = map[string]error{
		"plot-1": fault.New(fault.InsufficientData, "evidence.assemble", "no index covers window"),
	}

	if err := e.p.processPending(context.Background(), scheduler.Task{}); err != nil {
		t.Fatalf("an unassessable plot must not fail the run, got %v", err)
	}
	if len(e.bun.calls) != 0 {
		t.Fatalf("bundler calls = %d, want 0", len(e.bun.calls))
	}
}

func TestArchiveAssessmentsPassesSettledStatuses(t *testing.T) {
	e := newEnv(t)
	e.st.archived = 7

	if err := e.p.archiveAssessments(context.Background(), scheduler.Task{}); err != nil {
		t.Fatalf("archiveAssessments: %v", err)
	}

	want := []model.PayoutStatus{model.PayoutCompleted, model.PayoutRejected, model.PayoutApproved}
	if !slices.Equal(e.st.archiveStatuses, want) {
		t.Fatalf("statuses = %v, want %v", e.st.archiveStatuses, want)
	}
	wantCutoff := testNow.AddDate(0, 0, -e.p.d.Retention.ArchiveDays)
	if !e.st.archiveCutoff.Equal(wantCutoff) {
		t.Fatalf("cutoff = %s, want %s", e.st.archiveCutoff, wantCutoff)
	}
	if e.st.archiveLimit != archiveBatch {
		t.Fatalf("limit = %d, want %d", e.st.archiveLimit, archiveBatch)
	}
}
