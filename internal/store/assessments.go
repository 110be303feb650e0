package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"microcrop-processor/internal/fault"
	"microcrop-processor/internal/model"
)

const insertAssessmentSQL = `
INSERT INTO assessments (
    id, plot_id, policy_id, window_start, window_end,
    trigger_source, damage_type, severity, evidence_cid,
    sum_insured, max_payout, payout_status, archived, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (id) DO NOTHING`

// InsertAssessment persists a new assessment. The deterministic id makes a
// re-bundled window collide; the stored row wins and the caller gets a
// conflict.
func (s *Store) InsertAssessment(ctx context.Context, a *model.Assessment) error {
	tag, err := s.pool.Exec(ctx, insertAssessmentSQL,
		a.ID, a.PlotID, a.PolicyID, a.Window.Start.UTC(), a.Window.End.UTC(),
		string(a.TriggerSource), string(a.DamageType), a.Severity, a.EvidenceCID,
		a.SumInsured, a.MaxPayout, string(a.PayoutStatus), a.Archived, a.CreatedAt.UTC(),
	)
	if err != nil {
		return fault.Wrap(fault.Transient, "store.insert_assessment", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.Conflict, "store.insert_assessment", "assessment %s already stored", a.ID)
	}
	return nil
}

const selectAssessmentSQL = `
SELECT id, plot_id, policy_id, window_start, window_end,
       trigger_source, damage_type, severity, evidence_cid,
       sum_insured, max_payout, payout_status, archived, created_at
FROM assessments`

func scanAssessment(row pgx.Row) (*model.Assessment, error) {
	var (
		a       model.Assessment
		trigger string
		damage  string
		payout  string
	)
	err := row.Scan(
		&a.ID, &a.PlotID, &a.PolicyID, &a.Window.Start, &a.Window.End,
		&trigger, &damage, &a.Severity, &a.EvidenceCID,
		&a.SumInsured, &a.MaxPayout, &payout, &a.Archived, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.TriggerSource = model.TriggerSource(trigger)
	a.DamageType = model.DamageType(damage)
	a.PayoutStatus = model.PayoutStatus(payout)
	return &a, nil
}

// Assessment fetches one assessment by id.
func (s *Store) Assessment(ctx context.Context, id string) (*model.Assessment, error) {
	a, err := scanAssessment(s.pool.QueryRow(ctx, selectAssessmentSQL+" WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.New(fault.InsufficientData, "store.assessment", "assessment %s not found", id)
	}
	if err != nil {
		return nil, fault.Wrap(fault.Transient, "store.assessment", err)
	}
	return a, nil
}

// AssessmentsForPlot lists a plot's assessments newest first.
func (s *Store) AssessmentsForPlot(ctx context.Context, plotID string, limit int) ([]*model.Assessment, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		selectAssessmentSQL+" WHERE plot_id = $1 ORDER BY window_end DESC LIMIT $2", plotID, limit)
	if err != nil {
		return nil, fault.Wrap(fault.Transient, "store.assessments_for_plot", err)
	}
	defer rows.Close()

	var out []*model.Assessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, fault.Wrap(fault.Transient, "store.assessments_for_plot", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Transient, "store.assessments_for_plot", err)
	}
	return out, nil
}

// HasAssessmentSince reports whether the plot already has an assessment whose
// window ends after the cutoff. Trigger evaluation uses it to avoid stacking
// assessments on the same stress event.
func (s *Store) HasAssessmentSince(ctx context.Context, plotID string, cutoff time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM assessments WHERE plot_id = $1 AND window_end > $2)",
		plotID, cutoff.UTC()).Scan(&exists)
	if err != nil {
		return false, fault.Wrap(fault.Transient, "store.has_assessment_since", err)
	}
	return exists, nil
}

const archiveAssessmentsSQL = `
UPDATE assessments SET archived = TRUE
WHERE id IN (
    SELECT id FROM assessments
    WHERE NOT archived
      AND payout_status = ANY($1)
      AND window_end < $2
    ORDER BY window_end ASC
    LIMIT $3
)`

// ArchiveAssessments marks settled assessments older than the cutoff as
// archived, oldest first, at most limit per call.
func (s *Store) ArchiveAssessments(ctx context.Context, statuses []model.PayoutStatus, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 100
	}
	set := make([]string, len(statuses))
	for i, st := range statuses {
		set[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx, archiveAssessmentsSQL, set, cutoff.UTC(), limit)
	if err != nil {
		return 0, fault.Wrap(fault.Transient, "store.archive_assessments", err)
	}
	return tag.RowsAffected(), nil
}

// PendingAssessmentCount backs the pipeline gauge.
func (s *Store) PendingAssessmentCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM assessments WHERE payout_status = $1 AND NOT archived",
		string(model.PayoutPending)).Scan(&n)
	if err != nil {
		return 0, fault.Wrap(fault.Transient, "store.pending_assessment_count", err)
	}
	return n, nil
}
