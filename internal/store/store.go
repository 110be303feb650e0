// Package store is the PostgreSQL persistence layer. Time-series tables are
// insert-only; conflicts surface as faults, never as updates.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"microcrop-processor/internal/fault"
)

// Store wraps the connection pool with the typed queries of the pipeline.
type Store struct {
	pool *pgxpool.Pool
}

// New connects a pool and verifies it with a ping.
func New(ctx context.Context, url string, maxConns, minConns int32) (*Store, error) {
	if url == "" {
		return nil, fault.New(fault.Fatal, "store.new", "DATABASE_URL is not set")
	}
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fault.Wrap(fault.Fatal, "store.new", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fault.Wrap(fault.Fatal, "store.new", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fault.Wrap(fault.Transient, "store.new", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Ping is the health-check probe.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fault.Wrap(fault.Transient, "store.ping", err)
	}
	return nil
}

// EnsureSchema creates the tables and indices, then makes a best-effort
// attempt at Timescale hypertables; a vanilla PostgreSQL works fine too.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fault.Wrap(fault.Fatal, "store.schema", err)
	}
	for _, stmt := range hypertables {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			log.Debug().Err(err).Msg("Hypertable conversion skipped")
		}
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS weather_samples (
    time             TIMESTAMPTZ      NOT NULL,
    plot_id          TEXT             NOT NULL,
    policy_id        TEXT             NOT NULL DEFAULT '',
    station_id       TEXT             NOT NULL,
    lat              DOUBLE PRECISION NOT NULL DEFAULT 0,
    lon              DOUBLE PRECISION NOT NULL DEFAULT 0,
    temperature      DOUBLE PRECISION NOT NULL,
    feels_like       DOUBLE PRECISION,
    temp_min         DOUBLE PRECISION,
    temp_max         DOUBLE PRECISION,
    rainfall         DOUBLE PRECISION NOT NULL DEFAULT 0,
    rainfall_rate    DOUBLE PRECISION,
    humidity         DOUBLE PRECISION NOT NULL DEFAULT 0,
    pressure         DOUBLE PRECISION NOT NULL DEFAULT 0,
    wind_speed       DOUBLE PRECISION,
    wind_direction   DOUBLE PRECISION,
    wind_gust        DOUBLE PRECISION,
    solar            DOUBLE PRECISION,
    uv_index         DOUBLE PRECISION,
    soil_moisture    DOUBLE PRECISION,
    soil_temperature DOUBLE PRECISION,
    quality          DOUBLE PRECISION NOT NULL DEFAULT 1,
    PRIMARY KEY (plot_id, time, station_id)
);
CREATE INDEX IF NOT EXISTS idx_weather_samples_plot_time ON weather_samples (plot_id, time DESC);

CREATE TABLE IF NOT EXISTS weather_indices (
    id            TEXT             PRIMARY KEY,
    plot_id       TEXT             NOT NULL,
    policy_id     TEXT             NOT NULL DEFAULT '',
    window_start  TIMESTAMPTZ      NOT NULL,
    window_end    TIMESTAMPTZ      NOT NULL,
    drought       DOUBLE PRECISION NOT NULL,
    flood         DOUBLE PRECISION NOT NULL,
    heat          DOUBLE PRECISION NOT NULL,
    composite     DOUBLE PRECISION NOT NULL,
    dominant      TEXT             NOT NULL,
    severities    JSONB            NOT NULL,
    details       JSONB            NOT NULL,
    stations      TEXT[]           NOT NULL DEFAULT '{}',
    samples       INTEGER          NOT NULL,
    quality       DOUBLE PRECISION NOT NULL,
    confidence    DOUBLE PRECISION NOT NULL,
    anomaly       BOOLEAN          NOT NULL DEFAULT FALSE,
    anomaly_score DOUBLE PRECISION,
    engine_version TEXT            NOT NULL,
    created_at    TIMESTAMPTZ      NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_weather_indices_plot_end ON weather_indices (plot_id, window_end DESC);
CREATE INDEX IF NOT EXISTS idx_weather_indices_created ON weather_indices (created_at DESC);

CREATE TABLE IF NOT EXISTS biomass_samples (
    plot_id          TEXT             NOT NULL,
    observation_date DATE             NOT NULL,
    value            DOUBLE PRECISION NOT NULL,
    cloud_cover      DOUBLE PRECISION NOT NULL DEFAULT 0,
    quality          TEXT             NOT NULL,
    subscription_id  TEXT             NOT NULL DEFAULT '',
    updated_at       TIMESTAMPTZ      NOT NULL,
    PRIMARY KEY (plot_id, observation_date)
);

CREATE TABLE IF NOT EXISTS subscriptions (
    id         TEXT        PRIMARY KEY,
    policy_id  TEXT        NOT NULL,
    plot_id    TEXT        NOT NULL,
    geometry   JSONB       NOT NULL,
    start_at   TIMESTAMPTZ NOT NULL,
    end_at     TIMESTAMPTZ NOT NULL,
    status     TEXT        NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_policy_plot ON subscriptions (policy_id, plot_id);
CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions (status);

CREATE TABLE IF NOT EXISTS subscription_events (
    subscription_id TEXT        NOT NULL,
    old_status      TEXT        NOT NULL,
    new_status      TEXT        NOT NULL,
    reason          TEXT        NOT NULL DEFAULT '',
    changed_by      TEXT        NOT NULL DEFAULT '',
    at              TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_subscription_events_sub ON subscription_events (subscription_id, at DESC);

CREATE TABLE IF NOT EXISTS assessments (
    id             TEXT             PRIMARY KEY,
    plot_id        TEXT             NOT NULL,
    policy_id      TEXT             NOT NULL,
    window_start   TIMESTAMPTZ      NOT NULL,
    window_end     TIMESTAMPTZ      NOT NULL,
    trigger_source TEXT             NOT NULL,
    damage_type    TEXT             NOT NULL,
    severity       TEXT             NOT NULL,
    evidence_cid   TEXT             NOT NULL DEFAULT '',
    sum_insured    DOUBLE PRECISION NOT NULL DEFAULT 0,
    max_payout     DOUBLE PRECISION NOT NULL DEFAULT 0,
    payout_status  TEXT             NOT NULL DEFAULT 'pending',
    archived       BOOLEAN          NOT NULL DEFAULT FALSE,
    created_at     TIMESTAMPTZ      NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assessments_plot_end ON assessments (plot_id, window_end DESC);
CREATE INDEX IF NOT EXISTS idx_assessments_payout ON assessments (payout_status) WHERE NOT archived;

CREATE TABLE IF NOT EXISTS plots (
    id         TEXT        PRIMARY KEY,
    geometry   JSONB       NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS quarantined_tasks (
    id              TEXT        PRIMARY KEY,
    kind            TEXT        NOT NULL,
    queue           TEXT        NOT NULL,
    payload         JSONB       NOT NULL,
    idempotency_key TEXT        NOT NULL DEFAULT '',
    attempts        INTEGER     NOT NULL,
    last_error      TEXT        NOT NULL,
    quarantined_at  TIMESTAMPTZ NOT NULL
);
`

// weather_samples carries its partition column in the primary key; the
// indices table keys on id alone, so only samples can become a hypertable.
var hypertables = []string{
	"SELECT create_hypertable('weather_samples', 'time', chunk_time_interval => INTERVAL '1 day', if_not_exists => TRUE)",
}
