// Package server assembles the process: persistence, cache, upstream
// clients, the stress engine, the subscription manager, the evidence
// bundler, the task scheduler and both HTTP listeners, with one lifecycle
// around all of it.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"microcrop-processor/internal/api"
	"microcrop-processor/internal/cache"
	"microcrop-processor/internal/clients/pinstore"
	"microcrop-processor/internal/clients/planet"
	"microcrop-processor/internal/clients/weatherxm"
	"microcrop-processor/internal/config"
	"microcrop-processor/internal/evidence"
	"microcrop-processor/internal/fault"
	"microcrop-processor/internal/satellite"
	"microcrop-processor/internal/scheduler"
	"microcrop-processor/internal/store"
	"microcrop-processor/internal/tasks"
	"microcrop-processor/internal/weather"
)

const shutdownGrace = 15 * time.Second

// Server is the assembled process.
type Server struct {
	cfg   *config.AppConfig
	store *store.Store
	cache *cache.Cache
	sched *scheduler.Scheduler
	api   *api.Server
}

// New connects every dependency and wires the components together. Nothing
// starts running yet; Run owns the lifecycle.
func New(ctx context.Context, cfg *config.AppConfig) (*Server, error) {
	st, err := store.New(ctx, cfg.DB.URL, cfg.DB.MaxConns, cfg.DB.MinConns)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			st.Close()
		}
	}()

	if err := st.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	c, err := cache.New(cfg.Redis.URL, cfg.Redis.PoolSize)
	if err != nil {
		return nil, err
	}
	defer func() {
		if !ok {
			_ = c.Close()
		}
	}()
	if err := c.Ping(ctx); err != nil {
		return nil, err
	}

	wx, err := weatherxm.NewHTTPClient(cfg.WeatherXM)
	if err != nil {
		return nil, err
	}
	pl, err := planet.NewHTTPClient(cfg.Planet)
	if err != nil {
		return nil, err
	}
	pin, err := pinstore.NewHTTPClient(cfg.Pin)
	if err != nil {
		return nil, err
	}

	engine := weather.NewEngine(cfg.Engine)
	hub := api.NewHub(cfg.API.CORSOrigins)
	manager := satellite.NewManager(st, pl, hub, c, cfg.Biomass)
	bundler := evidence.NewBundler(st, manager, pin, c, hub, cfg.Tasks)

	sched := scheduler.New(cfg.Scheduler, c, st)
	pipeline := tasks.New(tasks.Deps{
		Store:             st,
		Cache:             c,
		Weather:           wx,
		Engine:            engine,
		Subs:              manager,
		Bundler:           bundler,
		Submitter:         sched,
		WS:                hub,
		Depths:            sched,
		WeatherConfigured: cfg.WeatherXM.APIKey != "",
		Tasks:             cfg.Tasks,
		Retention:         cfg.Retention,
		TTL:               cfg.CacheTTL,
	})
	if err := pipeline.Register(sched); err != nil {
		return nil, err
	}
	if err := pipeline.Schedule(sched); err != nil {
		return nil, err
	}

	apiSrv := api.New(api.Deps{
		Store:     st,
		Cache:     c,
		Engine:    engine,
		Subs:      manager,
		Submitter: sched,
		Hub:       hub,
		API:       cfg.API,
		Tasks:     cfg.Tasks,
		TTL:       cfg.CacheTTL,
	})

	ok = true
	return &Server{cfg: cfg, store: st, cache: c, sched: sched, api: apiSrv}, nil
}

// Run starts the scheduler and both listeners and blocks until the context
// is cancelled or a listener dies. Shutdown drains HTTP first, then stops
// the scheduler so in-flight tasks finish recording, then closes the pools.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if s.cfg.Scheduler.Enabled {
		s.sched.Start()
	} else {
		log.Info().Msg("Scheduler disabled, running API-only")
	}

	apiSrv := &http.Server{
		Addr:              s.cfg.API.Addr,
		Handler:           s.api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              s.cfg.Metrics.Addr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", apiSrv.Addr).Msg("API listening")
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fault.Wrap(fault.Fatal, "server.api", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", metricsSrv.Addr).Msg("Metrics listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fault.Wrap(fault.Fatal, "server.metrics", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("API shutdown incomplete")
		}
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Metrics shutdown incomplete")
		}
		return nil
	})

	err := g.Wait()

	if s.cfg.Scheduler.Enabled {
		s.sched.Stop()
	}
	if cerr := s.cache.Close(); cerr != nil {
		log.Warn().Err(cerr).Msg("Cache close failed")
	}
	s.store.Close()
	log.Info().Msg("Shutdown complete")
	return err
}
