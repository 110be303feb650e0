// Package api is the HTTP and websocket surface. Handlers stay thin: they
// validate input and read through the cache; real work goes to the store, the
// engine, the subscription manager, or the task scheduler. Faults map to
// status codes in one place so every endpoint reports upstream trouble the
// same way.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"microcrop-processor/internal/cache"
	"microcrop-processor/internal/config"
	"microcrop-processor/internal/model"
	"microcrop-processor/internal/scheduler"
	"microcrop-processor/internal/store"
	"microcrop-processor/internal/weather"
)

// Store is the slice of persistence the handlers touch.
type Store interface {
	InsertSamples(ctx context.Context, plotID, policyID string, samples []model.StationSample) (int, error)
	SamplesForWindow(ctx context.Context, plotID string, w model.Window) ([]model.StationSample, error)
	InsertIndex(ctx context.Context, idx *model.WeatherIndex) error
	LatestIndex(ctx context.Context, plotID string) (*model.WeatherIndex, error)
	IndexCovering(ctx context.Context, plotID string, w model.Window) (*model.WeatherIndex, error)
	IndexByID(ctx context.Context, id string) (*model.WeatherIndex, error)
	IndicesForPlot(ctx context.Context, plotID string, limit int) ([]*model.WeatherIndex, error)
	Assessment(ctx context.Context, id string) (*model.Assessment, error)
	AssessmentsForPlot(ctx context.Context, plotID string, limit int) ([]*model.Assessment, error)
	SubscriptionByID(ctx context.Context, id string) (*model.Subscription, error)
	SubscriptionEvents(ctx context.Context, id string) ([]model.SubscriptionEvent, error)
	PlotGeometry(ctx context.Context, id string) (*model.Geometry, error)
	QuarantinedTasks(ctx context.Context, limit int) ([]store.QuarantinedTask, error)
	Ping(ctx context.Context) error
}

// Subscriptions is the satellite-manager surface the API drives.
type Subscriptions interface {
	EnsureSubscription(ctx context.Context, policyID, plotID string, geom model.Geometry, start, end time.Time) (*model.Subscription, error)
	Cancel(ctx context.Context, id string) error
	Summary(ctx context.Context, plotID string) (*model.BiomassSummary, error)
}

// Deps carries everything the handlers need.
type Deps struct {
	Store     Store
	Cache     *cache.Cache
	Engine    *weather.Engine
	Subs      Subscriptions
	Submitter scheduler.Submitter
	Hub       *Hub

	API   config.APIConfig
	Tasks config.TasksConfig
	TTL   config.CacheTTLConfig
}

// Server owns the route table.
type Server struct {
	d        Deps
	validate *validator.Validate
	now      func() time.Time
}

func New(d Deps) *Server {
	return &Server{
		d:        d,
		validate: validator.New(),
		now:      time.Now,
	}
}

// Router assembles the middleware stack and every route. The metrics listener
// is separate; only health probes and the versioned API live here.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.d.API.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/weather", func(r chi.Router) {
			r.Post("/submit", s.submitWeather)
			r.Post("/indices", s.computeIndex)
			r.Get("/indices/{plot}", s.latestIndex)
			r.Get("/indices/{plot}/history", s.indexHistory)
			r.Get("/indices/id/{id}", s.indexByID)
			r.Get("/current/{plot}", s.currentWeather)
		})

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", s.createSubscription)
			r.Get("/{id}", s.getSubscription)
			r.Delete("/{id}", s.deleteSubscription)
		})

		r.Get("/biomass/{plot}", s.biomassSummary)
		r.Get("/plots/{plot}/geometry", s.plotGeometry)

		r.Route("/assessments", func(r chi.Router) {
			r.Post("/", s.triggerAssessment)
			r.Get("/{plot}", s.listAssessments)
			r.Get("/id/{id}", s.getAssessment)
		})

		r.Get("/tasks/{id}", s.taskStatus)
		r.Get("/ops/quarantine", s.quarantineList)
	})

	r.Get("/ws/plot/{plot}", s.d.Hub.ServePlot)
	r.Get("/ws/alerts", s.d.Hub.ServeAlerts)

	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz probes both stores directly; the background health-check task keeps
// the exported gauge, this answers load balancers synchronously.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.d.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "reason": "database unreachable"})
		return
	}
	if err := s.d.Cache.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "reason": "cache unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
