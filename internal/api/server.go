// Package api is the UI-facing JSON boundary. Handlers only read the
// request store and flip coarse switches (create, cancel, hunt start/stop);
// all portal work stays in the worker.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/example/libcal-scheduler/internal/hunt"
	"github.com/example/libcal-scheduler/internal/requests"
	"github.com/example/libcal-scheduler/internal/worker"
)

type RequestStore interface {
	Create(ctx context.Context, req requests.Request) (int64, error)
	Get(ctx context.Context, id int64) (requests.Request, error)
	List(ctx context.Context, f requests.Filter) ([]requests.Request, error)
	Cancel(ctx context.Context, id int64) error
}

type WorkerRegistry interface {
	List(ctx context.Context) ([]worker.Instance, error)
}

type HuntControl interface {
	Get(ctx context.Context) (hunt.State, error)
	Start(ctx context.Context, p hunt.StartParams) error
	Stop(ctx context.Context, reason string) error
}

type Options struct {
	Token      string // bearer token; empty disables auth (local dev)
	CORSOrigin string
	// Scheduling parameters applied when creating requests.
	ReleaseDaysOut int
	ReleaseTime    string
	AttemptWindow  time.Duration
	InstanceTTL    time.Duration
	Location       *time.Location
}

func (o Options) withDefaults() Options {
	if o.ReleaseDaysOut <= 0 {
		o.ReleaseDaysOut = 7
	}
	if o.ReleaseTime == "" {
		o.ReleaseTime = "00:00"
	}
	if o.AttemptWindow <= 0 {
		o.AttemptWindow = 30 * time.Minute
	}
	if o.InstanceTTL <= 0 {
		o.InstanceTTL = 45 * time.Second
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	return o
}

type Server struct {
	store   RequestStore
	workers WorkerRegistry
	hunt    HuntControl
	opts    Options
	log     zerolog.Logger

	now func() time.Time
}

func NewServer(store RequestStore, workers WorkerRegistry, huntCtl HuntControl, opts Options, log zerolog.Logger) *Server {
	return &Server{
		store:   store,
		workers: workers,
		hunt:    huntCtl,
		opts:    opts.withDefaults(),
		log:     log.With().Str("component", "api").Logger(),
		now:     time.Now,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if s.opts.CORSOrigin != "" {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{s.opts.CORSOrigin},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(requireToken(s.opts.Token))

		r.Post("/requests", s.handleCreateRequest)
		r.Get("/requests", s.handleListRequests)
		r.Get("/requests/{id}", s.handleGetRequest)
		r.Post("/requests/{id}/cancel", s.handleCancelRequest)

		r.Get("/worker", s.handleWorkerStatus)

		r.Get("/hunt", s.handleHuntStatus)
		r.Post("/hunt/start", s.handleHuntStart)
		r.Post("/hunt/stop", s.handleHuntStop)
	})

	return r
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func Start(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}
