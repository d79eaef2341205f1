package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/taskq/internal/api/middleware"
	"github.com/phrazzld/taskq/internal/task"
)

// RouterConfig wires the HTTP surface. Metrics, Auth and DB are optional.
type RouterConfig struct {
	Queue   *task.Queue
	Metrics http.Handler
	// Auth guards /api when set.
	Auth   middleware.Validator
	DB     Pinger
	Logger *slog.Logger
}

const requestTimeout = 30 * time.Second

// NewRouter builds the chi router for the worker's HTTP port.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.NewTraceMiddleware(cfg.Logger))

	r.Method(http.MethodGet, "/health", NewHealthHandler(cfg.DB))
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	if cfg.Queue != nil {
		tasks := NewTaskHandler(cfg.Queue)
		r.Route("/api", func(r chi.Router) {
			r.Use(chimiddleware.Timeout(requestTimeout))
			if cfg.Auth != nil {
				r.Use(middleware.NewAuthMiddleware(cfg.Auth).Authenticate)
			}
			r.Get("/tasks", tasks.ListTasks)
			r.Post("/tasks", tasks.EnqueueTask)
			r.Get("/tasks/{id}", tasks.GetTask)
		})
	}
	return r
}

// NewServer returns an http.Server for handler on addr.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}
