package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/andresmejia3/facegate/internal/logger"
	"github.com/andresmejia3/facegate/internal/pipeline"
	"github.com/andresmejia3/facegate/internal/source"
	"github.com/andresmejia3/facegate/internal/store"
)

// Controller is the part of the pipeline the UI may drive.
type Controller interface {
	SetMode(m pipeline.Mode)
	Mode() pipeline.Mode
	SetRunning(running bool)
	Running() bool
	CancelRegister()
}

// Server is the HTTP control surface a camera UI talks to: it posts frames, switches modes,
// confirms enrollments and listens for decisions over SSE.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	pipe       Controller
	store      *store.Store
	frames     *source.Mailbox
	hub        *Hub
	log        *logger.Logger

	mu         sync.Mutex
	pending    *pipeline.EnrollmentReady
	frameIndex int
}

func NewServer(addr string, pipe Controller, st *store.Store, frames *source.Mailbox, log *logger.Logger) *Server {
	r := chi.NewRouter()
	s := &Server{
		router: r,
		pipe:   pipe,
		store:  st,
		frames: frames,
		hub:    &Hub{},
		log:    log,
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chiMiddleware.Recoverer)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.health)

		r.Post("/frames", s.postFrame)
		r.Put("/mode", s.putMode)
		r.Put("/running", s.putRunning)
		r.Post("/register/cancel", s.cancelRegister)

		r.Get("/enrollment", s.getEnrollment)
		r.Post("/enrollment/confirm", s.confirmEnrollment)

		r.Get("/identities", s.listIdentities)
		r.Get("/identities/next-name", s.nextName)
		r.Get("/identities/{id}/image", s.identityImage)

		r.Get("/events", s.events)
	})
}

func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("starting http server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

// HandleDecision keeps the latest enrollment capture for confirmation and broadcasts every
// decision to event listeners.
func (s *Server) HandleDecision(d pipeline.Decision) {
	if ready, ok := d.(pipeline.EnrollmentReady); ok {
		s.mu.Lock()
		s.pending = &ready
		s.mu.Unlock()
	}
	s.hub.Send(Event{Type: d.Kind(), Data: d})
}

func (s *Server) HandleOverlay(o pipeline.Overlay) {
	s.hub.Send(Event{Type: "overlay", Data: o})
}

func (s *Server) takePending() *pipeline.EnrollmentReady {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending
	s.pending = nil
	return p
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chiMiddleware.GetReqID(r.Context()))
	})
}
