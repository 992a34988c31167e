package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/amrclass/internal/domain"
)

// Server is the amrclass HTTP API.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer builds the router. Logging wraps tracing so the logged line
// carries the ids tracing assigns.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	h := NewHandler(deps, cfg.MaxBodyBytes)
	r := chi.NewRouter()

	r.Use(CORSMiddleware)
	r.Use(RecoverMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(TracingMiddleware)
	r.Use(middleware.RealIP)
	r.Use(middleware.Compress(5, "application/json", "application/fhir+json"))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no route for " + r.URL.Path})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: r.Method + " not allowed on " + r.URL.Path})
	})

	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)

	r.Route("/classify", func(r chi.Router) {
		r.Post("/", h.Classify)
		r.Post("/fhir", h.ClassifyAs(domain.FormatFHIR))
		r.Post("/hl7v2", h.ClassifyAs(domain.FormatHL7v2))
		r.Post("/direct", h.ClassifyAs(domain.FormatDirect))
	})

	r.Route("/rules", func(r chi.Router) {
		r.Get("/", h.ListRules)
		r.Post("/reload", h.ReloadRules)
	})
	r.Get("/expert-rules", h.ListExpertRules)

	r.Route("/audit", func(r chi.Router) {
		r.Get("/", h.ListAudit)
		r.Get("/{id}", h.GetAudit)
	})

	return &Server{router: r, handler: h, config: cfg}
}

// Start listens on Host:Port and blocks until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port)),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router exposes the router for httptest.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) Handler() *Handler {
	return s.handler
}
