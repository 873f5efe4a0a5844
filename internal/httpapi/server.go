package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MimeLyc/slide-translator/internal/credits"
	"github.com/MimeLyc/slide-translator/internal/jobs"
	"github.com/MimeLyc/slide-translator/internal/translator"
	"github.com/MimeLyc/slide-translator/pkg/log"
)

// TextTranslator charges for and translates ad-hoc texts.
type TextTranslator interface {
	TranslateTexts(ctx context.Context, userID string, texts []string, sourceLang, targetLang string) (*translator.Outcome, error)
}

type Server struct {
	jobs       *jobs.Service
	ledger     *credits.Ledger
	translator TextTranslator

	streamInterval time.Duration

	router chi.Router
	server *http.Server
}

type Option func(*Server)

// WithStreamInterval sets how often job streams push a fresh status.
func WithStreamInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.streamInterval = d
		}
	}
}

func NewServer(jobService *jobs.Service, ledger *credits.Ledger, tr TextTranslator, opts ...Option) *Server {
	s := &Server{
		jobs:           jobService,
		ledger:         ledger,
		translator:     tr,
		streamInterval: time.Second,
		router:         chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info("HTTP API listening on %s", addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(requestLogger)

	s.router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	s.router.Route("/api", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmitJob)
		r.Get("/jobs/{id}", s.handleJobStatus)
		r.Get("/jobs/{id}/stream", s.handleJobStream)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)
		r.Post("/jobs/{id}/retry", s.handleRetryJob)

		r.Get("/credits/{user}", s.handleGetCredits)
		r.Put("/credits/{user}", s.handleSetCredits)
		r.Get("/credits/{user}/check", s.handleCheckCredits)

		r.Post("/translate", s.handleTranslate)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug("%s %s -> %d (%s)", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond))
	})
}
