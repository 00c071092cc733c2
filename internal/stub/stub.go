// Package stub fakes the housekeeper runtime endpoints for local development
// and CI. The health endpoint turns ready after a configurable number of
// probes and the self-check endpoint serves a canned report from a fixture.
package stub

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"gopkg.in/yaml.v3"

	"github.com/blab-io/hkprobe/internal/probe"
)

// Fixture scripts the stub's behavior. RawBody, when set, is served on the
// self-check endpoint verbatim instead of the SelfCheck report.
type Fixture struct {
	// ReadyAfter is the number of health probes answered not-ready before
	// the stub reports ready. Zero means ready from the start.
	ReadyAfter int `yaml:"ready_after"`
	// Status overrides the self-check response status. Zero means 200.
	Status    int          `yaml:"status"`
	RawBody   string       `yaml:"raw_body"`
	SelfCheck probe.Report `yaml:"self_check"`
}

// LoadFixture reads a fixture file. An empty path yields the default
// fixture: ready immediately, self-check passing with no check entries.
func LoadFixture(path string) (Fixture, error) {
	if path == "" {
		return Fixture{SelfCheck: probe.Report{OK: true}}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("reading fixture: %w", err)
	}

	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Fixture{}, fmt.Errorf("parsing fixture: %w", err)
	}
	if f.ReadyAfter < 0 {
		return Fixture{}, fmt.Errorf("ready_after must not be negative, got %d", f.ReadyAfter)
	}
	if f.Status != 0 && (f.Status < 100 || f.Status > 599) {
		return Fixture{}, fmt.Errorf("status must be a valid HTTP status, got %d", f.Status)
	}
	return f, nil
}

// Server holds the chi router serving the fake runtime.
type Server struct {
	fixture Fixture
	token   string
	router  chi.Router
	logger  *slog.Logger

	healthHits int64
}

// New creates a stub server for the given fixture. A non-empty token makes
// every endpoint require the matching bearer token.
func New(fixture Fixture, token string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		fixture: fixture,
		token:   token,
		router:  chi.NewRouter(),
		logger:  logger,
	}
	s.registerRoutes()
	return s
}

// Router returns the chi router (for mounting or testing).
func (s *Server) Router() chi.Router {
	return s.router
}

// HealthHits reports how many health probes the stub has answered.
func (s *Server) HealthHits() int64 {
	return atomic.LoadInt64(&s.healthHits)
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	if s.token != "" {
		r.Use(s.requireBearer)
	}

	r.Get("/housekeeper/health", s.handleHealth)
	r.Get("/housekeeper/self-check", s.handleSelfCheck)
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	hit := atomic.AddInt64(&s.healthHits, 1)
	w.Header().Set("Content-Type", "application/json")
	if hit <= int64(s.fixture.ReadyAfter) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(probe.Report{OK: false})
		return
	}
	json.NewEncoder(w).Encode(probe.Report{OK: true})
}

func (s *Server) handleSelfCheck(w http.ResponseWriter, r *http.Request) {
	status := s.fixture.Status
	if status == 0 {
		status = http.StatusOK
	}

	if s.fixture.RawBody != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(status)
		io.WriteString(w, s.fixture.RawBody)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(s.fixture.SelfCheck)
}

// --- Middleware ---

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.token {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start),
		)
	})
}
