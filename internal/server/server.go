// Package server provides the HTTP inference API for tagger.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hyperjump/tagger/internal/config"
	"github.com/hyperjump/tagger/internal/inference"
	"github.com/hyperjump/tagger/internal/metrics"
	"github.com/hyperjump/tagger/internal/models"
	"github.com/hyperjump/tagger/internal/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RecordSearcher finds canonical records by tag.
type RecordSearcher interface {
	Search(ctx context.Context, q *models.RecordQuery) (*models.RecordSearchResponse, error)
}

// Loader builds a fresh tagger, used for hot reloads.
type Loader func() (*inference.Tagger, error)

// taggerRef counts the requests using a tagger. A retired tagger is closed
// once its last request releases it.
type taggerRef struct {
	tg     *inference.Tagger
	logger *zap.Logger

	mu      sync.Mutex
	refs    int
	retired bool
}

func (r *taggerRef) acquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retired {
		return false
	}
	r.refs++
	return true
}

func (r *taggerRef) release() {
	r.mu.Lock()
	r.refs--
	done := r.retired && r.refs == 0
	r.mu.Unlock()
	if done {
		r.close()
	}
}

func (r *taggerRef) retire() {
	r.mu.Lock()
	r.retired = true
	done := r.refs == 0
	r.mu.Unlock()
	if done {
		r.close()
	}
}

func (r *taggerRef) close() {
	if err := r.tg.Close(); err != nil {
		r.logger.Warn("failed to close model", zap.Error(err))
	}
}

// Server is the HTTP server for the tagger API.
type Server struct {
	tagger  atomic.Pointer[taggerRef]
	loader  Loader
	search  RecordSearcher
	store   storage.Store
	client  *http.Client
	config  *config.ServerConfig
	logger  *zap.Logger
	server  *http.Server
	maxBody int64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithLoader enables model reloads.
func WithLoader(l Loader) Option {
	return func(s *Server) { s.loader = l }
}

// WithRecordSearch enables the record search endpoints. store may be nil, in which case
// hits carry ids only.
func WithRecordSearch(search RecordSearcher, store storage.Store) Option {
	return func(s *Server) {
		s.search = search
		s.store = store
	}
}

// WithHTTPClient sets the client used to fetch images given by url.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Server) { s.client = c }
}

// NewServer creates a server answering with tg.
func NewServer(tg *inference.Tagger, cfg *config.ServerConfig, opts ...Option) *Server {
	s := &Server{
		config:  cfg,
		logger:  zap.NewNop(),
		client:  &http.Client{Timeout: 30 * time.Second},
		maxBody: 32 << 20,
	}
	for _, opt := range opts {
		opt(s)
	}
	if tg != nil {
		s.tagger.Store(&taggerRef{tg: tg, logger: s.logger})
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/evaluate", func(r chi.Router) {
		r.Use(cors)
		r.Get("/", s.handleEvaluate)
		r.Options("/", s.handleOptions)
	})
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/v1/records/search", s.handleRecordSearch)
	r.Get("/api/v1/records/{id}", s.handleGetRecord)
	r.Post("/api/v1/model/reload", s.handleReload)
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// acquire returns the current tagger reference with a request counted on it,
// or nil when no model is loaded. Callers must release it.
func (s *Server) acquire() *taggerRef {
	for {
		ref := s.tagger.Load()
		if ref == nil {
			return nil
		}
		if ref.acquire() {
			return ref
		}
		// retired between Load and acquire; the swap already happened
	}
}

// Reload swaps in a freshly loaded tagger. In-flight requests finish on the old
// one, which is closed when the last of them returns.
func (s *Server) Reload() error {
	if s.loader == nil {
		return errors.New("reload not configured")
	}
	tg, err := s.loader()
	if err != nil {
		metrics.ModelReloadsTotal.WithLabelValues("error").Inc()
		return err
	}
	old := s.tagger.Swap(&taggerRef{tg: tg, logger: s.logger})
	metrics.ModelReloadsTotal.WithLabelValues("ok").Inc()
	s.logger.Info("model reloaded")
	if old != nil {
		old.retire()
	}
	return nil
}

// Close unloads the model. Requests still running keep it until they finish.
func (s *Server) Close() {
	if old := s.tagger.Swap(nil); old != nil {
		old.retire()
	}
}

// observe records request durations by route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		path := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RequestDuration.WithLabelValues(r.Method, path, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "x-requested-with")
		h.Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		next.ServeHTTP(w, r)
	})
}
