package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/7byte/fatiguemonitor/internal"
	"github.com/7byte/fatiguemonitor/internal/fatigue"
	"github.com/7byte/fatiguemonitor/internal/store"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"
)

// Runner is one started analysis session.
type Runner interface {
	Run(ctx context.Context) fatigue.AnalysisResult
	Stop()
}

// Analyzer starts analysis sessions.
type Analyzer interface {
	Analyze(ctx context.Context, req internal.Request) (fatigue.AnalysisResult, error)
	Start(req internal.Request) Runner
}

// Store persists analyses.
type Store interface {
	SaveAnalysis(ctx context.Context, a *store.Analysis) error
	GetAnalysis(ctx context.Context, id, employeeID int64) (store.Analysis, error)
	History(ctx context.Context, employeeID int64, limit int) ([]store.Analysis, error)
	SetFeedback(ctx context.Context, id, employeeID int64, score int) error
}

type pipeline struct {
	*internal.Analyzer
}

func (p pipeline) Start(req internal.Request) Runner {
	return p.NewSession(req)
}

// FromPipeline exposes the video pipeline as an Analyzer.
func FromPipeline(a *internal.Analyzer) Analyzer {
	return pipeline{a}
}

type Options struct {
	VideoDir       string
	MaxUploadBytes int64
	MaxSessions    int64
	// Transcode, when set, re-encodes annotated output for browsers.
	Transcode func(ctx context.Context, path string) error
}

type Server struct {
	analyzer Analyzer
	store    Store
	opts     Options
	sem      *semaphore.Weighted
	metrics  *Metrics
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewServer(analyzer Analyzer, st Store, opts Options, log *slog.Logger) *Server {
	if opts.MaxSessions < 1 {
		opts.MaxSessions = 1
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 200 << 20
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		analyzer: analyzer,
		store:    st,
		opts:     opts,
		sem:      semaphore.NewWeighted(opts.MaxSessions),
		metrics:  NewMetrics(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: log,
	}
}

func (s *Server) Metrics() *Metrics { return s.metrics }

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.health).Methods(http.MethodGet)
	api.HandleFunc("/metrics", s.metricsHandler).Methods(http.MethodGet)
	api.HandleFunc("/fatigue/analyze", s.analyze).Methods(http.MethodPost)
	api.HandleFunc("/fatigue/feedback", s.feedback).Methods(http.MethodPost)
	api.HandleFunc("/fatigue/history", s.history).Methods(http.MethodGet)
	api.HandleFunc("/fatigue/{id:[0-9]+}", s.getAnalysis).Methods(http.MethodGet)
	r.HandleFunc("/ws/live", s.live)
	r.Use(s.logRequests)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("http request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.log.Info("http server shutting down")
	return srv.Shutdown(shutdownCtx)
}

type errorResponse struct {
	Error     string            `json:"error"`
	ErrorKind fatigue.ErrorKind `json:"error_kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps a result to the HTTP status of the analyze endpoint.
func statusFor(res fatigue.AnalysisResult) int {
	switch res.ErrorKind {
	case fatigue.KindNone:
		return http.StatusCreated
	case fatigue.KindNoFace:
		return http.StatusOK
	case fatigue.KindInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
