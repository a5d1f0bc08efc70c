package status

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"chain-reader/lib/logger"
	a "chain-reader/modules/aggregate"
	"chain-reader/modules/streamer"

	"github.com/chebyrash/promise"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// ===== constants =====

const shutdownTimeout = 5 * time.Second

// ===== types =====

// StatusFunc reports the stream position served on /status.
type StatusFunc func() streamer.Status

type Report struct {
	Backend string `json:"backend"`
	streamer.Status
}

type statusServer struct {
	server  *http.Server
	Addr    string
	backend string
	status  StatusFunc
	log     logger.Logger
}

// ===== interface assertion =====

var _ a.Plugin = &statusServer{}

// ===== implementing the a.Plugin interface =====

func NewServer(addr string, backend string, status StatusFunc) *statusServer {
	return &statusServer{
		Addr:    addr,
		backend: backend,
		status:  status,
		log:     logger.New("status"),
	}
}

// Handler serves /status and /metrics with permissive CORS for dashboards.
func (s *statusServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Report{Backend: s.backend, Status: s.status()})
	})
	mux.Handle("/metrics", promhttp.Handler())

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler(mux)
}

func (s *statusServer) Init() error {
	s.server = &http.Server{
		Addr:    s.Addr,
		Handler: s.Handler(),
	}
	return nil
}

func (s *statusServer) Start() *promise.Promise[any] {
	return promise.New(func(resolve func(any), reject func(error)) {
		s.log.Info("status server listening", "addr", s.Addr)

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			reject(err)
			return
		}

		resolve(nil)
	})
}

func (s *statusServer) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	s.log.Info("status server shut down")
	return nil
}
