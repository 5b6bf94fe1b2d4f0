package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/breez/offline-sync/config"
	"github.com/breez/offline-sync/middleware"
	"github.com/breez/offline-sync/store"
	"github.com/breez/offline-sync/syncer"
	"github.com/gorilla/websocket"
	"github.com/improbable-eng/grpc-web/go/grpcweb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// RemoteHealthService reports SERVING while the remote store is the current
// adapter.
const RemoteHealthService = "offline-sync.remote"

const writeTimeout = 10 * time.Second

// SyncService is what the status API needs from the orchestrator.
type SyncService interface {
	Status() syncer.Status
	SubscribeStatus() (<-chan syncer.Status, func())
	SyncNow(ctx context.Context) (store.DrainResult, error)
	ReportConnectivity(online bool)
	OnConnectionChange(fn func(online bool)) func()
}

type StatusServer struct {
	config   *config.Config
	sync     SyncService
	health   *health.Server
	gatherer prometheus.Gatherer
	log      *zap.Logger
	upgrader websocket.Upgrader
	stop     func()
}

type syncReply struct {
	Attempted int    `json:"attempted"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	LastError string `json:"lastError,omitempty"`
	Skipped   bool   `json:"skipped"`
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

type errorReply struct {
	Error string `json:"error"`
}

func NewStatusServer(config *config.Config, sync SyncService, healthServer *health.Server, gatherer prometheus.Gatherer, logger *zap.Logger) *StatusServer {
	return &StatusServer{
		config:   config,
		sync:     sync,
		health:   healthServer,
		gatherer: gatherer,
		log:      logger.Named("status"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Start mirrors the connection state into the gRPC health service.
func (s *StatusServer) Start() {
	s.stop = s.sync.OnConnectionChange(func(online bool) {
		serving := healthpb.HealthCheckResponse_NOT_SERVING
		if online {
			serving = healthpb.HealthCheckResponse_SERVING
		}
		s.health.SetServingStatus(RemoteHealthService, serving)
	})
}

func (s *StatusServer) Stop() {
	if s.stop != nil {
		s.stop()
	}
}

// Handler serves the JSON API, the status stream and metrics. When grpcServer
// is set, grpc-web requests are forwarded to it.
func (s *StatusServer) Handler(grpcServer *grpc.Server) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /status", s.handleStatus)
	api.HandleFunc("POST /sync", s.handleSync)
	api.HandleFunc("POST /connectivity", s.handleConnectivity)
	api.HandleFunc("GET /status/stream", s.handleStream)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/", middleware.RequireToken(s.config.StatusToken, api))

	var handler http.Handler = mux
	if grpcServer != nil {
		wrapped := grpcweb.WrapServer(grpcServer, grpcweb.WithOriginFunc(func(string) bool { return true }))
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if wrapped.IsGrpcWebRequest(r) {
				wrapped.ServeHTTP(w, r)
				return
			}
			mux.ServeHTTP(w, r)
		})
	}

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Grpc-Web", "X-User-Agent"},
	}).Handler(handler)
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sync.Status())
}

func (s *StatusServer) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.sync.SyncNow(r.Context())
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, syncer.ErrOffline) {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, errorReply{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, syncReply{
		Attempted: result.Attempted,
		Succeeded: result.Succeeded,
		Failed:    result.Failed,
		LastError: result.LastError,
		Skipped:   result.Skipped,
	})
}

func (s *StatusServer) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
		writeJSON(w, http.StatusBadRequest, errorReply{Error: `expected {"online": true|false}`})
		return
	}
	s.sync.ReportConnectivity(*req.Online)
	writeJSON(w, http.StatusAccepted, s.sync.Status())
}

// handleStream sends the current status on connect and then every change.
func (s *StatusServer) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reading is only used to notice the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	updates, unsubscribe := s.sync.SubscribeStatus()
	defer unsubscribe()
	for {
		select {
		case status, ok := <-updates:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(status); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
