// Package admin is the optional debug HTTP surface: it wraps a Registry
// from the outside and is never imported by internal/pgpool.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shardbouncer/shardbouncer/internal/pgpool"
)

// Server exposes read-only pool introspection and Prometheus metrics.
type Server struct {
	registry   *pgpool.Registry
	metricsReg *prometheus.Registry
	httpServer *http.Server
	startTime  time.Time
}

// NewServer builds an admin Server over registry. metricsReg may be nil, in
// which case /metrics is omitted.
func NewServer(registry *pgpool.Registry, metricsReg *prometheus.Registry) *Server {
	return &Server{registry: registry, metricsReg: metricsReg, startTime: time.Now()}
}

// Start begins serving on addr in the background.
func (s *Server) Start(addr string) error {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/pools", s.listPoolsHandler).Methods("GET")
	r.HandleFunc("/pools/{db}/{user}", s.poolDetailHandler).Methods("GET")

	if s.metricsReg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metricsReg, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("admin surface listening", "addr", addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server error", "err", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the admin surface down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds":    int(time.Since(s.startTime).Seconds()),
		"go_version":        runtime.Version(),
		"goroutines":        runtime.NumGoroutine(),
		"memory_mb":         float64(mem.Alloc) / 1024 / 1024,
		"num_addresses":     s.registry.GetNumberOfAddresses(),
		"num_pools":         len(s.registry.GetAllPools()),
	})
}

type poolSummary struct {
	Database string `json:"database"`
	User     string `json:"user"`
	Shards   int    `json:"shards"`
	Servers  int    `json:"servers"`
}

func (s *Server) listPoolsHandler(w http.ResponseWriter, r *http.Request) {
	pools := s.registry.GetAllPools()
	result := make([]poolSummary, 0, len(pools))
	for id, cp := range pools {
		result = append(result, poolSummary{
			Database: id.DB,
			User:     id.User,
			Shards:   cp.Shards(),
			Servers:  cp.Databases(),
		})
	}
	writeJSON(w, http.StatusOK, result)
}

type serverState struct {
	Address     string `json:"address"`
	Role        string `json:"role"`
	Connections int    `json:"connections"`
	Idle        int    `json:"idle"`
	Banned      bool   `json:"banned"`
}

func (s *Server) poolDetailHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	db, user := vars["db"], vars["user"]

	cp, err := s.registry.GetPool(db, user)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	var states []serverState
	for shard := 0; shard < cp.Shards(); shard++ {
		for serverIdx := 0; serverIdx < cp.Servers(shard); serverIdx++ {
			addr := cp.Address(shard, serverIdx)
			state := cp.PoolState(shard, serverIdx)
			states = append(states, serverState{
				Address:     addr.Name(),
				Role:        addr.Role.String(),
				Connections: state.Connections,
				Idle:        state.IdleConnections,
				Banned:      cp.IsBanned(addr),
			})
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"database":    db,
		"user":        user,
		"settings":    cp.Settings(),
		"server_info": fmt.Sprintf("%d bytes", len(cp.ServerInfo())),
		"servers":     states,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
