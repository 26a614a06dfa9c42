package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/itskum47/scnms/monitor/coordination"
	"github.com/itskum47/scnms/monitor/resilience"
	"github.com/itskum47/scnms/monitor/scheduler"
	"github.com/itskum47/scnms/monitor/timeline"
)

const defaultRoundsLimit = 20

// opsDeps are the pieces of a running monitor exposed over HTTP.
type opsDeps struct {
	NodeID    string
	Alarms    http.Handler
	Timeline  *timeline.Store
	Scheduler *scheduler.JobScheduler
	Breaker   *resilience.CircuitBreaker
	// Elector is nil when leader election is disabled.
	Elector *coordination.LeaderElector
	Logger  *zap.Logger
}

type healthResponse struct {
	Status       string `json:"status"`
	NodeID       string `json:"node_id"`
	Leader       bool   `json:"leader"`
	StoreCircuit string `json:"store_circuit"`
	Jobs         int    `json:"jobs"`
}

func newOpsRouter(d opsDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(d.Logger))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		resp := healthResponse{
			Status:       "ok",
			NodeID:       d.NodeID,
			Leader:       d.Elector == nil || d.Elector.IsLeader(),
			StoreCircuit: d.Breaker.State().String(),
			Jobs:         d.Scheduler.Len(),
		}
		code := http.StatusOK
		if d.Breaker.State() == resilience.CircuitOpen {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	})
	r.Handle("/metrics", promhttp.Handler())
	if d.Alarms != nil {
		r.Handle("/ws/alarms", d.Alarms)
	}

	r.Route("/debug", func(r chi.Router) {
		r.Get("/rounds", func(w http.ResponseWriter, req *http.Request) {
			limit := defaultRoundsLimit
			if v := req.URL.Query().Get("limit"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n < 1 {
					http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
					return
				}
				limit = n
			}
			writeJSON(w, http.StatusOK, d.Timeline.Recent(limit))
		})
		r.Get("/rounds/{roundID}", func(w http.ResponseWriter, req *http.Request) {
			report, ok := d.Timeline.Get(chi.URLParam(req, "roundID"))
			if !ok {
				http.Error(w, "round not found", http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, report)
		})
		r.Get("/jobs", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, d.Scheduler.Snapshot())
		})
		r.Get("/leader", func(w http.ResponseWriter, _ *http.Request) {
			if d.Elector == nil {
				writeJSON(w, http.StatusOK, coordination.LeaderState{IsLeader: true, NodeID: d.NodeID})
				return
			}
			writeJSON(w, http.StatusOK, d.Elector.State())
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// requestLogger logs every request at debug level with its chi request id.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

// corsMiddleware lets browser dashboards read the ops endpoints.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Max-Age", "3600")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
