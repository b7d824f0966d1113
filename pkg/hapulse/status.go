package hapulse

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzip"
)

// statusRouter builds the read-only operator API: cluster snapshot, event
// journal tail, Prometheus metrics and pprof.
func (s *Server) statusRouter() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/v1/status", s.serveStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/events", s.serveEvents).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.serveMetrics).Methods(http.MethodGet)

	r.HandleFunc("/debug/pprof/", pprof.Index)
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return r
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, s.Cluster.Snapshot())
}

func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.Error(w, "event journal not configured", http.StatusNotFound)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 10000 {
			limit = n
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	evs, err := s.events.Recent(ctx, limit)
	if err != nil {
		s.Logger.Err(err).Msg("read event journal")
		http.Error(w, "failed to read event journal", http.StatusInternalServerError)
		return
	}
	writeJSON(w, r, evs)
}

func (s *Server) serveMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	s.Cluster.WritePrometheus(w)
	s.UDP.WritePrometheus(w)
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	buf, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		zw.Write(buf)
		zw.Close()
		return
	}
	w.Write(buf)
}
