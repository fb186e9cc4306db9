// Package endpoints serves the admin http surface: health check, metrics
// rendered as JSON, and the current run status.
package endpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/hpcsched/runman/common/stats"
)

// StatusProvider returns a snapshot of the current run, marshaled by the
// /status handler.
type StatusProvider func() interface{}

func NewAdminServer(addr string, stat stats.StatsReceiver, status StatusProvider) *AdminServer {
	return &AdminServer{
		Addr:   addr,
		Stats:  stat,
		Status: status,
	}
}

type AdminServer struct {
	Addr   string
	Stats  stats.StatsReceiver
	Status StatusProvider
}

func (s *AdminServer) Serve() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", helpHandler)
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/admin/metrics.json", s.statsHandler)
	mux.HandleFunc("/status", s.statusHandler)
	log.Info("Serving admin http on ", s.Addr)
	return http.ListenAndServe(s.Addr, mux)
}

func helpHandler(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "Common paths: '/health', '/admin/metrics.json', '/status'", 501)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "ok")
}

func (s *AdminServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	pretty := r.URL.Query().Get("pretty") == "true"
	str := s.Stats.Render(pretty)
	if _, err := io.Copy(w, bytes.NewBuffer(str)); err != nil {
		http.Error(w, err.Error(), 500)
	}
}

func (s *AdminServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	if s.Status == nil {
		http.Error(w, "no status provider configured", 404)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	b, err := json.MarshalIndent(s.Status(), "", "  ")
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Write(b)
}
