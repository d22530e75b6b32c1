package server

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/vigil/internal/common"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.healthHandler)
	mux.HandleFunc("/api/health", s.healthHandler)
	mux.HandleFunc("/api/status", s.statusHandler)
	mux.HandleFunc("/api/version", s.versionHandler)

	return mux
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusHandler reports the synchronization state: tracked run count and the
// running watcher set.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	watcherNames := s.app.Supervisor.WatcherNames()
	if watcherNames == nil {
		watcherNames = []string{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"environment":  s.app.Config.Environment,
		"sync_enabled": s.app.Config.Sync.Enabled,
		"sync_running": s.app.Supervisor.Running(),
		"tracked_runs": s.app.Registry.Len(),
		"watchers":     watcherNames,
		"version":      common.Version,
	})
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": common.Version,
		"build":   common.Build,
		"commit":  common.GitCommit,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
