package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"

	"trackunblock/work/app"
	"trackunblock/work/backend"
	"trackunblock/work/handlers"
	"trackunblock/work/logger"
	"trackunblock/work/middleware"
	"trackunblock/work/resolver"
	"trackunblock/work/types"
	"trackunblock/work/utils"

	"github.com/gorilla/mux"
)

// maxScriptBytes bounds an imported script body.
const maxScriptBytes = 1 << 20

// adminStartTime is used for the uptime reported on /api/stats.
var adminStartTime = time.Now()

// SourceView is one source as listed by the admin API.
type SourceView struct {
	types.SourceConfig
	StatusKey string                 `json:"statusKey"`
	Status    types.SourceTestStatus `json:"status"`
}

// SourcesResponse is the body of GET /api/sources.
type SourcesResponse struct {
	DefaultsEnabled bool         `json:"defaultsEnabled"`
	Sources         []SourceView `json:"sources"`
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Uptime         string                  `json:"uptime"`
	MemoryUsage    string                  `json:"memoryUsage"`
	CacheStatus    string                  `json:"cacheStatus"`
	CacheEntries   int                     `json:"cacheEntries"`
	TotalSources   int                     `json:"totalSources"`
	EnabledSources int                     `json:"enabledSources"`
	ProbeRunning   bool                    `json:"probeRunning"`
	LastProbe      *time.Time              `json:"lastProbe,omitempty"`
	ProbeFailures  map[string]int          `json:"probeFailures"`
	Backends       []resolver.BackendStats `json:"backends"`
	Database       map[string]interface{}  `json:"database,omitempty"`
}

// setupAdminRoutes registers the source management, diagnostics and log endpoints.
func setupAdminRoutes(router *mux.Router, a *app.App) {
	cors, gz := middleware.CORS, middleware.Gzip

	router.HandleFunc("/api/sources", cors(gz(handleListSources(a)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/sources", cors(handleAddSource(a))).Methods("POST")
	router.HandleFunc("/api/sources/import", cors(handleImportScript(a))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/sources/order", cors(handleReorderSources(a))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/sources/defaults", cors(handleToggleDefaults(a))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/sources/{id}", cors(handleRemoveSource(a))).Methods("DELETE", "OPTIONS")
	router.HandleFunc("/api/sources/{id}/toggle", cors(handleToggleSource(a))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/sources/{id}/rename", cors(handleRenameSource(a))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/sources/{id}/test", cors(gz(handleTestSource(a)))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/test", cors(handleTestAll(a))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/test/status", cors(gz(handleTestStatus(a)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/test/events", cors(handleTestEvents(a))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/stats", cors(gz(handleGetStats(a)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/logs", cors(gz(handleGetLogs))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/logs", cors(handleClearLogs)).Methods("DELETE")

	logger.Debug("{admin_handlers - setupAdminRoutes} Admin routes registered")
}

func handleListSources(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all := a.Store.All()
		keys := make(map[string]int, len(all))
		for _, s := range all {
			keys[s.Name]++
		}

		resp := SourcesResponse{DefaultsEnabled: a.Store.DefaultsEnabled(), Sources: make([]SourceView, 0, len(all))}
		for _, s := range all {
			key := s.Name
			if keys[s.Name] > 1 {
				key = fmt.Sprintf("%s (%s)", s.Name, utils.ShortID(s.ID))
			}
			st, ok := a.Prober.Status(s.ID)
			if !ok {
				st = types.SourceTestStatus{State: types.StateUnknown}
			}
			resp.Sources = append(resp.Sources, SourceView{SourceConfig: s, StatusKey: key, Status: st})
		}
		handlers.WriteJSON(w, http.StatusOK, resp)
	}
}

// addSourceRequest is the body of POST /api/sources. Enabled defaults to true.
type addSourceRequest struct {
	Name    string             `json:"name"`
	Kind    types.SourceKind   `json:"kind"`
	Enabled *bool              `json:"enabled"`
	Params  types.SourceParams `json:"params"`
}

func handleAddSource(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addSourceRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxScriptBytes)).Decode(&req); err != nil {
			handlers.WriteJSONError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
			return
		}
		enabled := true
		if req.Enabled != nil {
			enabled = *req.Enabled
		}

		stored, err := a.Store.Add(types.SourceConfig{
			Name:    req.Name,
			Kind:    req.Kind,
			Enabled: enabled,
			Params:  req.Params,
		})
		if err != nil {
			handlers.WriteError(w, err)
			return
		}
		handlers.WriteJSON(w, http.StatusCreated, stored)
	}
}

// handleImportScript takes a raw script body, named by ?name= or its @name header.
func handleImportScript(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxScriptBytes+1))
		if err != nil {
			handlers.WriteJSONError(w, http.StatusBadRequest, "Failed to read body")
			return
		}
		if len(body) > maxScriptBytes {
			handlers.WriteJSONError(w, http.StatusRequestEntityTooLarge, "script too large")
			return
		}

		cfg, err := backend.ScriptSource(r.URL.Query().Get("name"), "", string(body))
		if err != nil {
			handlers.WriteError(w, err)
			return
		}
		stored, err := a.Store.Add(cfg)
		if err != nil {
			handlers.WriteError(w, err)
			return
		}
		handlers.WriteJSON(w, http.StatusCreated, stored)
	}
}

func handleRemoveSource(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := a.Store.Remove(mux.Vars(r)["id"]); err != nil {
			handlers.WriteError(w, err)
			return
		}
		handlers.WriteJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}

func handleToggleSource(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		enabled, err := a.Store.Toggle(mux.Vars(r)["id"])
		if err != nil {
			handlers.WriteError(w, err)
			return
		}
		handlers.WriteJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
	}
}

func handleRenameSource(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			handlers.WriteJSONError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
		if err := a.Store.Rename(mux.Vars(r)["id"], req.Name); err != nil {
			handlers.WriteError(w, err)
			return
		}
		handlers.WriteJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}

// handleReorderSources accepts either a full order {"ids": [...]} or a single move
// {"id": "...", "to": n}.
func handleReorderSources(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IDs []string `json:"ids"`
			ID  string   `json:"id"`
			To  int      `json:"to"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			handlers.WriteJSONError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}

		var err error
		if req.ID != "" {
			err = a.Store.Move(req.ID, req.To)
		} else {
			err = a.Store.Reorder(req.IDs)
		}
		if err != nil {
			handlers.WriteError(w, err)
			return
		}
		handlers.WriteJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}

func handleToggleDefaults(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			handlers.WriteJSONError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
		a.Store.ToggleDefaults(req.Enabled)
		handlers.WriteJSON(w, http.StatusOK, map[string]bool{"defaultsEnabled": req.Enabled})
	}
}

func handleTestSource(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := a.Prober.TestOne(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			handlers.WriteError(w, err)
			return
		}
		handlers.WriteJSON(w, http.StatusOK, report)
	}
}

// handleTestAll starts a diagnostics pass in the background; progress is visible on
// /api/test/status and /api/test/events.
func handleTestAll(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.Watcher.Running() {
			handlers.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "already_running"})
			return
		}
		go a.Watcher.RunOnce(context.Background())
		handlers.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	}
}

func handleTestStatus(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"running":  a.Watcher.Running(),
			"statuses": a.Prober.Snapshot(),
		}
		if last := a.Watcher.LastRun(); !last.IsZero() {
			resp["lastRun"] = last
		}
		handlers.WriteJSON(w, http.StatusOK, resp)
	}
}

// handleTestEvents streams status updates as server-sent events, starting with the
// current snapshot.
func handleTestEvents(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			handlers.WriteJSONError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}

		updates, unsubscribe := a.Prober.Subscribe()
		defer unsubscribe()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		writeEvent(w, "snapshot", a.Prober.Snapshot())
		flusher.Flush()

		keepAlive := time.NewTicker(15 * time.Second)
		defer keepAlive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				writeEvent(w, "status", u)
				flusher.Flush()
			case <-keepAlive.C:
				fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()
			}
		}
	}
}

func writeEvent(w io.Writer, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("{admin_handlers - writeEvent} Failed to encode %s event: %v", event, err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func handleGetStats(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		cacheStatus := "Disabled"
		if a.Cache != nil {
			cacheStatus = "Enabled (" + a.Cache.Duration().String() + ")"
		}

		stats := StatsResponse{
			Uptime:         formatDuration(time.Since(adminStartTime)),
			MemoryUsage:    formatBytes(int64(m.Alloc)),
			CacheStatus:    cacheStatus,
			CacheEntries:   a.Cache.Len(),
			TotalSources:   len(a.Store.All()),
			EnabledSources: len(a.Store.List()),
			ProbeRunning:   a.Watcher.Running(),
			ProbeFailures:  a.Watcher.Failures(),
			Backends:       a.Resolver.Stats(),
		}
		if last := a.Watcher.LastRun(); !last.IsZero() {
			stats.LastProbe = &last
		}
		if dbStats, err := a.DB.GetStats(); err == nil {
			stats.Database = dbStats
		} else {
			logger.Warn("{admin_handlers - handleGetStats} Database stats unavailable: %v", err)
		}

		handlers.WriteJSON(w, http.StatusOK, stats)
	}
}

func handleGetLogs(w http.ResponseWriter, r *http.Request) {
	handlers.WriteJSON(w, http.StatusOK, logger.Entries())
}

func handleClearLogs(w http.ResponseWriter, r *http.Request) {
	logger.ClearEntries()
	logger.Info("{admin_handlers - handleClearLogs} Log entries cleared via admin API")
	handlers.WriteJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
