// Package handlers holds the playback-facing HTTP handlers and the JSON helpers the
// admin API shares with them.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"trackunblock/work/backend"
	"trackunblock/work/diagnostics"
	"trackunblock/work/logger"
	"trackunblock/work/store"
	"trackunblock/work/types"
	"trackunblock/work/utils"

	"github.com/gorilla/mux"
)

// Resolver is the resolution entry point.
type Resolver interface {
	Resolve(ctx context.Context, req types.MatchRequest) (types.MatchResult, error)
}

// ParseMatchRequest builds a request from the query string; id may come from the path.
func ParseMatchRequest(r *http.Request, id string) (types.MatchRequest, error) {
	q := r.URL.Query()
	if id == "" {
		id = q.Get("id")
	}
	trackID, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil || trackID <= 0 {
		return types.MatchRequest{}, fmt.Errorf("invalid track id %q", id)
	}
	return types.MatchRequest{
		TrackID: trackID,
		Title:   strings.TrimSpace(q.Get("title")),
		Artist:  strings.TrimSpace(q.Get("artist")),
		Quality: strings.TrimSpace(q.Get("quality")),
	}, nil
}

// HandleResolve answers with the resolved MatchResult as JSON.
func HandleResolve(res Resolver, obfuscate bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := ParseMatchRequest(r, "")
		if err != nil {
			WriteJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		result, err := res.Resolve(r.Context(), req)
		if err != nil {
			WriteError(w, err)
			return
		}
		logger.Debug("{handlers - HandleResolve} Track %d -> %s", req.TrackID, utils.LogURL(obfuscate, result.URL))
		WriteJSON(w, http.StatusOK, result)
	}
}

// HandleStream resolves the track in the path and redirects the player to the URL.
func HandleStream(res Resolver, obfuscate bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := ParseMatchRequest(r, mux.Vars(r)["id"])
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		result, err := res.Resolve(r.Context(), req)
		if err != nil {
			status, msg := ErrorStatus(err)
			http.Error(w, msg, status)
			return
		}
		logger.Debug("{handlers - HandleStream} Redirecting track %d to %s", req.TrackID, utils.LogURL(obfuscate, result.URL))
		w.Header().Set("X-Unblock-Source", result.Source)
		http.Redirect(w, r, result.URL, http.StatusFound)
	}
}

// ErrorStatus maps an error onto an HTTP status and the message the client sees.
// Resolution failures never expose per-backend detail.
func ErrorStatus(err error) (int, string) {
	var parseErr *backend.ParseError
	var failed *backend.ResolutionFailed
	switch {
	case errors.As(err, &failed):
		return http.StatusNotFound, "exhausted all backends"
	case errors.As(err, &parseErr),
		errors.Is(err, store.ErrInvalid),
		errors.Is(err, store.ErrInvalidOrder):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, store.ErrNotFound), errors.Is(err, diagnostics.ErrUnknownSource):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, store.ErrDuplicateID):
		return http.StatusConflict, err.Error()
	case errors.Is(err, store.ErrBuiltin):
		return http.StatusForbidden, err.Error()
	}
	logger.Error("{handlers - ErrorStatus} Unexpected error: %v", err)
	return http.StatusInternalServerError, "internal error"
}

// WriteError writes err as a JSON error body with its mapped status.
func WriteError(w http.ResponseWriter, err error) {
	status, msg := ErrorStatus(err)
	WriteJSONError(w, status, msg)
}

// WriteJSONError writes {"error": msg}.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{handlers - WriteJSON} Failed to encode response: %v", err)
	}
}
