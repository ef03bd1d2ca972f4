// Copyright 2026 Evan Lesch
// SPDX-License-Identifier: Apache-2.0

package snakesync

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// ClientAuthenticator extracts the authenticated user and device identity
// from an HTTP request. Implementations validate auth (e.g. JWT) issued by
// the external session service.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
}

// HTTPSyncHandlers exposes the coordinator over HTTP.
type HTTPSyncHandlers struct {
	coordinator   *Coordinator
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates the handler set.
func NewHTTPSyncHandlers(coordinator *Coordinator, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSyncHandlers{
		coordinator:   coordinator,
		authenticator: authenticator,
		logger:        logger,
	}
}

// HandleBatchSync processes a batch push: an array of operations in, an
// index-aligned array of results out.
func (h *HTTPSyncHandlers) HandleBatchSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	var req BatchSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse batch sync request")
		return
	}

	results, err := h.coordinator.ProcessBatchSync(r.Context(), userID, req.Operations)
	if err != nil {
		// Protocol mismatch (unknown table/op) or cancelled context; not
		// attributable to one record.
		h.logger.Error("batch sync rejected", "error", err, "user_id", userID, "ops", len(req.Operations))
		h.writeError(w, http.StatusBadRequest, "batch_rejected", err.Error())
		return
	}

	h.writeJSON(w, &BatchSyncResponse{Results: results})
}

// HandleSyncOperation processes a single push, used by online clients that
// write through immediately instead of queueing.
func (h *HTTPSyncHandlers) HandleSyncOperation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	var req TableOperation
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse sync operation")
		return
	}

	result, err := h.coordinator.ProcessSyncOperation(r.Context(), userID, req.Table, &req.Operation)
	if err != nil {
		h.logger.Error("sync operation rejected", "error", err, "user_id", userID)
		h.writeError(w, http.StatusBadRequest, "operation_rejected", err.Error())
		return
	}

	h.writeJSON(w, result)
}

// HandleChanges processes a pull: every record modified strictly after the
// since cursor, plus the new cursor.
func (h *HTTPSyncHandlers) HandleChanges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	since := time.Time{}
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		parsed, err := time.Parse(time.RFC3339Nano, sinceStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "since must be an RFC 3339 timestamp")
			return
		}
		since = parsed
	}

	result, err := h.coordinator.GetChangesSince(r.Context(), userID, since)
	if err != nil {
		h.logger.Error("failed to collect changes", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "pull_failed", "Failed to collect changes")
		return
	}

	h.writeJSON(w, result)
}

func (h *HTTPSyncHandlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(&ErrorResponse{Error: errorCode, Message: message})
}
