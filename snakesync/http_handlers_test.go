// Copyright 2026 Evan Lesch
// SPDX-License-Identifier: Apache-2.0

package snakesync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type staticAuth struct {
	userID string
	err    error
}

func (a *staticAuth) GetUserID(*http.Request) (string, error)   { return a.userID, a.err }
func (a *staticAuth) GetDeviceID(*http.Request) (string, error) { return "device-test", a.err }

func newTestHandlers(t *testing.T) (*HTTPSyncHandlers, map[Table]*fakeService, *fakeFeed) {
	t.Helper()
	coordinator, fakes, feed := newTestCoordinator(t)
	handlers := NewHTTPSyncHandlers(coordinator, &staticAuth{userID: "user-1"}, nil)
	return handlers, fakes, feed
}

func TestHandleBatchSync(t *testing.T) {
	handlers, _, _ := newTestHandlers(t)

	id := uuid.NewString()
	body, err := json.Marshal(&BatchSyncRequest{Operations: []TableOperation{
		{Table: TableReptiles, Operation: SyncOperation{
			Op:              OpCreate,
			RecordID:        id,
			Payload:         json.RawMessage(fmt.Sprintf(`{"id":%q,"name":"Monty"}`, id)),
			ClientTimestamp: time.Now().UTC(),
		}},
	}})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	handlers.HandleBatchSync(w, httptest.NewRequest(http.MethodPost, "/sync/batch", bytes.NewReader(body)))

	require.Equal(t, http.StatusOK, w.Code)
	var response BatchSyncResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	require.Len(t, response.Results, 1)
	require.True(t, response.Results[0].Success)
	require.Equal(t, id, response.Results[0].RecordID)
}

func TestHandleBatchSync_UnknownTableRejectsBatch(t *testing.T) {
	handlers, _, _ := newTestHandlers(t)

	body := []byte(`{"operations":[{"table":"mystery","operation":{"operation":"CREATE","recordId":"x","payload":{}}}]}`)
	w := httptest.NewRecorder()
	handlers.HandleBatchSync(w, httptest.NewRequest(http.MethodPost, "/sync/batch", bytes.NewReader(body)))

	require.Equal(t, http.StatusBadRequest, w.Code)
	var response ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	require.Equal(t, "invalid_request", response.Error)
}

func TestHandleBatchSync_RequiresAuth(t *testing.T) {
	coordinator, _, _ := newTestCoordinator(t)
	handlers := NewHTTPSyncHandlers(coordinator, &staticAuth{err: fmt.Errorf("no token")}, nil)

	w := httptest.NewRecorder()
	handlers.HandleBatchSync(w, httptest.NewRequest(http.MethodPost, "/sync/batch", bytes.NewReader([]byte(`{}`))))
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleSyncOperation_FailureStaysInResult(t *testing.T) {
	handlers, _, _ := newTestHandlers(t)

	body := []byte(`{"table":"reptiles","operation":{"operation":"DELETE","recordId":"ghost"}}`)
	w := httptest.NewRecorder()
	handlers.HandleSyncOperation(w, httptest.NewRequest(http.MethodPost, "/sync/op", bytes.NewReader(body)))

	// Domain failures ride inside a 200 result, not an HTTP error.
	require.Equal(t, http.StatusOK, w.Code)
	var result SyncResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.False(t, result.Success)
	require.Equal(t, ErrorTypeNotFound, result.ErrorType)
}

func TestHandleChanges(t *testing.T) {
	handlers, _, feed := newTestHandlers(t)
	feed.changes[TableReptiles] = []*Record{{ID: "r1", UserID: "user-1"}}

	w := httptest.NewRecorder()
	handlers.HandleChanges(w, httptest.NewRequest(http.MethodGet, "/sync/changes", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var result ChangesSinceResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.Len(t, result.Reptiles, 1)
	require.True(t, result.ServerTimestamp.Equal(feed.now))

	// Empty tables serialize as [], not null.
	require.Contains(t, w.Body.String(), `"sheds":[]`)
}

func TestHandleChanges_RejectsBadCursor(t *testing.T) {
	handlers, _, _ := newTestHandlers(t)

	w := httptest.NewRecorder()
	handlers.HandleChanges(w, httptest.NewRequest(http.MethodGet, "/sync/changes?since=yesterday", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlers_MethodGuards(t *testing.T) {
	handlers, _, _ := newTestHandlers(t)

	w := httptest.NewRecorder()
	handlers.HandleBatchSync(w, httptest.NewRequest(http.MethodGet, "/sync/batch", nil))
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = httptest.NewRecorder()
	handlers.HandleChanges(w, httptest.NewRequest(http.MethodPost, "/sync/changes", nil))
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
