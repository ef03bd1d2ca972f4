// Copyright 2026 Evan Lesch
// SPDX-License-Identifier: Apache-2.0

package snakelite

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ELesch/snakey-sub000/snakesync"
)

func staticToken(token string) TokenFunc {
	return func(context.Context) (string, error) { return token, nil }
}

func TestHTTPTransport_PushBatch(t *testing.T) {
	var gotAuth string
	var gotRequest snakesync.BatchSyncRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/sync/batch", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotRequest))

		results := make([]snakesync.SyncResult, len(gotRequest.Operations))
		for i, op := range gotRequest.Operations {
			results[i] = snakesync.SyncResult{Success: true, RecordID: op.Operation.RecordID}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snakesync.BatchSyncResponse{Results: results})
	}))
	defer server.Close()

	transport := NewHTTPTransport(HTTPTransportConfig{BaseURL: server.URL, Token: staticToken("tok-123")})
	results, err := transport.PushBatch(context.Background(), []snakesync.TableOperation{
		{Table: snakesync.TableReptiles, Operation: snakesync.SyncOperation{Op: snakesync.OpCreate, RecordID: "r1", Payload: json.RawMessage(`{"id":"r1"}`)}},
		{Table: snakesync.TableFeedings, Operation: snakesync.SyncOperation{Op: snakesync.OpDelete, RecordID: "f1"}},
	})
	require.NoError(t, err)
	require.Equal(t, "Bearer tok-123", gotAuth)
	require.Len(t, gotRequest.Operations, 2)
	require.Len(t, results, 2)
	require.Equal(t, "r1", results[0].RecordID)
	require.Equal(t, "f1", results[1].RecordID)
}

func TestHTTPTransport_PullChanges(t *testing.T) {
	since := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/sync/changes", r.URL.Path)
		require.Equal(t, since.Format(time.RFC3339Nano), r.URL.Query().Get("since"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(&snakesync.ChangesSinceResult{
			Reptiles:        []*snakesync.Record{{ID: "r1"}},
			ServerTimestamp: since.Add(time.Minute),
		})
	}))
	defer server.Close()

	transport := NewHTTPTransport(HTTPTransportConfig{BaseURL: server.URL, Token: staticToken("tok-123")})
	changes, err := transport.PullChanges(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, changes.Reptiles, 1)
	require.True(t, changes.ServerTimestamp.Equal(since.Add(time.Minute)))
}

func TestHTTPTransport_PullChangesOmitsZeroCursor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.False(t, r.URL.Query().Has("since"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(&snakesync.ChangesSinceResult{ServerTimestamp: time.Now().UTC()})
	}))
	defer server.Close()

	transport := NewHTTPTransport(HTTPTransportConfig{BaseURL: server.URL, Token: staticToken("tok-123")})
	_, err := transport.PullChanges(context.Background(), time.Time{})
	require.NoError(t, err)
}

func TestHTTPTransport_MapsErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(snakesync.ErrorResponse{Error: "batch_rejected", Message: "unsupported table"})
	}))
	defer server.Close()

	transport := NewHTTPTransport(HTTPTransportConfig{BaseURL: server.URL, Token: staticToken("tok-123")})
	_, err := transport.PushOne(context.Background(), snakesync.TableOperation{
		Table:     snakesync.TableReptiles,
		Operation: snakesync.SyncOperation{Op: snakesync.OpDelete, RecordID: "r1"},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "batch_rejected")
}
