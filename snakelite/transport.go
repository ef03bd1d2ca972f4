// Copyright 2026 Evan Lesch
// SPDX-License-Identifier: Apache-2.0

package snakelite

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ELesch/snakey-sub000/snakesync"
)

// TokenFunc supplies the bearer token for a request. Session issuance is
// external to the sync core.
type TokenFunc func(ctx context.Context) (string, error)

// HTTPTransport talks to the sync server's HTTP API.
type HTTPTransport struct {
	client *resty.Client
	token  TokenFunc
}

// HTTPTransportConfig configures the transport.
type HTTPTransportConfig struct {
	BaseURL string
	Token   TokenFunc
	Timeout time.Duration
}

// NewHTTPTransport creates a transport for the sync API.
func NewHTTPTransport(cfg HTTPTransportConfig) *HTTPTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cli := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout)

	return &HTTPTransport{client: cli, token: cfg.Token}
}

// PushBatch sends queued operations and returns the index-aligned results.
func (t *HTTPTransport) PushBatch(ctx context.Context, ops []snakesync.TableOperation) ([]snakesync.SyncResult, error) {
	req, err := t.request(ctx)
	if err != nil {
		return nil, err
	}

	var response snakesync.BatchSyncResponse
	resp, err := req.
		SetBody(&snakesync.BatchSyncRequest{Operations: ops}).
		SetResult(&response).
		Post("/sync/batch")
	if err != nil {
		return nil, fmt.Errorf("batch push request: %w", err)
	}
	if err := mapHTTPError(resp); err != nil {
		return nil, err
	}
	return response.Results, nil
}

// PushOne sends a single operation outside the queue.
func (t *HTTPTransport) PushOne(ctx context.Context, op snakesync.TableOperation) (*snakesync.SyncResult, error) {
	req, err := t.request(ctx)
	if err != nil {
		return nil, err
	}

	var result snakesync.SyncResult
	resp, err := req.
		SetBody(&op).
		SetResult(&result).
		Post("/sync/op")
	if err != nil {
		return nil, fmt.Errorf("push request: %w", err)
	}
	if err := mapHTTPError(resp); err != nil {
		return nil, err
	}
	return &result, nil
}

// PullChanges fetches every record modified strictly after since.
func (t *HTTPTransport) PullChanges(ctx context.Context, since time.Time) (*snakesync.ChangesSinceResult, error) {
	req, err := t.request(ctx)
	if err != nil {
		return nil, err
	}
	if !since.IsZero() {
		req.SetQueryParam("since", since.UTC().Format(time.RFC3339Nano))
	}

	var result snakesync.ChangesSinceResult
	resp, err := req.
		SetResult(&result).
		Get("/sync/changes")
	if err != nil {
		return nil, fmt.Errorf("pull request: %w", err)
	}
	if err := mapHTTPError(resp); err != nil {
		return nil, err
	}
	return &result, nil
}

func (t *HTTPTransport) request(ctx context.Context) (*resty.Request, error) {
	token, err := t.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtain auth token: %w", err)
	}
	return t.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(token), nil
}

func mapHTTPError(resp *resty.Response) error {
	if resp.StatusCode() < http.StatusBadRequest {
		return nil
	}
	var body snakesync.ErrorResponse
	if err := json.Unmarshal(resp.Body(), &body); err == nil && body.Error != "" {
		return fmt.Errorf("server rejected request: %s (%s)", body.Error, body.Message)
	}
	return fmt.Errorf("server returned status %d", resp.StatusCode())
}
