// Copyright 2026 Evan Lesch
// SPDX-License-Identifier: Apache-2.0

package snakesync

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJWTAuth_GenerateAndValidate(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	token, err := jwtAuth.GenerateToken("user-1", "device-abc", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := jwtAuth.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "device-abc", claims.DeviceID)
	require.Equal(t, "snakey", claims.Issuer)
}

func TestJWTAuth_RejectsWrongSecret(t *testing.T) {
	token, err := NewJWTAuth("secret-a").GenerateToken("user-1", "device-abc", time.Hour)
	require.NoError(t, err)

	_, err = NewJWTAuth("secret-b").ValidateToken(token)
	require.Error(t, err)
}

func TestJWTAuth_RejectsExpired(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("user-1", "device-abc", -time.Minute)
	require.NoError(t, err)

	_, err = jwtAuth.ValidateToken(token)
	require.Error(t, err)
}

func TestJWTAuth_RequestExtraction(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("user-1", "device-abc", time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/sync/changes", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	userID, err := jwtAuth.GetUserID(r)
	require.NoError(t, err)
	require.Equal(t, "user-1", userID)

	deviceID, err := jwtAuth.GetDeviceID(r)
	require.NoError(t, err)
	require.Equal(t, "device-abc", deviceID)
}

func TestJWTAuth_RequestWithoutBearer(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	r := httptest.NewRequest(http.MethodGet, "/sync/changes", nil)
	_, err := jwtAuth.GetUserID(r)
	require.Error(t, err)

	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, err = jwtAuth.GetUserID(r)
	require.Error(t, err)
}
