// Copyright 2026 Evan Lesch
// SPDX-License-Identifier: Apache-2.0

package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ELesch/snakey-sub000/snakesync"
)

func TestValidatePayload(t *testing.T) {
	fields, err := validatePayload(json.RawMessage(`{"name":"Monty","weightGrams":412}`))
	require.NoError(t, err)
	require.Equal(t, "Monty", fields["name"])

	for name, payload := range map[string]json.RawMessage{
		"empty":     nil,
		"array":     json.RawMessage(`[1,2]`),
		"scalar":    json.RawMessage(`42`),
		"null":      json.RawMessage(`null`),
		"truncated": json.RawMessage(`{"name":`),
	} {
		_, err := validatePayload(payload)
		require.Error(t, err, name)
		require.Equal(t, snakesync.ErrorTypeValidation, snakesync.Classify(err), name)
	}
}

func TestClearOtherPrimaryPhotos_SkipsNonPrimary(t *testing.T) {
	// A nil tx proves the record filter never reaches the database for
	// photos that do not claim the primary flag.
	for name, fields := range map[string]json.RawMessage{
		"flag false":    json.RawMessage(`{"isPrimary":false}`),
		"flag missing":  json.RawMessage(`{"caption":"shed day"}`),
		"flag non-bool": json.RawMessage(`{"isPrimary":"yes"}`),
		"malformed":     json.RawMessage(`{"isPrimary":`),
	} {
		record := &snakesync.Record{ID: "p1", ParentID: "r1", Fields: fields}
		require.NoError(t, clearOtherPrimaryPhotos(context.Background(), nil, "user-1", record), name)
	}
}

func TestServices_PhotosCarryPrimaryInvariant(t *testing.T) {
	store := New(nil, nil)
	services := store.Services()

	photos, ok := services.Photos.(*entityService)
	require.True(t, ok)
	require.NotNil(t, photos.afterWrite, "photo writes must clear sibling primaries in the same transaction")

	reptiles, ok := services.Reptiles.(*entityService)
	require.True(t, ok)
	require.Nil(t, reptiles.afterWrite)
}

func TestClassifyStoreError(t *testing.T) {
	require.NoError(t, classifyStoreError(nil))

	typed := snakesync.NewForbiddenError("record belongs to another user")
	require.Equal(t, snakesync.ErrorTypeForbidden, snakesync.Classify(classifyStoreError(typed)))

	wrapped := fmt.Errorf("query feedings: %w", snakesync.NewNotFoundError("record gone"))
	require.Equal(t, snakesync.ErrorTypeNotFound, snakesync.Classify(classifyStoreError(wrapped)))

	plain := fmt.Errorf("connection reset by peer")
	require.Equal(t, snakesync.ErrorTypeInternal, snakesync.Classify(classifyStoreError(plain)))
}
