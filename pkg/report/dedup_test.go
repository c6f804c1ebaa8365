/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package report

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *DedupStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dedup.db")
	store, err := OpenDedupStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSeenOrRecordFirstTouchRecords(t *testing.T) {
	store := openTestStore(t)

	seen, err := store.SeenOrRecord("hash-1", "blob-1.json")
	require.NoError(t, err)
	assert.False(t, seen)

	name, ok, err := store.BlobNameFor("hash-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "blob-1.json", name)
}

func TestSeenOrRecordSecondTouchReportsSeen(t *testing.T) {
	store := openTestStore(t)

	_, err := store.SeenOrRecord("hash-1", "blob-1.json")
	require.NoError(t, err)

	seen, err := store.SeenOrRecord("hash-1", "blob-2.json")
	require.NoError(t, err)
	assert.True(t, seen)

	name, _, err := store.BlobNameFor("hash-1")
	require.NoError(t, err)
	assert.Equal(t, "blob-1.json", name, "first recorded blob name is not overwritten")
}

func TestBlobNameForUnknownKey(t *testing.T) {
	store := openTestStore(t)
	_, ok, err := store.BlobNameFor("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
