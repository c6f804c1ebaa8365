/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package report

import (
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var dedupBucket = []byte("crash_reports")

// DedupStore persists which call-stack hashes have already produced a
// CrashReport for a task, so the aggregator emits at most one report per
// unique call stack (spec §4.I), grounded on the teacher's bbolt-backed
// daemon-state recovery in pkg/process/manager.go.
type DedupStore struct {
	db *bolt.DB
}

// OpenDedupStore opens (creating if absent) a bbolt database at path.
func OpenDedupStore(path string) (*DedupStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open dedup store %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(dedupBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "initialise dedup bucket")
	}

	return &DedupStore{db: db}, nil
}

// Close releases the underlying database.
func (s *DedupStore) Close() error { return s.db.Close() }

// SeenOrRecord reports whether key has already been recorded and, if it has
// not, atomically records it (a test-and-set within a single write
// transaction, avoiding a race between two concurrent tasks' first hit of
// the same call stack).
func (s *DedupStore) SeenOrRecord(key, blobName string) (alreadySeen bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(dedupBucket)
		if existing := b.Get([]byte(key)); existing != nil {
			alreadySeen = true
			return nil
		}
		return b.Put([]byte(key), []byte(blobName))
	})
	return alreadySeen, err
}

// BlobNameFor returns the blob name previously recorded for key, if any.
func (s *DedupStore) BlobNameFor(key string) (string, bool, error) {
	var name string
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(dedupBucket)
		v := b.Get([]byte(key))
		if v != nil {
			name = string(v)
			ok = true
		}
		return nil
	})
	return name, ok, err
}
