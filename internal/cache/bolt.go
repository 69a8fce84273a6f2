package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var bucketName = []byte("github_data")

// BoltStore is a Cache persisted in a bbolt file, so warm buckets survive restarts.
// Each value is stored as an 8-byte big-endian expiry (unix nanoseconds) followed by the payload.
type BoltStore struct {
	db  *bbolt.DB
	now func() time.Time
}

var (
	_ Cache  = (*BoltStore)(nil)
	_ Purger = (*BoltStore)(nil)
)

func NewBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, errors.New("bolt cache path is required")
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt cache: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init bolt cache: %w", err)
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

// WithClock replaces the time source; used by tests.
func (b *BoltStore) WithClock(now func() time.Time) *BoltStore {
	b.now = now
	return b
}

func (b *BoltStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		hit   bool
	)
	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketName).Get([]byte(key))
		if len(raw) < 8 {
			return nil
		}
		if !b.now().Before(expiryOf(raw)) {
			return nil
		}
		// raw is only valid inside the transaction.
		value = cloneBytes(raw[8:])
		hit = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("bolt cache get %s: %w", key, err)
	}
	return value, hit, nil
}

func (b *BoltStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	raw := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(raw[:8], uint64(b.now().Add(ttl).UnixNano()))
	copy(raw[8:], value)
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), raw)
	})
	if err != nil {
		return fmt.Errorf("bolt cache set %s: %w", key, err)
	}
	return nil
}

func (b *BoltStore) Forget(_ context.Context, key string) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("bolt cache forget %s: %w", key, err)
	}
	return nil
}

func (b *BoltStore) PurgeExpired(_ context.Context) (int, error) {
	removed := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		now := b.now()
		var expired [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			if len(v) < 8 || !now.Before(expiryOf(v)) {
				expired = append(expired, cloneBytes(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	return removed, err
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}

func expiryOf(raw []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(raw[:8])))
}
