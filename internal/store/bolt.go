package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	bolt "go.etcd.io/bbolt"
)

var documentsBucket = []byte("documents")

// BoltStore keeps documents in a single bbolt file.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the bbolt file at path. Another process
// holding the file lock is retried with exponential backoff for up to
// maxWait.
func OpenBolt(path string, maxWait time.Duration) (*BoltStore, error) {
	var db *bolt.DB
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = maxWait

	err := backoff.Retry(func() error {
		var err error
		db, err = bolt.Open(path, 0o600, &bolt.Options{Timeout: 100 * time.Millisecond})
		return err
	}, b)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(documentsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init %s: %w", path, err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Save(_ context.Context, name, text string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(documentsBucket).Put([]byte(name), []byte(text))
	})
}

func (s *BoltStore) Load(_ context.Context, name string) (string, error) {
	var text string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(documentsBucket).Get([]byte(name))
		if v == nil {
			return ErrNotFound
		}
		text = string(v)
		return nil
	})
	return text, err
}

func (s *BoltStore) List(_ context.Context) ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(documentsBucket).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
