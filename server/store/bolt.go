package store

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var documentsBucket = []byte("documents")

type boltStore struct {
	db *bolt.DB
}

// OpenBolt opens or creates a bbolt database file at path.
func OpenBolt(path string) (Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: bolt path is empty")
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(documentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create bucket: %w", err)
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Load(ctx context.Context, id string) (string, error) {
	var text string
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(documentsBucket).Get([]byte(id))
		if v != nil {
			// v is only valid inside the transaction.
			text, found = string(v), true
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("store: load %s: %w", id, err)
	}
	if !found {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return text, nil
}

func (s *boltStore) Save(ctx context.Context, id, text string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(documentsBucket).Put([]byte(id), []byte(text))
	})
	if err != nil {
		return fmt.Errorf("store: save %s: %w", id, err)
	}
	return nil
}

func (s *boltStore) Close() error {
	return s.db.Close()
}
