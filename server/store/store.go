// Package store persists document text between host restarts. The host keeps
// the live replica in memory and saves it through a Store.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// ErrNotFound is returned by Load for a document that was never saved.
var ErrNotFound = errors.New("store: document not found")

type Store interface {
	Load(ctx context.Context, id string) (string, error)
	Save(ctx context.Context, id, text string) error
	Close() error
}

// Open returns the store named by rawurl. Supported schemes are memory,
// bolt, redis, postgres and mongodb.
func Open(ctx context.Context, rawurl string) (Store, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	switch u.Scheme {
	case "memory":
		return NewMemory(), nil
	case "bolt":
		return OpenBolt(u.Host + u.Path)
	case "redis", "rediss":
		return OpenRedis(ctx, rawurl)
	case "postgres", "postgresql":
		return OpenPostgres(ctx, rawurl)
	case "mongodb", "mongodb+srv":
		return OpenMongo(ctx, rawurl)
	}
	return nil, fmt.Errorf("store: unknown scheme %q", u.Scheme)
}
