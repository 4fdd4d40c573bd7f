package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createDocuments = `CREATE TABLE IF NOT EXISTS documents (
	id   TEXT PRIMARY KEY,
	body TEXT NOT NULL
)`

type postgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to rawurl and creates the documents table if needed.
func OpenPostgres(ctx context.Context, rawurl string) (Store, error) {
	pool, err := pgxpool.New(ctx, rawurl)
	if err != nil {
		return nil, fmt.Errorf("store: connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, createDocuments); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: create table: %w", err)
	}
	return &postgresStore{pool: pool}, nil
}

func (s *postgresStore) Load(ctx context.Context, id string) (string, error) {
	var body string
	err := s.pool.QueryRow(ctx, `SELECT body FROM documents WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	} else if err != nil {
		return "", fmt.Errorf("store: load %s: %w", id, err)
	}
	return body, nil
}

func (s *postgresStore) Save(ctx context.Context, id, text string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, body) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body`, id, text)
	if err != nil {
		return fmt.Errorf("store: save %s: %w", id, err)
	}
	return nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}
