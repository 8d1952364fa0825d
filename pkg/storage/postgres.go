package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS burrow_entries (
	mapping TEXT NOT NULL,
	key     TEXT NOT NULL,
	value   TEXT NOT NULL,
	PRIMARY KEY (mapping, key)
)`

// PostgresStore implements Store on a single table keyed by (mapping, key)
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects with dsn and creates the table if needed
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger := log.WithComponent("storage")
	logger.Debug().Msg("Connected to postgres")
	return &PostgresStore{pool: pool}, nil
}

// Close closes the pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Set(ctx context.Context, m Mapping, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO burrow_entries (mapping, key, value) VALUES ($1, $2, $3)
		ON CONFLICT (mapping, key) DO UPDATE SET value = EXCLUDED.value`,
		string(m), key, value)
	return err
}

func (s *PostgresStore) SetIfAbsent(ctx context.Context, m Mapping, key, value string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO burrow_entries (mapping, key, value) VALUES ($1, $2, $3)
		ON CONFLICT (mapping, key) DO NOTHING`,
		string(m), key, value)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Get(ctx context.Context, m Mapping, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM burrow_entries WHERE mapping = $1 AND key = $2`,
		string(m), key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Delete takes the row lock, so a concurrent delete of the same key
// affects zero rows.
func (s *PostgresStore) Delete(ctx context.Context, m Mapping, key string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM burrow_entries WHERE mapping = $1 AND key = $2`,
		string(m), key)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Len(ctx context.Context, m Mapping) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM burrow_entries WHERE mapping = $1`, string(m)).Scan(&n)
	return n, err
}

func (s *PostgresStore) query(ctx context.Context, sql string, args ...any) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		entries[key] = value
	}
	return entries, rows.Err()
}

func (s *PostgresStore) GetAll(ctx context.Context, m Mapping) (map[string]string, error) {
	return s.query(ctx, `SELECT key, value FROM burrow_entries WHERE mapping = $1`, string(m))
}

func (s *PostgresStore) Keys(ctx context.Context, m Mapping) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key FROM burrow_entries WHERE mapping = $1`, string(m))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Scan pages through the mapping in key order
func (s *PostgresStore) Scan(ctx context.Context, m Mapping, fn func(key, value string) error) error {
	after := ""
	first := true
	for {
		rows, err := s.pool.Query(ctx, `
			SELECT key, value FROM burrow_entries
			WHERE mapping = $1 AND ($2 OR key > $3)
			ORDER BY key LIMIT $4`,
			string(m), first, after, scanBatch)
		if err != nil {
			return err
		}

		type entry struct{ k, v string }
		var batch []entry
		for rows.Next() {
			var e entry
			if err := rows.Scan(&e.k, &e.v); err != nil {
				rows.Close()
				return err
			}
			batch = append(batch, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, e := range batch {
			if err := fn(e.k, e.v); err != nil {
				return err
			}
		}
		if len(batch) < scanBatch {
			return nil
		}
		after = batch[len(batch)-1].k
		first = false
	}
}

func (s *PostgresStore) Sample(ctx context.Context, m Mapping, n int) (map[string]string, error) {
	if n <= 0 {
		return map[string]string{}, nil
	}
	return s.query(ctx,
		`SELECT key, value FROM burrow_entries WHERE mapping = $1 ORDER BY random() LIMIT $2`,
		string(m), n)
}

func (s *PostgresStore) Claim(ctx context.Context, key, worker string) (bool, error) {
	claimed := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM burrow_entries WHERE mapping = $1 AND key = $2`,
			string(Todo), key)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO burrow_entries (mapping, key, value) VALUES ($1, $2, $3)
			ON CONFLICT (mapping, key) DO UPDATE SET value = EXCLUDED.value`,
			string(InProgress), key, worker)
		if err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

func (s *PostgresStore) Clear(ctx context.Context, m Mapping) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM burrow_entries WHERE mapping = $1`, string(m))
	return err
}
