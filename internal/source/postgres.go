package source

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSource reads a network PostgreSQL database through a connection pool.
type PostgresSource struct {
	pool    *pgxpool.Pool
	mapping *Mapping
	query   *fetchQuery
}

// NewPostgresSource connects to databaseURL and pings it. The mapping is validated
// before any connection is made.
func NewPostgresSource(ctx context.Context, databaseURL string, m *Mapping, opts Options) (*PostgresSource, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	// extraction is sequential; one query in flight at a time
	cfg.MaxConns = 2
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &PostgresSource{
		pool:    pool,
		mapping: m,
		query:   buildFetchQuery(m, dollarN, opts),
	}, nil
}

// Fetch implements Source.
func (s *PostgresSource) Fetch(ctx context.Context, startID int64, limit int) ([]Row, error) {
	rows, err := s.pool.Query(ctx, s.query.sql, s.query.args(startID, limit)...)
	if err != nil {
		return nil, fmt.Errorf("fetch from %d: %w", startID, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var rating *string
		if err := rows.Scan(scanTargets(s.mapping, &r, &rating)...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r.setRating(rating)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Mapping implements Source.
func (s *PostgresSource) Mapping() *Mapping {
	return s.mapping
}

// Close closes the pool.
func (s *PostgresSource) Close() error {
	s.pool.Close()
	return nil
}
