package reference

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/checkpoint/internal/config"
	"github.com/kozaktomas/checkpoint/internal/face"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

const defaultTable = "reference_faces"

// PostgresSource reads references from a pgvector table with the columns
// identity TEXT, name TEXT NULL, embedding VECTOR.
type PostgresSource struct {
	db    *sql.DB
	table string
}

// NewPostgresSource opens a connection pool and verifies it.
func NewPostgresSource(cfg *config.DatabaseConfig) (*PostgresSource, error) {
	if cfg.URL == "" {
		return nil, errors.New("database URL is required")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool.
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	table := cfg.Table
	if table == "" {
		table = defaultTable
	}
	return &PostgresSource{db: db, table: table}, nil
}

func (s *PostgresSource) Load(ctx context.Context) ([]face.Reference, error) {
	query := fmt.Sprintf(`
		SELECT identity, name, embedding
		FROM %s
		ORDER BY identity
	`, pq.QuoteIdentifier(s.table))

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query references: %w", err)
	}
	defer rows.Close()

	var refs []face.Reference
	for rows.Next() {
		var ref face.Reference
		var name sql.NullString
		var vec pgvector.Vector
		if err := rows.Scan(&ref.Identity, &name, &vec); err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		ref.Name = name.String
		ref.Embedding = vec.Slice()
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate references: %w", err)
	}
	return refs, nil
}

// Close closes the connection pool.
func (s *PostgresSource) Close() error {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("closing database connection: %w", err)
		}
	}
	return nil
}
