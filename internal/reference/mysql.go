package reference

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/kozaktomas/checkpoint/internal/config"
	"github.com/kozaktomas/checkpoint/internal/face"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// MySQLSource reads references from a MariaDB/MySQL table whose embedding
// column holds a JSON array of floats.
type MySQLSource struct {
	db    *sql.DB
	table string
}

// NewMySQLSource opens and verifies a connection pool for the DSN in cfg.URL.
func NewMySQLSource(cfg *config.DatabaseConfig) (*MySQLSource, error) {
	if cfg.URL == "" {
		return nil, errors.New("MySQL DSN is required")
	}
	table := cfg.Table
	if table == "" {
		table = defaultTable
	}
	if !identifierRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	db, err := sql.Open("mysql", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL: %w", err)
	}

	db.SetMaxOpenConns(max(cfg.MaxOpenConns, 1))
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	return &MySQLSource{db: db, table: table}, nil
}

func (s *MySQLSource) Load(ctx context.Context) ([]face.Reference, error) {
	query := "SELECT identity, name, embedding FROM `" + s.table + "` ORDER BY identity"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query references: %w", err)
	}
	defer rows.Close()

	var refs []face.Reference
	for rows.Next() {
		var ref face.Reference
		var name sql.NullString
		var raw []byte
		if err := rows.Scan(&ref.Identity, &name, &raw); err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		emb, err := decodeEmbedding(raw)
		if err != nil {
			return nil, fmt.Errorf("reference %s: %w", ref.Identity, err)
		}
		ref.Name = name.String
		ref.Embedding = emb
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate references: %w", err)
	}
	return refs, nil
}

// decodeEmbedding parses a JSON float array.
func decodeEmbedding(raw []byte) ([]float32, error) {
	var emb []float32
	if err := json.Unmarshal(raw, &emb); err != nil {
		return nil, fmt.Errorf("decoding embedding: %w", err)
	}
	return emb, nil
}

// Close closes the connection pool.
func (s *MySQLSource) Close() error {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("closing database connection: %w", err)
		}
	}
	return nil
}
