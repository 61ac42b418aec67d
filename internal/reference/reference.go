// Package reference loads the reference face embeddings that checkpoint faces
// are matched against. All sources are read-only.
package reference

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/kozaktomas/checkpoint/internal/config"
	"github.com/kozaktomas/checkpoint/internal/face"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Source yields reference embeddings.
type Source interface {
	Load(ctx context.Context) ([]face.Reference, error)
	Close() error
}

// Open returns the source selected by cfg.Source.
func Open(cfg config.ReferencesConfig) (Source, error) {
	switch cfg.Source {
	case "", "file":
		return NewFileSource(cfg.Path), nil
	case "postgres":
		return NewPostgresSource(&cfg.Database)
	case "mysql", "mariadb":
		return NewMySQLSource(&cfg.Database)
	default:
		return nil, fmt.Errorf("unknown reference source %q", cfg.Source)
	}
}

// LoadSet loads all references from src into a searchable set.
func LoadSet(ctx context.Context, src Source, hnswMin int) (*face.ReferenceSet, error) {
	refs, err := src.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading references: %w", err)
	}
	return face.NewReferenceSet(normalize(refs), hnswMin), nil
}

// normalize keys references by normalized identity, keeping the original as display name.
func normalize(refs []face.Reference) []face.Reference {
	out := make([]face.Reference, 0, len(refs))
	for _, r := range refs {
		if r.Name == "" {
			r.Name = strings.TrimSpace(r.Identity)
		}
		r.Identity = NormalizeIdentity(r.Identity)
		out = append(out, r)
	}
	return out
}

// RemoveDiacritics removes diacritical marks from a string (e.g., "Jiří" -> "Jiri").
func RemoveDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

// NormalizeIdentity normalizes an identity for comparison (lowercase, no
// diacritics, dashes and underscores as spaces, single spaces).
func NormalizeIdentity(identity string) string {
	identity = RemoveDiacritics(identity)
	identity = strings.ToLower(identity)
	identity = strings.NewReplacer("-", " ", "_", " ").Replace(identity)
	return strings.Join(strings.Fields(identity), " ")
}
