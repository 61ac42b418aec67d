package reference

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/kozaktomas/checkpoint/internal/face"
	"gopkg.in/yaml.v3"
)

// fileDocument is the on-disk layout of a references file.
type fileDocument struct {
	Model      string           `yaml:"model,omitempty"`
	References []face.Reference `yaml:"references"`
}

// FileSource reads references from a YAML file.
type FileSource struct {
	path string
}

// NewFileSource creates a source for the YAML file at path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Load(ctx context.Context) ([]face.Reference, error) {
	if s.path == "" {
		return nil, errors.New("references path is required")
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading references file: %w", err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing references file %s: %w", s.path, err)
	}
	return doc.References, nil
}

func (s *FileSource) Close() error { return nil }

// WriteFile stores refs as a references file at path.
func WriteFile(path, model string, refs []face.Reference) error {
	data, err := yaml.Marshal(fileDocument{Model: model, References: refs})
	if err != nil {
		return fmt.Errorf("encoding references: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing references file: %w", err)
	}
	return nil
}
