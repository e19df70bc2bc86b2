package site

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog is the on-disk site catalog document.
type Catalog struct {
	Sites []*Site `json:"sites" yaml:"sites"`
}

// Load reads a site catalog from path.
//
// The format is chosen by extension: .json for JSON, anything else is
// parsed as YAML.
func Load(path string) ([]*Site, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("site catalog not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read site catalog: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes parses and validates a site catalog.
func LoadFromBytes(data []byte, path string) ([]*Site, error) {
	if len(data) == 0 {
		return nil, errors.New("site catalog is empty")
	}

	var doc Catalog
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid JSON in site catalog: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid YAML in site catalog: %w", err)
		}
	}

	seen := make(map[string]bool, len(doc.Sites))
	for i, s := range doc.Sites {
		if s == nil {
			return nil, fmt.Errorf("sites[%d]: empty entry", i)
		}
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("sites[%d]: %w", i, err)
		}
		if seen[s.Handle] {
			return nil, fmt.Errorf("sites[%d]: duplicate site handle %q", i, s.Handle)
		}
		seen[s.Handle] = true
	}
	return doc.Sites, nil
}
