// Package examples serves the example programs offered to new users.
package examples

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed preloaded.yaml
var preloaded []byte

// Example is one ready-to-run program.
type Example struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Code        string `yaml:"code" json:"code"`
}

// Load reads a catalog from path, or the built-in one when path is empty.
func Load(path string) ([]Example, error) {
	if path == "" {
		return Parse(preloaded)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading examples: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML list of examples. Every example needs an id and code,
// and ids must be unique.
func Parse(data []byte) ([]Example, error) {
	var list []Example
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parsing examples: %w", err)
	}

	seen := make(map[string]bool, len(list))
	for i, ex := range list {
		if ex.ID == "" || ex.Code == "" {
			return nil, fmt.Errorf("example %d: id and code are required", i)
		}
		if seen[ex.ID] {
			return nil, fmt.Errorf("duplicate example id %q", ex.ID)
		}
		seen[ex.ID] = true
	}
	if list == nil {
		list = []Example{}
	}
	return list, nil
}
