package analysis

import (
	_ "embed"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed examples.yaml
var examplesYAML []byte

// ErrExampleNotFound is returned for an unknown example ID.
var ErrExampleNotFound = errors.New("example not found")

// Example is a ready-made set of source files to analyze.
type Example struct {
	ID          string            `yaml:"id" json:"id"`
	Title       string            `yaml:"title" json:"title"`
	Description string            `yaml:"description" json:"description"`
	Language    string            `yaml:"language" json:"language"`
	Files       map[string]string `yaml:"files" json:"files"`
}

// ExampleSummary is an Example without its file contents.
type ExampleSummary struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Language    string `json:"language"`
}

// Catalog is an ordered, read-only set of examples.
type Catalog struct {
	examples []Example
	byID     map[string]int
}

// LoadCatalog parses a YAML list of examples.
func LoadCatalog(data []byte) (*Catalog, error) {
	var examples []Example
	if err := yaml.Unmarshal(data, &examples); err != nil {
		return nil, fmt.Errorf("parse examples: %w", err)
	}

	c := &Catalog{examples: examples, byID: make(map[string]int, len(examples))}
	for i, ex := range examples {
		if ex.ID == "" {
			return nil, fmt.Errorf("example %d has no id", i)
		}
		if _, dup := c.byID[ex.ID]; dup {
			return nil, fmt.Errorf("duplicate example id %q", ex.ID)
		}
		c.byID[ex.ID] = i
	}
	return c, nil
}

// DefaultCatalog returns the examples shipped with the binary.
func DefaultCatalog() *Catalog {
	c, err := LoadCatalog(examplesYAML)
	if err != nil {
		panic(err)
	}
	return c
}

// List returns every example's metadata in catalog order.
func (c *Catalog) List() []ExampleSummary {
	out := make([]ExampleSummary, 0, len(c.examples))
	for _, ex := range c.examples {
		out = append(out, ExampleSummary{
			ID:          ex.ID,
			Title:       ex.Title,
			Description: ex.Description,
			Language:    ex.Language,
		})
	}
	return out
}

// Get returns a copy of the example with the given ID.
func (c *Catalog) Get(id string) (*Example, error) {
	i, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExampleNotFound, id)
	}
	ex := c.examples[i]
	files := make(map[string]string, len(ex.Files))
	for name, content := range ex.Files {
		files[name] = content
	}
	ex.Files = files
	return &ex, nil
}
