package pack

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and validates a pack file. JSON and YAML are both accepted,
// keyed off the file extension.
func Load(path string) (*Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pack file: %w", err)
	}

	var p Pack
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse pack %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse pack %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported pack format %q (want .json, .yaml or .yml)", ext)
	}

	if p.PackID == "" {
		p.PackID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pack %s: %w", path, err)
	}

	return &p, nil
}

// Validate checks the structural rules every pack has to satisfy before the
// board can use it.
func (p *Pack) Validate() error {
	if p.Title == "" {
		return fmt.Errorf("pack title is required")
	}
	if len(p.Board.Categories) == 0 {
		return fmt.Errorf("pack needs at least one category")
	}

	seen := make(map[string]bool, len(p.Board.Categories))
	for i := range p.Board.Categories {
		cat := &p.Board.Categories[i]
		if cat.ID == "" {
			return fmt.Errorf("category %d is missing an id", i)
		}
		if seen[cat.ID] {
			return fmt.Errorf("duplicate category id %q", cat.ID)
		}
		seen[cat.ID] = true

		if len(cat.Questions) == 0 {
			return fmt.Errorf("category %q needs at least one question", cat.ID)
		}
		for j := range cat.Questions {
			q := &cat.Questions[j]
			if q.Type == "" {
				q.Type = TypeText
			}
			switch q.Type {
			case TypeText, TypeMultipleChoice, TypeImage, TypeAudio:
			default:
				return fmt.Errorf("category %q question %d has unknown type %q", cat.ID, j, q.Type)
			}
			if q.Value <= 0 {
				return fmt.Errorf("category %q question %d has non-positive value %d", cat.ID, j, q.Value)
			}
			if q.Prompt == "" {
				return fmt.Errorf("category %q question %d is missing a prompt", cat.ID, j)
			}
			if q.Answer == "" {
				return fmt.Errorf("category %q question %d is missing an answer", cat.ID, j)
			}
			if q.Type == TypeMultipleChoice && len(q.Choices) < 2 {
				return fmt.Errorf("category %q question %d needs at least two choices", cat.ID, j)
			}
		}
	}

	return nil
}
