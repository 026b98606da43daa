package labels

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedNamespace is one namespace definition in a seed file, together with
// the label forest to create under it.
type SeedNamespace struct {
	Name         string      `yaml:"name"`
	Description  string      `yaml:"description"`
	AllowedTools []string    `yaml:"allowed_tools"`
	Labels       []SeedLabel `yaml:"labels"`
}

// SeedLabel is one node of a seed forest.
type SeedLabel struct {
	Name          string      `yaml:"name"`
	Description   string      `yaml:"description"`
	BestPractices string      `yaml:"best_practices"`
	Children      []SeedLabel `yaml:"children"`
}

// Seeder extends Store with the writes needed to apply a seed file.
type Seeder interface {
	Store
	UpsertNamespace(ctx context.Context, ns Namespace) error
}

// ParseSeed decodes a YAML seed document.
func ParseSeed(data []byte) ([]SeedNamespace, error) {
	var doc struct {
		Namespaces []SeedNamespace `yaml:"namespaces"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse labels seed: %w", err)
	}
	for _, ns := range doc.Namespaces {
		if ns.Name == "" {
			return nil, fmt.Errorf("labels seed: namespace with empty name")
		}
		if err := validateSeedLabels(ns.Name, ns.Labels); err != nil {
			return nil, err
		}
	}
	return doc.Namespaces, nil
}

func validateSeedLabels(namespace string, nodes []SeedLabel) error {
	for _, node := range nodes {
		if node.Name == "" {
			return fmt.Errorf("labels seed: namespace %q has a label with empty name", namespace)
		}
		if err := validateSeedLabels(namespace, node.Children); err != nil {
			return err
		}
	}
	return nil
}

// LoadSeedFile reads and parses a YAML seed file.
func LoadSeedFile(path string) ([]SeedNamespace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read labels seed: %w", err)
	}
	return ParseSeed(data)
}

// ApplySeed creates the namespaces and label forests that do not exist yet.
// Existing labels are left untouched, so re-applying a seed is safe.
func ApplySeed(ctx context.Context, store Seeder, namespaces []SeedNamespace) error {
	for _, ns := range namespaces {
		if err := store.UpsertNamespace(ctx, Namespace{
			Name:         ns.Name,
			AllowedTools: ns.AllowedTools,
			Description:  ns.Description,
		}); err != nil {
			return fmt.Errorf("seed namespace %q: %w", ns.Name, err)
		}
		if err := seedForest(ctx, store, ns.Name, nil, ns.Labels); err != nil {
			return err
		}
	}
	return nil
}

func seedForest(ctx context.Context, store Seeder, namespace string, parentID *int64, nodes []SeedLabel) error {
	for _, node := range nodes {
		existing, err := store.FindLabel(ctx, namespace, node.Name, parentID)
		if err != nil {
			return err
		}
		var id int64
		if existing != nil {
			id = existing.ID
		} else {
			id, err = store.CreateLabel(ctx, Label{
				Name:          node.Name,
				Description:   node.Description,
				BestPractices: node.BestPractices,
				ParentID:      parentID,
				Namespace:     namespace,
			})
			if err != nil {
				return err
			}
		}
		if err := seedForest(ctx, store, namespace, &id, node.Children); err != nil {
			return err
		}
	}
	return nil
}
