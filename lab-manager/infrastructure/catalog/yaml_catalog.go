package catalog

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kavos113/quicklab/lab-manager/domain"
)

type labFile struct {
	Labs []labEntry `yaml:"labs"`
}

type labEntry struct {
	ID                  string           `yaml:"id"`
	Name                string           `yaml:"name"`
	Category            string           `yaml:"category"`
	Difficulty          string           `yaml:"difficulty"`
	Active              *bool            `yaml:"active"`
	DefaultDuration     string           `yaml:"default_duration"`
	MaxInstancesPerUser int              `yaml:"max_instances_per_user"`
	Blueprint           domain.Blueprint `yaml:"blueprint"`
}

// YAMLCatalog serves labs from a YAML file loaded at startup.
type YAMLCatalog struct {
	mu   sync.RWMutex
	path string
	labs map[string]*domain.Lab
}

func LoadYAMLCatalog(path string) (*YAMLCatalog, error) {
	c := &YAMLCatalog{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *YAMLCatalog) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to read lab catalog: %w", err)
	}

	labs, err := ParseLabs(data)
	if err != nil {
		return fmt.Errorf("failed to parse lab catalog %s: %w", c.path, err)
	}

	c.mu.Lock()
	c.labs = labs
	c.mu.Unlock()
	return nil
}

func (c *YAMLCatalog) FindLabByID(_ context.Context, labID string) (*domain.Lab, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	lab, ok := c.labs[labID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *lab
	return &copied, nil
}

func (c *YAMLCatalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.labs)
}

func ParseLabs(data []byte) (map[string]*domain.Lab, error) {
	var file labFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	labs := make(map[string]*domain.Lab, len(file.Labs))
	for i, entry := range file.Labs {
		if entry.ID == "" {
			return nil, fmt.Errorf("lab #%d has no id", i)
		}
		if _, dup := labs[entry.ID]; dup {
			return nil, fmt.Errorf("duplicate lab id %q", entry.ID)
		}
		if entry.Blueprint.Image == "" {
			return nil, fmt.Errorf("lab %q has no blueprint image", entry.ID)
		}

		lab := &domain.Lab{
			ID:                  entry.ID,
			Name:                entry.Name,
			Category:            domain.LabCategory(entry.Category),
			Difficulty:          domain.LabDifficulty(entry.Difficulty),
			IsActive:            entry.Active == nil || *entry.Active,
			MaxInstancesPerUser: entry.MaxInstancesPerUser,
			Blueprint:           entry.Blueprint,
		}
		if entry.DefaultDuration != "" {
			d, err := time.ParseDuration(entry.DefaultDuration)
			if err != nil {
				return nil, fmt.Errorf("lab %q: invalid default_duration: %w", entry.ID, err)
			}
			lab.DefaultDuration = d
		}
		labs[entry.ID] = lab
	}

	return labs, nil
}
