package devfs

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/tether/internal/ipc/core"
)

// Manifest describes the instances to mount at startup.
type Manifest struct {
	Instances []ManifestEntry `yaml:"instances"`
}

// ManifestEntry is one instance declaration. Zero-valued tunables fall back
// to the manager's defaults.
type ManifestEntry struct {
	Name       string `yaml:"name"`
	BufferSize int    `yaml:"buffer_size"`
	PageSize   int    `yaml:"page_size"`
	MaxThreads int    `yaml:"max_threads"`
}

// Seeder mounts instances declared in a YAML manifest.
type Seeder struct {
	manager *Manager
	path    string
}

// NewSeeder creates a manifest seeder.
func NewSeeder(manager *Manager, path string) *Seeder {
	return &Seeder{manager: manager, path: path}
}

// Seed parses the manifest and mounts every declared instance. A missing
// manifest file is not an error; individual bad entries are skipped and
// counted.
func (s *Seeder) Seed() error {
	log := s.manager.log

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		log.Warn("instance manifest not found", zap.String("path", s.path))
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parsing manifest: %w", err)
	}

	var mounted, failed int
	for _, entry := range manifest.Instances {
		if entry.Name == "" {
			failed++
			continue
		}
		cfg := s.entryConfig(entry)
		if _, err := s.manager.MountWith(entry.Name, cfg); err != nil {
			log.Warn("manifest mount failed",
				zap.String("name", entry.Name),
				zap.Error(err))
			failed++
			continue
		}
		mounted++
	}

	log.Info("instance seeding complete",
		zap.String("path", s.path),
		zap.Int("mounted", mounted),
		zap.Int("failed", failed))
	return nil
}

func (s *Seeder) entryConfig(entry ManifestEntry) core.Config {
	cfg := s.manager.cfg
	if entry.BufferSize > 0 {
		cfg.BufferSize = entry.BufferSize
	}
	if entry.PageSize > 0 {
		cfg.PageSize = entry.PageSize
	}
	if entry.MaxThreads > 0 {
		cfg.MaxThreads = entry.MaxThreads
	}
	return cfg
}
