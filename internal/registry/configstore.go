package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/devdeck/devdeck/internal/domain"
)

const configFile = "devdeck.json"

// LoadConfig reads the service topology persisted in the project checkout.
// A missing file is ErrConfigNotFound.
func LoadConfig(projectPath string) (*domain.ProjectConfig, error) {
	data, err := os.ReadFile(filepath.Join(projectPath, configFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, projectPath)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg domain.ProjectConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config in %s: %w", projectPath, err)
	}
	return &cfg, nil
}

// SaveConfig persists the whole topology as a unit.
func SaveConfig(projectPath string, cfg *domain.ProjectConfig) error {
	return writeJSONAtomic(filepath.Join(projectPath, configFile), cfg)
}

// FileConfigs adapts the package-level config helpers to the interface form
// consumers inject.
type FileConfigs struct{}

// Load reads a project's persisted config.
func (FileConfigs) Load(projectPath string) (*domain.ProjectConfig, error) {
	return LoadConfig(projectPath)
}

// Save persists a project's config.
func (FileConfigs) Save(projectPath string, cfg *domain.ProjectConfig) error {
	return SaveConfig(projectPath, cfg)
}
