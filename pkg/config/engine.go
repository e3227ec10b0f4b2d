package config

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig holds runtime configuration for the orchestration engine.
type EngineConfig struct {
	Environment        string
	Addr               string
	StateDir           string
	DockerHost         string
	DevcontainerBin    string
	StatusCacheTTL     time.Duration
	LogBufferMax       int
	PortRangeBase      int
	PortRangeWidth     int
	DebugPortRangeBase int
	StopGracePeriod    time.Duration
	LogLevel           string
}

// engineFile mirrors the optional YAML config file. Only set fields override
// defaults; environment variables still win over the file.
type engineFile struct {
	Addr               string `yaml:"addr"`
	StateDir           string `yaml:"stateDir"`
	DockerHost         string `yaml:"dockerHost"`
	DevcontainerBin    string `yaml:"devcontainerBin"`
	StatusCacheTTLMS   int    `yaml:"statusCacheTTLMillis"`
	LogBufferMax       int    `yaml:"logBufferMax"`
	PortRangeBase      int    `yaml:"portRangeBase"`
	PortRangeWidth     int    `yaml:"portRangeWidth"`
	DebugPortRangeBase int    `yaml:"debugPortRangeBase"`
	StopGraceSeconds   int    `yaml:"stopGraceSeconds"`
	LogLevel           string `yaml:"logLevel"`
}

// LoadEngineConfig builds an EngineConfig from defaults, the optional YAML
// file, and environment variables, in that order of precedence.
func LoadEngineConfig() EngineConfig {
	cfg := EngineConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               "127.0.0.1:4690",
		StateDir:           defaultStateDir(),
		DevcontainerBin:    "devcontainer",
		StatusCacheTTL:     2 * time.Second,
		LogBufferMax:       1000,
		PortRangeBase:      3000,
		PortRangeWidth:     10,
		DebugPortRangeBase: 9200,
		StopGracePeriod:    5 * time.Second,
		LogLevel:           "info",
	}
	applyFile(&cfg)
	cfg.Addr = GetString("DEVDECK_ADDR", cfg.Addr)
	cfg.StateDir = GetString("DEVDECK_STATE_DIR", cfg.StateDir)
	cfg.DockerHost = GetString("DEVDECK_DOCKER_HOST", cfg.DockerHost)
	cfg.DevcontainerBin = GetString("DEVDECK_DEVCONTAINER_BIN", cfg.DevcontainerBin)
	cfg.StatusCacheTTL = GetDuration("DEVDECK_STATUS_CACHE_TTL", cfg.StatusCacheTTL)
	cfg.LogBufferMax = GetInt("DEVDECK_LOG_BUFFER_MAX", cfg.LogBufferMax)
	cfg.PortRangeBase = GetInt("DEVDECK_PORT_RANGE_BASE", cfg.PortRangeBase)
	cfg.PortRangeWidth = GetInt("DEVDECK_PORT_RANGE_WIDTH", cfg.PortRangeWidth)
	cfg.DebugPortRangeBase = GetInt("DEVDECK_DEBUG_PORT_RANGE_BASE", cfg.DebugPortRangeBase)
	cfg.StopGracePeriod = GetDuration("DEVDECK_STOP_GRACE", cfg.StopGracePeriod)
	cfg.LogLevel = GetString("DEVDECK_LOG_LEVEL", cfg.LogLevel)
	return cfg
}

// FilePath reports where the optional config file is looked up.
func FilePath() string {
	if path := GetString("DEVDECK_CONFIG", ""); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "devdeck", "devdeck.yaml")
}

func applyFile(cfg *EngineConfig) {
	path := FilePath()
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("config file %s unreadable: %v", path, err)
		}
		return
	}
	var file engineFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		log.Printf("config file %s invalid: %v", path, err)
		return
	}
	if file.Addr != "" {
		cfg.Addr = file.Addr
	}
	if file.StateDir != "" {
		cfg.StateDir = file.StateDir
	}
	if file.DockerHost != "" {
		cfg.DockerHost = file.DockerHost
	}
	if file.DevcontainerBin != "" {
		cfg.DevcontainerBin = file.DevcontainerBin
	}
	if file.StatusCacheTTLMS > 0 {
		cfg.StatusCacheTTL = time.Duration(file.StatusCacheTTLMS) * time.Millisecond
	}
	if file.LogBufferMax > 0 {
		cfg.LogBufferMax = file.LogBufferMax
	}
	if file.PortRangeBase > 0 {
		cfg.PortRangeBase = file.PortRangeBase
	}
	if file.PortRangeWidth > 0 {
		cfg.PortRangeWidth = file.PortRangeWidth
	}
	if file.DebugPortRangeBase > 0 {
		cfg.DebugPortRangeBase = file.DebugPortRangeBase
	}
	if file.StopGraceSeconds > 0 {
		cfg.StopGracePeriod = time.Duration(file.StopGraceSeconds) * time.Second
	}
	if file.LogLevel != "" {
		cfg.LogLevel = file.LogLevel
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".devdeck"
	}
	return filepath.Join(home, ".local", "share", "devdeck")
}
