package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "lakereg.yml"

// Config models lakereg.yml.
type Config struct {
	Registry struct {
		ID string `yaml:"id"`
	} `yaml:"registry"`
	Storage struct {
		MaxPartBytes       int64  `yaml:"max_part_bytes"`
		LockTimeoutSeconds int    `yaml:"lock_timeout_seconds"`
		CacheDir           string `yaml:"cache_dir"`
	} `yaml:"storage"`
	Artifacts struct {
		Schemas map[string]map[int]ArtifactSchema `yaml:"schemas"`
	} `yaml:"artifacts"`
	Resolver struct {
		AllowUnfreeze bool `yaml:"allow_unfreeze"`
	} `yaml:"resolver"`
	Index struct {
		WatchIntervalSeconds int `yaml:"watch_interval_seconds"`
		DecodeWorkers        int `yaml:"decode_workers"`
	} `yaml:"index"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Log struct {
		Mode string `yaml:"mode"`
	} `yaml:"log"`
}

// ArtifactSchema is the shape check applied to json/jsonl payloads of one
// (artifactType, schemaVersion).
type ArtifactSchema struct {
	Format   string   `yaml:"format"`
	Required []string `yaml:"required"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Registry.ID) == "" {
		return fmt.Errorf("config.registry.id is required")
	}
	if c.Storage.MaxPartBytes <= 0 {
		return fmt.Errorf("config.storage.max_part_bytes must be positive")
	}
	if c.Storage.LockTimeoutSeconds <= 0 {
		return fmt.Errorf("config.storage.lock_timeout_seconds must be positive")
	}
	if c.Storage.CacheDir == "" {
		return fmt.Errorf("config.storage.cache_dir is required")
	}
	for typ, versions := range c.Artifacts.Schemas {
		if typ == "" {
			return fmt.Errorf("config.artifacts.schemas has empty artifact type")
		}
		for v, s := range versions {
			if v <= 0 {
				return fmt.Errorf("artifact type %s has invalid schema version %d", typ, v)
			}
			switch s.Format {
			case "", "json", "jsonl", "raw":
			default:
				return fmt.Errorf("artifact type %s v%d has unknown format %s", typ, v, s.Format)
			}
			for _, req := range s.Required {
				if req == "" {
					return fmt.Errorf("artifact type %s v%d has empty required field", typ, v)
				}
			}
		}
	}
	if c.Index.WatchIntervalSeconds <= 0 {
		return fmt.Errorf("config.index.watch_interval_seconds must be positive")
	}
	if c.Index.DecodeWorkers <= 0 {
		return fmt.Errorf("config.index.decode_workers must be positive")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

// Schema returns the shape declared for an artifact type/version, if any.
func (c *Config) Schema(artifactType string, schemaVersion int) (ArtifactSchema, bool) {
	if c == nil || c.Artifacts.Schemas == nil {
		return ArtifactSchema{}, false
	}
	s, ok := c.Artifacts.Schemas[artifactType][schemaVersion]
	return s, ok
}

func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Storage.LockTimeoutSeconds) * time.Second
}

func (c *Config) WatchInterval() time.Duration {
	return time.Duration(c.Index.WatchIntervalSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with lr init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(filepath.Base(absOrSelf(workspace))), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(registryID string) string {
	return fmt.Sprintf(defaultTemplate, registryID)
}

// Default returns the default Config struct for a registry.
func Default(registryID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(registryID))).Decode(&cfg)
	cfg.Registry.ID = registryID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections
// fall back to the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func absOrSelf(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

const defaultTemplate = `registry:
  id: %s

storage:
  max_part_bytes: 8388608
  lock_timeout_seconds: 30
  cache_dir: .lakereg/cache

artifacts:
  schemas:
    alerts_v1:
      1:
        format: jsonl
        required: [caller, ts]

resolver:
  allow_unfreeze: false

index:
  watch_interval_seconds: 5
  decode_workers: 4

server:
  addr: 127.0.0.1:8080
  base_path: /v0

log:
  mode: dev
`
