package screencapture

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the host-side configuration file.
type Config struct {
	BinaryPath   string           `json:"binary_path,omitempty"   yaml:"binary_path,omitempty"`
	StartTimeout time.Duration    `json:"start_timeout,omitempty" yaml:"start_timeout,omitempty"`
	TempDir      string           `json:"temp_dir,omitempty"      yaml:"temp_dir,omitempty"`
	LogLevel     string           `json:"log_level,omitempty"     yaml:"log_level,omitempty"`
	Recording    RecordingOptions `json:"recording,omitempty"     yaml:"recording,omitempty"`
}

func ReadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read the config file '%s': %w", path, err)
	}
	cfg, err := ParseConfig(b)
	if err != nil {
		return nil, fmt.Errorf("unable to parse the config file '%s': %w", path, err)
	}
	return cfg, nil
}

func ParseConfig(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("unable to un-YAML-ize: %w", err)
	}
	if cfg.Recording.CropArea != nil {
		if err := cfg.Recording.CropArea.Validate(); err != nil {
			return nil, fmt.Errorf("invalid 'recording' section: %w", err)
		}
	}
	return &cfg, nil
}

func (cfg *Config) Bytes() ([]byte, error) {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to YAML-ize: %w", err)
	}
	return b, nil
}
