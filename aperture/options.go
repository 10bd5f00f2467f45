package aperture

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/xaionaro-go/screencapture"
	"github.com/xaionaro-go/screencapture/aperture/codec"
	"github.com/xaionaro-go/screencapture/metrics"
)

const (
	DefaultBinaryName = "aperture"
	EnvKeyBinaryPath  = "APERTURE_BIN"

	// DefaultStartTimeout is how long the recorder may take to confirm that
	// capturing began; capture engines warm up in a few seconds at most.
	DefaultStartTimeout = 10 * time.Second
)

type OptionBinaryPath string
type OptionStartTimeout time.Duration
type OptionTempDir string

// OptionEnv is appended to the environment of every spawned recorder.
type OptionEnv []string

type OptionMetrics struct {
	*metrics.Metrics
}

type OptionNegotiator struct {
	*codec.Negotiator
}

type Config struct {
	BinaryPath   string
	StartTimeout time.Duration
	TempDir      string
	Env          []string
	Metrics      *metrics.Metrics
	Negotiator   *codec.Negotiator
}

func NewConfig(
	ctx context.Context,
	opts ...screencapture.CustomOption,
) Config {
	cfg := Config{
		BinaryPath:   DefaultBinaryName,
		StartTimeout: DefaultStartTimeout,
		TempDir:      os.TempDir(),
	}
	if v := os.Getenv(EnvKeyBinaryPath); v != "" {
		cfg.BinaryPath = v
	}

	customOpts := screencapture.CustomOptions(opts)
	if v, ok := screencapture.GetCustomOption[OptionBinaryPath](customOpts); ok && v != "" {
		cfg.BinaryPath = string(v)
	}
	if v, ok := screencapture.GetCustomOption[OptionStartTimeout](customOpts); ok && v > 0 {
		cfg.StartTimeout = time.Duration(v)
	}
	if v, ok := screencapture.GetCustomOption[OptionTempDir](customOpts); ok && v != "" {
		cfg.TempDir = string(v)
	}
	if v, ok := screencapture.GetCustomOption[OptionEnv](customOpts); ok {
		cfg.Env = v
	}
	if v, ok := screencapture.GetCustomOption[OptionMetrics](customOpts); ok && v.Metrics != nil {
		cfg.Metrics = v.Metrics
	} else {
		cfg.Metrics = metrics.New(nil)
	}
	if v, ok := screencapture.GetCustomOption[OptionNegotiator](customOpts); ok && v.Negotiator != nil {
		cfg.Negotiator = v.Negotiator
	} else {
		cfg.Negotiator = codec.Default(ctx)
	}
	return cfg
}

func (cfg Config) checkTempDir() error {
	info, err := os.Stat(cfg.TempDir)
	if err != nil {
		return fmt.Errorf("unable to access the temporary directory '%s': %w", cfg.TempDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("'%s' is not a directory", cfg.TempDir)
	}
	return nil
}
