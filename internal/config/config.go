package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cenkalti/backoff/v5"
	"github.com/pelletier/go-toml/v2"

	"bifrost/internal/retry"
)

//go:embed sample_config.toml
var sampleConfig string

// EnvPrefix namespaces every environment override.
const EnvPrefix = "BIFROST_"

// Paths contains scratch and model locations.
type Paths struct {
	// WorkDir holds temporary engine and predictor files; empty uses the
	// system temporary directory.
	WorkDir     string `toml:"work_dir" env:"WORK_DIR"`
	WeightsPath string `toml:"weights_path" env:"WEIGHTS_PATH"`
}

// Engine names the external tools.
type Engine struct {
	RegistrationBinary string `toml:"registration_binary" env:"REGISTRATION_BINARY"`
	ApplyBinary        string `toml:"apply_binary" env:"APPLY_BINARY"`
	PredictorBinary    string `toml:"predictor_binary" env:"PREDICTOR_BINARY"`
	WeightsURL         string `toml:"weights_url" env:"WEIGHTS_URL"`
}

// Register holds defaults for the single-pair pipeline.
type Register struct {
	MovingClipLimit float64 `toml:"moving_clip_limit" env:"MOVING_CLIP_LIMIT"`
	FixedClipLimit  float64 `toml:"fixed_clip_limit" env:"FIXED_CLIP_LIMIT"`
	CLAHEKernelSize int     `toml:"clahe_kernel_size" env:"CLAHE_KERNEL_SIZE"`
	DownsampleTo    float64 `toml:"downsample_to" env:"DOWNSAMPLE_TO"`
	TargetShape     []int   `toml:"target_shape" env:"TARGET_SHAPE"`
}

// Template holds defaults for template builds.
type Template struct {
	AffineSteps       int     `toml:"affine_steps" env:"AFFINE_STEPS"`
	SynSteps          int     `toml:"syn_steps" env:"SYN_STEPS"`
	GradientStep      float64 `toml:"gradient_step" env:"GRADIENT_STEP"`
	Preprocessing     string  `toml:"preprocessing" env:"PREPROCESSING"`
	Workers           int     `toml:"workers" env:"WORKERS"`
	CheckpointBackend string  `toml:"checkpoint_backend" env:"CHECKPOINT_BACKEND"`
}

// Retry configures how failed stages are retried.
type Retry struct {
	MaxAttempts         int     `toml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialDelaySeconds float64 `toml:"initial_delay_seconds" env:"INITIAL_DELAY_SECONDS"`
	MaxDelaySeconds     float64 `toml:"max_delay_seconds" env:"MAX_DELAY_SECONDS"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format" env:"FORMAT"`
	Level  string `toml:"level" env:"LEVEL"`
}

// Config encapsulates all configuration values for bifrost.
//
// Configuration sections by subsystem:
//   - Paths: engine scratch space and predictor weights
//   - Engine: registration, transform and predictor binaries
//   - Register: single-pair registration defaults
//   - Template: template build defaults and checkpoint backend
//   - Retry: attempt budget and delay between attempts
//   - Logging: log format and level
type Config struct {
	Paths    Paths    `toml:"paths" envPrefix:"PATHS_"`
	Engine   Engine   `toml:"engine" envPrefix:"ENGINE_"`
	Register Register `toml:"register" envPrefix:"REGISTER_"`
	Template Template `toml:"template" envPrefix:"TEMPLATE_"`
	Retry    Retry    `toml:"retry" envPrefix:"RETRY_"`
	Logging  Logging  `toml:"logging" envPrefix:"LOGGING_"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file, then applies
// environment overrides. The returned config has all path fields expanded
// and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, "", false, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("bifrost.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// TargetShape returns the predictor input shape.
func (c *Config) TargetShape() [3]int {
	var shape [3]int
	copy(shape[:], c.Register.TargetShape)
	return shape
}

// RetryPolicy builds the stage retry policy. The delay doubles from the
// initial value up to the maximum; a zero initial delay retries immediately.
func (c *Config) RetryPolicy() retry.Policy {
	policy := retry.Policy{MaxAttempts: c.Retry.MaxAttempts}
	if c.Retry.InitialDelaySeconds <= 0 {
		return policy
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = seconds(c.Retry.InitialDelaySeconds)
	exp.MaxInterval = seconds(c.Retry.MaxDelaySeconds)
	policy.BackOff = exp
	return policy
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

func defaultWeightsPath() string {
	if base, ok := os.LookupEnv("XDG_CACHE_HOME"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "bifrost", "weights", "synthmorph_weights.h5")
	}
	return defaultWeightsFallback
}

// Sample returns the annotated sample configuration.
func Sample() string {
	return sampleConfig
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
