package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeEngine()
	c.normalizeRegister()
	c.normalizeTemplate()
	c.normalizeRetry()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.WorkDir, err = expandPath(strings.TrimSpace(c.Paths.WorkDir)); err != nil {
		return fmt.Errorf("paths.work_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.WeightsPath) == "" {
		c.Paths.WeightsPath = defaultWeightsPath()
	}
	if c.Paths.WeightsPath, err = expandPath(strings.TrimSpace(c.Paths.WeightsPath)); err != nil {
		return fmt.Errorf("paths.weights_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeEngine() {
	defaults := Default().Engine
	c.Engine.RegistrationBinary = orDefault(c.Engine.RegistrationBinary, defaults.RegistrationBinary)
	c.Engine.ApplyBinary = orDefault(c.Engine.ApplyBinary, defaults.ApplyBinary)
	c.Engine.PredictorBinary = orDefault(c.Engine.PredictorBinary, defaults.PredictorBinary)
	c.Engine.WeightsURL = orDefault(c.Engine.WeightsURL, defaults.WeightsURL)
}

func (c *Config) normalizeRegister() {
	if len(c.Register.TargetShape) == 0 {
		c.Register.TargetShape = append([]int(nil), defaultTargetShape...)
	}
	if c.Register.CLAHEKernelSize <= 0 {
		c.Register.CLAHEKernelSize = Default().Register.CLAHEKernelSize
	}
}

func (c *Config) normalizeTemplate() {
	c.Template.Preprocessing = strings.ToLower(strings.TrimSpace(c.Template.Preprocessing))
	if c.Template.Preprocessing == "" {
		c.Template.Preprocessing = Default().Template.Preprocessing
	}
	c.Template.CheckpointBackend = strings.ToLower(strings.TrimSpace(c.Template.CheckpointBackend))
	if c.Template.CheckpointBackend == "" {
		c.Template.CheckpointBackend = Default().Template.CheckpointBackend
	}
	if c.Template.Workers <= 0 {
		c.Template.Workers = defaultWorkers
	}
}

func (c *Config) normalizeRetry() {
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = Default().Retry.MaxAttempts
	}
	if c.Retry.MaxDelaySeconds < c.Retry.InitialDelaySeconds {
		c.Retry.MaxDelaySeconds = c.Retry.InitialDelaySeconds
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func orDefault(value, fallback string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return fallback
}
