package config

import (
	"errors"
	"fmt"

	"bifrost/internal/checkpoint"
	"bifrost/internal/preprocess"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateRegister(); err != nil {
		return err
	}
	if err := c.validateTemplate(); err != nil {
		return err
	}
	return c.validateRetry()
}

func (c *Config) validateRegister() error {
	if len(c.Register.TargetShape) != 3 {
		return fmt.Errorf("register.target_shape must have 3 entries, got %d", len(c.Register.TargetShape))
	}
	for _, n := range c.Register.TargetShape {
		if n <= 0 {
			return errors.New("register.target_shape entries must be positive")
		}
	}
	return nil
}

func (c *Config) validateTemplate() error {
	if c.Template.AffineSteps < 0 || c.Template.SynSteps < 0 {
		return errors.New("template.affine_steps and template.syn_steps must not be negative")
	}
	if c.Template.AffineSteps+c.Template.SynSteps < 1 {
		return errors.New("template needs at least one affine or syn step")
	}
	if c.Template.SynSteps > 0 && c.Template.GradientStep <= 0 {
		return errors.New("template.gradient_step must be positive")
	}
	switch c.Template.Preprocessing {
	case preprocess.MethodNone, preprocess.MethodEqualize:
	default:
		return fmt.Errorf("template.preprocessing: unsupported value %q", c.Template.Preprocessing)
	}
	switch c.Template.CheckpointBackend {
	case checkpoint.BackendFile, checkpoint.BackendSQLite:
	default:
		return fmt.Errorf("template.checkpoint_backend: unsupported value %q", c.Template.CheckpointBackend)
	}
	return nil
}

func (c *Config) validateRetry() error {
	if c.Retry.InitialDelaySeconds < 0 {
		return errors.New("retry.initial_delay_seconds must not be negative")
	}
	return nil
}
