package main

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"bifrost/internal/config"
	"bifrost/internal/engine"
	"bifrost/internal/runctx"
	"bifrost/internal/services/ants"
	"bifrost/internal/services/synthmorph"
)

// engines builds the external collaborators from configuration. Tests swap
// in in-process fakes.
type engines struct {
	aligner   func(cfg *config.Config, logger *slog.Logger) (engine.Aligner, error)
	predictor func(cfg *config.Config, logger *slog.Logger) (engine.Predictor, error)
}

func defaultEngines() engines {
	return engines{
		aligner: func(cfg *config.Config, logger *slog.Logger) (engine.Aligner, error) {
			client, err := ants.New(cfg.Engine.RegistrationBinary, cfg.Engine.ApplyBinary,
				ants.WithWorkDir(cfg.Paths.WorkDir),
				ants.WithLogger(logger),
			)
			if err != nil {
				return nil, err
			}
			return client, nil
		},
		predictor: func(cfg *config.Config, logger *slog.Logger) (engine.Predictor, error) {
			client, err := synthmorph.New(cfg.Engine.PredictorBinary, cfg.Paths.WeightsPath,
				synthmorph.WithWeightsURL(cfg.Engine.WeightsURL),
				synthmorph.WithWorkDir(cfg.Paths.WorkDir),
				synthmorph.WithLogger(logger),
			)
			if err != nil {
				return nil, err
			}
			return client, nil
		},
	}
}

type commandContext struct {
	configFlag *string
	engines    engines

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string, factories engines) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		engines:    factories,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// startRun creates the run logger for root and takes its output lock. An
// explicit logPath is opened up front; otherwise callers attach the default
// run log once the output directory exists.
func (c *commandContext) startRun(cmd *cobra.Command, root, logPath string, verbose bool) (*runctx.Run, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	if logPath = strings.TrimSpace(logPath); logPath != "" {
		if logPath, err = config.ExpandPath(logPath); err != nil {
			return nil, fmt.Errorf("resolve log path: %w", err)
		}
	}
	run, err := runctx.New(runctx.Options{
		Root:    root,
		Verbose: verbose,
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cmd.ErrOrStderr(),
		LogPath: logPath,
	})
	if err != nil {
		return nil, err
	}
	if err := run.Lock(); err != nil {
		return nil, err
	}
	return run, nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
