package config

import (
	"bifrost/internal/checkpoint"
	"bifrost/internal/preprocess"
	"bifrost/internal/retry"
	"bifrost/internal/services/ants"
	"bifrost/internal/services/synthmorph"
)

const (
	defaultConfigPath      = "~/.config/bifrost/config.toml"
	defaultWeightsFallback = "~/.cache/bifrost/weights/synthmorph_weights.h5"
	defaultMovingClipLimit = 0.03
	defaultFixedClipLimit  = -1
	defaultAffineSteps     = 1
	defaultSynSteps        = 3
	defaultGradientStep    = 0.1
	defaultWorkers         = 1
	defaultMaxDelaySeconds = 30
	defaultLogFormat       = "console"
	defaultLogLevel        = "info"
)

var defaultTargetShape = []int{160, 160, 192}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			WeightsPath: defaultWeightsPath(),
		},
		Engine: Engine{
			RegistrationBinary: ants.RegistrationBinary,
			ApplyBinary:        ants.ApplyBinary,
			PredictorBinary:    synthmorph.DefaultBinary,
			WeightsURL:         synthmorph.ShapesWeightsURL,
		},
		Register: Register{
			MovingClipLimit: defaultMovingClipLimit,
			FixedClipLimit:  defaultFixedClipLimit,
			CLAHEKernelSize: preprocess.DefaultKernelSize,
			DownsampleTo:    -1,
			TargetShape:     append([]int(nil), defaultTargetShape...),
		},
		Template: Template{
			AffineSteps:       defaultAffineSteps,
			SynSteps:          defaultSynSteps,
			GradientStep:      defaultGradientStep,
			Preprocessing:     preprocess.MethodNone,
			Workers:           defaultWorkers,
			CheckpointBackend: checkpoint.BackendFile,
		},
		Retry: Retry{
			MaxAttempts:     retry.DefaultAttempts,
			MaxDelaySeconds: defaultMaxDelaySeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
