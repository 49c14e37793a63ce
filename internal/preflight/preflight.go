package preflight

import (
	"context"
	"net/http"

	"bifrost/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes the filesystem and weights checks for cfg.
func RunAll(ctx context.Context, cfg *config.Config, client *http.Client) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result
	if cfg.Paths.WorkDir != "" {
		results = append(results, CheckWritable("Work directory", cfg.Paths.WorkDir))
	}
	results = append(results, CheckWritable("Weights directory", parentDir(cfg.Paths.WeightsPath)))
	results = append(results, CheckWeights(ctx, cfg.Paths.WeightsPath, cfg.Engine.WeightsURL, client))
	return results
}
