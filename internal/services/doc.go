// Package services defines shared utilities consumed by the pipeline stages
// and the adapters that wrap external tools.
//
// Key responsibilities:
//   - Context helpers that stamp run IDs, step names, item names, and variants
//     for logging.
//   - Structured error markers plus the Wrap helper that separate transient
//     failures (retried with cleanup) from precondition violations (surfaced
//     immediately).
//
// Adapters for the registration engine and the warp predictor live in
// subpackages so the orchestration code only depends on their interfaces.
package services
