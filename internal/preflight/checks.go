package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"bifrost/internal/config"
	"bifrost/internal/deps"
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckWritable verifies that path, or the closest existing ancestor that
// would be created beneath, accepts writes.
func CheckWritable(name, path string) Result {
	existing := filepath.Clean(path)
	for {
		if _, err := os.Stat(existing); err == nil {
			break
		}
		next := filepath.Dir(existing)
		if next == existing {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: no existing ancestor)", path)}
		}
		existing = next
	}
	res := CheckDirectoryAccess(name, existing)
	if res.Passed && existing != filepath.Clean(path) {
		res.Detail = fmt.Sprintf("%s (will be created under %s)", path, existing)
	}
	return res
}

// CheckWeights reports whether predictor weights are present locally or can
// be fetched from url.
func CheckWeights(ctx context.Context, path, url string, client *http.Client) Result {
	const name = "Predictor weights"

	if info, err := os.Stat(path); err == nil {
		if info.Size() == 0 {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: empty file)", path)}
		}
		return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (%.1f MiB)", path, float64(info.Size())/(1<<20))}
	}
	if url == "" {
		return Result{Name: name, Detail: fmt.Sprintf("%s missing and no download url configured", path)}
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(checkCtx, http.MethodHead, url, nil)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("invalid download url (%v)", err)}
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{Name: name, Detail: summarizeNetError(err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{Name: name, Detail: fmt.Sprintf("download url returned %s", resp.Status)}
	}
	return Result{Name: name, Passed: true, Detail: "missing; will be downloaded on first use"}
}

// CheckSystemDeps evaluates the engine and predictor binaries for cfg.
// The predictor is optional when no stage that needs it will run.
func CheckSystemDeps(cfg *config.Config, needPredictor bool) []deps.Status {
	return deps.CheckBinaries([]deps.Requirement{
		{
			Name:        "antsRegistration",
			Command:     cfg.Engine.RegistrationBinary,
			Description: "Required for affine and SyN alignment",
		},
		{
			Name:        "antsApplyTransforms",
			Command:     cfg.Engine.ApplyBinary,
			Description: "Required to warp masks and replay archives",
		},
		{
			Name:        "SynthMorph",
			Command:     cfg.Engine.PredictorBinary,
			Description: "Required for learned warp refinement",
			Optional:    !needPredictor,
		},
	})
}

func parentDir(path string) string {
	return filepath.Dir(filepath.Clean(path))
}

func summarizeNetError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "download check timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "download check timed out (host unreachable)"
	}
	return fmt.Sprintf("download check failed (%v)", err)
}
