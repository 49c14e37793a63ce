package synthmorph

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"bifrost/internal/fileutil"
	"bifrost/internal/logging"
	"bifrost/internal/retry"
	"bifrost/internal/services"
)

// EnsureWeights downloads url to path unless path already exists. The
// payload lands in a sibling temporary file that is renamed into place only
// once complete, so an interrupted download never leaves a truncated model.
func EnsureWeights(ctx context.Context, client *http.Client, url, path string, bo backoff.BackOff, logger *slog.Logger) error {
	if logger == nil {
		logger = logging.NewNop()
	}
	exists, err := fileutil.Exists(path)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "synthmorph", "weights", path, err)
	}
	if exists {
		return nil
	}
	if client == nil {
		client = http.DefaultClient
	}
	if bo == nil {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = 2 * time.Second
		bo = exp
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return services.Wrap(services.ErrConfiguration, "synthmorph", "weights", "create weights directory", err)
	}

	logger.Info("downloading predictor weights",
		logging.String(logging.FieldEventType, "weights_download"),
		logging.String("url", url),
		logging.String("path", path),
	)
	start := time.Now()
	var written int64
	outcome := retry.Do(ctx, retry.Policy{
		BackOff: bo,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			logging.WarnWithContext(logger, "weights download failed; retrying", "weights_retry",
				logging.Int(logging.FieldAttempt, attempt),
				logging.Duration("delay", delay),
				logging.Error(err),
				logging.String(logging.FieldImpact, "registration waits for the model"),
			)
		},
	}, func(ctx context.Context, _ int) error {
		n, err := download(ctx, client, url, path)
		written = n
		return err
	}, nil)
	if !outcome.OK() {
		return outcome.Err
	}
	logger.Info("predictor weights ready",
		logging.String(logging.FieldEventType, "weights_ready"),
		logging.Int("bytes", int(written)),
		logging.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func download(ctx context.Context, client *http.Client, url, path string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, services.Wrap(services.ErrConfiguration, "synthmorph", "weights", "build request", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, services.Wrap(services.ErrTransient, "synthmorph", "weights", "request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, services.Wrap(services.ErrNotFound, "synthmorph", "weights", url, nil)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return 0, services.Wrap(services.ErrTransient, "synthmorph", "weights", resp.Status, nil)
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, services.Wrap(services.ErrConfiguration, "synthmorph", "weights",
			fmt.Sprintf("%s: %s", resp.Status, strings.TrimSpace(string(body))), nil)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".weights-*")
	if err != nil {
		return 0, services.Wrap(services.ErrConfiguration, "synthmorph", "weights", "create temp file", err)
	}
	tmpName := tmp.Name()
	n, copyErr := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	if copyErr == nil && resp.ContentLength > 0 && n != resp.ContentLength {
		copyErr = fmt.Errorf("short body: %d of %d bytes", n, resp.ContentLength)
	}
	if copyErr == nil && n == 0 {
		copyErr = fmt.Errorf("empty body")
	}
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmpName)
		if copyErr == nil {
			copyErr = closeErr
		}
		return 0, services.Wrap(services.ErrTransient, "synthmorph", "weights", "read body", copyErr)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return 0, services.Wrap(services.ErrConfiguration, "synthmorph", "weights", "install weights", err)
	}
	return n, nil
}
