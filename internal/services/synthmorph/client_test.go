package synthmorph_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v5"

	"bifrost/internal/nifti"
	"bifrost/internal/services"
	"bifrost/internal/services/synthmorph"
	"bifrost/internal/testsupport"
	"bifrost/internal/volume"
)

type stubPredictor struct {
	shape [3]int
	fail  error
	args  []string
}

func (s *stubPredictor) Run(ctx context.Context, binary string, args []string, onOutput func(string)) error {
	s.args = args
	if s.fail != nil {
		onOutput("model exploded")
		return s.fail
	}
	var out string
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "--warp" {
			out = args[i+1]
		}
	}
	field := volume.Zeros(s.shape, 3)
	for i := range field.Data {
		field.Data[i] = 0.5
	}
	return nifti.Codec{}.Write(out, field)
}

func newClient(t *testing.T, exec *stubPredictor, opts ...synthmorph.Option) *synthmorph.Client {
	t.Helper()
	weights := filepath.Join(t.TempDir(), "weights.h5")
	opts = append([]synthmorph.Option{synthmorph.WithExecutor(exec), synthmorph.WithWorkDir(t.TempDir())}, opts...)
	client, err := synthmorph.New("", weights, opts...)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return client
}

func TestPredictReadsVoxelField(t *testing.T) {
	shape := [3]int{4, 5, 6}
	exec := &stubPredictor{shape: shape}
	client := newClient(t, exec)
	img := testsupport.Blob(shape, [3]float64{})

	field, err := client.Predict(context.Background(), img, img)
	if err != nil {
		t.Fatalf("Predict returned error: %v", err)
	}
	if field.Shape != shape || field.Data[0] != 0.5 {
		t.Fatalf("unexpected field shape=%v first=%g", field.Shape, field.Data[0])
	}
	if exec.args[0] != "--model" || exec.args[1] != client.WeightsPath() {
		t.Fatalf("unexpected args %v", exec.args)
	}
}

func TestPredictRejectsMismatchedInputs(t *testing.T) {
	client := newClient(t, &stubPredictor{})
	_, err := client.Predict(context.Background(),
		testsupport.Blob([3]int{4, 4, 4}, [3]float64{}), testsupport.Blob([3]int{4, 4, 5}, [3]float64{}))
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPredictRejectsWrongFieldShape(t *testing.T) {
	client := newClient(t, &stubPredictor{shape: [3]int{2, 2, 2}})
	img := testsupport.Blob([3]int{4, 4, 4}, [3]float64{})
	if _, err := client.Predict(context.Background(), img, img); !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool error, got %v", err)
	}
}

func TestPredictReportsToolFailure(t *testing.T) {
	client := newClient(t, &stubPredictor{fail: errors.New("exit status 2")})
	img := testsupport.Blob([3]int{4, 4, 4}, [3]float64{})
	_, err := client.Predict(context.Background(), img, img)
	if !errors.Is(err, services.ErrExternalTool) || !services.Retryable(err) {
		t.Fatalf("expected retryable external tool error, got %v", err)
	}
}

func TestReadyDownloadsMissingWeights(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("weights"))
	}))
	defer server.Close()

	client := newClient(t, &stubPredictor{},
		synthmorph.WithWeightsURL(server.URL),
		synthmorph.WithHTTPClient(server.Client()),
		synthmorph.WithBackOff(&backoff.ZeroBackOff{}),
	)
	if err := client.Ready(context.Background()); err != nil {
		t.Fatalf("Ready returned error: %v", err)
	}
	data, err := os.ReadFile(client.WeightsPath())
	if err != nil {
		t.Fatalf("read weights: %v", err)
	}
	if string(data) != "weights" {
		t.Fatalf("weights = %q", data)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected 2 requests, got %d", hits.Load())
	}

	if err := client.Ready(context.Background()); err != nil {
		t.Fatalf("second Ready returned error: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatal("existing weights should not be downloaded again")
	}
}

func TestReadyDoesNotRetryMissingURL(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := newClient(t, &stubPredictor{},
		synthmorph.WithWeightsURL(server.URL),
		synthmorph.WithBackOff(&backoff.ZeroBackOff{}),
	)
	err := client.Ready(context.Background())
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected a single request, got %d", hits.Load())
	}
	entries, _ := os.ReadDir(filepath.Dir(client.WeightsPath()))
	if len(entries) != 0 {
		t.Fatalf("download left %d files behind", len(entries))
	}
}

func TestNewRequiresWeights(t *testing.T) {
	if _, err := synthmorph.New("", ""); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
