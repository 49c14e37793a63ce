package archive

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"path"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"

	"bifrost/internal/services"
	"bifrost/internal/sqlstore"
)

const (
	dtypeFloat64 = "float64"
	elemSize     = 8
	// chunkElems bounds one chunk to 512 KiB of raw samples.
	chunkElems = 1 << 16
	filterList = "shuffle,gzip9,xxhash64"
)

// Dataset is an n-dimensional float64 array read back from the archive.
type Dataset struct {
	Shape []int
	Data  []float64
}

// WriteDataset stores data under name with the given shape. Parent groups are
// created as needed; an existing dataset at name is an error.
func (a *Archive) WriteDataset(ctx context.Context, name string, shape []int, data []float64) error {
	if err := a.writable(); err != nil {
		return err
	}
	name = cleanName(name)
	if n := elements(shape); n != len(data) {
		return services.Wrap(services.ErrValidation, "archive", "write dataset",
			fmt.Sprintf("%s: shape %v holds %d elements, got %d", name, shape, n, len(data)), nil)
	}
	shapeJSON, err := json.Marshal(shape)
	if err != nil {
		return fmt.Errorf("encode shape of %s: %w", name, err)
	}

	type chunk struct {
		raw      int
		checksum uint64
		data     []byte
	}
	var chunks []chunk
	for start := 0; ; start += chunkElems {
		end := min(start+chunkElems, len(data))
		stored, err := encodeChunk(data[start:end])
		if err != nil {
			return fmt.Errorf("encode %s chunk %d: %w", name, start/chunkElems, err)
		}
		chunks = append(chunks, chunk{raw: (end - start) * elemSize, checksum: xxhash.Sum64(stored), data: stored})
		if end >= len(data) {
			break
		}
	}

	return sqlstore.RetryOnBusy(ctx, func() error {
		tx, err := a.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin dataset tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var existing int
		if err := tx.QueryRowContext(ctx,
			`SELECT (SELECT COUNT(1) FROM datasets WHERE path = ?) + (SELECT COUNT(1) FROM groups WHERE path = ?)`,
			name, name,
		).Scan(&existing); err != nil {
			return fmt.Errorf("lookup %s: %w", name, err)
		}
		if existing > 0 {
			return fmt.Errorf("%w: %s", ErrExists, name)
		}
		if err := ensureGroups(ctx, tx, path.Dir(name)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO datasets (path, dtype, shape, chunk_elems, filters) VALUES (?, ?, ?, ?, ?)`,
			name, dtypeFloat64, string(shapeJSON), chunkElems, filterList,
		); err != nil {
			return fmt.Errorf("insert dataset %s: %w", name, err)
		}
		for idx, c := range chunks {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO chunks (path, idx, raw_size, checksum, data) VALUES (?, ?, ?, ?, ?)`,
				name, idx, c.raw, int64(c.checksum), c.data,
			); err != nil {
				return fmt.Errorf("insert %s chunk %d: %w", name, idx, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit dataset %s: %w", name, err)
		}
		return nil
	})
}

// ReadDataset loads the dataset at name, verifying every chunk checksum.
func (a *Archive) ReadDataset(ctx context.Context, name string) (Dataset, error) {
	name = cleanName(name)
	var dtype, shapeJSON string
	err := a.db.QueryRowContext(ctx,
		`SELECT dtype, shape FROM datasets WHERE path = ?`, name,
	).Scan(&dtype, &shapeJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return Dataset{}, services.Wrap(services.ErrNotFound, "archive", "read dataset", name, nil)
	}
	if err != nil {
		return Dataset{}, fmt.Errorf("read dataset %s: %w", name, err)
	}
	if dtype != dtypeFloat64 {
		return Dataset{}, fmt.Errorf("dataset %s: unsupported dtype %q", name, dtype)
	}
	var shape []int
	if err := json.Unmarshal([]byte(shapeJSON), &shape); err != nil {
		return Dataset{}, fmt.Errorf("decode shape of %s: %w", name, err)
	}

	rows, err := a.db.QueryContext(ctx,
		`SELECT idx, raw_size, checksum, data FROM chunks WHERE path = ? ORDER BY idx`, name)
	if err != nil {
		return Dataset{}, fmt.Errorf("read chunks of %s: %w", name, err)
	}
	defer rows.Close()

	data := make([]float64, 0, elements(shape))
	for rows.Next() {
		var (
			idx, rawSize int
			checksum     int64
			stored       []byte
		)
		if err := rows.Scan(&idx, &rawSize, &checksum, &stored); err != nil {
			return Dataset{}, fmt.Errorf("read chunks of %s: %w", name, err)
		}
		if got := xxhash.Sum64(stored); got != uint64(checksum) {
			return Dataset{}, fmt.Errorf("%w: %s chunk %d", ErrChecksum, name, idx)
		}
		values, err := decodeChunk(stored, rawSize)
		if err != nil {
			return Dataset{}, fmt.Errorf("decode %s chunk %d: %w", name, idx, err)
		}
		data = append(data, values...)
	}
	if err := rows.Err(); err != nil {
		return Dataset{}, fmt.Errorf("read chunks of %s: %w", name, err)
	}
	if len(data) != elements(shape) {
		return Dataset{}, fmt.Errorf("dataset %s: decoded %d elements, shape %v wants %d", name, len(data), shape, elements(shape))
	}
	return Dataset{Shape: shape, Data: data}, nil
}

func elements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// encodeChunk serializes values little-endian, groups byte k of every value
// together, and gzips the result.
func encodeChunk(values []float64) ([]byte, error) {
	n := len(values)
	shuffled := make([]byte, n*elemSize)
	var word [elemSize]byte
	for i, v := range values {
		binary.LittleEndian.PutUint64(word[:], math.Float64bits(v))
		for b := 0; b < elemSize; b++ {
			shuffled[b*n+i] = word[b]
		}
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(shuffled); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeChunk(stored []byte, rawSize int) ([]float64, error) {
	if rawSize%elemSize != 0 {
		return nil, fmt.Errorf("raw size %d is not a multiple of %d", rawSize, elemSize)
	}
	zr, err := gzip.NewReader(bytes.NewReader(stored))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	shuffled := make([]byte, rawSize)
	if _, err := io.ReadFull(zr, shuffled); err != nil {
		return nil, err
	}

	n := rawSize / elemSize
	values := make([]float64, n)
	var word [elemSize]byte
	for i := range values {
		for b := 0; b < elemSize; b++ {
			word[b] = shuffled[b*n+i]
		}
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(word[:]))
	}
	return values, nil
}
