package ants

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"bifrost/internal/volume"
)

// ITK stores linear transforms as MATLAB level 4 files holding two column
// vectors: the transform parameters and the fixed parameters (rotation
// centre).
const (
	affineVariable = "AffineTransform_double_3_3"
	fixedVariable  = "fixed"
	maxMatValues   = 1 << 16
)

// ErrTransformFormat reports a transform file that cannot be decoded.
var ErrTransformFormat = errors.New("ants: invalid transform file")

// ReadAffine decodes an ITK affine transform file.
func ReadAffine(path string) (volume.Affine, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return volume.Affine{}, err
	}
	vars, err := decodeMat(bytes.NewReader(raw))
	if err != nil {
		return volume.Affine{}, fmt.Errorf("%s: %w", path, err)
	}
	var affine volume.Affine
	for name, values := range vars {
		switch {
		case name == fixedVariable:
			affine.FixedParameters = values
		case strings.HasPrefix(name, "AffineTransform"), strings.HasPrefix(name, "MatrixOffsetTransformBase"):
			affine.Parameters = values
		}
	}
	if len(affine.Parameters) != 12 || len(affine.FixedParameters) != 3 {
		return volume.Affine{}, fmt.Errorf("%w: %s: %d parameters, %d fixed parameters",
			ErrTransformFormat, path, len(affine.Parameters), len(affine.FixedParameters))
	}
	return affine, nil
}

// WriteAffine encodes affine as an ITK transform file.
func WriteAffine(path string, affine volume.Affine) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(file)
	for _, v := range []struct {
		name   string
		values []float64
	}{
		{affineVariable, affine.Parameters},
		{fixedVariable, affine.FixedParameters},
	} {
		if err := encodeMatVariable(w, v.name, v.values); err != nil {
			_ = file.Close()
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = file.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return file.Close()
}

type matHeader struct {
	Type    int32
	Rows    int32
	Cols    int32
	Imag    int32
	NameLen int32
}

func decodeMat(r io.Reader) (map[string][]float64, error) {
	vars := make(map[string][]float64)
	for {
		var head [20]byte
		if _, err := io.ReadFull(r, head[:]); err != nil {
			if errors.Is(err, io.EOF) && len(vars) > 0 {
				return vars, nil
			}
			return nil, fmt.Errorf("%w: header: %w", ErrTransformFormat, err)
		}
		order, h, err := parseHeader(head[:])
		if err != nil {
			return nil, err
		}
		name := make([]byte, h.NameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, fmt.Errorf("%w: name: %w", ErrTransformFormat, err)
		}
		count := int(h.Rows) * int(h.Cols)
		if count > maxMatValues {
			return nil, fmt.Errorf("%w: variable of %d values", ErrTransformFormat, count)
		}
		precision := (h.Type / 10) % 10
		values := make([]float64, count)
		switch precision {
		case 0:
			if err := binary.Read(r, order, values); err != nil {
				return nil, fmt.Errorf("%w: data: %w", ErrTransformFormat, err)
			}
		case 1:
			single := make([]float32, count)
			if err := binary.Read(r, order, single); err != nil {
				return nil, fmt.Errorf("%w: data: %w", ErrTransformFormat, err)
			}
			for i, x := range single {
				values[i] = float64(x)
			}
		default:
			return nil, fmt.Errorf("%w: unsupported precision %d", ErrTransformFormat, precision)
		}
		if h.Imag != 0 {
			return nil, fmt.Errorf("%w: complex data", ErrTransformFormat)
		}
		vars[string(bytes.TrimRight(name, "\x00"))] = values
	}
}

// parseHeader detects the byte order from the type field, which is a small
// non-negative number whose thousands digit names the machine format.
func parseHeader(raw []byte) (binary.ByteOrder, matHeader, error) {
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		var h matHeader
		if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
			return nil, matHeader{}, err
		}
		if h.Type < 0 || h.Type >= 5000 || h.NameLen <= 0 || h.NameLen > 256 || h.Rows < 0 || h.Cols < 0 {
			continue
		}
		machine := h.Type / 1000
		if (machine == 0) != (order == binary.LittleEndian) {
			continue
		}
		return order, h, nil
	}
	return nil, matHeader{}, fmt.Errorf("%w: unrecognised header", ErrTransformFormat)
}

func encodeMatVariable(w io.Writer, name string, values []float64) error {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite parameter in %s", name)
		}
	}
	h := matHeader{Type: 0, Rows: int32(len(values)), Cols: 1, NameLen: int32(len(name) + 1)}
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return err
	}
	if _, err := io.WriteString(w, name+"\x00"); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, values)
}
