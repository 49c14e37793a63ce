// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and
// .nii.gz). Geometry is converted to and from the LPS frame used by
// volume.Volume; vector images are stored with the displacement-vector intent
// so that registration tools recognise them as warp fields.
package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"bifrost/internal/volume"
)

// ErrFormat reports input that is not a readable NIfTI-1 file.
var ErrFormat = errors.New("nifti: invalid format")

// Codec implements volume.IO for NIfTI files. The zero value writes
// uncompressed files unless the path ends in .gz.
type Codec struct {
	// Level is the gzip level used for .nii.gz output; zero selects the
	// default compression.
	Level int
}

var _ volume.IO = Codec{}

// Read loads the volume stored at path.
func (c Codec) Read(path string) (volume.Volume, error) {
	file, err := os.Open(path)
	if err != nil {
		return volume.Volume{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	var r io.Reader = bufio.NewReader(file)
	if isCompressed(path) {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return volume.Volume{}, fmt.Errorf("%w: %s: %w", ErrFormat, path, err)
		}
		defer gz.Close()
		r = gz
	}
	v, err := Decode(r)
	if err != nil {
		return volume.Volume{}, fmt.Errorf("read %s: %w", path, err)
	}
	return v, nil
}

// Write stores v at path, replacing any existing file. The file is written
// to a sibling temporary name and renamed into place so readers never see a
// partial volume.
func (c Codec) Write(path string, v volume.Volume) error {
	if err := v.Validate(); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	buffered := bufio.NewWriter(tmp)
	var w io.Writer = buffered
	var gz *gzip.Writer
	if isCompressed(path) {
		level := c.Level
		if level == 0 {
			level = gzip.DefaultCompression
		}
		gz, err = gzip.NewWriterLevel(buffered, level)
		if err != nil {
			cleanup()
			return fmt.Errorf("gzip %s: %w", path, err)
		}
		w = gz
	}
	if err := Encode(w, v); err != nil {
		cleanup()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			cleanup()
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	if err := buffered.Flush(); err != nil {
		cleanup()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func isCompressed(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".gz")
}

// Decode parses an uncompressed NIfTI-1 stream.
func Decode(r io.Reader) (volume.Volume, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return volume.Volume{}, fmt.Errorf("%w: short header: %w", ErrFormat, err)
	}
	var order binary.ByteOrder = binary.LittleEndian
	if int32(order.Uint32(raw)) != headerSize {
		order = binary.BigEndian
		if int32(order.Uint32(raw)) != headerSize {
			return volume.Volume{}, fmt.Errorf("%w: header size field is not %d", ErrFormat, headerSize)
		}
	}
	var h header
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return volume.Volume{}, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	if magic := string(h.Magic[:3]); magic != "n+1" {
		return volume.Volume{}, fmt.Errorf("%w: unsupported magic %q", ErrFormat, magic)
	}

	ndim := int(h.Dim[0])
	if ndim < 1 || ndim > 7 {
		return volume.Volume{}, fmt.Errorf("%w: dimension count %d", ErrFormat, ndim)
	}
	var shape [3]int
	for axis := 0; axis < 3; axis++ {
		shape[axis] = 1
		if axis < ndim && h.Dim[axis+1] > 0 {
			shape[axis] = int(h.Dim[axis+1])
		}
	}
	components := 1
	for axis := 4; axis <= ndim; axis++ {
		if h.Dim[axis] > 1 {
			components *= int(h.Dim[axis])
		}
	}

	dt, err := lookupDataType(h.Datatype)
	if err != nil {
		return volume.Volume{}, fmt.Errorf("%w: %w", ErrFormat, err)
	}

	skip := int64(h.VoxOffset) - headerSize
	if skip < 0 {
		return volume.Volume{}, fmt.Errorf("%w: vox_offset %v inside header", ErrFormat, h.VoxOffset)
	}
	if _, err := io.CopyN(io.Discard, r, skip); err != nil {
		return volume.Volume{}, fmt.Errorf("%w: %w", ErrFormat, err)
	}

	width := int(dt.bitpix / 8)
	voxels := shape[0] * shape[1] * shape[2]
	payload := make([]byte, voxels*components*width)
	if _, err := io.ReadFull(r, payload); err != nil {
		return volume.Volume{}, fmt.Errorf("%w: truncated voxel data: %w", ErrFormat, err)
	}

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	scaled := slope != 0 && !(slope == 1 && inter == 0)

	v := volume.Zeros(shape, components)
	v.Origin, v.Spacing, v.Direction = h.geometry()
	// File order is Fortran with the component axis slowest.
	pos := 0
	for c := 0; c < components; c++ {
		for k := 0; k < shape[2]; k++ {
			for j := 0; j < shape[1]; j++ {
				for i := 0; i < shape[0]; i++ {
					x := dt.decode(order, payload[pos:pos+width])
					if scaled {
						x = x*slope + inter
					}
					v.Data[v.Index(i, j, k)+c] = x
					pos += width
				}
			}
		}
	}
	return v, nil
}

// Encode writes v as an uncompressed float64 NIfTI-1 stream.
func Encode(w io.Writer, v volume.Volume) error {
	components := max(v.Components, 1)
	var h header
	h.SizeofHdr = headerSize
	h.Regular = 'r'
	h.Dim = [8]int16{3, 1, 1, 1, 1, 1, 1, 1}
	for axis := 0; axis < 3; axis++ {
		if v.Shape[axis] > math.MaxInt16 {
			return fmt.Errorf("nifti: axis %d extent %d exceeds format limit", axis, v.Shape[axis])
		}
		h.Dim[axis+1] = int16(v.Shape[axis])
	}
	if components > 1 {
		h.Dim[0] = 5
		h.Dim[5] = int16(components)
		h.IntentCode = intentVector
	}
	h.Datatype = 64
	h.Bitpix = 64
	h.Pixdim = [8]float32{1, 1, 1, 1, 1, 1, 1, 1}
	h.VoxOffset = dataOffset
	h.SclSlope = 1
	h.XYZTUnits = unitsMMSec
	h.setGeometry(v.Origin, v.Spacing, v.Direction)
	copy(h.Magic[:], "n+1\x00")

	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return err
	}
	// Zero extension flag.
	if _, err := w.Write(make([]byte, dataOffset-headerSize)); err != nil {
		return err
	}

	buf := make([]byte, 8*v.Shape[0])
	for c := 0; c < components; c++ {
		for k := 0; k < v.Shape[2]; k++ {
			for j := 0; j < v.Shape[1]; j++ {
				for i := 0; i < v.Shape[0]; i++ {
					binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v.Data[v.Index(i, j, k)+c]))
				}
				if _, err := w.Write(buf); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
