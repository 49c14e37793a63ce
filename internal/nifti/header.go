package nifti

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	headerSize = 348
	dataOffset = 352

	intentVector = 1007
	xformScanner = 1
	unitsMMSec   = 2 | 8
)

// header mirrors the on-disk NIfTI-1 layout field by field so that
// encoding/binary can read and write it without padding.
type header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	GLMax         int32
	GLMin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QOffsetX      float32
	QOffsetY      float32
	QOffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// dataType describes one supported voxel encoding.
type dataType struct {
	code   int16
	bitpix int16
	decode func(order binary.ByteOrder, b []byte) float64
}

var dataTypes = map[int16]dataType{
	2: {2, 8, func(_ binary.ByteOrder, b []byte) float64 { return float64(b[0]) }},
	4: {4, 16, func(o binary.ByteOrder, b []byte) float64 { return float64(int16(o.Uint16(b))) }},
	8: {8, 32, func(o binary.ByteOrder, b []byte) float64 { return float64(int32(o.Uint32(b))) }},
	16: {16, 32, func(o binary.ByteOrder, b []byte) float64 {
		return float64(math.Float32frombits(o.Uint32(b)))
	}},
	64:   {64, 64, func(o binary.ByteOrder, b []byte) float64 { return math.Float64frombits(o.Uint64(b)) }},
	256:  {256, 8, func(_ binary.ByteOrder, b []byte) float64 { return float64(int8(b[0])) }},
	512:  {512, 16, func(o binary.ByteOrder, b []byte) float64 { return float64(o.Uint16(b)) }},
	768:  {768, 32, func(o binary.ByteOrder, b []byte) float64 { return float64(o.Uint32(b)) }},
	1024: {1024, 64, func(o binary.ByteOrder, b []byte) float64 { return float64(int64(o.Uint64(b))) }},
	1280: {1280, 64, func(o binary.ByteOrder, b []byte) float64 { return float64(o.Uint64(b)) }},
}

func lookupDataType(code int16) (dataType, error) {
	dt, ok := dataTypes[code]
	if !ok {
		return dataType{}, fmt.Errorf("unsupported datatype code %d", code)
	}
	return dt, nil
}

// rasFlip converts between the RAS world frame stored in NIfTI files and
// the LPS frame used for Volume geometry.
var rasFlip = [3]float64{-1, -1, 1}

// geometry decodes origin, spacing and direction from the header, preferring
// the sform, then the qform, then bare pixdim.
func (h *header) geometry() (origin, spacing [3]float64, direction [9]float64) {
	switch {
	case h.SformCode > 0:
		rows := [3][4]float32{h.SrowX, h.SrowY, h.SrowZ}
		for c := 0; c < 3; c++ {
			var norm float64
			for r := 0; r < 3; r++ {
				norm += float64(rows[r][c]) * float64(rows[r][c])
			}
			spacing[c] = math.Sqrt(norm)
		}
		for r := 0; r < 3; r++ {
			origin[r] = rasFlip[r] * float64(rows[r][3])
			for c := 0; c < 3; c++ {
				if spacing[c] > 0 {
					direction[r*3+c] = rasFlip[r] * float64(rows[r][c]) / spacing[c]
				}
			}
		}
	case h.QformCode > 0:
		b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
		a := 1 - (b*b + c*c + d*d)
		if a < 1e-7 {
			norm := math.Sqrt(b*b + c*c + d*d)
			b, c, d = b/norm, c/norm, d/norm
			a = 0
		} else {
			a = math.Sqrt(a)
		}
		qfac := float64(h.Pixdim[0])
		if qfac == 0 {
			qfac = 1
		}
		rot := [9]float64{
			a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c),
			2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b),
			2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b,
		}
		offset := [3]float64{float64(h.QOffsetX), float64(h.QOffsetY), float64(h.QOffsetZ)}
		for r := 0; r < 3; r++ {
			origin[r] = rasFlip[r] * offset[r]
			for col := 0; col < 3; col++ {
				v := rot[r*3+col]
				if col == 2 {
					v *= qfac
				}
				direction[r*3+col] = rasFlip[r] * v
			}
		}
		for axis := 0; axis < 3; axis++ {
			spacing[axis] = math.Abs(float64(h.Pixdim[axis+1]))
		}
	default:
		for axis := 0; axis < 3; axis++ {
			spacing[axis] = math.Abs(float64(h.Pixdim[axis+1]))
			direction[axis*3+axis] = 1
		}
	}
	for axis := 0; axis < 3; axis++ {
		if spacing[axis] == 0 {
			spacing[axis] = 1
		}
	}
	return origin, spacing, direction
}

// setGeometry stores origin, spacing and direction as a scanner sform.
func (h *header) setGeometry(origin, spacing [3]float64, direction [9]float64) {
	rows := [3]*[4]float32{&h.SrowX, &h.SrowY, &h.SrowZ}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			rows[r][c] = float32(rasFlip[r] * direction[r*3+c] * spacing[c])
		}
		rows[r][3] = float32(rasFlip[r] * origin[r])
	}
	h.SformCode = xformScanner
	h.QformCode = 0
	h.Pixdim[0] = 1
	for axis := 0; axis < 3; axis++ {
		h.Pixdim[axis+1] = float32(spacing[axis])
	}
}
