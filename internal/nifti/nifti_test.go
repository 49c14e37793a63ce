package nifti

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"bifrost/internal/volume"
)

func sampleVolume(components int) volume.Volume {
	v := volume.Zeros([3]int{3, 4, 5}, components)
	for i := range v.Data {
		v.Data[i] = float64(i)*0.37 - 2
	}
	v.Origin = [3]float64{10.5, -3.25, 7}
	v.Spacing = [3]float64{0.5, 2, 1.25}
	v.Direction = [9]float64{0, 1, 0, -1, 0, 0, 0, 0, 1}
	return v
}

func TestCodecRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name       string
		file       string
		components int
	}{
		{"scalar", "scalar.nii", 1},
		{"scalar gzip", "scalar.nii.gz", 1},
		{"vector gzip", "warp.nii.gz", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := sampleVolume(tt.components)
			path := filepath.Join(dir, tt.file)
			if err := (Codec{}).Write(path, want); err != nil {
				t.Fatalf("write: %v", err)
			}
			got, err := Codec{}.Read(path)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWriteLeavesNoTemporaryFiles(t *testing.T) {
	dir := t.TempDir()
	if err := (Codec{}).Write(filepath.Join(dir, "a.nii"), sampleVolume(1)); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "a.nii" {
		t.Fatalf("unexpected directory contents: %v", entries)
	}
}

func TestEncodeWritesVectorIntent(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, sampleVolume(3)); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var h header
	if err := binary.Read(bytes.NewReader(buf.Bytes()), binary.LittleEndian, &h); err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if h.Dim[0] != 5 || h.Dim[5] != 3 || h.IntentCode != intentVector {
		t.Fatalf("unexpected vector header: dim=%v intent=%d", h.Dim, h.IntentCode)
	}
	if got, want := buf.Len(), dataOffset+3*4*5*3*8; got != want {
		t.Fatalf("encoded size %d, want %d", got, want)
	}
}

func TestDecodeScaledInt16(t *testing.T) {
	var h header
	h.SizeofHdr = headerSize
	h.Dim = [8]int16{3, 2, 1, 1, 1, 1, 1, 1}
	h.Datatype = 4
	h.Bitpix = 16
	h.Pixdim = [8]float32{1, 0.5, 0.5, 0.5}
	h.VoxOffset = dataOffset
	h.SclSlope = 2
	h.SclInter = 1
	copy(h.Magic[:], "n+1\x00")

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &h); err != nil {
		t.Fatalf("encode header: %v", err)
	}
	buf.Write(make([]byte, dataOffset-headerSize))
	for _, x := range []int16{-3, 7} {
		if err := binary.Write(&buf, binary.LittleEndian, x); err != nil {
			t.Fatalf("encode voxel: %v", err)
		}
	}

	v, err := Decode(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff([]float64{-5, 15}, v.Data); diff != "" {
		t.Fatalf("voxel mismatch (-want +got):\n%s", diff)
	}
	if v.Spacing != [3]float64{0.5, 0.5, 0.5} {
		t.Fatalf("spacing %v", v.Spacing)
	}
	if v.Direction != volume.IdentityDirection {
		t.Fatalf("direction %v", v.Direction)
	}
}

func TestDecodeQformIdentityRotation(t *testing.T) {
	h := header{QformCode: 1, Pixdim: [8]float32{1, 2, 3, 4}, QOffsetX: 5, QOffsetY: 6, QOffsetZ: 7}
	origin, spacing, direction := h.geometry()
	if origin != [3]float64{-5, -6, 7} {
		t.Fatalf("origin %v", origin)
	}
	if spacing != [3]float64{2, 3, 4} {
		t.Fatalf("spacing %v", spacing)
	}
	want := [9]float64{-1, 0, 0, 0, -1, 0, 0, 0, 1}
	if direction != want {
		t.Fatalf("direction %v, want %v", direction, want)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode(bytes.NewReader(make([]byte, 400)))
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("expected ErrFormat, got %v", err)
	}
}
