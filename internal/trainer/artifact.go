package trainer

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	flow "github.com/juicywoowowow/flowtrain/src"
)

// State dict blob layout, all integers little-endian:
//
//	magic   [4]byte "FLWT"
//	version uint16
//	count   uint32
//	count times:
//	  name  uint16 length + bytes
//	  rank  uint8
//	  dims  rank x uint32
//	  data  prod(dims) x float32
const (
	artifactMagic   = "FLWT"
	artifactVersion = 1
)

// EncodeStateDict serialises a state dict.
func EncodeStateDict(entries []flow.NamedTensor) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(artifactMagic)
	le := binary.LittleEndian
	buf.Write(le.AppendUint16(nil, artifactVersion))
	buf.Write(le.AppendUint32(nil, uint32(len(entries))))

	for _, e := range entries {
		if len(e.Name) > math.MaxUint16 {
			return nil, fmt.Errorf("trainer: tensor name of %d bytes is too long", len(e.Name))
		}
		if len(e.Shape) > math.MaxUint8 {
			return nil, fmt.Errorf("trainer: tensor %q has rank %d", e.Name, len(e.Shape))
		}
		size := 1
		for _, d := range e.Shape {
			if d < 0 || uint64(d) > math.MaxUint32 {
				return nil, fmt.Errorf("trainer: tensor %q has dimension %d", e.Name, d)
			}
			size *= d
		}
		if size != len(e.Data) {
			return nil, fmt.Errorf("trainer: tensor %q has %d values for shape %v", e.Name, len(e.Data), e.Shape)
		}

		buf.Write(le.AppendUint16(nil, uint16(len(e.Name))))
		buf.WriteString(e.Name)
		buf.WriteByte(byte(len(e.Shape)))
		for _, d := range e.Shape {
			buf.Write(le.AppendUint32(nil, uint32(d)))
		}
		data := make([]byte, 0, 4*len(e.Data))
		for _, v := range e.Data {
			data = le.AppendUint32(data, math.Float32bits(float32(v)))
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

// DecodeStateDict parses a blob written by EncodeStateDict.
func DecodeStateDict(blob []byte) ([]flow.NamedTensor, error) {
	r := bytes.NewReader(blob)
	le := binary.LittleEndian

	magic := make([]byte, len(artifactMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != artifactMagic {
		return nil, fmt.Errorf("trainer: not a state dict blob")
	}
	var header struct {
		Version uint16
		Count   uint32
	}
	if err := binary.Read(r, le, &header); err != nil {
		return nil, fmt.Errorf("trainer: state dict header: %w", err)
	}
	if header.Version != artifactVersion {
		return nil, fmt.Errorf("trainer: unsupported state dict version %d", header.Version)
	}

	var entries []flow.NamedTensor
	for i := range int(header.Count) {
		var nameLen uint16
		if err := binary.Read(r, le, &nameLen); err != nil {
			return nil, fmt.Errorf("trainer: tensor %d: %w", i, err)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, fmt.Errorf("trainer: tensor %d name: %w", i, err)
		}
		rank, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("trainer: tensor %q rank: %w", name, err)
		}
		dims := make([]uint32, rank)
		if err := binary.Read(r, le, dims); err != nil {
			return nil, fmt.Errorf("trainer: tensor %q dims: %w", name, err)
		}

		e := flow.NamedTensor{Name: string(name), Shape: make([]int, rank)}
		size := 1
		for j, d := range dims {
			e.Shape[j] = int(d)
			size *= int(d)
		}
		if size*4 > r.Len() {
			return nil, fmt.Errorf("trainer: tensor %q needs %d bytes, %d left", name, size*4, r.Len())
		}
		raw := make([]uint32, size)
		if err := binary.Read(r, le, raw); err != nil {
			return nil, fmt.Errorf("trainer: tensor %q data: %w", name, err)
		}
		e.Data = make([]float64, size)
		for j, bits := range raw {
			e.Data[j] = float64(math.Float32frombits(bits))
		}
		entries = append(entries, e)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("trainer: %d trailing bytes after state dict", r.Len())
	}
	return entries, nil
}

// Artifact is a trained-parameter blob in transport form.
type Artifact struct {
	Base64 string
	// SizeBytes is the length of the blob before encoding.
	SizeBytes int
}

// NewArtifact encodes blob with the standard base64 alphabet.
func NewArtifact(blob []byte) Artifact {
	return Artifact{Base64: base64.StdEncoding.EncodeToString(blob), SizeBytes: len(blob)}
}

// Bytes decodes the artifact and checks its size.
func (a Artifact) Bytes() ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(a.Base64)
	if err != nil {
		return nil, fmt.Errorf("trainer: artifact: %w", err)
	}
	if len(blob) != a.SizeBytes {
		return nil, fmt.Errorf("trainer: artifact decodes to %d bytes, expected %d", len(blob), a.SizeBytes)
	}
	return blob, nil
}

// ArtifactData returns the artifact carried by a Completed event.
func (c Completed) ArtifactData() Artifact {
	return Artifact{Base64: c.Artifact, SizeBytes: c.SizeBytes}
}
