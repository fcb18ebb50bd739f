package datasets

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// IDX type code for unsigned bytes, the only element type MNIST uses.
const idxUbyte = 0x08

// ReadIDX decodes an IDX file of unsigned bytes. Gzip input is detected
// from its magic bytes and decompressed transparently.
func ReadIDX(r io.Reader) (dims []int, data []byte, err error) {
	br := bufio.NewReader(r)
	if head, _ := br.Peek(2); len(head) == 2 && head[0] == 0x1f && head[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("idx: gzip: %w", err)
		}
		defer zr.Close()
		br = bufio.NewReader(zr)
	}

	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return nil, nil, fmt.Errorf("idx: header: %w", err)
	}
	if magic[0] != 0 || magic[1] != 0 {
		return nil, nil, fmt.Errorf("idx: bad magic %x", magic)
	}
	if magic[2] != idxUbyte {
		return nil, nil, fmt.Errorf("idx: unsupported element type 0x%02x", magic[2])
	}
	rank := int(magic[3])
	if rank == 0 {
		return nil, nil, fmt.Errorf("idx: rank 0")
	}

	dims = make([]int, rank)
	total := 1
	for i := range dims {
		var d uint32
		if err := binary.Read(br, binary.BigEndian, &d); err != nil {
			return nil, nil, fmt.Errorf("idx: dimension %d: %w", i, err)
		}
		dims[i] = int(d)
		total *= int(d)
	}

	data = make([]byte, total)
	if _, err := io.ReadFull(br, data); err != nil {
		return nil, nil, fmt.Errorf("idx: payload of %d bytes: %w", total, err)
	}
	return dims, data, nil
}

// WriteIDX encodes data as an uncompressed IDX file of unsigned bytes.
func WriteIDX(w io.Writer, dims []int, data []byte) error {
	header := []byte{0, 0, idxUbyte, byte(len(dims))}
	for _, d := range dims {
		header = binary.BigEndian.AppendUint32(header, uint32(d))
	}
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

const (
	cifarSide   = 32
	cifarPlane  = cifarSide * cifarSide
	cifarRecord = 1 + 3*cifarPlane
)

// ReadCIFAR decodes a CIFAR-10 binary batch. Records are a label byte
// followed by the red, green and blue planes; pixels are returned in HWC
// order.
func ReadCIFAR(r io.Reader) (pixels []byte, labels []int, err error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("cifar: %w", err)
	}
	if len(raw)%cifarRecord != 0 {
		return nil, nil, fmt.Errorf("cifar: %d bytes is not a whole number of %d-byte records", len(raw), cifarRecord)
	}

	n := len(raw) / cifarRecord
	pixels = make([]byte, n*3*cifarPlane)
	labels = make([]int, n)
	for i := range n {
		rec := raw[i*cifarRecord : (i+1)*cifarRecord]
		labels[i] = int(rec[0])
		out := pixels[i*3*cifarPlane:]
		for p := range cifarPlane {
			for c := range 3 {
				out[p*3+c] = rec[1+c*cifarPlane+p]
			}
		}
	}
	return pixels, labels, nil
}
