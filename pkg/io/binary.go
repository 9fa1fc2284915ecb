// Package io implements the deterministic little-endian binary codec used to
// serialize consensus payloads and persisted round state.
package io

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// Serializable is implemented by everything that can be written to and read
// from the wire in canonical form.
type Serializable interface {
	EncodeBinary(w *BinWriter)
	DecodeBinary(r *BinReader)
}

// ErrMalformedPayload is returned (unwrapped) whenever a decoded value falls
// outside of its domain (an oversized length prefix, a bad tag, ...).
var ErrMalformedPayload = errors.New("malformed payload")

// BinWriter writes the canonical binary encoding used by the consensus wire
// format and the recovery log. The first error encountered is sticky; callers
// check it once at the end via Err.
type BinWriter struct {
	w   io.Writer
	Err error
	buf [8]byte
}

// NewBinWriterFromIO wraps w.
func NewBinWriterFromIO(w io.Writer) *BinWriter {
	return &BinWriter{w: w}
}

func (w *BinWriter) write(p []byte) {
	if w.Err != nil {
		return
	}
	_, w.Err = w.w.Write(p)
}

// WriteB writes a single byte.
func (w *BinWriter) WriteB(b byte) {
	w.buf[0] = b
	w.write(w.buf[:1])
}

// WriteBool writes a boolean as a single byte.
func (w *BinWriter) WriteBool(b bool) {
	if b {
		w.WriteB(1)
	} else {
		w.WriteB(0)
	}
}

// WriteU16LE writes a little-endian uint16.
func (w *BinWriter) WriteU16LE(u uint16) {
	binary.LittleEndian.PutUint16(w.buf[:2], u)
	w.write(w.buf[:2])
}

// WriteU32LE writes a little-endian uint32.
func (w *BinWriter) WriteU32LE(u uint32) {
	binary.LittleEndian.PutUint32(w.buf[:4], u)
	w.write(w.buf[:4])
}

// WriteU64LE writes a little-endian uint64.
func (w *BinWriter) WriteU64LE(u uint64) {
	binary.LittleEndian.PutUint64(w.buf[:8], u)
	w.write(w.buf[:8])
}

// WriteVarUint writes u using a minimal self-delimiting encoding: a length
// tag byte followed by 0, 2, 4 or 8 bytes, mirroring the wire convention the
// dBFT payloads are built on.
func (w *BinWriter) WriteVarUint(u uint64) {
	switch {
	case u < 0xfd:
		w.WriteB(byte(u))
	case u <= 0xffff:
		w.WriteB(0xfd)
		w.WriteU16LE(uint16(u))
	case u <= 0xffffffff:
		w.WriteB(0xfe)
		w.WriteU32LE(uint32(u))
	default:
		w.WriteB(0xff)
		w.WriteU64LE(u)
	}
}

// WriteBytes writes a fixed-length byte slice with no length prefix.
func (w *BinWriter) WriteBytes(b []byte) {
	w.write(b)
}

// WriteVarBytes writes a length-prefixed byte slice.
func (w *BinWriter) WriteVarBytes(b []byte) {
	w.WriteVarUint(uint64(len(b)))
	w.write(b)
}

// WriteVarString writes a length-prefixed string.
func (w *BinWriter) WriteVarString(s string) {
	w.WriteVarBytes([]byte(s))
}

// WriteArray writes a length-prefixed homogeneous array of Serializable
// elements. It accepts a slice of any concrete Serializable element type.
func (w *BinWriter) WriteArray(arr interface{}) {
	switch a := arr.(type) {
	case []Serializable:
		w.WriteVarUint(uint64(len(a)))
		for _, el := range a {
			el.EncodeBinary(w)
		}
	default:
		writeArrayReflect(w, arr)
	}
}

// BinReader reads the canonical binary encoding. The first error encountered
// is sticky; subsequent reads become no-ops so callers can check Err once at
// the end.
type BinReader struct {
	r   io.Reader
	Err error
	buf [8]byte
}

// NewBinReaderFromBuf wraps an in-memory buffer.
func NewBinReaderFromBuf(b []byte) *BinReader {
	return &BinReader{r: bytes.NewReader(b)}
}

// NewBinReaderFromIO wraps r.
func NewBinReaderFromIO(r io.Reader) *BinReader {
	return &BinReader{r: r}
}

func (r *BinReader) readN(n int) []byte {
	if r.Err != nil {
		return nil
	}
	buf := make([]byte, n)
	_, r.Err = io.ReadFull(r.r, buf)
	return buf
}

// ReadB reads a single byte.
func (r *BinReader) ReadB() byte {
	b := r.readN(1)
	if len(b) == 0 {
		return 0
	}
	return b[0]
}

// ReadBool reads a boolean encoded as a single byte.
func (r *BinReader) ReadBool() bool {
	return r.ReadB() != 0
}

// ReadU16LE reads a little-endian uint16.
func (r *BinReader) ReadU16LE() uint16 {
	b := r.readN(2)
	if len(b) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

// ReadU32LE reads a little-endian uint32.
func (r *BinReader) ReadU32LE() uint32 {
	b := r.readN(4)
	if len(b) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// ReadU64LE reads a little-endian uint64.
func (r *BinReader) ReadU64LE() uint64 {
	b := r.readN(8)
	if len(b) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// ReadVarUint reads a value written by WriteVarUint.
func (r *BinReader) ReadVarUint() uint64 {
	tag := r.ReadB()
	switch tag {
	case 0xfd:
		return uint64(r.ReadU16LE())
	case 0xfe:
		return uint64(r.ReadU32LE())
	case 0xff:
		return r.ReadU64LE()
	default:
		return uint64(tag)
	}
}

// ReadBytes reads exactly len(b) bytes into b.
func (r *BinReader) ReadBytes(b []byte) {
	if r.Err != nil {
		return
	}
	_, r.Err = io.ReadFull(r.r, b)
}

// ReadVarBytes reads a length-prefixed byte slice, rejecting lengths above max.
func (r *BinReader) ReadVarBytes(max uint64) []byte {
	n := r.ReadVarUint()
	if r.Err != nil {
		return nil
	}
	if n > max {
		r.Err = ErrMalformedPayload
		return nil
	}
	return r.readN(int(n))
}

// ReadVarString reads a length-prefixed string.
func (r *BinReader) ReadVarString(max uint64) string {
	return string(r.ReadVarBytes(max))
}

// ReadArray reads a length-prefixed array into *[]T where T implements
// Serializable, allocating each element with new(T-elem).
func (r *BinReader) ReadArray(ptr interface{}, maxLen ...uint64) {
	readArrayReflect(r, ptr, maxLen...)
}

// ToByteArray serializes s to a byte slice.
func ToByteArray(s Serializable) ([]byte, error) {
	buf := new(bytes.Buffer)
	w := NewBinWriterFromIO(buf)
	s.EncodeBinary(w)
	if w.Err != nil {
		return nil, w.Err
	}
	return buf.Bytes(), nil
}

// FromByteArray deserializes b into s.
func FromByteArray(s Serializable, b []byte) error {
	r := NewBinReaderFromBuf(b)
	s.DecodeBinary(r)
	return r.Err
}
