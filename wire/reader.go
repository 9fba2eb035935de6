package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/typewire/typewire/errs"
)

// Reader is a bounds-checked cursor over an encoded record. Every read is
// validated against the end of the region, so a corrupt length field surfaces
// as a truncated-record error instead of a slice panic.
type Reader struct {
	buf []byte
	off int
}

// NewReader positions a cursor at the start of buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf, off: 0}
}

// Offset reports the current cursor position.
func (r *Reader) Offset() int { return r.off }

// Remaining reports the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) need(n int) error {
	if r.off+n > len(r.buf) {
		return errs.New("wire", errs.CodeTruncated,
			errs.WithMessage(fmt.Sprintf("read of %d bytes at offset %d exceeds record of %d bytes", n, r.off, len(r.buf))))
	}
	return nil
}

// Uint16 reads a little-endian uint16 and advances the cursor.
func (r *Reader) Uint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

// Uint32 reads a little-endian uint32 and advances the cursor.
func (r *Reader) Uint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

// Float64 reads a little-endian IEEE-754 double and advances the cursor.
func (r *Reader) Float64() (float64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	bits := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return math.Float64frombits(bits), nil
}

// Bytes returns the next n bytes without copying and advances the cursor.
// The returned slice aliases the underlying record.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, errs.New("wire", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("negative read of %d bytes", n)))
	}
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}
