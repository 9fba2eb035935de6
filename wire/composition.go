package wire

import (
	"fmt"
	"unicode/utf16"

	"github.com/typewire/typewire/errs"
)

// compositionLengthSize is the encoded size of the payload length field.
const compositionLengthSize = 4

// CompositionSize returns the exact encoded size of a composition record
// carrying n UTF-16 code units.
func CompositionSize(n int) int {
	return HeaderSize + compositionLengthSize + 2*n
}

// PutComposition encodes a composition record into buf, which must hold
// exactly CompositionSize(len(units)) bytes. The units are written raw, in
// order, without any escaping or normalization. An empty units slice encodes
// the "composition cleared" record.
func PutComposition(buf []byte, device DeviceID, units []uint16, timestamp float64) {
	size := CompositionSize(len(units))
	_ = buf[size-1]
	PutHeader(buf, Header{
		Type:      EventTypeComposition,
		Size:      uint32(size),
		Device:    device,
		Timestamp: timestamp,
	})
	off := HeaderSize
	buf[off] = byte(len(units))
	buf[off+1] = byte(len(units) >> 8)
	buf[off+2] = byte(len(units) >> 16)
	buf[off+3] = byte(len(units) >> 24)
	off += compositionLengthSize
	for _, u := range units {
		buf[off] = byte(u)
		buf[off+1] = byte(u >> 8)
		off += 2
	}
}

// EncodeComposition allocates an exact-size buffer and encodes a composition
// record into it. Every byte of the buffer is written before any read.
func EncodeComposition(device DeviceID, units []uint16, timestamp float64) []byte {
	buf := make([]byte, CompositionSize(len(units)))
	PutComposition(buf, device, units, timestamp)
	return buf
}

// DecodeComposition reinterprets buf as a composition record without copying.
// The returned view aliases buf's payload region and is bound to guard; pass
// a nil guard when the caller owns buf for the view's whole lifetime.
func DecodeComposition(buf []byte, guard *Guard) (Header, CompositionText, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return Header{}, CompositionText{}, err
	}
	if h.Type != EventTypeComposition {
		return Header{}, CompositionText{}, errs.New("wire", errs.CodeInvalidRecord,
			errs.WithMessage(fmt.Sprintf("unexpected record tag %#x", uint32(h.Type))))
	}

	r := NewReader(buf[:h.Size])
	if _, err := r.Bytes(HeaderSize); err != nil {
		return Header{}, CompositionText{}, err
	}
	count, err := r.Uint32()
	if err != nil {
		return Header{}, CompositionText{}, err
	}
	if want := CompositionSize(int(count)); int(h.Size) != want {
		return Header{}, CompositionText{}, errs.New("wire", errs.CodeInvalidRecord,
			errs.WithMessage(fmt.Sprintf("declared size %d does not match %d units (want %d)", h.Size, count, want)),
			errs.WithDevice(uint32(h.Device)))
	}
	payload, err := r.Bytes(2 * int(count))
	if err != nil {
		return Header{}, CompositionText{}, err
	}

	return h, CompositionText{payload: payload, count: int(count), guard: guard}, nil
}

// UTF16Units converts a string to the raw UTF-16 code units the wire format
// carries. Characters outside the BMP become surrogate pairs.
func UTF16Units(s string) []uint16 {
	if s == "" {
		return nil
	}
	return utf16.Encode([]rune(s))
}

// UTF16String materializes raw UTF-16 code units back into a string.
func UTF16String(units []uint16) string {
	if len(units) == 0 {
		return ""
	}
	return string(utf16.Decode(units))
}

// CompositionText is a read-only, zero-copy view over the payload region of
// one composition record. It owns nothing: the view must never outlive the
// record's backing buffer, and the type itself cannot verify that the memory
// is still live. Views handed to delivery callbacks are guard-bound so a
// stale access fails loudly; everything else is the caller's contract.
type CompositionText struct {
	payload []byte
	count   int
	guard   *Guard
}

// NewCompositionText builds a view over a raw payload region holding count
// UTF-16 units. payload must hold at least 2*count bytes.
func NewCompositionText(payload []byte, count int, guard *Guard) (CompositionText, error) {
	if count < 0 || 2*count > len(payload) {
		return CompositionText{}, errs.New("wire", errs.CodeInvalidRecord,
			errs.WithMessage(fmt.Sprintf("payload of %d bytes cannot hold %d units", len(payload), count)))
	}
	return CompositionText{payload: payload[:2*count], count: count, guard: guard}, nil
}

// Len returns the number of UTF-16 units. A zero length means the
// composition was cleared.
func (t CompositionText) Len() int {
	t.guard.mustBeValid()
	return t.count
}

// At returns the unit at index i. Indexes outside [0, Len()) fail with an
// out-of-range error; they are never clamped.
func (t CompositionText) At(i int) (uint16, error) {
	t.guard.mustBeValid()
	if i < 0 || i >= t.count {
		return 0, errs.New("wire", errs.CodeOutOfRange,
			errs.WithMessage(fmt.Sprintf("index %d out of range [0,%d)", i, t.count)))
	}
	off := 2 * i
	return uint16(t.payload[off]) | uint16(t.payload[off+1])<<8, nil
}

// Units copies the payload into a freshly allocated slice of code units.
func (t CompositionText) Units() []uint16 {
	t.guard.mustBeValid()
	if t.count == 0 {
		return nil
	}
	units := make([]uint16, t.count)
	for i := range units {
		off := 2 * i
		units[i] = uint16(t.payload[off]) | uint16(t.payload[off+1])<<8
	}
	return units
}

// String materializes an independently owned string from the view. This is
// the only allocating accessor; the result remains valid after the view's
// window closes.
func (t CompositionText) String() string {
	units := t.Units()
	if len(units) == 0 {
		return ""
	}
	return string(utf16.Decode(units))
}

// Iter returns a fresh forward iterator positioned before the first unit.
func (t CompositionText) Iter() *TextIterator {
	return &TextIterator{text: t, idx: -1}
}

// TextIterator walks a composition view one unit at a time. A fresh iterator
// starts before the first unit; Next advances and reports whether the cursor
// landed on a unit. Once exhausted it stays exhausted until Reset.
type TextIterator struct {
	text CompositionText
	idx  int
}

// Next advances the cursor. It returns false once all units are consumed.
func (it *TextIterator) Next() bool {
	it.text.guard.mustBeValid()
	if it.idx >= it.text.count {
		return false
	}
	it.idx++
	return it.idx < it.text.count
}

// Unit returns the code unit at the cursor. The value is a copy and safe to
// retain past the iteration step.
func (it *TextIterator) Unit() uint16 {
	u, err := it.text.At(it.idx)
	if err != nil {
		panic("wire: iterator read without a successful Next")
	}
	return u
}

// Reset rewinds the iterator to before the first unit.
func (it *TextIterator) Reset() {
	it.idx = -1
}
