// Package wire implements the binary layout of Typewire event records: a
// fixed common header followed by a per-kind payload. Records are encoded
// little-endian with offsets computed once at construction; a record is
// immutable after it has been built.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/typewire/typewire/errs"
)

// DeviceID identifies the destination input device of a record.
type DeviceID uint32

// EventType tags the record kind carried behind the common header.
type EventType uint32

// EventTypeComposition identifies an IME composition text record. The value
// is an opaque magic ("COMP" in little-endian byte order) and must be unique
// among all record kinds the queue can carry.
const EventTypeComposition EventType = 0x504d4f43

// HeaderSize is the encoded size of the common event header in bytes:
// type tag (4) + record size (4) + device (4) + timestamp (8).
const HeaderSize = 20

// Header carries the fields common to every event record.
type Header struct {
	Type      EventType
	Size      uint32
	Device    DeviceID
	Timestamp float64
}

// PutHeader encodes h into buf, which must hold at least HeaderSize bytes.
func PutHeader(buf []byte, h Header) {
	_ = buf[HeaderSize-1]
	binary.LittleEndian.PutUint32(buf[0:], uint32(h.Type))
	binary.LittleEndian.PutUint32(buf[4:], h.Size)
	binary.LittleEndian.PutUint32(buf[8:], uint32(h.Device))
	binary.LittleEndian.PutUint64(buf[12:], math.Float64bits(h.Timestamp))
}

// ParseHeader decodes the common header from the front of buf and validates
// the declared record size against the buffer it arrived in.
func ParseHeader(buf []byte) (Header, error) {
	r := NewReader(buf)

	var h Header
	tag, err := r.Uint32()
	if err != nil {
		return Header{}, err
	}
	h.Type = EventType(tag)
	if h.Size, err = r.Uint32(); err != nil {
		return Header{}, err
	}
	device, err := r.Uint32()
	if err != nil {
		return Header{}, err
	}
	h.Device = DeviceID(device)
	if h.Timestamp, err = r.Float64(); err != nil {
		return Header{}, err
	}

	if h.Size < HeaderSize {
		return Header{}, errs.New("wire", errs.CodeInvalidRecord,
			errs.WithMessage(fmt.Sprintf("declared size %d smaller than header", h.Size)))
	}
	if int(h.Size) > len(buf) {
		return Header{}, errs.New("wire", errs.CodeTruncated,
			errs.WithMessage(fmt.Sprintf("declared size %d exceeds buffer of %d bytes", h.Size, len(buf))))
	}
	return h, nil
}
