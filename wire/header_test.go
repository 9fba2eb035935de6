package wire

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/typewire/typewire/errs"
)

func TestHeaderLayout(t *testing.T) {
	buf := make([]byte, HeaderSize)
	PutHeader(buf, Header{
		Type:      EventTypeComposition,
		Size:      HeaderSize,
		Device:    42,
		Timestamp: 1.5,
	})

	assert.Equal(t, uint32(EventTypeComposition), binary.LittleEndian.Uint32(buf[0:]))
	assert.Equal(t, uint32(HeaderSize), binary.LittleEndian.Uint32(buf[4:]))
	assert.Equal(t, uint32(42), binary.LittleEndian.Uint32(buf[8:]))
	assert.Equal(t, math.Float64bits(1.5), binary.LittleEndian.Uint64(buf[12:]))
}

func TestHeaderRoundTrip(t *testing.T) {
	in := Header{Type: EventTypeComposition, Size: HeaderSize, Device: 3, Timestamp: -7.25}
	buf := make([]byte, HeaderSize)
	PutHeader(buf, in)

	out, err := ParseHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestParseHeaderShortBuffer(t *testing.T) {
	for n := 0; n < HeaderSize; n++ {
		_, err := ParseHeader(make([]byte, n))
		require.Error(t, err, "n=%d", n)
		assert.True(t, errs.IsTruncated(err), "n=%d: %v", n, err)
	}
}

func TestParseHeaderRejectsUndersizedDeclaration(t *testing.T) {
	buf := make([]byte, HeaderSize)
	PutHeader(buf, Header{Type: EventTypeComposition, Size: HeaderSize - 1, Device: 1, Timestamp: 0})

	_, err := ParseHeader(buf)
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidRecord, errs.CodeOf(err))
}

func TestReaderBoundsChecks(t *testing.T) {
	r := NewReader([]byte{1, 0, 2, 0, 0, 0})

	u16, err := r.Uint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), u16)

	u32, err := r.Uint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), u32)

	assert.Equal(t, 0, r.Remaining())

	_, err = r.Uint16()
	require.Error(t, err)
	assert.True(t, errs.IsTruncated(err))

	_, err = r.Float64()
	require.Error(t, err)

	_, err = r.Bytes(1)
	require.Error(t, err)
}

func TestReaderBytesAliasesInput(t *testing.T) {
	backing := []byte{9, 8, 7, 6}
	r := NewReader(backing)

	b, err := r.Bytes(2)
	require.NoError(t, err)
	backing[0] = 99
	assert.Equal(t, byte(99), b[0], "Bytes must alias, not copy")
	assert.Equal(t, 2, r.Offset())
}

func TestReaderRejectsNegativeRead(t *testing.T) {
	r := NewReader([]byte{1, 2, 3})
	_, err := r.Bytes(-1)
	require.Error(t, err)
}
