package pool

import (
	"context"
	"fmt"
	"time"
)

const acquireTimeout = 100 * time.Millisecond

// RecordBufferPoolName is the canonical pool name for record scratch buffers.
const RecordBufferPoolName = "RecordBuffer"

// RecordBuffer is a pooled scratch buffer holding one encoded event record.
// The buffer is valid from checkout until it is returned to the pool; the
// delivery path owns the return.
type RecordBuffer struct {
	buf      []byte
	returned bool
}

// NewRecordBuffer constructs an empty record buffer with a small initial capacity.
func NewRecordBuffer() *RecordBuffer {
	return &RecordBuffer{buf: make([]byte, 0, 64), returned: false}
}

// Reset clears the buffer contents for pool reuse.
func (b *RecordBuffer) Reset() {
	b.buf = b.buf[:0]
}

// SetReturned marks pool ownership state.
func (b *RecordBuffer) SetReturned(v bool) { b.returned = v }

// IsReturned reports pool ownership state.
func (b *RecordBuffer) IsReturned() bool { return b.returned }

// Bytes exposes the encoded record.
func (b *RecordBuffer) Bytes() []byte { return b.buf }

// SetBytes replaces the buffer contents with the provided encoded record.
func (b *RecordBuffer) SetBytes(p []byte) {
	b.buf = append(b.buf[:0], p...)
}

// Extend resizes the buffer to exactly n bytes, growing capacity when needed.
// The returned slice is not zeroed; callers must write every byte before any
// read.
func (b *RecordBuffer) Extend(n int) []byte {
	if cap(b.buf) < n {
		b.buf = make([]byte, n)
	} else {
		b.buf = b.buf[:n]
	}
	return b.buf
}

// AcquireRecordBuffer obtains a record buffer from the pool manager with a
// bounded wait. The returned release function puts the buffer back.
func AcquireRecordBuffer(ctx context.Context, pools *PoolManager) (*RecordBuffer, func(), error) {
	if pools == nil {
		return NewRecordBuffer(), func() {}, nil
	}

	var cancel context.CancelFunc
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, acquireTimeout)
	}
	if cancel != nil {
		defer cancel()
	}

	obj, err := pools.Get(ctx, RecordBufferPoolName)
	if err != nil {
		return nil, func() {}, fmt.Errorf("pool %s: %w", RecordBufferPoolName, err)
	}
	buffer, ok := obj.(*RecordBuffer)
	if !ok {
		pools.Put(RecordBufferPoolName, obj)
		return nil, func() {}, fmt.Errorf("pool %s: unexpected type %T", RecordBufferPoolName, obj)
	}
	release := func() {
		pools.Put(RecordBufferPoolName, buffer)
	}
	return buffer, release, nil
}
