package recycler

import "github.com/typewire/typewire/internal/pool"

// Recycler defines the centralized gateway for returning pooled record buffers.
type Recycler interface {
	RecycleBuffer(buf *pool.RecordBuffer)
	RecycleMany(buffers []*pool.RecordBuffer)
	CheckoutBuffer(buf *pool.RecordBuffer)
	EnableDebugMode()
	DisableDebugMode()
}

var _ Recycler = (*Impl)(nil)
