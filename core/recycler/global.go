package recycler

import (
	"sync"
	"sync/atomic"
)

var (
	globalInstance atomic.Pointer[Impl]
	initOnce       sync.Once
)

// InitGlobal initializes the singleton recycler instance. Subsequent calls are no-ops.
func InitGlobal(r *Impl) {
	initOnce.Do(func() {
		globalInstance.Store(r)
	})
}

// Global returns the initialized singleton recycler instance.
func Global() *Impl {
	instance := globalInstance.Load()
	if instance == nil {
		panic("recycler: global instance not initialized")
	}
	return instance
}
