package wire

import "sync/atomic"

// Guard scopes a zero-copy view to the validity window of its backing buffer.
// The delivery path expires the guard the moment the buffer may be reclaimed;
// any view access after that panics instead of reading recycled memory.
//
// A Guard cannot detect the buffer being freed out from under it; it only
// turns a silent use-after-scope read into a loud failure. The underlying
// trust boundary remains: whoever constructs a view must hold a live buffer.
type Guard struct {
	expired atomic.Bool
}

// NewGuard returns a guard covering a delivery window that is still open.
func NewGuard() *Guard {
	return new(Guard)
}

// Expire closes the validity window. Expiry is permanent.
func (g *Guard) Expire() {
	if g != nil {
		g.expired.Store(true)
	}
}

// Valid reports whether the window is still open. A nil guard means the
// backing memory is caller-owned and always valid.
func (g *Guard) Valid() bool {
	return g == nil || !g.expired.Load()
}

func (g *Guard) mustBeValid() {
	if g != nil && g.expired.Load() {
		panic("wire: composition view used after its delivery window closed")
	}
}
