//go:build debug

package pool

import (
	"reflect"
	"runtime/debug"
	"sync"
)

type debugState struct {
	name   string
	mu     sync.Mutex
	stacks map[uintptr]string
}

func newDebugState(name string) *debugState {
	return &debugState{
		name:   name,
		stacks: make(map[uintptr]string),
	}
}

func (d *debugState) recordAcquire(obj PooledObject) {
	if d == nil {
		return
	}
	key := pointerKey(obj)
	if key == 0 {
		return
	}
	stack := string(debug.Stack())
	d.mu.Lock()
	d.stacks[key] = stack
	d.mu.Unlock()
}

func (d *debugState) recordRelease(obj PooledObject) {
	if d == nil {
		return
	}
	key := pointerKey(obj)
	if key == 0 {
		return
	}
	d.mu.Lock()
	delete(d.stacks, key)
	d.mu.Unlock()
}

func (d *debugState) activeStacks() []string {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.stacks) == 0 {
		return nil
	}
	out := make([]string, 0, len(d.stacks))
	for _, stack := range d.stacks {
		out = append(out, stack)
	}
	return out
}

// poison overwrites returned buffers so any read through a stale reference is
// detectable rather than silently yielding recycled record bytes.
func (d *debugState) poison(obj PooledObject) {
	if d == nil || obj == nil {
		return
	}
	if buffer, ok := obj.(*RecordBuffer); ok {
		b := buffer.Extend(4)
		b[0], b[1], b[2], b[3] = 0xDE, 0xAD, 0xBE, 0xEF
		return
	}
}

func (d *debugState) clear(obj PooledObject) {
	if d == nil || obj == nil {
		return
	}
	obj.Reset()
}

func pointerKey(obj PooledObject) uintptr {
	if obj == nil {
		return 0
	}
	v := reflect.ValueOf(obj)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return 0
	}
	return v.Pointer()
}
