// Package script runs an operator-supplied JavaScript predicate that decides
// whether a delivered composition record reaches subscribers.
//
// The script must define a global function `allow(record)` returning a
// truthy value to admit the record. It sees only decoded metadata and the
// materialized text, never the pooled record buffer. Any script failure
// fails closed.
package script

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/typewire/typewire/errs"
)

// Record is the shape handed to the script's allow function.
type Record struct {
	Device    uint32  `json:"device"`
	Length    int     `json:"length"`
	Timestamp float64 `json:"timestamp"`
	Text      string  `json:"text"`
}

// Filter owns an isolated goja runtime. All script execution happens on one
// goroutine; goja runtimes are not safe for concurrent use.
type Filter struct {
	path   string
	rt     *goja.Runtime
	allow  goja.Callable
	queue  chan func(*goja.Runtime)
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// Load compiles the script at path and starts the filter goroutine.
func Load(path string) (*Filter, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errs.New("internal/script", errs.CodeInvalid, errs.WithMessage("filter path required"))
	}
	clean := filepath.Clean(trimmed)
	src, err := os.ReadFile(clean) // #nosec G304 -- filter paths are controlled by operators.
	if err != nil {
		return nil, errs.New("internal/script", errs.CodeScript,
			errs.WithMessage(fmt.Sprintf("read filter %q", clean)), errs.WithCause(err))
	}

	program, err := goja.Compile(clean, string(src), true)
	if err != nil {
		return nil, errs.New("internal/script", errs.CodeScript,
			errs.WithMessage(fmt.Sprintf("compile filter %q", clean)), errs.WithCause(err))
	}

	rt := goja.New()
	if _, err := rt.RunProgram(program); err != nil {
		return nil, errs.New("internal/script", errs.CodeScript,
			errs.WithMessage(fmt.Sprintf("execute filter %q", clean)), errs.WithCause(err))
	}
	value := rt.GlobalObject().Get("allow")
	callable, ok := goja.AssertFunction(value)
	if !ok {
		return nil, errs.New("internal/script", errs.CodeScript,
			errs.WithMessage(fmt.Sprintf("filter %q does not define allow()", clean)))
	}

	f := &Filter{
		path:  clean,
		rt:    rt,
		allow: callable,
		queue: make(chan func(*goja.Runtime)),
	}
	f.wg.Add(1)
	go f.loop()
	return f, nil
}

func (f *Filter) loop() {
	defer f.wg.Done()
	for cb := range f.queue {
		cb(f.rt)
	}
}

// Path returns the filesystem path the filter was loaded from.
func (f *Filter) Path() string {
	if f == nil {
		return ""
	}
	return f.path
}

type verdict struct {
	allowed bool
	err     error
}

// Allow evaluates the script predicate for one record. A script error or a
// closed filter rejects the record.
func (f *Filter) Allow(ctx context.Context, record Record) (bool, error) {
	if f == nil {
		return true, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	wait := make(chan verdict, 1)

	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		return false, errs.New("internal/script", errs.CodeScript, errs.WithMessage("filter closed"))
	}
	f.queue <- func(rt *goja.Runtime) {
		wait <- f.evaluate(rt, record)
	}
	f.mu.RUnlock()

	select {
	case <-ctx.Done():
		return false, fmt.Errorf("script filter context: %w", ctx.Err())
	case outcome := <-wait:
		return outcome.allowed, outcome.err
	}
}

func (f *Filter) evaluate(rt *goja.Runtime, record Record) (v verdict) {
	defer func() {
		// goja panics when the script throws outside a callable.
		if r := recover(); r != nil {
			v = verdict{allowed: false, err: errs.New("internal/script", errs.CodeScript,
				errs.WithDevice(record.Device),
				errs.WithMessage(fmt.Sprintf("filter panic: %v", r)))}
		}
	}()
	result, err := f.allow(goja.Undefined(), rt.ToValue(record))
	if err != nil {
		return verdict{allowed: false, err: errs.New("internal/script", errs.CodeScript,
			errs.WithDevice(record.Device),
			errs.WithMessage("allow() threw"), errs.WithCause(err))}
	}
	return verdict{allowed: result.ToBoolean(), err: nil}
}

// Close stops the filter goroutine. Pending Allow calls complete first.
func (f *Filter) Close() {
	if f == nil {
		return
	}
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		close(f.queue)
		f.mu.Unlock()
		f.wg.Wait()
	})
}
