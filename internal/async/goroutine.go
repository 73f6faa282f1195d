package async

import (
	"runtime/debug"
	"sync"
)

// PanicLogger receives panic reports from background goroutines.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go runs fn in a goroutine guarded by panic recovery. A panicking goroutine
// is logged and reaped instead of crashing the process.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer recoverPanic(logger, name)
		fn()
	}()
}

func recoverPanic(logger PanicLogger, name string) {
	r := recover()
	if r == nil || logger == nil {
		return
	}
	if name == "" {
		logger.Error("goroutine panic: %v, stack: %s", r, debug.Stack())
		return
	}
	logger.Error("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
}

// Group tracks a set of panic-guarded goroutines so an owner can wait for
// them to drain during shutdown.
type Group struct {
	wg sync.WaitGroup
}

// Go starts fn as a tracked goroutine.
func (g *Group) Go(logger PanicLogger, name string, fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer recoverPanic(logger, name)
		fn()
	}()
}

// Wait blocks until every tracked goroutine has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}
