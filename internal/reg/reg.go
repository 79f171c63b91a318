// Package reg provides primitives for retrieving and modifying
// memory-mapped hardware registers, used by the typed capability,
// operational, runtime and doorbell register views in package xhci.
//
// All accessors take a bus address as a uint64 so that the same package
// serves both 32-bit and 64-bit addressed controllers; on a platform where
// uintptr is narrower than 64 bits the caller is responsible for ensuring
// the address fits (see the AC64 addressing-mask enforcement in package
// xhci).
package reg

import (
	"context"
	"runtime"
	"time"
)

// Wait blocks until a specific register bit field matches a value. The
// caller must guarantee forward progress is possible (i.e. this is invoked
// from a context where other goroutines, notably the event dispatcher, can
// still run) since no internal sleep is used beyond yielding the scheduler.
func Wait(addr uint64, pos int, mask int, val uint32) {
	for Get(addr, pos, mask) != val {
		runtime.Gosched()
	}
}

// WaitFor waits, until a timeout expires, for a specific register bit field
// to match a value. The returned boolean reports whether the condition was
// observed (true) or whether the wait timed out (false).
func WaitFor(timeout time.Duration, addr uint64, pos int, mask int, val uint32) bool {
	start := time.Now()

	for Get(addr, pos, mask) != val {
		runtime.Gosched()

		if time.Since(start) >= timeout {
			return false
		}
	}

	return true
}

// WaitContext waits for a specific register bit field to match a value,
// returning early with ctx.Err() if the context is cancelled first.
func WaitContext(ctx context.Context, addr uint64, pos int, mask int, val uint32) error {
	for Get(addr, pos, mask) != val {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			runtime.Gosched()
		}
	}

	return nil
}
