package dbg

import (
	"maps"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
)

const maxCallers = 32

// Caller returns the call chain of the function calling Caller, skipping
// skip more frames, innermost first.
func Caller(skip int) string {
	pc := make([]uintptr, maxCallers)
	n := runtime.Callers(skip+2, pc)
	if n == 0 {
		return "unknown"
	}

	var callers []string
	frames := runtime.CallersFrames(pc[:n])
	for {
		frame, more := frames.Next()
		if frame.Function != "" {
			callers = append(callers, filepath.Base(frame.Function))
		} else {
			callers = append(callers, "unknown")
		}
		if !more {
			break
		}
	}
	return strings.Join(callers, " → ")
}

// Holders remembers where each outstanding acquisition of a key was made.
type Holders[K comparable] struct {
	mu   sync.Mutex
	held map[K][]string
}

func NewHolders[K comparable]() *Holders[K] {
	return &Holders[K]{held: map[K][]string{}}
}

// Acquire records the caller of the function that calls Acquire.
func (h *Holders[K]) Acquire(key K) {
	caller := Caller(2)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.held[key] = append(h.held[key], caller)
}

// Release forgets the latest acquisition of key.
func (h *Holders[K]) Release(key K) {
	h.mu.Lock()
	defer h.mu.Unlock()

	callers := h.held[key]
	switch len(callers) {
	case 0:
	case 1:
		delete(h.held, key)
	default:
		h.held[key] = callers[:len(callers)-1]
	}
}

func (h *Holders[K]) Of(key K) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.held[key])
}

func (h *Holders[K]) Keys() []K {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Collect(maps.Keys(h.held))
}
