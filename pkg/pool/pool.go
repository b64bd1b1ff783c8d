// Object pools for reducing GC pressure in hot paths
//
// Copyright (C) 2026 OpenGlow-CNC Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package pool

import (
	"sync"
)

// SlicePool is a generic sync.Pool-backed pool for reusable slices of a
// fixed starting capacity, e.g. the gcode tokenizer's per-line word
// slice.
type SlicePool[T any] struct {
	pool     sync.Pool
	capacity int
}

// NewSlicePool creates a SlicePool whose New function allocates a
// slice with room for capacity elements before it first grows.
func NewSlicePool[T any](capacity int) *SlicePool[T] {
	p := &SlicePool[T]{capacity: capacity}
	p.pool.New = func() any {
		s := make([]T, 0, capacity)
		return &s
	}
	return p
}

// Get returns a zero-length slice ready for appending.
func (p *SlicePool[T]) Get() []T {
	s := p.pool.Get().(*[]T)
	return (*s)[:0]
}

// Put returns s to the pool. Slices grown far beyond the pool's
// starting capacity are discarded instead of retained indefinitely.
func (p *SlicePool[T]) Put(s []T) {
	if cap(s) == 0 || cap(s) > p.capacity*8 {
		return
	}
	p.pool.Put(&s)
}
