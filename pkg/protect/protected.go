// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package protect provides scalars that detect single-event upsets in RAM.
//
// A Protected value keeps the value together with its bitwise complement in a
// single 64-bit word. Every read checks that the two halves still agree, so a
// bit flipped by a soft error is reported instead of being used. Because the
// pair lives in one word, Set and Get are single atomic operations and a value
// can be shared between the background task and the scheduler tick without
// further locking.
package protect

import (
	"errors"
	"sync/atomic"
)

// ErrCorrupt is returned when a protected value no longer matches its shadow.
var ErrCorrupt = errors.New("protected value corrupt")

// Scalar is the set of types that fit in one half of the protected word.
type Scalar interface {
	~uint8 | ~uint16 | ~uint32 | ~int8 | ~int16 | ~int32
}

// Protected holds a value of type T and its complement. The zero value is not
// valid and reads as corrupt; initialize it with New or Set.
type Protected[T Scalar] struct {
	word atomic.Uint64
}

// New returns a Protected holding v.
func New[T Scalar](v T) *Protected[T] {
	p := new(Protected[T])
	p.Set(v)
	return p
}

func pack(lo uint32) uint64 {
	return uint64(^lo)<<32 | uint64(lo)
}

// Set stores v and its shadow in one atomic write.
func (p *Protected[T]) Set(v T) {
	p.word.Store(pack(uint32(v)))
}

// Get returns the stored value, or ErrCorrupt if the value and its shadow
// disagree.
func (p *Protected[T]) Get() (T, error) {
	w := p.word.Load()
	lo, hi := uint32(w), uint32(w>>32)
	if hi != ^lo {
		return 0, ErrCorrupt
	}
	return T(lo), nil
}

// OK reports whether the value is consistent with its shadow.
func (p *Protected[T]) OK() bool {
	_, err := p.Get()
	return err == nil
}

// FlipBits xors mask into the stored value without touching the shadow. It
// exists for fault-injection testing of the soft-error paths.
func (p *Protected[T]) FlipBits(mask uint32) {
	for {
		old := p.word.Load()
		if p.word.CompareAndSwap(old, old^uint64(mask)) {
			return
		}
	}
}
