// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package safety is the single exit for every fatal configuration-store
// condition. On hardware the handler forces the outputs off, transmits the fail
// code on the diagnostic channel and waits for a power cycle.
package safety

import (
	"sync"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/safenv/internal/core"
)

// Handler receives fatal conditions. Production handlers do not return.
type Handler interface {
	Fatal(code core.Error, err error)
}

// Trap hands a fatal condition to h and returns the matching FatalError, so a
// handler that does return still unwinds the caller.
func Trap(h Handler, code core.Error, err error) error {
	h.Fatal(code, err)
	return &core.FatalError{Code: code, Cause: err}
}

// HaltHandler is the production handler: it logs the fail code and exits the
// process, which is the closest a hosted build gets to the fail-safe state.
type HaltHandler struct{}

// Fatal implements Handler.
func (HaltHandler) Fatal(code core.Error, err error) {
	log.Fatalf("SAFETY HALT fail code %#x (%s): %v", int(code), code, err)
}

// Event is one recorded fatal condition.
type Event struct {
	Code core.Error
	Err  error
}

// Recorder is a Handler that records fatal conditions and returns. It is used
// by tests and by the simulator, which must keep running after a controller
// has tripped.
type Recorder struct {
	lock   sync.Mutex
	events []Event
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Fatal implements Handler.
func (r *Recorder) Fatal(code core.Error, err error) {
	log.Errorf("safety trap %#x (%s): %v", int(code), code, err)
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, Event{Code: code, Err: err})
}

// Count returns how many fatal conditions have been recorded.
func (r *Recorder) Count() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.events)
}

// Events returns a copy of the recorded conditions.
func (r *Recorder) Events() []Event {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]Event(nil), r.events...)
}

// Last returns the most recent code, or NoError if nothing was recorded.
func (r *Recorder) Last() core.Error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if len(r.events) == 0 {
		return core.NoError
	}
	return r.events[len(r.events)-1].Code
}

// Tripped reports whether any fatal condition has been recorded.
func (r *Recorder) Tripped() bool {
	return r.Count() > 0
}

// Reset forgets all recorded conditions.
func (r *Recorder) Reset() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = nil
}
