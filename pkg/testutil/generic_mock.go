// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package testutil

import (
	"reflect"
	"sync"
	"testing"
)

// GenericMock is a simple library to help write mock collaborators (peer
// channels, flash drivers). It's intended to be embedded in another struct
// that defines type-safe wrappers.
type GenericMock struct {
	t     testing.TB
	lock  sync.Mutex
	calls []mockCall
}

// NewGenericMock creates a new GenericMock. Errors will be reported with the
// given testing context.
func NewGenericMock(t testing.TB) *GenericMock {
	return &GenericMock{t: t}
}

// AddCall registers a single expected call. Arguments must match exactly
// (according to reflect.DeepEqual). Calls are consumed in registration order
// among those that match.
func (m *GenericMock) AddCall(method string, result interface{}, args ...interface{}) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.calls = append(m.calls, mockCall{method: method, args: args, result: result})
}

// GetResult looks up the first unused call matching method and args and
// marks it used. If none matches, it fails the test.
func (m *GenericMock) GetResult(method string, args ...interface{}) interface{} {
	m.lock.Lock()
	defer m.lock.Unlock()
	for i, call := range m.calls {
		if !call.used && call.method == method && reflect.DeepEqual(call.args, args) {
			m.calls[i].used = true
			return call.result
		}
	}
	m.t.Errorf("no calls for method %q args %#v", method, args)
	return nil
}

// GetError is GetResult for methods returning only an error.
func (m *GenericMock) GetError(method string, args ...interface{}) error {
	return ToErr(m.GetResult(method, args...))
}

// NoMoreCalls fails the test if any registered call was not used.
func (m *GenericMock) NoMoreCalls() {
	m.t.Helper()
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, call := range m.calls {
		if !call.used {
			m.t.Fatalf("unused call: %s %#v", call.method, call.args)
		}
	}
}

type mockCall struct {
	method string
	args   []interface{}
	result interface{}
	used   bool
}

// ToErr properly converts an interface{} to an error.
func ToErr(v interface{}) error {
	if v == nil {
		return nil
	}
	return v.(error)
}
