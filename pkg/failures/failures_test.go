// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package failures

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
)

// recorder keeps track of the calls made to one handler.
type recorder struct {
	lock  sync.Mutex
	calls []json.RawMessage
	err   error
}

func (r *recorder) handle(msg json.RawMessage) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.calls = append(r.calls, msg)
	return r.err
}

func (r *recorder) fail(err error) {
	r.lock.Lock()
	r.err = err
	r.lock.Unlock()
}

type fixture struct {
	svc              *Service
	srv              *httptest.Server
	flash, peer, ram *recorder
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{svc: NewService(), flash: &recorder{}, peer: &recorder{}, ram: &recorder{}}
	for key, r := range map[string]*recorder{"a/flash": f.flash, "a/peer": f.peer, "a/ram": f.ram} {
		if err := f.svc.Register(key, r.handle); err != nil {
			t.Fatal(err)
		}
	}
	mux := http.NewServeMux()
	mux.Handle(DefaultFailureServicePath, f.svc)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) post(t *testing.T, body string) int {
	resp, err := http.Post(f.srv.URL+DefaultFailureServicePath, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func (f *fixture) get(t *testing.T) string {
	resp, err := http.Get(f.srv.URL + DefaultFailureServicePath)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

// Assert two json strings are equivalent.
func assertSame(t *testing.T, want, got string) {
	t.Helper()
	var m1, m2 interface{}
	if err := json.Unmarshal([]byte(want), &m1); err != nil {
		t.Fatalf("bad json %q: %v", want, err)
	}
	if err := json.Unmarshal([]byte(got), &m2); err != nil {
		t.Fatalf("bad json %q: %v", got, err)
	}
	if !reflect.DeepEqual(m1, m2) {
		t.Fatalf("json differs: want %s, got %s", want, got)
	}
}

// assertCalls checks the values a handler was called with. A nil entry means
// a clearing call.
func assertCalls(t *testing.T, r *recorder, want ...string) {
	t.Helper()
	r.lock.Lock()
	defer r.lock.Unlock()
	if len(r.calls) != len(want) {
		t.Fatalf("got %d calls %q, want %q", len(r.calls), r.calls, want)
	}
	for i, w := range want {
		if w == "" {
			if r.calls[i] != nil {
				t.Fatalf("call %d: got %s, want a clearing call", i, r.calls[i])
			}
			continue
		}
		assertSame(t, w, string(r.calls[i]))
	}
}

func TestInitialConfig(t *testing.T) {
	f := newFixture(t)
	assertSame(t, `{"a/flash": null, "a/peer": null, "a/ram": null}`, f.get(t))
	assertCalls(t, f.flash)
	if keys := f.svc.Keys(); !reflect.DeepEqual(keys, []string{"a/flash", "a/peer", "a/ram"}) {
		t.Fatalf("keys %v", keys)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.Register("a/flash", func(json.RawMessage) error { return nil }); err == nil {
		t.Fatal("duplicate key registered")
	}
}

func TestPostOneKey(t *testing.T) {
	f := newFixture(t)
	if code := f.post(t, `{"a/flash": {"fail_programs": 1}}`); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	assertSame(t, `{"a/flash": {"fail_programs": 1}, "a/peer": null, "a/ram": null}`, f.get(t))
	assertCalls(t, f.flash, `{"fail_programs": 1}`)
	assertCalls(t, f.peer)
	assertCalls(t, f.ram)
}

func TestPostReplacesWholeConfig(t *testing.T) {
	f := newFixture(t)
	f.post(t, `{"a/flash": {"fail_programs": 1}, "a/peer": {"drop": 2}}`)
	f.post(t, `{"a/ram": {"off": 20, "bit": 1}}`)
	assertSame(t, `{"a/flash": null, "a/peer": null, "a/ram": {"off": 20, "bit": 1}}`, f.get(t))
	// Set, then cleared by omission.
	assertCalls(t, f.flash, `{"fail_programs": 1}`, "")
	assertCalls(t, f.peer, `{"drop": 2}`, "")
	assertCalls(t, f.ram, `{"off": 20, "bit": 1}`)

	// "{}" clears everything that is set, and nothing else.
	f.post(t, `{}`)
	assertCalls(t, f.flash, `{"fail_programs": 1}`, "")
	assertCalls(t, f.ram, `{"off": 20, "bit": 1}`, "")
}

func TestPostInvalid(t *testing.T) {
	f := newFixture(t)
	if code := f.post(t, `{"a/flash": `); code != http.StatusBadRequest {
		t.Errorf("malformed json: %d", code)
	}
	if code := f.post(t, `{"b/flash": 1}`); code != http.StatusBadRequest {
		t.Errorf("unknown key: %d", code)
	}
	f.flash.fail(errors.New("bad fault config"))
	if code := f.post(t, `{"a/flash": "nonsense"}`); code != http.StatusBadRequest {
		t.Errorf("rejected by handler: %d", code)
	}
	req, _ := http.NewRequest(http.MethodDelete, f.srv.URL+DefaultFailureServicePath, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("DELETE: %d", resp.StatusCode)
	}
}

func TestApplyDirect(t *testing.T) {
	svc := NewService()
	r := &recorder{}
	svc.Register("x", r.handle)
	v := json.RawMessage(`3`)
	if err := svc.Apply(map[string]*json.RawMessage{"x": &v}); err != nil {
		t.Fatal(err)
	}
	if err := svc.Apply(nil); err != nil {
		t.Fatal(err)
	}
	assertCalls(t, r, `3`, "")
}
