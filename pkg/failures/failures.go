// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package failures implements failure service. Failure service maintains a
// failure configuration object and provides a RESTful API for clients to
// access and modify the configuration.
//
// You can think the failure configuration object is a map, a component can add
// a key to the map by registering a failure handler under that key. The value
// of that key has type "json.RawMessage" and has initial value "nil". It's up
// to the implementers of failure handlers to interpret it.
//
// Failure handler is a function which will be called when the value of its
// registered key gets set or reset, the handler must have type:
//
//	func(value json.RawMessage) error
//
// Clients read the current configuration with a GET request; every top-level
// key is a registered handler and its value the current configuration of that
// handler. Clients modify the configuration with a POST request. Each POST
// overwrites the entire configuration: keys missing from the request are
// treated as "null" and their handlers are called with nil, which clears the
// failure. Posting "{}" therefore resets all failures.
//
// Example: the simulated flash of controller "a" registers its fault handler
// under "a/flash":
//
//	failures.Register("a/flash", dev.FaultHandler)
//
// and a test flips a bit in the CRC of slot 1 and fails the next program:
//
//	curl http://<host>:<port>/__failure__ -XPOST -d \
//	'{"a/flash": {"flip": [{"off": 138, "bit": 0}], "fail_programs": 1}}'
package failures

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	log "github.com/golang/glog"
)

// DefaultFailureServicePath is the path that the failure service handler will
// be mounted on, by default.
const DefaultFailureServicePath = "/__failure__"

// Handler applies a failure configuration. A nil config clears the failure.
type Handler func(config json.RawMessage) error

// Service is a set of failure handlers and their current configuration.
type Service struct {
	// Configurations of all registered handlers. A "nil" value means no
	// failure gets injected.
	configs  map[string]*json.RawMessage
	handlers map[string]Handler // Key->Handler mapping.
	lock     sync.Mutex         // Protect fields above.
}

// NewService returns a service with no handlers.
func NewService() *Service {
	return &Service{
		configs:  make(map[string]*json.RawMessage),
		handlers: make(map[string]Handler),
	}
}

// Default is the process-wide service used by Register and Init.
var Default = NewService()

// Init mounts the default service on the default path on the default http
// mux.
func Init() {
	InitWithPathAndMux(http.DefaultServeMux, DefaultFailureServicePath)
}

// InitWithPathAndMux mounts the default service on the given path and mux.
func InitWithPathAndMux(mux *http.ServeMux, path string) {
	mux.Handle(path, Default)
}

// Register registers a failure handler with the default service.
func Register(key string, handler Handler) error {
	return Default.Register(key, handler)
}

// Register registers a failure handler under key. A key can only be
// registered once.
func (s *Service) Register(key string, handler Handler) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.handlers[key]; ok {
		return fmt.Errorf("key %q is already registered", key)
	}
	s.handlers[key] = handler
	s.configs[key] = nil
	return nil
}

// Keys returns the registered keys in order.
func (s *Service) Keys() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	keys := make([]string, 0, len(s.handlers))
	for k := range s.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalJSON serializes the current configuration.
func (s *Service) MarshalJSON() ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return json.Marshal(s.configs)
}

// Apply replaces the current configuration with updates, calling the handler
// of every key whose value is set, and of every key that is being cleared.
func (s *Service) Apply(updates map[string]*json.RawMessage) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	// All keys included in "updates" must be registered.
	for key := range updates {
		if _, ok := s.configs[key]; !ok {
			return fmt.Errorf("key %q is not registered", key)
		}
	}

	for key, cur := range s.configs {
		update := updates[key]
		if update != nil {
			if err := s.handlers[key](*update); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
		if update == nil && cur != nil {
			if err := s.handlers[key](nil); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
		s.configs[key] = update
	}
	return nil
}

// ServeHTTP implements http.Handler.
func (s *Service) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s)
	case http.MethodPost:
		s.doPost(w, req)
	default:
		replyError(w, fmt.Sprintf("unsupported method %s", req.Method), http.StatusMethodNotAllowed)
	}
}

func (s *Service) doPost(w http.ResponseWriter, req *http.Request) {
	data, err := io.ReadAll(req.Body)
	if err != nil {
		replyError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var updates map[string]*json.RawMessage
	if err := json.Unmarshal(data, &updates); err != nil {
		replyError(w, err.Error(), http.StatusBadRequest)
		return
	}
	log.Infof("failure config update: %s", string(data))
	if err := s.Apply(updates); err != nil {
		replyError(w, err.Error(), http.StatusBadRequest)
		return
	}
}

func replyError(w http.ResponseWriter, errorStr string, code int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	fmt.Fprintln(w, errorStr)
}
