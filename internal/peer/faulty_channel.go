// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package peer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	log "github.com/golang/glog"
)

// ErrInjected is returned for an exchange dropped by a FaultyChannel.
var ErrInjected = errors.New("injected peer link fault")

// FaultConfig is the value accepted by FaultyChannel.FaultHandler, e.g.
//
//	{"drop": 1}            fail the next exchange without sending
//	{"xor": 1, "count": 2} corrupt the sibling's answer twice
type FaultConfig struct {
	Drop  int    `json:"drop"`
	Xor   uint32 `json:"xor"`
	Count int    `json:"count"`
}

// FaultyChannel wraps a Channel and injects link faults.
type FaultyChannel struct {
	ch Channel

	lock  sync.Mutex
	drop  int
	xor   uint32
	count int
}

// NewFaulty wraps ch. It behaves like ch until a fault is configured.
func NewFaulty(ch Channel) *FaultyChannel {
	return &FaultyChannel{ch: ch}
}

// ExchangeU32 implements Channel.
func (f *FaultyChannel) ExchangeU32(ctx context.Context, value uint32, channelID uint8) (uint32, error) {
	f.lock.Lock()
	if f.drop > 0 {
		f.drop--
		f.lock.Unlock()
		return 0, ErrInjected
	}
	f.lock.Unlock()

	v, err := f.ch.ExchangeU32(ctx, value, channelID)
	if err != nil {
		return v, err
	}

	f.lock.Lock()
	defer f.lock.Unlock()
	if f.count > 0 {
		f.count--
		v ^= f.xor
	}
	return v, nil
}

// FaultHandler is a failure-service handler that applies a FaultConfig. A nil
// config clears all faults.
func (f *FaultyChannel) FaultHandler(config json.RawMessage) error {
	var fc FaultConfig
	if config != nil {
		if err := json.Unmarshal(config, &fc); err != nil {
			log.Errorf("peer: bad fault config %s: %s", string(config), err)
			return err
		}
	}
	log.Infof("peer: injecting faults %+v", fc)
	f.lock.Lock()
	defer f.lock.Unlock()
	f.drop, f.xor, f.count = fc.Drop, fc.Xor, fc.Count
	return nil
}
