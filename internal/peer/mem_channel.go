// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package peer

import (
	"context"
	"sync"

	log "github.com/golang/glog"
)

// memChannelStats defines the stats collected for a MemChannel.
type memChannelStats struct {
	Exchanges int // completed round trips
	Failures  int // round trips that returned an error
}

type message struct {
	channelID uint8
	value     uint32
}

// MemChannel is one end of an in-memory link between two controllers running
// in the same process. It is used for lock-step simulation and tests.
type MemChannel struct {
	name string

	// Incoming messages from the sibling. Capacity 1: each side sends once
	// per exchange and then waits for the other side.
	in chan message

	// The sibling's end.
	peer *MemChannel

	// Set to close the link.
	done chan struct{}
	once *sync.Once

	stats memChannelStats
	lock  sync.Mutex
}

// NewMemPair returns two connected channel ends.
func NewMemPair(nameA, nameB string) (*MemChannel, *MemChannel) {
	done := make(chan struct{})
	once := new(sync.Once)
	a := &MemChannel{name: nameA, in: make(chan message, 1), done: done, once: once}
	b := &MemChannel{name: nameB, in: make(chan message, 1), done: done, once: once}
	a.peer, b.peer = b, a
	log.V(1).Infof("%s connected to %s", nameA, nameB)
	return a, b
}

// ExchangeU32 implements Channel.
func (c *MemChannel) ExchangeU32(ctx context.Context, value uint32, channelID uint8) (uint32, error) {
	v, err := c.exchange(ctx, value, channelID)

	c.lock.Lock()
	if err != nil {
		c.stats.Failures++
	} else {
		c.stats.Exchanges++
	}
	c.lock.Unlock()
	return v, err
}

func (c *MemChannel) exchange(ctx context.Context, value uint32, channelID uint8) (uint32, error) {
	select {
	case c.peer.in <- message{channelID: channelID, value: value}:
	case <-c.done:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case m := <-c.in:
		if m.channelID != channelID {
			log.Errorf("%s: exchange on channel %#x answered on %#x", c.name, channelID, m.channelID)
			return 0, ErrChannelMismatch
		}
		return m.value, nil
	case <-c.done:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Close shuts down both ends of the link.
func (c *MemChannel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// Exchanges returns the number of completed round trips.
func (c *MemChannel) Exchanges() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.stats.Exchanges
}
