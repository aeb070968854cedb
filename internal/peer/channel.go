// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package peer is the downward interface to the link between the two safety
// controllers. The configuration store only needs one primitive from it: a
// blocking round trip that sends a 32-bit value to the sibling and returns the
// value the sibling sent in the same exchange.
package peer

import (
	"context"
	"errors"
)

// Channel ids used by the configuration store.
const (
	// ChannelNVCRC carries block checksums for the dual-controller check.
	ChannelNVCRC uint8 = 0x4E
)

var (
	// ErrChannelMismatch is returned when the sibling answered on a different
	// channel than the one we exchanged on.
	ErrChannelMismatch = errors.New("peer answered on a different channel")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("peer channel closed")
)

// Channel exchanges values with the sibling controller.
type Channel interface {
	// ExchangeU32 sends value on channelID and returns the sibling's value.
	// It blocks until the sibling has made the matching call or ctx is done.
	ExchangeU32(ctx context.Context, value uint32, channelID uint8) (uint32, error)
}

// Loopback is a Channel whose sibling always agrees: it returns the value it
// was given. It stands in for the sibling on a single-controller bench.
type Loopback struct{}

// ExchangeU32 implements Channel.
func (Loopback) ExchangeU32(ctx context.Context, value uint32, channelID uint8) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return value, nil
}
