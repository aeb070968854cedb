// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package peer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/goburrow/modbus"

	"github.com/westerndigitalcorporation/safenv/pkg/retry"
)

// Mailbox layout in holding registers, four registers per mailbox:
//
//	+0 sequence number
//	+1 channel id
//	+2 value, high half
//	+3 value, low half
const mailboxRegs = 4

// ModbusConfig configures a ModbusChannel.
type ModbusConfig struct {
	// Endpoint of the Modbus/TCP bridge holding both mailboxes.
	Endpoint string
	// UnitID of the bridge.
	UnitID uint8
	// TxAddr is the first register of the mailbox we write.
	TxAddr uint16
	// RxAddr is the first register of the sibling's mailbox.
	RxAddr uint16
	// Timeout for a single Modbus request.
	Timeout time.Duration
	// PollInterval is the initial delay between reads of the sibling's mailbox.
	PollInterval time.Duration
}

// ModbusChannel exchanges values with the sibling through two mailboxes on a
// Modbus/TCP bridge. Each exchange bumps a sequence number; the sibling's
// answer is the first mailbox content carrying the same sequence number.
// Both controllers make exchanges in lock step, so their sequence numbers
// advance together.
type ModbusChannel struct {
	mu      sync.Mutex
	cfg     ModbusConfig
	handler *modbus.TCPClientHandler
	client  modbus.Client
	seq     uint16
}

// DialModbus connects to the bridge.
func DialModbus(cfg ModbusConfig) (*ModbusChannel, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("peer modbus: endpoint required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Millisecond
	}

	h := modbus.NewTCPClientHandler(cfg.Endpoint)
	h.Timeout = cfg.Timeout
	h.SlaveId = cfg.UnitID
	if err := h.Connect(); err != nil {
		return nil, err
	}
	log.Infof("peer: connected to modbus bridge %s unit %d", cfg.Endpoint, cfg.UnitID)

	return &ModbusChannel{
		cfg:     cfg,
		handler: h,
		client:  modbus.NewClient(h),
	}, nil
}

// Close closes the bridge connection.
func (c *ModbusChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler.Close()
}

// ExchangeU32 implements Channel.
func (c *ModbusChannel) ExchangeU32(ctx context.Context, value uint32, channelID uint8) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	out := mailbox{seq: c.seq, channelID: channelID, value: value}
	if _, err := c.client.WriteMultipleRegisters(c.cfg.TxAddr, mailboxRegs, packRegisters(out.registers())); err != nil {
		log.Errorf("peer: writing mailbox at %d: %s", c.cfg.TxAddr, err)
		return 0, err
	}

	var in mailbox
	r := retry.Retrier{MinSleep: c.cfg.PollInterval, MaxSleep: 10 * c.cfg.PollInterval}
	err := r.Do(ctx, func(int) (bool, error) {
		b, err := c.client.ReadHoldingRegisters(c.cfg.RxAddr, mailboxRegs)
		if err != nil {
			return false, err
		}
		in, err = parseMailbox(b)
		if err != nil {
			return false, err
		}
		return in.seq == out.seq, nil
	})
	if err != nil {
		return 0, err
	}
	if in.channelID != channelID {
		return 0, ErrChannelMismatch
	}
	return in.value, nil
}

type mailbox struct {
	seq       uint16
	channelID uint8
	value     uint32
}

func (m mailbox) registers() []uint16 {
	return []uint16{m.seq, uint16(m.channelID), uint16(m.value >> 16), uint16(m.value)}
}

func parseMailbox(b []byte) (mailbox, error) {
	if len(b) != 2*mailboxRegs {
		return mailbox{}, fmt.Errorf("peer modbus: mailbox read returned %d bytes", len(b))
	}
	regs := unpackRegisters(b)
	if regs[1] > 0xFF {
		return mailbox{}, fmt.Errorf("peer modbus: bad channel register %#x", regs[1])
	}
	return mailbox{
		seq:       regs[0],
		channelID: uint8(regs[1]),
		value:     uint32(regs[2])<<16 | uint32(regs[3]),
	}, nil
}

// Modbus registers are big endian on the wire.
func packRegisters(regs []uint16) []byte {
	out := make([]byte, len(regs)*2)
	for i, r := range regs {
		binary.BigEndian.PutUint16(out[2*i:], r)
	}
	return out
}

func unpackRegisters(b []byte) []uint16 {
	regs := make([]uint16, len(b)/2)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(b[2*i:])
	}
	return regs
}
