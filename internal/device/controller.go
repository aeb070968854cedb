// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package device runs one controller of a dual-controller safety device: the
// flash block store, the write buffer manager on top of it, and the scheduler
// tick that drives the store's write state machine.
//
// The background API (StoreField, RestoreIOConfig, ...) may be called from any
// goroutine while Run is ticking.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/safenv/internal/core"
	"github.com/westerndigitalcorporation/safenv/internal/nvstore"
	"github.com/westerndigitalcorporation/safenv/internal/peer"
	"github.com/westerndigitalcorporation/safenv/internal/record"
	"github.com/westerndigitalcorporation/safenv/internal/safety"
	"github.com/westerndigitalcorporation/safenv/internal/writebuf"
	"github.com/westerndigitalcorporation/safenv/pkg/failures"
	"github.com/westerndigitalcorporation/safenv/pkg/flash"
	"github.com/westerndigitalcorporation/safenv/pkg/retry"
)

// ErrStopped is returned while waiting on a controller whose store has
// tripped.
var ErrStopped = errors.New("controller stopped")

// Operation names for the op metric.
const (
	opBoot      = "boot"
	opSync      = "sync"
	opStore     = "store"
	opRestore   = "restore"
	opReset     = "reset"
	opWriteNow  = "write_first_block"
	opWaitIdle  = "wait_idle"
	opTickFatal = "tick"
)

var allOps = []string{opBoot, opSync, opStore, opRestore, opReset, opWriteNow, opWaitIdle, opTickFatal}

var opMetric = NewOpMetric("safenv_device_ops", "device", "op")

// faulter is implemented by flash devices and peer channels that accept fault
// configurations from the failure service.
type faulter interface {
	FaultHandler(config json.RawMessage) error
}

// Controller is one simulated controller.
type Controller struct {
	cfg   Config
	dev   flash.Device
	ch    peer.Channel
	store *nvstore.Store
	buf   *writebuf.Manager

	ticks atomic.Uint64
}

// New returns a controller over dev. ch may be nil when cfg.DualChannelSync is
// false. Boot must be called before anything else.
func New(cfg Config, dev flash.Device, ch peer.Channel, trap safety.Handler) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := nvstore.New(cfg.StoreConfig(), dev, ch, trap)
	if err != nil {
		return nil, err
	}
	return &Controller{
		cfg:   cfg,
		dev:   dev,
		ch:    ch,
		store: store,
		buf:   writebuf.New(store, trap),
	}, nil
}

// Name returns the controller name.
func (c *Controller) Name() string {
	return c.cfg.Name
}

// Store returns the flash block store.
func (c *Controller) Store() *nvstore.Store {
	return c.store
}

// Boot scans flash, seeds the write buffer and, with dual channel sync,
// confirms that the sibling booted into the same record. With an in-memory
// peer both controllers must boot at the same time.
func (c *Controller) Boot() (err error) {
	op := opMetric.Start(c.cfg.Name, opBoot)
	defer op.EndWithError(&err)

	if err = c.store.Init(); err != nil {
		return err
	}
	if err = c.buf.Init(); err != nil {
		return err
	}
	if c.cfg.DualChannelSync {
		if err = c.sync(); err != nil {
			return err
		}
	}
	log.Infof("%s: booted, %d free blocks", c.cfg.Name, c.store.FreeBlocksRemaining())
	return nil
}

func (c *Controller) sync() (err error) {
	op := opMetric.Start(c.cfg.Name, opSync)
	defer op.EndWithError(&err)
	return c.store.SyncCRCWithPeer()
}

// Step is one scheduler tick.
func (c *Controller) Step() error {
	c.ticks.Add(1)
	err := c.store.Drive()
	if err != nil {
		opMetric.Start(c.cfg.Name, opTickFatal).EndWithError(&err)
	}
	return err
}

// Ticks returns the number of scheduler ticks so far.
func (c *Controller) Ticks() uint64 {
	return c.ticks.Load()
}

// Run ticks every cfg.TickInterval until ctx is done or a tick fails. A
// failed tick has already gone through the safety handler.
func (c *Controller) Run(ctx context.Context) error {
	t := time.NewTicker(c.cfg.TickInterval)
	defer t.Stop()
	log.Infof("%s: scheduler running every %s", c.cfg.Name, c.cfg.TickInterval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := c.Step(); err != nil {
				log.Errorf("%s: scheduler stopped: %v", c.cfg.Name, err)
				return err
			}
		}
	}
}

// WaitIdle blocks until no write is pending or in progress.
func (c *Controller) WaitIdle(ctx context.Context) (err error) {
	op := opMetric.Start(c.cfg.Name, opWaitIdle)
	defer op.EndWithError(&err)

	r := retry.Retrier{MinSleep: c.cfg.TickInterval, MaxSleep: 20 * c.cfg.TickInterval}
	return r.Do(ctx, func(int) (bool, error) {
		st, err := c.store.State()
		if err != nil {
			return false, err
		}
		if st == nvstore.StateUninitialized {
			return false, ErrStopped
		}
		return !c.store.IsBusy(), nil
	})
}

// StoreField sets one identifier or BOOL attribute.
func (c *Controller) StoreField(id record.FieldID, b []byte) error {
	return c.call(opStore, func() error { return c.buf.StoreField(id, b) })
}

// RestoreField returns one committed identifier or BOOL attribute.
func (c *Controller) RestoreField(id record.FieldID) (b []byte, err error) {
	err = c.call(opRestore, func() error {
		b, err = c.buf.RestoreField(id)
		return err
	})
	return b, err
}

// StoreIOConfig replaces the I/O configuration data.
func (c *Controller) StoreIOConfig(b []byte) error {
	return c.call(opStore, func() error { return c.buf.StoreIOConfig(b) })
}

// RestoreIOConfig returns the committed I/O configuration data.
func (c *Controller) RestoreIOConfig() (b []byte, err error) {
	err = c.call(opRestore, func() error {
		b, err = c.buf.RestoreIOConfig()
		return err
	})
	return b, err
}

// IOConfigCRC returns the safety configuration CRC of the committed I/O data.
func (c *Controller) IOConfigCRC() (crc uint16, err error) {
	err = c.call(opRestore, func() error {
		crc, err = c.buf.IOConfigCRC()
		return err
	})
	return crc, err
}

// StoreDefaults resets the configuration to factory defaults.
func (c *Controller) StoreDefaults() error {
	return c.call(opReset, c.buf.StoreDefaults)
}

// StoreResetPreserving resets the configuration to factory defaults, keeping
// the identifiers selected by mask.
func (c *Controller) StoreResetPreserving(mask uint8) error {
	return c.call(opReset, func() error { return c.buf.StoreResetPreserving(mask) })
}

// WriteFirstBlockNow commits rec synchronously, erasing the region.
func (c *Controller) WriteFirstBlockNow(rec record.Record) error {
	return c.call(opWriteNow, func() error { return c.store.WriteFirstBlockNow(rec) })
}

// IsBusy reports whether a write is pending or in progress.
func (c *Controller) IsBusy() bool {
	return c.store.IsBusy()
}

// FreeBlocksRemaining returns the number of slots left before the region
// wraps.
func (c *Controller) FreeBlocksRemaining() uint16 {
	return c.store.FreeBlocksRemaining()
}

// call runs one background API call under the op metric.
func (c *Controller) call(name string, f func() error) error {
	op := opMetric.Start(c.cfg.Name, name)
	err := f()
	switch {
	case err == nil:
	case errors.Is(err, nvstore.ErrBusy):
		op.Busy()
	default:
		op.Failed()
		if code, ok := core.FatalCode(err); ok {
			log.Errorf("%s: %s failed with fail code %#x", c.cfg.Name, name, int(code))
		}
	}
	op.End()
	return err
}

// RamFault is the value accepted by the "<name>/ram" failure handler: one bit
// of the encoded write buffer to invert.
type RamFault struct {
	Off int  `json:"off"`
	Bit uint `json:"bit"`
}

func (c *Controller) ramFault(config json.RawMessage) error {
	if config == nil {
		return nil
	}
	var f RamFault
	if err := json.Unmarshal(config, &f); err != nil {
		return err
	}
	log.Infof("%s: flipping write buffer bit %d of byte %d", c.cfg.Name, f.Bit, f.Off)
	return c.buf.FlipBit(f.Off, f.Bit)
}

// RegisterFailures registers the controller's fault handlers with svc under
// "<name>/ram", and "<name>/flash" and "<name>/peer" when the flash device
// and peer channel accept faults.
func (c *Controller) RegisterFailures(svc *failures.Service) error {
	handlers := map[string]failures.Handler{"ram": c.ramFault}
	if f, ok := c.dev.(faulter); ok {
		handlers["flash"] = f.FaultHandler
	}
	if f, ok := c.ch.(faulter); ok {
		handlers["peer"] = f.FaultHandler
	}
	for k, h := range handlers {
		key := fmt.Sprintf("%s/%s", c.cfg.Name, k)
		if err := svc.Register(key, h); err != nil {
			return err
		}
	}
	return nil
}
