// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package writebuf is the write buffer manager: it owns the RAM copy of the
// configuration record that the CIP-Safety stack edits, guards it with a
// checksum against soft errors, and hands every change to the flash block
// store for commit.
//
// Setters work on the RAM buffer. Getters read the committed record from
// flash, so a value is only reported once it is durable and still validates.
package writebuf

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/safenv/internal/core"
	"github.com/westerndigitalcorporation/safenv/internal/record"
	"github.com/westerndigitalcorporation/safenv/internal/safety"
	"github.com/westerndigitalcorporation/safenv/pkg/protect"
)

var (
	// ErrNotInitialized is returned by every operation before Init succeeds
	// and after the manager has tripped.
	ErrNotInitialized = errors.New("write buffer not initialized")

	// ErrPreserveMask is returned for a reset mask with unknown bits.
	ErrPreserveMask = errors.New("unknown bits in preserve mask")
)

// Store is what the manager needs from the flash block store.
type Store interface {
	// ReadActive returns the committed record, re-validated.
	ReadActive() (record.Record, error)

	// Request schedules rec for commit. crc is rec's checksum as guarded by
	// the manager; the store checks it again when it picks rec up.
	Request(rec record.Record, crc uint16)

	// Bootstrap resets flash to factory defaults and raises code.
	Bootstrap(code core.Error, err error) error
}

// Manager owns the RAM staging buffer. It is used from the background task;
// its methods serialize among themselves.
type Manager struct {
	store Store
	trap  safety.Handler

	lock  sync.Mutex
	ready bool
	buf   record.Record
	crc   *protect.Protected[uint16]
}

// New returns a Manager over store. Init must be called before use.
func New(store Store, trap safety.Handler) *Manager {
	return &Manager{
		store: store,
		trap:  trap,
		crc:   protect.New[uint16](0),
	}
}

// Init seeds the buffer from the committed record. The store always holds a
// record after its own Init, so not finding one is fatal.
func (m *Manager) Init() error {
	m.lock.Lock()
	defer m.lock.Unlock()

	rec, err := m.store.ReadActive()
	if err != nil {
		m.ready = false
		if core.IsFatal(err) {
			return err
		}
		return safety.Trap(m.trap, core.ErrNoRecord, err)
	}
	m.buf = rec
	m.crc.Set(rec.Checksum())
	m.ready = true
	log.Infof("write buffer seeded, crc %#04x", rec.Checksum())
	return nil
}

// StoreField sets one of the individually settable attributes and schedules
// the record for commit. A value of the wrong length is rejected and leaves
// the buffer unchanged.
func (m *Manager) StoreField(id record.FieldID, b []byte) error {
	if !settable(id) {
		return record.ErrUnknownField
	}
	return m.update(func(r *record.Record) error {
		return r.SetField(id, b)
	})
}

// RestoreField returns a field of the committed record.
func (m *Manager) RestoreField(id record.FieldID) ([]byte, error) {
	if !settable(id) {
		return nil, record.ErrUnknownField
	}
	rec, err := m.durable()
	if err != nil {
		return nil, err
	}
	return rec.Field(id)
}

// StoreIOConfig replaces the I/O configuration data and schedules the record
// for commit.
func (m *Manager) StoreIOConfig(b []byte) error {
	return m.update(func(r *record.Record) error {
		return r.SetField(record.FieldIOConfig, b)
	})
}

// RestoreIOConfig returns the committed I/O configuration data.
func (m *Manager) RestoreIOConfig() ([]byte, error) {
	rec, err := m.durable()
	if err != nil {
		return nil, err
	}
	return rec.Field(record.FieldIOConfig)
}

// IOConfigCRC returns the safety configuration CRC of the committed I/O
// configuration data.
func (m *Manager) IOConfigCRC() (uint16, error) {
	rec, err := m.durable()
	if err != nil {
		return 0, err
	}
	return rec.SCCRC(), nil
}

// StoreDefaults replaces the whole buffer with factory defaults and schedules
// it for commit.
func (m *Manager) StoreDefaults() error {
	return m.update(func(r *record.Record) error {
		*r = record.Defaults()
		return nil
	})
}

// StoreResetPreserving resets the buffer to factory defaults except for the
// identifiers selected by mask (record.PreserveTUNID, PreserveCFUNID,
// PreserveOCPUNID), and schedules it for commit.
func (m *Manager) StoreResetPreserving(mask uint8) error {
	if mask&^record.PreserveAll != 0 {
		return ErrPreserveMask
	}
	return m.update(func(r *record.Record) error {
		*r = record.ResetPreserving(*r, mask)
		return nil
	})
}

// Snapshot returns a copy of the RAM buffer after checking it.
func (m *Manager) Snapshot() (record.Record, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if err := m.check(); err != nil {
		return record.Record{}, err
	}
	return m.buf, nil
}

// update runs one mutation of the buffer: check, acquire, mutate, release,
// re-checksum. If mutate fails nothing changes and nothing is committed.
func (m *Manager) update(mutate func(r *record.Record) error) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if err := m.check(); err != nil {
		return err
	}
	next := m.buf
	if err := mutate(&next); err != nil {
		return err
	}
	m.buf = next
	crc := m.buf.Checksum()
	m.crc.Set(crc)
	m.release(crc)
	return nil
}

// release hands the buffer and its checksum to the store. The store keeps its
// own copy.
func (m *Manager) release(crc uint16) {
	log.V(1).Infof("write buffer released, crc %#04x", crc)
	m.store.Request(m.buf, crc)
}

// check verifies the buffer against its checksum. A mismatch is a soft error
// in safety-relevant RAM: flash is reset to defaults and the manager trips.
func (m *Manager) check() error {
	if !m.ready {
		return ErrNotInitialized
	}
	want, err := m.crc.Get()
	if err != nil {
		return m.corrupt(fmt.Errorf("buffer crc: %w", err))
	}
	if got := m.buf.Checksum(); got != want {
		return m.corrupt(fmt.Errorf("buffer crc %#04x, expected %#04x", got, want))
	}
	return nil
}

func (m *Manager) corrupt(err error) error {
	log.Errorf("write buffer: %v", err)
	m.ready = false
	return m.store.Bootstrap(core.ErrBufferCRC, err)
}

// durable reads the committed record.
func (m *Manager) durable() (record.Record, error) {
	m.lock.Lock()
	ready := m.ready
	m.lock.Unlock()
	if !ready {
		return record.Record{}, ErrNotInitialized
	}
	return m.store.ReadActive()
}

// FlipBit inverts one bit of the encoded buffer at byte off, bypassing the
// checksum. It models a RAM upset for fault injection. The two BOOL bytes
// cannot be targeted.
func (m *Manager) FlipBit(off int, bit uint) error {
	if off < 2 || off >= record.Size {
		return fmt.Errorf("offset %d outside the identifier and I/O data", off)
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	b := m.buf.Bytes()
	b[off] ^= 1 << (bit % 8)
	rec, err := record.Decode(b)
	if err != nil {
		return err
	}
	m.buf = rec
	return nil
}

// settable reports whether id is one of the attributes set through
// StoreField.
func settable(id record.FieldID) bool {
	return id.Valid() && id != record.FieldIOConfig
}
