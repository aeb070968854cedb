// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package flash

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"

	log "github.com/golang/glog"
)

// ErrInjected is returned by operations failed through fault injection.
var ErrInjected = errors.New("injected flash failure")

// Stats counts operations performed on a MemDevice.
type Stats struct {
	Erases   int // pages erased
	Programs int // half-words programmed
}

// MemDevice is an in-memory flash region. It is safe for concurrent use.
type MemDevice struct {
	pageSize int
	data     []byte
	locked   bool

	stats      Stats
	pageErases []int

	// Pending injected failures.
	failPrograms int
	failErases   int

	lock sync.Mutex
}

// NewMemDevice returns an erased, locked device of 'pages' pages of
// 'pageSize' bytes.
func NewMemDevice(pageSize, pages int) (*MemDevice, error) {
	if err := checkGeometry(pageSize, pages); err != nil {
		return nil, err
	}
	d := &MemDevice{
		pageSize:   pageSize,
		data:       make([]byte, pageSize*pages),
		locked:     true,
		pageErases: make([]int, pages),
	}
	for i := range d.data {
		d.data[i] = 0xFF
	}
	return d, nil
}

// PageSize implements Device.
func (d *MemDevice) PageSize() int {
	return d.pageSize
}

// Size implements Device.
func (d *MemDevice) Size() int {
	return len(d.data)
}

// ReadAt implements Device.
func (d *MemDevice) ReadAt(b []byte, off int64) (int, error) {
	if err := checkRead(d, len(b), off); err != nil {
		return 0, err
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	return copy(b, d.data[off:]), nil
}

// ErasePage implements Device.
func (d *MemDevice) ErasePage(addr int64) error {
	if err := checkErase(d, addr); err != nil {
		return err
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.locked {
		return ErrLocked
	}
	if d.failErases > 0 {
		d.failErases--
		return ErrInjected
	}
	page := d.data[addr : addr+int64(d.pageSize)]
	for i := range page {
		page[i] = 0xFF
	}
	d.stats.Erases++
	d.pageErases[int(addr)/d.pageSize]++
	return nil
}

// ProgramHalfword implements Device.
func (d *MemDevice) ProgramHalfword(addr int64, v uint16) error {
	if err := checkProgram(d, addr); err != nil {
		return err
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.locked {
		return ErrLocked
	}
	if d.failPrograms > 0 {
		d.failPrograms--
		return ErrInjected
	}
	old := binary.LittleEndian.Uint16(d.data[addr:])
	if !programmable(old, v) {
		log.Errorf("flash: program %#04x over %#04x at %#x", v, old, addr)
		return ErrProgram
	}
	binary.LittleEndian.PutUint16(d.data[addr:], v)
	d.stats.Programs++
	return nil
}

// Lock implements Device.
func (d *MemDevice) Lock() {
	d.lock.Lock()
	d.locked = true
	d.lock.Unlock()
}

// Unlock implements Device.
func (d *MemDevice) Unlock() {
	d.lock.Lock()
	d.locked = false
	d.lock.Unlock()
}

// Locked reports whether the device is locked.
func (d *MemDevice) Locked() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.locked
}

// Stats returns operation counts since creation.
func (d *MemDevice) Stats() Stats {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.stats
}

// PageErases returns how many times the page at index 'page' was erased.
func (d *MemDevice) PageErases(page int) int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.pageErases[page]
}

//
// Fault injection.
//

// FlipBit inverts one bit of the stored data, bypassing the NOR rules. It
// models a cell losing or gaining charge.
func (d *MemDevice) FlipBit(off int64, bit uint) error {
	if err := checkRead(d, 1, off); err != nil {
		return err
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	d.data[off] ^= 1 << (bit % 8)
	return nil
}

// FailPrograms makes the next n program operations fail.
func (d *MemDevice) FailPrograms(n int) {
	d.lock.Lock()
	d.failPrograms = n
	d.lock.Unlock()
}

// FailErases makes the next n erase operations fail.
func (d *MemDevice) FailErases(n int) {
	d.lock.Lock()
	d.failErases = n
	d.lock.Unlock()
}

// BitFlip addresses one bit for FaultConfig.
type BitFlip struct {
	Off int64 `json:"off"`
	Bit uint  `json:"bit"`
}

// FaultConfig is the value accepted by FaultHandler, e.g.
//
//	{"flip": [{"off": 110, "bit": 3}], "fail_programs": 1}
type FaultConfig struct {
	Flip         []BitFlip `json:"flip"`
	FailPrograms int       `json:"fail_programs"`
	FailErases   int       `json:"fail_erases"`
}

// FaultHandler is a failure-service handler that applies a FaultConfig. Bit
// flips are applied once when the config is posted; a nil config clears any
// pending program or erase failures.
func (d *MemDevice) FaultHandler(config json.RawMessage) error {
	if config == nil {
		d.FailPrograms(0)
		d.FailErases(0)
		return nil
	}

	var fc FaultConfig
	if err := json.Unmarshal(config, &fc); err != nil {
		log.Errorf("flash: bad fault config %s: %s", string(config), err)
		return err
	}
	log.Infof("flash: injecting faults %+v", fc)
	for _, f := range fc.Flip {
		if err := d.FlipBit(f.Off, f.Bit); err != nil {
			return err
		}
	}
	d.FailPrograms(fc.FailPrograms)
	d.FailErases(fc.FailErases)
	return nil
}
