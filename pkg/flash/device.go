// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package flash is the downward interface to on-chip NOR flash together with
// two fakes that enforce the same programming rules: an in-memory device for
// tests and simulation, and a boltdb-backed device that keeps a flash image
// across process restarts.
//
// NOR rules enforced by every Device in this package:
//   - Erase works on whole pages and sets every bit to 1.
//   - Programming works on aligned half-words and can only clear bits. A
//     half-word may be programmed again as long as no bit goes from 0 to 1.
//   - Erase and program are refused while the device is locked.
package flash

import (
	"encoding/binary"
	"errors"
)

// Erased is the value of an erased half-word.
const Erased = 0xFFFF

var (
	// ErrLocked is returned for erase or program on a locked device.
	ErrLocked = errors.New("flash is locked")

	// ErrAlign is returned for a misaligned address.
	ErrAlign = errors.New("misaligned flash address")

	// ErrRange is returned for an address outside the device.
	ErrRange = errors.New("flash address out of range")

	// ErrProgram is returned when programming would set a cleared bit.
	ErrProgram = errors.New("flash program error: bit cannot be set without erase")

	// ErrGeometry is returned when a device is created or reopened with an
	// unusable page size or page count.
	ErrGeometry = errors.New("invalid flash geometry")
)

// Device is a raw flash region. Addresses are byte offsets from the start of
// the region.
type Device interface {
	// PageSize returns the erase granularity in bytes.
	PageSize() int

	// Size returns the size of the region in bytes.
	Size() int

	// ReadAt reads len(b) bytes at off. Reads are allowed while locked.
	ReadAt(b []byte, off int64) (int, error)

	// ErasePage erases the page starting at addr.
	ErasePage(addr int64) error

	// ProgramHalfword programs the little-endian half-word at addr.
	ProgramHalfword(addr int64, v uint16) error

	// Lock disables erase and program.
	Lock()

	// Unlock enables erase and program.
	Unlock()
}

// ReadHalfword reads the little-endian half-word at addr.
func ReadHalfword(d Device, addr int64) (uint16, error) {
	var b [2]byte
	if _, err := d.ReadAt(b[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

// checkGeometry validates a page size and count.
func checkGeometry(pageSize, pages int) error {
	if pageSize <= 0 || pageSize%2 != 0 || pages <= 0 {
		return ErrGeometry
	}
	return nil
}

// checkErase validates an erase address.
func checkErase(d Device, addr int64) error {
	if addr < 0 || addr >= int64(d.Size()) {
		return ErrRange
	}
	if addr%int64(d.PageSize()) != 0 {
		return ErrAlign
	}
	return nil
}

// checkProgram validates a program address.
func checkProgram(d Device, addr int64) error {
	if addr < 0 || addr+2 > int64(d.Size()) {
		return ErrRange
	}
	if addr%2 != 0 {
		return ErrAlign
	}
	return nil
}

// checkRead validates a read range.
func checkRead(d Device, n int, off int64) error {
	if off < 0 || off+int64(n) > int64(d.Size()) {
		return ErrRange
	}
	return nil
}

// programmable reports whether old can be turned into v by clearing bits only.
func programmable(old, v uint16) bool {
	return old&v == v
}

// Snapshot returns the full contents of d.
func Snapshot(d Device) ([]byte, error) {
	img := make([]byte, d.Size())
	if _, err := d.ReadAt(img, 0); err != nil {
		return nil, err
	}
	return img, nil
}

// Restore erases d and programs img into it. img must be exactly d.Size()
// bytes. Erased half-words are skipped.
func Restore(d Device, img []byte) error {
	if len(img) != d.Size() {
		return ErrGeometry
	}
	d.Unlock()
	defer d.Lock()
	for addr := 0; addr < d.Size(); addr += d.PageSize() {
		if err := d.ErasePage(int64(addr)); err != nil {
			return err
		}
	}
	for addr := 0; addr < len(img); addr += 2 {
		v := binary.LittleEndian.Uint16(img[addr:])
		if v == Erased {
			continue
		}
		if err := d.ProgramHalfword(int64(addr), v); err != nil {
			return err
		}
	}
	return nil
}
