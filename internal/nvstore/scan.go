// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package nvstore

import (
	"fmt"

	"github.com/westerndigitalcorporation/safenv/internal/record"
	"github.com/westerndigitalcorporation/safenv/pkg/flash"
)

// SlotInfo describes one slot of the region as found on flash.
type SlotInfo struct {
	Slot   uint16
	Status uint16
	Index  uint16
	CRC    uint16
	CRCOK  bool
	Blank  bool
	Record *record.Record // set for slots whose checksum matches
}

// StatusString names the status word.
func (si SlotInfo) StatusString() string {
	switch si.Status {
	case StatusFree:
		if si.Blank {
			return "free"
		}
		return "free (dirty)"
	case StatusValid:
		return "valid"
	case StatusInvalid:
		return "invalid"
	}
	return fmt.Sprintf("unknown %#04x", si.Status)
}

// Scan reads every slot of the region without changing anything. It is meant
// for inspecting images that Init would reject.
func Scan(dev flash.Device, l Layout) ([]SlotInfo, error) {
	if err := l.Validate(dev); err != nil {
		return nil, err
	}
	out := make([]SlotInfo, l.Capacity())
	raw := make([]byte, BlockSize)
	for i := range out {
		slot := uint16(i)
		if _, err := dev.ReadAt(raw, l.slotAddr(slot)); err != nil {
			return nil, fmt.Errorf("read slot %d: %w", slot, err)
		}
		b := decodeBlock(raw)
		si := SlotInfo{
			Slot:   slot,
			Status: b.status,
			Index:  b.index,
			CRC:    b.crc,
			CRCOK:  b.crcOK(),
			Blank:  blank(raw),
		}
		if si.CRCOK && !si.Blank {
			if rec, err := record.Decode(b.data[:]); err == nil {
				si.Record = &rec
			}
		}
		out[i] = si
	}
	return out, nil
}
