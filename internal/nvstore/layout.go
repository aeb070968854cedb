// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package nvstore

import (
	"fmt"

	"github.com/westerndigitalcorporation/safenv/pkg/flash"
)

// relocationPercent is the share of the region that may be consumed before the
// active block is moved back to slot 0.
const relocationPercent = 80

// Layout places the reserved region inside a flash device. The region is made
// of Pages whole pages starting at Base and is carved into consecutive
// BlockSize slots; the tail of the region that cannot hold a whole block is
// never used.
type Layout struct {
	Base     int64 // Byte offset of the region, page aligned.
	PageSize int   // Erase granularity, must match the device.
	Pages    int   // Number of pages in the region.
}

// Size returns the size of the region in bytes.
func (l Layout) Size() int {
	return l.PageSize * l.Pages
}

// Capacity returns the number of block slots in the region.
func (l Layout) Capacity() uint16 {
	return uint16(l.Size() / BlockSize)
}

// Threshold returns the highest active slot that does not trigger a
// relocation.
func (l Layout) Threshold() uint16 {
	return uint16(int(l.Capacity()) * relocationPercent / 100)
}

// slotAddr returns the device address of slot i.
func (l Layout) slotAddr(i uint16) int64 {
	return l.Base + int64(i)*BlockSize
}

// pageAddr returns the device address of page p of the region.
func (l Layout) pageAddr(p uint16) int64 {
	return l.Base + int64(p)*int64(l.PageSize)
}

// Validate checks the layout against itself and, if dev is non-nil, against
// the device it is going to be used with.
func (l Layout) Validate(dev flash.Device) error {
	if l.PageSize <= 0 || l.PageSize%2 != 0 {
		return fmt.Errorf("page size %d must be positive and even", l.PageSize)
	}
	if l.Pages <= 0 || l.Pages > 0xFFFF {
		return fmt.Errorf("page count %d out of range", l.Pages)
	}
	if l.Base < 0 || l.Base%int64(l.PageSize) != 0 {
		return fmt.Errorf("region base %#x is not page aligned", l.Base)
	}
	if l.Size()/BlockSize > 0xFFFF {
		return fmt.Errorf("region of %d bytes holds more blocks than a slot index can address", l.Size())
	}
	// Relocation has to kick in before the last slot is consumed, otherwise
	// the region is exhausted on the commit after the threshold.
	if l.Capacity() < 2 || l.Threshold() >= l.Capacity()-1 {
		return fmt.Errorf("region of %d blocks is too small to relocate before exhaustion", l.Capacity())
	}
	if dev == nil {
		return nil
	}
	if dev.PageSize() != l.PageSize {
		return fmt.Errorf("layout page size %d does not match device page size %d", l.PageSize, dev.PageSize())
	}
	if l.Base+int64(l.Size()) > int64(dev.Size()) {
		return fmt.Errorf("region [%#x, %#x) exceeds device size %#x", l.Base, l.Base+int64(l.Size()), dev.Size())
	}
	return nil
}

// String implements fmt.Stringer.
func (l Layout) String() string {
	return fmt.Sprintf("region@%#x %dx%dB (%d slots, relocate above %d)",
		l.Base, l.Pages, l.PageSize, l.Capacity(), l.Threshold())
}
