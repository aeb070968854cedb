// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package nvstore

import (
	"testing"
)

func TestScan(t *testing.T) {
	s, dev, _ := newInitedStore(t)
	commit(t, s, withSCID(1))

	// Half of a write to slot 2, then a flipped bit in the Invalid slot 0.
	l := testLayout()
	dev.Unlock()
	if err := dev.ProgramHalfword(l.slotAddr(2)+indexOff, 2); err != nil {
		t.Fatal(err)
	}
	dev.Lock()
	if err := dev.FlipBit(l.slotAddr(0)+dataOff, 0); err != nil {
		t.Fatal(err)
	}

	slots, err := Scan(dev, l)
	if err != nil {
		t.Fatal(err)
	}
	if len(slots) != int(l.Capacity()) {
		t.Fatalf("%d slots", len(slots))
	}
	want := []string{"invalid", "valid", "free (dirty)", "free"}
	for i, w := range want {
		if got := slots[i].StatusString(); got != w {
			t.Errorf("slot %d: %q, want %q", i, got, w)
		}
	}
	if slots[0].CRCOK || slots[0].Record != nil {
		t.Errorf("corrupt slot 0 reported intact: %+v", slots[0])
	}
	if !slots[1].CRCOK || slots[1].Index != 1 || slots[1].Record == nil || *slots[1].Record != withSCID(1) {
		t.Errorf("slot 1: %+v", slots[1])
	}
	if slots[3].Record != nil {
		t.Error("blank slot decoded")
	}

	if (SlotInfo{Status: 0x1234}).StatusString() != "unknown 0x1234" {
		t.Error("unknown status name")
	}
}
