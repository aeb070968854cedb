// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package record

import (
	"bytes"
	"testing"
)

func sample() Record {
	r := Defaults()
	r.AlarmEnable = true
	for i := range r.SCID {
		r.SCID[i] = byte(0x10 + i)
		r.TUNID[i] = byte(0x20 + i)
		r.CFUNID[i] = byte(0x30 + i)
		r.OCPUNID[i] = byte(0x40 + i)
	}
	for i := range r.IOConfig {
		r.IOConfig[i] = byte(i * 3)
	}
	return r
}

func TestLayoutSize(t *testing.T) {
	if Size != 64 {
		t.Fatalf("record size changed to %d; this breaks existing flash images", Size)
	}
	end := fields[FieldIOConfig].offset + fields[FieldIOConfig].size
	if end != reservedOffset || reservedOffset != Size-1 {
		t.Fatalf("fields do not tile the record: io ends at %d, reserved at %d", end, reservedOffset)
	}
}

func TestEncodeDecode(t *testing.T) {
	r := sample()
	got, err := Decode(r.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if got != r {
		t.Fatalf("decoded %+v, want %+v", got, r)
	}
}

func TestEncodingIsFixed(t *testing.T) {
	r := sample()
	b := r.Bytes()
	if b[0] != 1 || b[1] != 0 {
		t.Errorf("bool bytes wrong: %v", b[:2])
	}
	if b[2] != 0x40 || b[14] != 0x10 || b[26] != 0x20 || b[38] != 0x30 {
		t.Errorf("identifier offsets moved: %x", b[:50])
	}
	if b[50] != 0 || b[51] != 3 {
		t.Errorf("io config offset moved: %x", b[50:52])
	}
}

func TestDecodeRejects(t *testing.T) {
	if _, err := Decode(make([]byte, Size-1)); err != ErrShortBuffer {
		t.Errorf("short buffer: %v", err)
	}
	b := make([]byte, Size)
	b[1] = 2
	if _, err := Decode(b); err != ErrFieldValue {
		t.Errorf("bad bool: %v", err)
	}
}

func TestSetField(t *testing.T) {
	r := Defaults()
	scid := bytes.Repeat([]byte{0xAA}, UNIDLen)
	if err := r.SetField(FieldSCID, scid); err != nil {
		t.Fatal(err)
	}
	if got, _ := r.Field(FieldSCID); !bytes.Equal(got, scid) {
		t.Fatalf("scid %x", got)
	}

	before := r
	if err := r.SetField(FieldTUNID, scid[:5]); err != ErrFieldSize {
		t.Errorf("short value: %v", err)
	}
	if err := r.SetField(FieldAlarmEnable, []byte{7}); err != ErrFieldValue {
		t.Errorf("bad bool: %v", err)
	}
	if err := r.SetField(FieldID(42), nil); err != ErrUnknownField {
		t.Errorf("unknown field: %v", err)
	}
	if r != before {
		t.Errorf("record modified by failed SetField")
	}

	if err := r.SetField(FieldWarningEnable, []byte{1}); err != nil || !r.WarningEnable {
		t.Errorf("warning enable not set: %v", err)
	}
}

func TestFieldNames(t *testing.T) {
	for id := FieldID(0); id.Valid(); id++ {
		got, err := ParseFieldID(id.String())
		if err != nil || got != id {
			t.Errorf("%s: parsed %v, %v", id, got, err)
		}
	}
	if _, err := ParseFieldID("nope"); err != ErrUnknownField {
		t.Errorf("unknown name: %v", err)
	}
}

func TestResetPreserving(t *testing.T) {
	cur := sample()
	tests := []struct {
		mask                 uint8
		tunid, cfunid, ocpun bool
	}{
		{0, false, false, false},
		{PreserveTUNID, true, false, false},
		{PreserveCFUNID, false, true, false},
		{PreserveOCPUNID, false, false, true},
		{PreserveAll, true, true, true},
	}
	def := Defaults()
	for _, tc := range tests {
		r := ResetPreserving(cur, tc.mask)
		check := func(name string, keep bool, got, curV, defV UNID) {
			want := defV
			if keep {
				want = curV
			}
			if got != want {
				t.Errorf("mask %#x: %s = %x, want %x", tc.mask, name, got, want)
			}
		}
		check("tunid", tc.tunid, r.TUNID, cur.TUNID, def.TUNID)
		check("cfunid", tc.cfunid, r.CFUNID, cur.CFUNID, def.CFUNID)
		check("ocpunid", tc.ocpun, r.OCPUNID, cur.OCPUNID, def.OCPUNID)
		if r.SCID != def.SCID || r.IOConfig != def.IOConfig || r.AlarmEnable != def.AlarmEnable {
			t.Errorf("mask %#x: non-preservable fields not reset", tc.mask)
		}
	}
}

func TestChecksums(t *testing.T) {
	a, b := sample(), sample()
	if a.Checksum() != b.Checksum() {
		t.Fatal("identical records have different checksums")
	}
	b.Reserved = 1
	if a.Checksum() == b.Checksum() {
		t.Error("reserved byte not covered by checksum")
	}
	if a.SCCRC() != b.SCCRC() {
		t.Error("SCCRC should only cover the io config data")
	}
	b.IOConfig[0] ^= 1
	if a.SCCRC() == b.SCCRC() {
		t.Error("SCCRC did not change with io config")
	}
}
