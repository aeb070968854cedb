// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/westerndigitalcorporation/safenv/internal/record"
	test "github.com/westerndigitalcorporation/safenv/pkg/testutil"
)

func TestMain(m *testing.M) {
	test.TestMain(m)
}

func TestCommands(t *testing.T) {
	img := test.TempPath(t, "flash.img")
	b := newNvCli()
	defer b.stop()
	run := func(args ...string) error {
		return b.run(append([]string{"nvcli", "--image", img}, args...))
	}
	must := func(args ...string) {
		t.Helper()
		if err := run(args...); err != nil {
			t.Fatalf("%v: %v", args, err)
		}
	}

	// A fresh image is erased; scanning it does not boot.
	must("scan")
	if b.ctl != nil {
		t.Fatal("scan booted the controller")
	}

	io := "0102030405060708090a0b0c0d"
	tunid := "00:11:22:33:44:55:66:77:88:99:aa:bb"
	must("setio", io)
	must("set", "alarm_enable", "true")
	must("set", "tunid", tunid)
	must("dump")
	must("scan")

	ioBytes, _ := hex.DecodeString(io)
	if got, err := b.ctl.RestoreIOConfig(); err != nil || !bytes.Equal(got, ioBytes) {
		t.Fatalf("io config %x %v", got, err)
	}

	exported := test.TempPath(t, "image.sz")
	must("export", "--file", exported)
	must("reset", "--tunid")
	def := record.Defaults()
	if got, _ := b.ctl.RestoreIOConfig(); !bytes.Equal(got, def.IOConfig[:]) {
		t.Fatalf("io config after reset %x", got)
	}
	if got, _ := b.ctl.RestoreField(record.FieldTUNID); got[0] != 0x00 || got[1] != 0x11 {
		t.Fatalf("tunid not preserved: %x", got)
	}
	must("defaults")

	must("import", "--file", exported)
	if b.ctl != nil {
		t.Fatal("controller kept across import")
	}
	must("get", "io_config")
	if got, _ := b.ctl.RestoreIOConfig(); !bytes.Equal(got, ioBytes) {
		t.Fatalf("io config after import %x", got)
	}
	if got, _ := b.ctl.RestoreField(record.FieldAlarmEnable); !bytes.Equal(got, []byte{1}) {
		t.Fatalf("alarm enable after import %x", got)
	}

	for _, args := range [][]string{
		{"get"},
		{"get", "nope"},
		{"set", "tunid", "0011"},
		{"set", "alarm_enable", "zz"},
		{"setio", "01"},
		{"export"},
		{"import", "--file", exported + ".missing"},
	} {
		if err := run(args...); err == nil {
			t.Errorf("%v: accepted", args)
		}
	}
}

func TestNoImage(t *testing.T) {
	b := newNvCli()
	defer b.stop()
	if err := b.run([]string{"nvcli", "dump"}); err == nil {
		t.Fatal("dump without an image accepted")
	}
}

func TestParseValue(t *testing.T) {
	for _, c := range []struct {
		id   record.FieldID
		in   string
		want []byte
	}{
		{record.FieldAlarmEnable, "TRUE", []byte{1}},
		{record.FieldWarningEnable, "false", []byte{0}},
		{record.FieldWarningEnable, "01", []byte{1}},
		{record.FieldSCID, "0102030405060708090a0b0c", []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}},
	} {
		got, err := parseValue(c.id, c.in)
		if err != nil || !bytes.Equal(got, c.want) {
			t.Errorf("%s %q: %x %v", c.id, c.in, got, err)
		}
	}
	if _, err := parseValue(record.FieldSCID, "true"); err == nil {
		t.Error("bool accepted for an identifier")
	}
}
