// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/safenv/internal/core"
	"github.com/westerndigitalcorporation/safenv/internal/nvstore"
	"github.com/westerndigitalcorporation/safenv/internal/peer"
	"github.com/westerndigitalcorporation/safenv/internal/record"
	"github.com/westerndigitalcorporation/safenv/internal/safety"
	"github.com/westerndigitalcorporation/safenv/pkg/failures"
	"github.com/westerndigitalcorporation/safenv/pkg/flash"
)

var ioData = []byte{0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70, 0x80, 0x90, 0xA0, 0xB0, 0xC0, 0xD0}

func newController(t *testing.T, name string, ch peer.Channel) (*Controller, *flash.MemDevice, *safety.Recorder) {
	cfg := DefaultTestConfig
	cfg.Name = name
	cfg.DualChannelSync = ch != nil
	dev, err := flash.NewMemDevice(cfg.PageSize, cfg.Pages)
	if err != nil {
		t.Fatal(err)
	}
	rec := safety.NewRecorder()
	c, err := New(cfg, dev, ch, rec)
	if err != nil {
		t.Fatal(err)
	}
	return c, dev, rec
}

// run ticks c in the background. The returned function stops it and returns
// what Run returned.
func run(t *testing.T, c *Controller) func() error {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	var once sync.Once
	var err error
	stop := func() error {
		once.Do(func() {
			cancel()
			err = <-done
		})
		return err
	}
	t.Cleanup(func() { stop() })
	return stop
}

func waitIdle(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.WaitIdle(ctx); err != nil {
		t.Fatalf("%s: wait idle: %v", c.Name(), err)
	}
}

func TestBootAndRoundTrip(t *testing.T) {
	c, _, rec := newController(t, "TestBootAndRoundTrip", nil)
	if err := c.Boot(); err != nil {
		t.Fatal(err)
	}
	if got := c.FreeBlocksRemaining(); got != 7 {
		t.Fatalf("fresh device has %d free blocks", got)
	}
	stop := run(t, c)

	tunid := bytes.Repeat([]byte{0x42}, record.UNIDLen)
	if err := c.StoreField(record.FieldTUNID, tunid); err != nil {
		t.Fatal(err)
	}
	if err := c.StoreIOConfig(ioData); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, c)

	if got, err := c.RestoreField(record.FieldTUNID); err != nil || !bytes.Equal(got, tunid) {
		t.Fatalf("tunid %x %v", got, err)
	}
	if got, err := c.RestoreIOConfig(); err != nil || !bytes.Equal(got, ioData) {
		t.Fatalf("io config %x %v", got, err)
	}
	crc, err := c.IOConfigCRC()
	if err != nil {
		t.Fatal(err)
	}
	var want record.Record
	want.SetField(record.FieldIOConfig, ioData)
	if crc != want.SCCRC() {
		t.Errorf("io config crc %#04x, want %#04x", crc, want.SCCRC())
	}
	if c.Ticks() == 0 {
		t.Error("no ticks counted")
	}
	if err := stop(); err != context.Canceled {
		t.Errorf("run returned %v", err)
	}
	if rec.Tripped() {
		t.Fatalf("unexpected fatal %v", rec.Events())
	}
	if n := opMetric.Count("all", c.Name(), opStore); n != 2 {
		t.Errorf("%d store ops counted", n)
	}
}

func TestDefaultsAndReset(t *testing.T) {
	c, _, _ := newController(t, "TestDefaultsAndReset", nil)
	if err := c.Boot(); err != nil {
		t.Fatal(err)
	}
	run(t, c)

	tunid := bytes.Repeat([]byte{0x01}, record.UNIDLen)
	ocp := bytes.Repeat([]byte{0x02}, record.UNIDLen)
	c.StoreField(record.FieldTUNID, tunid)
	c.StoreField(record.FieldOCPUNID, ocp)
	if err := c.StoreResetPreserving(record.PreserveTUNID); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, c)

	def := record.Defaults()
	if got, _ := c.RestoreField(record.FieldTUNID); !bytes.Equal(got, tunid) {
		t.Errorf("tunid not preserved: %x", got)
	}
	if got, _ := c.RestoreField(record.FieldOCPUNID); !bytes.Equal(got, def.OCPUNID[:]) {
		t.Errorf("ocpunid not reset: %x", got)
	}

	if err := c.StoreDefaults(); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, c)
	if got, _ := c.RestoreField(record.FieldTUNID); !bytes.Equal(got, def.TUNID[:]) {
		t.Errorf("tunid after defaults: %x", got)
	}
	if err := c.StoreResetPreserving(0x80); err == nil {
		t.Error("unknown preserve bit accepted")
	}
}

// Enough commits to wrap the region: the scheduler relocates on its own and
// the last record survives.
func TestRunRelocates(t *testing.T) {
	c, dev, rec := newController(t, "TestRunRelocates", nil)
	if err := c.Boot(); err != nil {
		t.Fatal(err)
	}
	run(t, c)

	data := append([]byte(nil), ioData...)
	for i := 0; i < 12; i++ {
		data[0] = byte(i)
		if err := c.StoreIOConfig(data); err != nil {
			t.Fatal(err)
		}
		waitIdle(t, c)
	}
	if got, _ := c.RestoreIOConfig(); !bytes.Equal(got, data) {
		t.Fatalf("io config %x", got)
	}
	if st := c.Store().Stats(); st.Relocations == 0 || st.Commits != 12 {
		t.Errorf("stats %+v", st)
	}
	// The region starts at page 2 of the device.
	if n := dev.PageErases(2); n < 2 {
		t.Errorf("region never erased after boot: %d", n)
	}
	if rec.Tripped() {
		t.Fatalf("unexpected fatal %v", rec.Events())
	}
}

func TestWriteFirstBlockNow(t *testing.T) {
	c, _, _ := newController(t, "TestWriteFirstBlockNow", nil)
	if err := c.Boot(); err != nil {
		t.Fatal(err)
	}
	r := record.Defaults()
	r.AlarmEnable = true
	if err := c.WriteFirstBlockNow(r); err != nil {
		t.Fatal(err)
	}
	if got, _ := c.RestoreField(record.FieldAlarmEnable); !bytes.Equal(got, []byte{1}) {
		t.Errorf("alarm enable %x", got)
	}

	// Mid-write, the synchronous path is refused.
	c.StoreIOConfig(ioData)
	c.Step()
	if err := c.WriteFirstBlockNow(r); err != nvstore.ErrBusy {
		t.Fatalf("expected busy, got %v", err)
	}
	if n := opMetric.Count("busy", c.Name(), opWriteNow); n != 1 {
		t.Errorf("%d busy results counted", n)
	}
}

func TestDualControllers(t *testing.T) {
	ca, cb := peer.NewMemPair("A", "B")
	defer ca.Close()
	a, _, ra := newController(t, "TestDualControllers/A", ca)
	b, _, rb := newController(t, "TestDualControllers/B", cb)

	var errA, errB error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); errA = a.Boot() }()
	go func() { defer wg.Done(); errB = b.Boot() }()
	wg.Wait()
	if errA != nil || errB != nil {
		t.Fatalf("boot: %v %v", errA, errB)
	}
	run(t, a)
	run(t, b)

	for i, c := range []*Controller{a, b} {
		if err := c.StoreIOConfig(ioData); err != nil {
			t.Fatalf("controller %d: %v", i, err)
		}
	}
	waitIdle(t, a)
	waitIdle(t, b)

	crcA, _ := a.IOConfigCRC()
	crcB, _ := b.IOConfigCRC()
	if crcA != crcB {
		t.Errorf("controllers disagree: %#04x %#04x", crcA, crcB)
	}
	if ra.Tripped() || rb.Tripped() {
		t.Fatalf("unexpected fatal %v %v", ra.Events(), rb.Events())
	}
}

func TestDualControllersDiverge(t *testing.T) {
	ca, cb := peer.NewMemPair("A", "B")
	defer ca.Close()
	a, _, ra := newController(t, "TestDualControllersDiverge/A", ca)
	b, _, rb := newController(t, "TestDualControllersDiverge/B", cb)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); a.Boot() }()
	go func() { defer wg.Done(); b.Boot() }()
	wg.Wait()
	stopA, stopB := run(t, a), run(t, b)

	other := append([]byte(nil), ioData...)
	other[0] ^= 0xFF
	a.StoreIOConfig(ioData)
	b.StoreIOConfig(other)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.WaitIdle(ctx); err != ErrStopped {
		t.Fatalf("A: expected stop, got %v", err)
	}
	if err := b.WaitIdle(ctx); err != ErrStopped {
		t.Fatalf("B: expected stop, got %v", err)
	}
	if !core.IsFatal(stopA()) || !core.IsFatal(stopB()) {
		t.Error("scheduler did not stop on the fatal tick")
	}
	if ra.Last() != core.ErrPeerCRCMismatch || rb.Last() != core.ErrPeerCRCMismatch {
		t.Errorf("fail codes %s %s", ra.Last(), rb.Last())
	}
}

func TestFailureHandlers(t *testing.T) {
	c, _, rec := newController(t, "TestFailureHandlers", peer.NewFaulty(peer.Loopback{}))
	svc := failures.NewService()
	if err := c.RegisterFailures(svc); err != nil {
		t.Fatal(err)
	}
	want := []string{"TestFailureHandlers/flash", "TestFailureHandlers/peer", "TestFailureHandlers/ram"}
	if keys := svc.Keys(); !reflect.DeepEqual(keys, want) {
		t.Fatalf("keys %v", keys)
	}
	if err := c.Boot(); err != nil {
		t.Fatal(err)
	}

	// A dropped CRC exchange stops the controller without touching flash.
	drop := json.RawMessage(`{"drop": 1}`)
	if err := svc.Apply(map[string]*json.RawMessage{"TestFailureHandlers/peer": &drop}); err != nil {
		t.Fatal(err)
	}
	c.StoreIOConfig(ioData)
	var err error
	for i := 0; i < 4 && err == nil; i++ {
		err = c.Step()
	}
	if code, _ := core.FatalCode(err); code != core.ErrPeerUnavailable {
		t.Fatalf("expected peer unavailable, got %v", err)
	}
	if n := opMetric.Count("failed", c.Name(), opTickFatal); n != 1 {
		t.Errorf("%d failed ticks counted", n)
	}

	// After a reboot, a RAM upset in the write buffer is caught on the next
	// store and flash is reset to defaults.
	svc.Apply(nil)
	rec.Reset()
	if err := c.Boot(); err != nil {
		t.Fatal(err)
	}
	upset := json.RawMessage(`{"off": 20, "bit": 3}`)
	if err := svc.Apply(map[string]*json.RawMessage{"TestFailureHandlers/ram": &upset}); err != nil {
		t.Fatal(err)
	}
	if err := c.StoreIOConfig(ioData); !core.IsFatal(err) {
		t.Fatalf("expected fatal, got %v", err)
	}
	if rec.Last() != core.ErrBufferCRC {
		t.Fatalf("fail code %s", rec.Last())
	}
}

func TestStatus(t *testing.T) {
	c, _, _ := newController(t, "TestStatus", nil)
	if err := c.Boot(); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
	req.Header.Set("Accept", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var st StatusData
	err = json.NewDecoder(resp.Body).Decode(&st)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	def := record.Defaults()
	if st.Name != "TestStatus" || st.State != "Idle" || st.Busy || st.ActiveSlot != 0 ||
		st.Capacity != 8 || st.FreeBlocks != 7 || st.IOConfigCRC != def.SCCRC() {
		t.Errorf("status %+v", st)
	}
	if _, ok := st.Ops[opBoot]; !ok {
		t.Errorf("no boot stats in %v", st.Ops)
	}

	for path, code := range map[string]int{"/": http.StatusOK, "/metrics": http.StatusOK, "/nope": http.StatusNotFound} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != code {
			t.Errorf("%s: status %d", path, resp.StatusCode)
		}
	}
}

// The status page reports the SCCRC cached at commit time and must not read
// flash, so a corrupt block is left for the next real read to find.
func TestStatusDoesNotReadFlash(t *testing.T) {
	c, dev, rec := newController(t, "TestStatusDoesNotReadFlash", nil)
	if st := c.Status(); st.IOConfigCRCError == "" {
		t.Errorf("status before boot reports crc %#04x", st.IOConfigCRC)
	}
	if err := c.Boot(); err != nil {
		t.Fatal(err)
	}
	if err := c.StoreIOConfig(ioData); err != nil {
		t.Fatal(err)
	}
	for i := 0; c.IsBusy(); i++ {
		if i > 100 {
			t.Fatal("store never settled")
		}
		if err := c.Step(); err != nil {
			t.Fatal(err)
		}
	}
	var want record.Record
	copy(want.IOConfig[:], ioData)
	st := c.Status()
	if st.IOConfigCRCError != "" || st.IOConfigCRC != want.SCCRC() || st.ActiveSlot != 1 {
		t.Fatalf("status %+v", st)
	}

	l := c.Store().Layout()
	if err := dev.FlipBit(l.Base+nvstore.BlockSize+10, 2); err != nil {
		t.Fatal(err)
	}
	st = c.Status()
	if st.State != "Idle" || st.IOConfigCRC != want.SCCRC() || rec.Tripped() {
		t.Fatalf("status %+v events %+v", st, rec.Events())
	}
	_, err := c.RestoreIOConfig()
	if code, _ := core.FatalCode(err); code != core.ErrActiveInvalid {
		t.Fatalf("restore of corrupt block: %v", err)
	}
}

func TestWaitIdleBeforeBoot(t *testing.T) {
	c, _, _ := newController(t, "TestWaitIdleBeforeBoot", nil)
	if err := c.WaitIdle(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected stopped, got %v", err)
	}
}
