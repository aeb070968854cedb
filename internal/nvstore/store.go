// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package nvstore is the flash block store: it keeps the configuration record
// in a reserved flash region as a sequence of checksummed blocks, one of which
// is Valid at any time.
//
// A new record is never written over the old one. It is programmed into the
// next free slot one half-word per scheduler tick, its status is set to Valid
// last, and only then is the previous block invalidated. A power loss at any
// point therefore leaves either the old or the new block Valid. Slots are
// consumed in order; once the active slot passes the relocation threshold the
// region is erased and the record moves back to slot 0.
//
// Every fatal condition goes through the safety handler. Corruption of the
// stored data is first answered by erasing the region and committing factory
// defaults, so the next power cycle boots into a known state.
package nvstore

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/safenv/internal/core"
	"github.com/westerndigitalcorporation/safenv/internal/peer"
	"github.com/westerndigitalcorporation/safenv/internal/record"
	"github.com/westerndigitalcorporation/safenv/internal/safety"
	"github.com/westerndigitalcorporation/safenv/pkg/flash"
	"github.com/westerndigitalcorporation/safenv/pkg/protect"
)

// ErrBusy is returned by operations that need the write state machine to be
// at rest.
var ErrBusy = errors.New("flash block store is busy")

// Config configures a Store.
type Config struct {
	// Name identifies the store in logs and metrics.
	Name string

	// Layout places the region in the flash device.
	Layout Layout

	// DualChannelSync requires the sibling controller to confirm every block
	// checksum before it is written. When false no exchange takes place.
	DualChannelSync bool

	// PeerTimeout bounds one checksum exchange.
	PeerTimeout time.Duration
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("store name is empty")
	}
	if err := c.Layout.Validate(nil); err != nil {
		return err
	}
	if c.DualChannelSync && c.PeerTimeout <= 0 {
		return fmt.Errorf("peer timeout %s must be positive with dual channel sync", c.PeerTimeout)
	}
	return nil
}

// job is the kind of write the state machine is carrying out.
type job uint8

const (
	jobNone job = iota
	jobCommit
	jobRelocate
)

// Stats counts store activity since New.
type Stats struct {
	Commits     uint64
	Relocations uint64
	Erases      uint64
}

// Store is the flash block store. Init must be called before anything else.
//
// Store is safe for use by the background task and the scheduler tick at the
// same time. The tick calls Drive; every other method is background API.
type Store struct {
	cfg  Config
	dev  flash.Device
	peer peer.Channel
	trap safety.Handler

	// lock serializes flash access, so a background read never observes a
	// half-taken step. It is held for a single bounded step at a time.
	lock sync.Mutex

	// State shared with the tick, guarded against soft errors.
	state  *protect.Protected[State]
	active *protect.Protected[uint16] // slot of the active block
	target *protect.Protected[uint16] // slot being written
	word   *protect.Protected[uint16] // next payload half-word to program
	page   *protect.Protected[uint16] // next page to erase while relocating
	kind   *protect.Protected[job]

	// SCCRC of the committed record, and of the record being committed.
	sccrc     *protect.Protected[uint16]
	nextSCCRC *protect.Protected[uint16]

	// The block being written, staged in RAM.
	staged    payload
	stagedCRC uint16

	// pending is the most recent record handed over by Request and not yet
	// picked up by the state machine.
	pending atomic.Pointer[handover]

	// relocate is set when the last commit left the active slot above the
	// threshold.
	relocate atomic.Bool

	stats Stats
}

// handover is a record waiting for pick-up with the checksum it was released
// under.
type handover struct {
	rec record.Record
	crc uint16
}

// New returns a Store over dev. ch may be nil when cfg.DualChannelSync is
// false. The store does not touch flash until Init.
func New(cfg Config, dev flash.Device, ch peer.Channel, trap safety.Handler) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Layout.Validate(dev); err != nil {
		return nil, err
	}
	if cfg.DualChannelSync && ch == nil {
		return nil, fmt.Errorf("dual channel sync needs a peer channel")
	}
	if trap == nil {
		return nil, fmt.Errorf("no safety handler")
	}
	return &Store{
		cfg:    cfg,
		dev:    dev,
		peer:   ch,
		trap:   trap,
		state:  protect.New(StateUninitialized),
		active: protect.New[uint16](0),
		target: protect.New[uint16](0),
		word:   protect.New[uint16](0),
		page:   protect.New[uint16](0),
		kind:   protect.New(jobNone),

		sccrc:     protect.New[uint16](0),
		nextSCCRC: protect.New[uint16](0),
	}, nil
}

// Name returns the name the store logs under.
func (s *Store) Name() string {
	return s.cfg.Name
}

// Layout returns the region layout.
func (s *Store) Layout() Layout {
	return s.cfg.Layout
}

// Init scans the region and selects the active block.
//
// A Valid block with a bad checksum, a slot with an unknown status or more
// than one Valid block is corruption. An empty region is not: factory defaults
// are committed to slot 0. If the active slot is above the relocation
// threshold, or the slot after it holds the remains of an interrupted write,
// the record is moved to slot 0 before Init returns.
func (s *Store) Init() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	st, err := load(s, s.state, "state")
	if err != nil {
		return err
	}
	if st != StateUninitialized && st != StateIdle {
		return ErrBusy
	}

	l := s.cfg.Layout
	raw := make([]byte, BlockSize)
	var valid []uint16
	var cur block
	for i := uint16(0); i < l.Capacity(); i++ {
		if _, err := s.dev.ReadAt(raw, l.slotAddr(i)); err != nil {
			return s.fail(core.ErrFlashDriver, fmt.Errorf("read slot %d: %w", i, err))
		}
		b := decodeBlock(raw)
		switch b.status {
		case StatusFree, StatusInvalid:
		case StatusValid:
			if !b.crcOK() {
				return s.fail(core.ErrBlockCRC, fmt.Errorf("slot %d: stored crc %#04x, computed %#04x",
					i, b.crc, blockCRC(b.index, b.data[:])))
			}
			if b.index != i {
				return s.fail(core.ErrBlockIndex, fmt.Errorf("slot %d holds block %d", i, b.index))
			}
			valid = append(valid, i)
			cur = b
		default:
			return s.fail(core.ErrBlockStatus, fmt.Errorf("slot %d: status %#04x", i, b.status))
		}
	}
	if len(valid) > 1 {
		return s.fail(core.ErrMultipleValid, fmt.Errorf("valid slots %v", valid))
	}

	s.pending.Store(nil)
	s.relocate.Store(false)
	s.kind.Set(jobNone)

	if len(valid) == 0 {
		log.Infof("%s: no valid block in %s, committing factory defaults", s.cfg.Name, l)
		def := record.Defaults()
		if err := s.writeFirstBlock(&def); err != nil {
			return s.fail(core.ErrFlashDriver, err)
		}
		return s.moveTo(StateIdle)
	}

	active := valid[0]
	rec, err := record.Decode(cur.data[:])
	if err != nil {
		return s.fail(core.ErrActiveInvalid, fmt.Errorf("slot %d: %w", active, err))
	}
	relocate := active > l.Threshold()
	if !relocate && active+1 < l.Capacity() {
		if _, err := s.dev.ReadAt(raw, l.slotAddr(active+1)); err != nil {
			return s.fail(core.ErrFlashDriver, fmt.Errorf("read slot %d: %w", active+1, err))
		}
		if !blank(raw) {
			log.Warningf("%s: slot %d holds an interrupted write", s.cfg.Name, active+1)
			relocate = true
		}
	}
	if relocate {
		log.Infof("%s: relocating active block from slot %d to slot 0", s.cfg.Name, active)
		if err := s.writeFirstBlock(&rec); err != nil {
			return s.fail(core.ErrFlashDriver, err)
		}
		s.stats.Relocations++
		relocationsTotal.WithLabelValues(s.cfg.Name).Inc()
	} else {
		s.setActive(active)
		s.sccrc.Set(rec.SCCRC())
	}
	log.Infof("%s: active block in slot %d of %d", s.cfg.Name, s.mustActive(), l.Capacity())
	return s.moveTo(StateIdle)
}

// ReadActive returns the record held by the active block. The block is
// re-validated on every call; a mismatch is fatal.
func (s *Store) ReadActive() (record.Record, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.readActive()
}

func (s *Store) readActive() (record.Record, error) {
	st, err := load(s, s.state, "state")
	if err != nil {
		return record.Record{}, err
	}
	if st == StateUninitialized {
		return record.Record{}, s.trip(core.ErrNotInitialized, errors.New("read before init"))
	}
	kind, err := load(s, s.kind, "job")
	if err != nil {
		return record.Record{}, err
	}
	if kind == jobRelocate && st != StateIdle {
		// The region is being erased; the staged block is the only copy.
		return s.stagedRecord()
	}
	b, err := s.activeBlock()
	if err != nil {
		return record.Record{}, err
	}
	rec, err := record.Decode(b.data[:])
	if err != nil {
		return record.Record{}, s.fail(core.ErrActiveInvalid, err)
	}
	return rec, nil
}

// activeBlock reads and validates the active block.
func (s *Store) activeBlock() (block, error) {
	active, err := load(s, s.active, "active slot")
	if err != nil {
		return block{}, err
	}
	raw := make([]byte, BlockSize)
	if _, err := s.dev.ReadAt(raw, s.cfg.Layout.slotAddr(active)); err != nil {
		return block{}, s.fail(core.ErrFlashDriver, fmt.Errorf("read slot %d: %w", active, err))
	}
	b := decodeBlock(raw)
	switch {
	case b.status != StatusValid:
		return b, s.fail(core.ErrActiveInvalid, fmt.Errorf("slot %d: status %#04x", active, b.status))
	case !b.crcOK():
		return b, s.fail(core.ErrActiveInvalid, fmt.Errorf("slot %d: stored crc %#04x, computed %#04x",
			active, b.crc, blockCRC(b.index, b.data[:])))
	case b.index != active:
		return b, s.fail(core.ErrActiveInvalid, fmt.Errorf("slot %d holds block %d", active, b.index))
	}
	return b, nil
}

// stagedRecord returns the record in the staging buffer.
func (s *Store) stagedRecord() (record.Record, error) {
	if err := s.checkStaged(); err != nil {
		return record.Record{}, err
	}
	rec, err := record.Decode(s.staged[2 : 2+record.Size])
	if err != nil {
		return record.Record{}, s.trip(core.ErrSoftError, err)
	}
	return rec, nil
}

// checkStaged verifies the staging buffer against the checksum it was staged
// with. A mismatch is a RAM upset; flash still holds the previous block.
func (s *Store) checkStaged() error {
	if !s.staged.crcOK(s.stagedCRC) {
		return s.trip(core.ErrSoftError, fmt.Errorf("staged block does not match crc %#04x", s.stagedCRC))
	}
	return nil
}

// Request hands rec to the state machine for commit. crc is rec's checksum,
// checked again at pick-up. A request that has not been picked up yet is
// replaced: only the newest record reaches flash.
func (s *Store) Request(rec record.Record, crc uint16) {
	s.pending.Store(&handover{rec: rec, crc: crc})
}

// IsBusy reports whether a write is in progress or pending. It waits for a
// step that is under way, so a record being picked up is never missed.
func (s *Store) IsBusy() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	st, err := s.state.Get()
	if err != nil {
		// Reported by the next step.
		return true
	}
	return st != StateIdle || s.pending.Load() != nil || s.relocate.Load()
}

// State returns the current state of the write state machine.
func (s *Store) State() (State, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return load(s, s.state, "state")
}

// ActiveIndex returns the slot of the active block.
func (s *Store) ActiveIndex() (uint16, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return load(s, s.active, "active slot")
}

// FreeBlocksRemaining returns the number of slots after the active block.
func (s *Store) FreeBlocksRemaining() uint16 {
	s.lock.Lock()
	defer s.lock.Unlock()
	active, err := load(s, s.active, "active slot")
	if err != nil {
		return 0
	}
	return s.cfg.Layout.Capacity() - 1 - active
}

// CommittedSCCRC returns the safety configuration CRC of the committed record
// as it was when the record was committed. It does not touch flash, so it
// never trips the store.
func (s *Store) CommittedSCCRC() (uint16, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	st, err := s.state.Get()
	if err != nil {
		return 0, fmt.Errorf("state: %w", err)
	}
	if st == StateUninitialized {
		return 0, errors.New("store not initialized")
	}
	return s.sccrc.Get()
}

// Stats returns activity counters.
func (s *Store) Stats() Stats {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.stats
}

// WriteFirstBlockNow erases the region and writes rec to slot 0 without going
// through the state machine. It fails with ErrBusy while a write is under way.
func (s *Store) WriteFirstBlockNow(rec record.Record) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	st, err := load(s, s.state, "state")
	if err != nil {
		return err
	}
	if st != StateUninitialized && st != StateIdle {
		return ErrBusy
	}
	if err := s.writeFirstBlock(&rec); err != nil {
		return s.fail(core.ErrFlashDriver, err)
	}
	s.relocate.Store(false)
	return nil
}

// Bootstrap erases the region, commits factory defaults and raises code. It
// is the corruption path for callers outside the store.
func (s *Store) Bootstrap(code core.Error, err error) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.bootstrap(code)
	return s.trip(code, err)
}

// fail raises code, bootstrapping first if it means corrupt data.
func (s *Store) fail(code core.Error, err error) error {
	if code.Corruption() {
		s.bootstrap(code)
	}
	return s.trip(code, err)
}

// bootstrap replaces whatever is on flash with factory defaults.
func (s *Store) bootstrap(code core.Error) {
	log.Errorf("%s: %s, erasing region and committing factory defaults", s.cfg.Name, code)
	def := record.Defaults()
	if err := s.writeFirstBlock(&def); err != nil {
		log.Errorf("%s: bootstrap failed: %v", s.cfg.Name, err)
	}
}

// trip stops the state machine and hands code to the safety handler.
func (s *Store) trip(code core.Error, err error) error {
	fatalTotal.WithLabelValues(s.cfg.Name, fmt.Sprintf("%#x", int(code))).Inc()
	s.pending.Store(nil)
	s.relocate.Store(false)
	s.kind.Set(jobNone)
	s.state.Set(StateUninitialized)
	return safety.Trap(s.trap, code, fmt.Errorf("%s: %w", s.cfg.Name, err))
}

// writeFirstBlock erases every page of the region and programs rec into
// slot 0.
func (s *Store) writeFirstBlock(rec *record.Record) error {
	l := s.cfg.Layout
	s.dev.Unlock()
	defer s.dev.Lock()
	for p := 0; p < l.Pages; p++ {
		if err := s.erase(uint16(p)); err != nil {
			return err
		}
	}
	pl, _ := makePayload(0, rec)
	addr := l.slotAddr(0)
	for i := 0; i < payloadWords; i++ {
		if err := s.dev.ProgramHalfword(addr+indexOff+int64(2*i), pl.word(i)); err != nil {
			return fmt.Errorf("program slot 0 word %d: %w", i, err)
		}
	}
	if err := s.dev.ProgramHalfword(addr+statusOff, StatusValid); err != nil {
		return fmt.Errorf("program slot 0 status: %w", err)
	}
	s.setActive(0)
	s.sccrc.Set(rec.SCCRC())
	return nil
}

// erase erases page p of the region. The device must be unlocked.
func (s *Store) erase(p uint16) error {
	if err := s.dev.ErasePage(s.cfg.Layout.pageAddr(p)); err != nil {
		return fmt.Errorf("erase page %d: %w", p, err)
	}
	s.stats.Erases++
	erasesTotal.WithLabelValues(s.cfg.Name).Inc()
	return nil
}

func (s *Store) setActive(i uint16) {
	s.active.Set(i)
	activeSlot.WithLabelValues(s.cfg.Name).Set(float64(i))
	freeBlocks.WithLabelValues(s.cfg.Name).Set(float64(s.cfg.Layout.Capacity() - 1 - i))
}

// mustActive returns the active slot for logging.
func (s *Store) mustActive() uint16 {
	v, _ := s.active.Get()
	return v
}

// load reads a protected value, tripping the store if it has been corrupted.
func load[T protect.Scalar](s *Store, p *protect.Protected[T], what string) (T, error) {
	v, err := p.Get()
	if err != nil {
		return v, s.trip(core.ErrSoftError, fmt.Errorf("%s: %w", what, err))
	}
	return v, nil
}
