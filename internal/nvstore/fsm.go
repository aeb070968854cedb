// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package nvstore

import (
	"bytes"
	"fmt"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/safenv/internal/core"
	"github.com/westerndigitalcorporation/safenv/internal/record"
)

// Drive advances the write state machine by one bounded step: one checksum
// exchange, one half-word program, one page erase or one status update. It is
// called from the scheduler tick and does nothing when there is no work.
func (s *Store) Drive() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	st, err := load(s, s.state, "state")
	if err != nil {
		return err
	}
	if st != StateUninitialized {
		stepsTotal.WithLabelValues(s.cfg.Name, st.String()).Inc()
	}
	switch st {
	case StateUninitialized:
		return nil
	case StateIdle:
		return s.stepIdle()
	case StateExchangeCRC:
		return s.stepExchange()
	case StateErasePage:
		return s.stepErase()
	case StateWriteBlock:
		return s.stepWrite()
	case StateInvalidateOld:
		return s.stepInvalidate()
	default:
		return s.trip(core.ErrInvalidState, fmt.Errorf("state %s", st))
	}
}

// moveTo changes state, refusing transitions the machine does not have.
func (s *Store) moveTo(next State) error {
	cur, err := load(s, s.state, "state")
	if err != nil {
		return err
	}
	if cur == next {
		return nil
	}
	if !cur.canMove(next) {
		return s.trip(core.ErrInvalidState, fmt.Errorf("transition %s -> %s", cur, next))
	}
	log.V(1).Infof("%s: %s -> %s", s.cfg.Name, cur, next)
	s.state.Set(next)
	return nil
}

// stepIdle starts an owed relocation or picks up a pending record.
func (s *Store) stepIdle() error {
	if s.relocate.Load() {
		return s.beginRelocation()
	}
	h := s.pending.Swap(nil)
	if h == nil {
		return nil
	}
	return s.beginCommit(h)
}

// beginCommit stages the handed over record for the slot after the active
// block.
func (s *Store) beginCommit(h *handover) error {
	if got := h.rec.Checksum(); got != h.crc {
		return s.trip(core.ErrSoftError, fmt.Errorf("pending record crc %#04x, released as %#04x", got, h.crc))
	}
	l := s.cfg.Layout
	active, err := load(s, s.active, "active slot")
	if err != nil {
		return err
	}
	next := active + 1
	if next >= l.Capacity() {
		return s.trip(core.ErrRegionExhausted, fmt.Errorf("no slot after %d of %d", active, l.Capacity()))
	}
	raw := make([]byte, BlockSize)
	if _, err := s.dev.ReadAt(raw, l.slotAddr(next)); err != nil {
		return s.fail(core.ErrFlashDriver, fmt.Errorf("read slot %d: %w", next, err))
	}
	if !blank(raw) {
		return s.trip(core.ErrTargetNotFree, fmt.Errorf("slot %d: status %#04x", next, decodeBlock(raw).status))
	}
	s.staged, s.stagedCRC = makePayload(next, &h.rec)
	s.nextSCCRC.Set(h.rec.SCCRC())
	s.target.Set(next)
	s.word.Set(0)
	s.kind.Set(jobCommit)
	log.V(1).Infof("%s: committing to slot %d, crc %#04x", s.cfg.Name, next, s.stagedCRC)
	return s.moveTo(StateExchangeCRC)
}

// beginRelocation stages the active record for slot 0.
func (s *Store) beginRelocation() error {
	s.relocate.Store(false)
	b, err := s.activeBlock()
	if err != nil {
		return err
	}
	rec, err := record.Decode(b.data[:])
	if err != nil {
		return s.fail(core.ErrActiveInvalid, err)
	}
	s.staged, s.stagedCRC = makePayload(0, &rec)
	s.target.Set(0)
	s.word.Set(0)
	s.page.Set(0)
	s.kind.Set(jobRelocate)
	log.Infof("%s: relocating active block from slot %d to slot 0", s.cfg.Name, b.index)
	return s.moveTo(StateExchangeCRC)
}

// stepExchange confirms the staged checksum with the sibling controller.
func (s *Store) stepExchange() error {
	if err := s.exchangeCRC(s.stagedCRC); err != nil {
		return err
	}
	kind, err := load(s, s.kind, "job")
	if err != nil {
		return err
	}
	switch kind {
	case jobCommit:
		return s.moveTo(StateWriteBlock)
	case jobRelocate:
		return s.moveTo(StateErasePage)
	}
	return s.trip(core.ErrInvalidState, fmt.Errorf("exchange without a job (%d)", kind))
}

// stepErase erases the next page of the region.
func (s *Store) stepErase() error {
	p, err := load(s, s.page, "page")
	if err != nil {
		return err
	}
	s.dev.Unlock()
	err = s.erase(p)
	s.dev.Lock()
	if err != nil {
		return s.trip(core.ErrFlashDriver, err)
	}
	if int(p)+1 < s.cfg.Layout.Pages {
		s.page.Set(p + 1)
		return nil
	}
	s.word.Set(0)
	return s.moveTo(StateWriteBlock)
}

// stepWrite programs the next staged half-word, or the Valid status once the
// whole payload is on flash.
func (s *Store) stepWrite() error {
	target, err := load(s, s.target, "target slot")
	if err != nil {
		return err
	}
	w, err := load(s, s.word, "word counter")
	if err != nil {
		return err
	}
	addr := s.cfg.Layout.slotAddr(target)

	if int(w) < payloadWords {
		s.dev.Unlock()
		err := s.dev.ProgramHalfword(addr+indexOff+int64(2*w), s.staged.word(int(w)))
		s.dev.Lock()
		if err != nil {
			return s.trip(core.ErrFlashDriver, fmt.Errorf("program slot %d word %d: %w", target, w, err))
		}
		s.word.Set(w + 1)
		return nil
	}

	// Everything the status guards has to be on flash before it says Valid.
	got := make([]byte, len(s.staged))
	if _, err := s.dev.ReadAt(got, addr+indexOff); err != nil {
		return s.trip(core.ErrFlashDriver, fmt.Errorf("verify slot %d: %w", target, err))
	}
	if !bytes.Equal(got, s.staged[:]) {
		return s.trip(core.ErrFlashDriver, fmt.Errorf("verify slot %d: read back differs", target))
	}
	if err := s.checkStaged(); err != nil {
		return err
	}
	s.dev.Unlock()
	err = s.dev.ProgramHalfword(addr+statusOff, StatusValid)
	s.dev.Lock()
	if err != nil {
		return s.trip(core.ErrFlashDriver, fmt.Errorf("program slot %d status: %w", target, err))
	}

	kind, err := load(s, s.kind, "job")
	if err != nil {
		return err
	}
	if kind == jobRelocate {
		s.setActive(0)
		s.stats.Relocations++
		relocationsTotal.WithLabelValues(s.cfg.Name).Inc()
		log.Infof("%s: relocation complete", s.cfg.Name)
		return s.moveTo(StateIdle)
	}
	return s.moveTo(StateInvalidateOld)
}

// stepInvalidate retires the previous block and makes the new one active.
func (s *Store) stepInvalidate() error {
	l := s.cfg.Layout
	active, err := load(s, s.active, "active slot")
	if err != nil {
		return err
	}
	target, err := load(s, s.target, "target slot")
	if err != nil {
		return err
	}
	sccrc, err := load(s, s.nextSCCRC, "staged sccrc")
	if err != nil {
		return err
	}
	if active >= l.Capacity()-1 {
		return s.trip(core.ErrInvalidateLast, fmt.Errorf("slot %d is the last of %d", active, l.Capacity()))
	}
	s.dev.Unlock()
	err = s.dev.ProgramHalfword(l.slotAddr(active)+statusOff, StatusInvalid)
	s.dev.Lock()
	if err != nil {
		return s.trip(core.ErrFlashDriver, fmt.Errorf("invalidate slot %d: %w", active, err))
	}
	s.setActive(target)
	s.sccrc.Set(sccrc)
	s.stats.Commits++
	commitsTotal.WithLabelValues(s.cfg.Name).Inc()
	log.V(1).Infof("%s: slot %d active, %d free", s.cfg.Name, target, l.Capacity()-1-target)
	if target > l.Threshold() {
		s.relocate.Store(true)
	}
	return s.moveTo(StateIdle)
}
