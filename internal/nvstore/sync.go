// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package nvstore

import (
	"context"
	"fmt"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/safenv/internal/core"
	"github.com/westerndigitalcorporation/safenv/internal/peer"
)

// SyncCRCWithPeer checks that the sibling controller holds an active block
// with the same checksum. It is called once at boot, after Init. A mismatch
// means the two controllers would run different configurations: the region is
// reset to factory defaults and the store trips.
func (s *Store) SyncCRCWithPeer() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	st, err := load(s, s.state, "state")
	if err != nil {
		return err
	}
	switch st {
	case StateIdle:
	case StateUninitialized:
		return s.trip(core.ErrNotInitialized, fmt.Errorf("peer sync before init"))
	default:
		return ErrBusy
	}
	b, err := s.activeBlock()
	if err != nil {
		return err
	}
	if err := s.exchangeCRC(b.crc); err != nil {
		return err
	}
	log.Infof("%s: peer agrees on block crc %#04x", s.cfg.Name, b.crc)
	return nil
}

// exchangeCRC trades crc with the sibling and fails unless both match. It is a
// no-op without dual channel sync.
func (s *Store) exchangeCRC(crc uint16) error {
	if !s.cfg.DualChannelSync {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PeerTimeout)
	defer cancel()
	theirs, err := s.peer.ExchangeU32(ctx, uint32(crc), peer.ChannelNVCRC)
	if err != nil {
		return s.trip(core.ErrPeerUnavailable, fmt.Errorf("crc exchange: %w", err))
	}
	if theirs != uint32(crc) {
		return s.fail(core.ErrPeerCRCMismatch, fmt.Errorf("local crc %#04x, peer crc %#04x", crc, theirs))
	}
	return nil
}
