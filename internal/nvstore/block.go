// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package nvstore

import (
	"encoding/binary"

	"github.com/westerndigitalcorporation/safenv/internal/record"
	"github.com/westerndigitalcorporation/safenv/pkg/crc16"
	"github.com/westerndigitalcorporation/safenv/pkg/flash"
)

// Block status words. Any other value is corruption.
const (
	StatusFree    uint16 = flash.Erased
	StatusValid   uint16 = 0xABCD
	StatusInvalid uint16 = 0x0000
)

// On-flash block layout (little endian):
// --------------------------------------------------------------
// | status (2) | index (2) | record (record.Size) | crc16 (2) |
// --------------------------------------------------------------
// The checksum covers index and record. The status is programmed last, so a
// block only becomes Valid once everything it guards is on flash.
const (
	statusOff = 0
	indexOff  = 2
	dataOff   = 4
	crcOff    = dataOff + record.Size

	// BlockSize is the size of one slot on flash.
	BlockSize = crcOff + crc16.Size

	// payloadWords is the number of half-words programmed before the status.
	payloadWords = (BlockSize - indexOff) / 2
)

// block is a decoded slot.
type block struct {
	status uint16
	index  uint16
	data   [record.Size]byte
	crc    uint16
}

// blockCRC returns the checksum stored with a block of the given index and
// record bytes.
func blockCRC(index uint16, data []byte) uint16 {
	b := make([]byte, 2+len(data))
	binary.LittleEndian.PutUint16(b, index)
	copy(b[2:], data)
	return crc16.Checksum(b)
}

// crcOK reports whether the stored checksum matches the contents.
func (b *block) crcOK() bool {
	return blockCRC(b.index, b.data[:]) == b.crc
}

// decodeBlock parses a raw slot.
func decodeBlock(raw []byte) block {
	var b block
	b.status = binary.LittleEndian.Uint16(raw[statusOff:])
	b.index = binary.LittleEndian.Uint16(raw[indexOff:])
	copy(b.data[:], raw[dataOff:crcOff])
	b.crc = binary.LittleEndian.Uint16(raw[crcOff:])
	return b
}

// payload is the image of a block minus its status word, as it is staged for
// incremental programming.
type payload [BlockSize - indexOff]byte

// makePayload stages rec for slot index and returns the image and its
// checksum.
func makePayload(index uint16, rec *record.Record) (payload, uint16) {
	var p payload
	binary.LittleEndian.PutUint16(p[0:], index)
	rec.Encode(p[2:])
	crc := blockCRC(index, p[2:2+record.Size])
	binary.LittleEndian.PutUint16(p[2+record.Size:], crc)
	return p, crc
}

// crcOK reports whether the staged index and record still match crc, and the
// checksum half-word about to be programmed is crc.
func (p *payload) crcOK(crc uint16) bool {
	return blockCRC(p.word(0), p[2:2+record.Size]) == crc &&
		binary.LittleEndian.Uint16(p[2+record.Size:]) == crc
}

// word returns payload half-word i.
func (p *payload) word(i int) uint16 {
	return binary.LittleEndian.Uint16(p[2*i:])
}

// blank reports whether every byte of raw is erased.
func blank(raw []byte) bool {
	for _, c := range raw {
		if c != 0xFF {
			return false
		}
	}
	return true
}
