// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package crc16 computes the reflected CRC-16 (polynomial 0xA001, initial
// value 0xFFFF, no final xor) used by the configuration blocks on flash. It is
// the CRC-16/MODBUS catalogue entry of github.com/sigurn/crc16.
//
// The same checksum is computed independently by both safety controllers, so
// the parameters here are part of the on-flash format and must never change.
package crc16

import (
	"github.com/sigurn/crc16"
)

const (
	// Poly is the reflected form of x^16 + x^15 + x^2 + 1.
	Poly = 0xA001

	// Init is the register value before any data is processed.
	Init = 0xFFFF

	// Size of a CRC-16 checksum in bytes.
	Size = 2
)

var table = crc16.MakeTable(crc16.CRC16_MODBUS)

// Checksum returns the CRC-16 of data.
func Checksum(data []byte) uint16 {
	return crc16.Checksum(data, table)
}
