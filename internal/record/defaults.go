// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package record

// Preserve mask bits for ResetPreserving.
const (
	PreserveTUNID   uint8 = 1 << 0
	PreserveCFUNID  uint8 = 1 << 1
	PreserveOCPUNID uint8 = 1 << 2

	// PreserveAll keeps every identifier a reset can preserve.
	PreserveAll = PreserveTUNID | PreserveCFUNID | PreserveOCPUNID
)

// unownedUNID is the CIP-Safety value of an identifier that has not been
// assigned.
var unownedUNID = UNID{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// Defaults returns the factory default record.
func Defaults() Record {
	return Record{
		AlarmEnable:   false,
		WarningEnable: false,
		OCPUNID:       unownedUNID,
		TUNID:         unownedUNID,
		CFUNID:        unownedUNID,
	}
}

// ResetPreserving returns the factory defaults with the identifiers selected
// by mask copied from cur.
func ResetPreserving(cur Record, mask uint8) Record {
	r := Defaults()
	if mask&PreserveTUNID != 0 {
		r.TUNID = cur.TUNID
	}
	if mask&PreserveCFUNID != 0 {
		r.CFUNID = cur.CFUNID
	}
	if mask&PreserveOCPUNID != 0 {
		r.OCPUNID = cur.OCPUNID
	}
	return r
}
