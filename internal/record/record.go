// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package record defines the safety configuration record and its fixed binary
// layout. The layout is shared by every firmware version that can boot from
// the same flash image, and both controllers must encode it identically.
//
// Layout (little endian, no padding):
// ---------------------------------------------
// | alarm (1) | warning (1) | OCPUNID (12)      |
// ---------------------------------------------
// | SCID (12) | TUNID (12)  | CFUNID (12)       |
// ---------------------------------------------
// | io config data (IOConfigLen) | reserved (1) |
// ---------------------------------------------
package record

import (
	"errors"
	"fmt"

	"github.com/westerndigitalcorporation/safenv/pkg/crc16"
)

const (
	// UNIDLen is the length of a CIP-Safety unique network identifier and of
	// the safety configuration identifier.
	UNIDLen = 12

	// IOConfigLen is the device-specific length of the I/O configuration data.
	IOConfigLen = 13

	// Size is the encoded size of a Record. It is even, so a record followed
	// by its checksum can be programmed in whole half-words.
	Size = 2 + 4*UNIDLen + IOConfigLen + 1
)

// Compile-time check that Size stays half-word aligned.
var _ [1 - Size%2]struct{}

// UNID is a unique network identifier (or an SCID, which has the same shape).
type UNID [UNIDLen]byte

// Record is the single durable unit of configuration state.
type Record struct {
	AlarmEnable   bool
	WarningEnable bool
	OCPUNID       UNID // output connection owner
	SCID          UNID // safety configuration id: CRC + timestamp
	TUNID         UNID // target unique network id
	CFUNID        UNID // configuration owner
	IOConfig      [IOConfigLen]byte
	Reserved      byte
}

var (
	// ErrFieldSize is returned when a field value has the wrong length.
	ErrFieldSize = errors.New("field value has the wrong length")

	// ErrUnknownField is returned for a field id that does not exist.
	ErrUnknownField = errors.New("unknown field id")

	// ErrFieldValue is returned when a BOOL field is given something other
	// than 0 or 1.
	ErrFieldValue = errors.New("field value out of range")

	// ErrShortBuffer is returned when decoding from fewer than Size bytes.
	ErrShortBuffer = errors.New("buffer shorter than record size")
)

// FieldID names an individually addressable part of the record.
type FieldID uint8

// Field ids. IOConfig is addressable as a field too, but callers normally go
// through the dedicated I/O configuration operations.
const (
	FieldAlarmEnable FieldID = iota
	FieldWarningEnable
	FieldOCPUNID
	FieldSCID
	FieldTUNID
	FieldCFUNID
	FieldIOConfig
	numFields
)

type fieldInfo struct {
	name   string
	offset int
	size   int
}

var fields = [numFields]fieldInfo{
	FieldAlarmEnable:   {"alarm_enable", 0, 1},
	FieldWarningEnable: {"warning_enable", 1, 1},
	FieldOCPUNID:       {"ocpunid", 2, UNIDLen},
	FieldSCID:          {"scid", 2 + UNIDLen, UNIDLen},
	FieldTUNID:         {"tunid", 2 + 2*UNIDLen, UNIDLen},
	FieldCFUNID:        {"cfunid", 2 + 3*UNIDLen, UNIDLen},
	FieldIOConfig:      {"io_config", 2 + 4*UNIDLen, IOConfigLen},
}

// reservedOffset is the offset of the trailing reserved byte.
const reservedOffset = 2 + 4*UNIDLen + IOConfigLen

// Valid reports whether id names a field.
func (id FieldID) Valid() bool {
	return id < numFields
}

// Size returns the fixed size of the field in bytes, or 0 for an unknown id.
func (id FieldID) Size() int {
	if !id.Valid() {
		return 0
	}
	return fields[id].size
}

// String returns the field name.
func (id FieldID) String() string {
	if !id.Valid() {
		return fmt.Sprintf("field(%d)", uint8(id))
	}
	return fields[id].name
}

// ParseFieldID looks a field up by the name returned from String.
func ParseFieldID(name string) (FieldID, error) {
	for i := range fields {
		if fields[i].name == name {
			return FieldID(i), nil
		}
	}
	return 0, ErrUnknownField
}

// Encode writes the record into b, which must be at least Size bytes long.
func (r *Record) Encode(b []byte) {
	_ = b[Size-1]
	b[0] = boolByte(r.AlarmEnable)
	b[1] = boolByte(r.WarningEnable)
	copy(b[fields[FieldOCPUNID].offset:], r.OCPUNID[:])
	copy(b[fields[FieldSCID].offset:], r.SCID[:])
	copy(b[fields[FieldTUNID].offset:], r.TUNID[:])
	copy(b[fields[FieldCFUNID].offset:], r.CFUNID[:])
	copy(b[fields[FieldIOConfig].offset:], r.IOConfig[:])
	b[reservedOffset] = r.Reserved
}

// Bytes returns the encoded record.
func (r *Record) Bytes() []byte {
	b := make([]byte, Size)
	r.Encode(b)
	return b
}

// Decode parses a record from b. BOOL fields must hold 0 or 1.
func Decode(b []byte) (Record, error) {
	var r Record
	if len(b) < Size {
		return r, ErrShortBuffer
	}
	if b[0] > 1 || b[1] > 1 {
		return r, ErrFieldValue
	}
	r.AlarmEnable = b[0] == 1
	r.WarningEnable = b[1] == 1
	copy(r.OCPUNID[:], b[fields[FieldOCPUNID].offset:])
	copy(r.SCID[:], b[fields[FieldSCID].offset:])
	copy(r.TUNID[:], b[fields[FieldTUNID].offset:])
	copy(r.CFUNID[:], b[fields[FieldCFUNID].offset:])
	copy(r.IOConfig[:], b[fields[FieldIOConfig].offset:])
	r.Reserved = b[reservedOffset]
	return r, nil
}

// Field returns a copy of the encoded value of field id.
func (r *Record) Field(id FieldID) ([]byte, error) {
	if !id.Valid() {
		return nil, ErrUnknownField
	}
	var buf [Size]byte
	r.Encode(buf[:])
	f := fields[id]
	out := make([]byte, f.size)
	copy(out, buf[f.offset:f.offset+f.size])
	return out, nil
}

// SetField replaces field id with value. The record is left untouched on
// error.
func (r *Record) SetField(id FieldID, value []byte) error {
	if !id.Valid() {
		return ErrUnknownField
	}
	f := fields[id]
	if len(value) != f.size {
		return ErrFieldSize
	}
	var buf [Size]byte
	r.Encode(buf[:])
	copy(buf[f.offset:], value)
	nr, err := Decode(buf[:])
	if err != nil {
		return err
	}
	*r = nr
	return nil
}

// Checksum returns the CRC-16 of the encoded record. It is the value guarded
// in RAM by the write buffer; the flash block checksum also covers the index.
func (r *Record) Checksum() uint16 {
	var buf [Size]byte
	r.Encode(buf[:])
	return crc16.Checksum(buf[:])
}

// SCCRC returns the safety configuration CRC over the I/O configuration data.
func (r *Record) SCCRC() uint16 {
	return crc16.Checksum(r.IOConfig[:])
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
