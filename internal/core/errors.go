// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"errors"
	"fmt"
)

// Error is a fail code reported to the safety handler. The numeric values are
// transmitted on the diagnostic channel when the device enters its fail-safe
// state, so they are fixed and must never be renumbered.
type Error int

const (
	// NoError means no error.
	NoError Error = 0

	//------ Flash corruption ------//

	// ErrBlockCRC is raised when a Valid block's checksum does not match.
	ErrBlockCRC Error = 0x101

	// ErrBlockStatus is raised when a block carries an unrecognized status word.
	ErrBlockStatus Error = 0x102

	// ErrMultipleValid is raised when the boot scan finds more than one Valid block.
	ErrMultipleValid Error = 0x103

	// ErrActiveInvalid is raised when the active block fails re-validation on read.
	ErrActiveInvalid Error = 0x104

	// ErrBlockIndex is raised when a Valid block is stored in a slot that does
	// not match its index.
	ErrBlockIndex Error = 0x105

	//------ RAM corruption ------//

	// ErrBufferCRC is raised when the RAM staging buffer no longer matches its CRC.
	ErrBufferCRC Error = 0x201

	// ErrSoftError is raised when a protected scalar disagrees with its shadow.
	ErrSoftError Error = 0x202

	//------ Logic / exhaustion ------//

	// ErrRegionExhausted is raised when a commit would write past the last slot.
	ErrRegionExhausted Error = 0x301

	// ErrTargetNotFree is raised when the next slot is not erased.
	ErrTargetNotFree Error = 0x302

	// ErrInvalidateLast is raised when asked to invalidate the last usable slot.
	ErrInvalidateLast Error = 0x303

	// ErrNotInitialized is raised when the store is used before Init.
	ErrNotInitialized Error = 0x304

	// ErrNoRecord is raised when no durable record can be found after Init.
	ErrNoRecord Error = 0x305

	// ErrInvalidState is raised when the write state machine is in a state it
	// cannot be in.
	ErrInvalidState Error = 0x306

	//------ Flash driver ------//

	// ErrFlashDriver is raised when erase or program reports a failure.
	ErrFlashDriver Error = 0x401

	//------ Dual channel ------//

	// ErrPeerCRCMismatch is raised when the sibling controller reports a
	// different block checksum.
	ErrPeerCRCMismatch Error = 0x501

	// ErrPeerUnavailable is raised when a required CRC exchange cannot complete.
	ErrPeerUnavailable Error = 0x502
)

var description = map[Error]string{
	NoError: "no error",

	ErrBlockCRC:      "flash block checksum is invalid, data is corrupt",
	ErrBlockStatus:   "flash block has an unrecognized status",
	ErrMultipleValid: "more than one valid flash block",
	ErrActiveInvalid: "active flash block failed re-validation",
	ErrBlockIndex:    "flash block index does not match its slot",

	ErrBufferCRC: "RAM staging buffer checksum mismatch",
	ErrSoftError: "protected value disagrees with its shadow",

	ErrRegionExhausted: "flash region exhausted without relocation",
	ErrTargetNotFree:   "target flash slot is not free",
	ErrInvalidateLast:  "attempt to invalidate the last usable slot",
	ErrNotInitialized:  "flash block store used before initialization",
	ErrNoRecord:        "no durable configuration record",
	ErrInvalidState:    "write state machine in an impossible state",

	ErrFlashDriver: "flash driver reported a failure",

	ErrPeerCRCMismatch: "peer controller reported a different block checksum",
	ErrPeerUnavailable: "peer controller checksum exchange failed",
}

// String returns a human readable error message.
func (e Error) String() string {
	if s, ok := description[e]; ok {
		return s
	}
	return fmt.Sprintf("unknown fail code %#x", int(e))
}

// Corruption reports whether the code describes corrupt configuration data.
// Corruption is always followed by an erase and a factory-default bootstrap
// before the safety handler is invoked.
func (e Error) Corruption() bool {
	switch e {
	case ErrBlockCRC, ErrBlockStatus, ErrMultipleValid, ErrActiveInvalid, ErrBlockIndex, ErrBufferCRC, ErrPeerCRCMismatch:
		return true
	}
	return false
}

// FatalError is returned by an operation that has handed control to the
// safety handler. In production the handler does not return; a handler that
// does (tests, simulation) gets this error back so the caller unwinds.
type FatalError struct {
	Code  Error
	Cause error
}

// Error implements the error interface.
func (f *FatalError) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("fatal %#x (%s): %v", int(f.Code), f.Code, f.Cause)
	}
	return fmt.Sprintf("fatal %#x (%s)", int(f.Code), f.Code)
}

// Unwrap returns the underlying cause.
func (f *FatalError) Unwrap() error {
	return f.Cause
}

// FatalCode extracts the fail code from an error chain containing a
// FatalError.
func FatalCode(err error) (Error, bool) {
	var f *FatalError
	if errors.As(err, &f) {
		return f.Code, true
	}
	return NoError, false
}

// IsFatal reports whether err carries a fatal fail code.
func IsFatal(err error) bool {
	_, ok := FatalCode(err)
	return ok
}
