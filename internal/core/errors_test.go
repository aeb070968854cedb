// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestEveryCodeHasDescription(t *testing.T) {
	for e := range description {
		if e.String() == "" {
			t.Errorf("code %#x has an empty description", int(e))
		}
	}
	if s := Error(0x999).String(); s != "unknown fail code 0x999" {
		t.Errorf("unexpected description for unknown code: %q", s)
	}
}

func TestFatalCodeThroughWrapping(t *testing.T) {
	cause := errors.New("crc 0x1234 != 0x4321")
	err := fmt.Errorf("init: %w", &FatalError{Code: ErrBlockCRC, Cause: cause})

	code, ok := FatalCode(err)
	if !ok || code != ErrBlockCRC {
		t.Fatalf("got %v %v", code, ok)
	}
	if !errors.Is(err, cause) {
		t.Errorf("cause should be reachable through Unwrap")
	}
	if IsFatal(cause) {
		t.Errorf("plain error reported as fatal")
	}
}

func TestCorruptionClassification(t *testing.T) {
	for _, c := range []Error{ErrBlockCRC, ErrBlockStatus, ErrMultipleValid, ErrBufferCRC, ErrPeerCRCMismatch} {
		if !c.Corruption() {
			t.Errorf("%s should be classified as corruption", c)
		}
	}
	for _, c := range []Error{ErrRegionExhausted, ErrTargetNotFree, ErrInvalidateLast, ErrPeerUnavailable} {
		if c.Corruption() {
			t.Errorf("%s should not be classified as corruption", c)
		}
	}
}
