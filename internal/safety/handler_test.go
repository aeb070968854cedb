// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package safety

import (
	"errors"
	"testing"

	"github.com/westerndigitalcorporation/safenv/internal/core"
)

func TestTrapRecordsAndReturnsFatal(t *testing.T) {
	r := NewRecorder()
	cause := errors.New("boom")

	err := Trap(r, core.ErrBlockCRC, cause)
	if code, ok := core.FatalCode(err); !ok || code != core.ErrBlockCRC {
		t.Fatalf("unexpected error %v", err)
	}
	if r.Count() != 1 || r.Last() != core.ErrBlockCRC {
		t.Fatalf("recorder has %d events, last %v", r.Count(), r.Last())
	}
	if ev := r.Events(); ev[0].Err != cause {
		t.Errorf("cause not recorded: %v", ev[0].Err)
	}

	r.Reset()
	if r.Tripped() || r.Last() != core.NoError {
		t.Errorf("reset recorder still tripped")
	}
}
