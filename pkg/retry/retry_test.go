// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceeds(t *testing.T) {
	r := Retrier{MinSleep: time.Millisecond, MaxSleep: 2 * time.Millisecond}
	calls := 0
	err := r.Do(context.Background(), func(i int) (bool, error) {
		if i != calls {
			t.Errorf("attempt %d, expected %d", i, calls)
		}
		calls++
		return calls == 3, nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("err %v after %d calls", err, calls)
	}
}

func TestDoExhausts(t *testing.T) {
	r := Retrier{MinSleep: time.Millisecond, MaxNumRetries: 4}
	calls := 0
	err := r.Do(context.Background(), func(int) (bool, error) {
		calls++
		return false, nil
	})
	if err != ErrExhausted || calls != 4 {
		t.Fatalf("err %v after %d calls", err, calls)
	}
}

func TestDoStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	r := Retrier{MinSleep: time.Millisecond}
	calls := 0
	err := r.Do(context.Background(), func(int) (bool, error) {
		calls++
		return false, boom
	})
	if err != boom || calls != 1 {
		t.Fatalf("err %v after %d calls", err, calls)
	}
}

func TestDoCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := Retrier{MinSleep: time.Hour}
	err := r.Do(ctx, func(int) (bool, error) {
		cancel()
		return false, nil
	})
	if err != context.Canceled {
		t.Fatalf("err %v", err)
	}
}
