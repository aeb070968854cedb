// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package retry runs a polling task with jittered exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrExhausted is returned by Do when the attempt or time budget runs out
// before the task completes.
var ErrExhausted = errors.New("retry budget exhausted")

// Task to execute with retries in the Do method. On every execution it
// receives the attempt number, starting at 0. It returns done=true when it
// has completed, or a non-nil error to stop retrying immediately.
type Task func(attempt int) (done bool, err error)

// Retrier holds the backoff parameters.
type Retrier struct {
	// MinSleep is the initial and shortest sleep between attempts.
	MinSleep time.Duration

	// MaxSleep caps the sleep between attempts.
	MaxSleep time.Duration

	// MaxRetry, if greater than zero, bounds the total time spent.
	MaxRetry time.Duration

	// MaxNumRetries, if greater than zero, bounds the number of attempts.
	MaxNumRetries int
}

// Do executes task until it reports done, returns an error, the budget runs
// out (ErrExhausted) or ctx is done (ctx.Err()).
func (r Retrier) Do(ctx context.Context, task Task) error {
	if r.MaxSleep < r.MinSleep {
		r.MaxSleep = r.MinSleep
	}
	backoff := r.MinSleep
	start := time.Now()
	for i := 0; ; i++ {
		if r.MaxNumRetries > 0 && i >= r.MaxNumRetries ||
			r.MaxRetry > 0 && time.Since(start)+backoff > r.MaxRetry {
			return ErrExhausted
		}
		done, err := task(i)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = time.Duration(float64(backoff) * (1.75 + 0.5*rand.Float64()))
		if backoff > r.MaxSleep {
			backoff = r.MaxSleep + time.Duration(float64(r.MinSleep)*rand.Float64())
		}
	}
}
