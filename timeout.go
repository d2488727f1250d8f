package resilience

import (
	"context"
	"fmt"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/jonboulle/clockwork"
)

// runWithTimeout invokes op and waits at most timeout on clock for it.
// When the timer fires first, op's context is cancelled and a jp-go-errors
// timeout error is returned. When the caller's ctx ends first, ctx.Err() is
// returned. A non-positive timeout runs op inline without a deadline.
func runWithTimeout(ctx context.Context, clock clockwork.Clock, timeout time.Duration, operation string, op func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if timeout <= 0 {
		return safeInvoke(ctx, operation, op)
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- safeInvoke(callCtx, operation, op)
	}()

	timer := clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.Chan():
		return jperrors.NewTimeoutError("operation timed out", operation, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func safeInvoke(ctx context.Context, operation string, op func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("resilience: %s panicked: %v", operation, r)
		}
	}()
	return op(ctx)
}
