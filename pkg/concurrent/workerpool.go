// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

// Package concurrent holds the small concurrency primitives shared by the
// session service: a bounded worker pool for fan-out work and a keyed mutex
// for per-session serialization.
package concurrent

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// WorkerPool executes batches of jobs with a bounded number of goroutines.
type WorkerPool struct {
	workerCount int
}

// NewWorkerPool creates a pool that runs at most workerCount jobs at once.
// Counts below one fall back to a single worker.
func NewWorkerPool(workerCount int) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 1
	}
	return &WorkerPool{workerCount: workerCount}
}

// Run executes the functions concurrently and fails fast: the first error
// cancels the remaining jobs and is returned.
func (wp *WorkerPool) Run(ctx context.Context, functions ...func() error) error {
	if len(functions) == 0 {
		return nil
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(wp.workerCount)

	for _, fn := range functions {
		g.Go(func() error {
			select {
			case <-groupCtx.Done():
				return groupCtx.Err()
			default:
			}
			return fn()
		})
	}

	return g.Wait()
}

// RunAll executes every function regardless of failures and returns the
// non-nil errors that occurred. Used where partial progress is preferable to
// aborting the batch (reconciliation sweeps).
func (wp *WorkerPool) RunAll(ctx context.Context, functions ...func() error) []error {
	if len(functions) == 0 {
		return nil
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	g := new(errgroup.Group)
	g.SetLimit(wp.workerCount)

	for _, fn := range functions {
		g.Go(func() error {
			select {
			case <-ctx.Done():
				record(ctx.Err())
				return nil
			default:
			}
			if err := fn(); err != nil {
				record(err)
			}
			// Errors are collected, never returned, so the group keeps going.
			return nil
		})
	}

	_ = g.Wait()
	return errs
}
