// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs independent tasks (e.g. reading data files) with bounded parallelism.
package workerspool

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Pool of workers. The zero value is not usable, create one with New.
type Pool struct {
	// maxParallelism is the limit of tasks running at the same time.
	// 0 means tasks run inline, and negative means unlimited.
	maxParallelism int
}

// New returns a new Pool of workers with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	return &Pool{maxParallelism: runtime.NumCPU()}
}

// IsEnabled returns whether parallelism is enabled (maxParallelism is != 0).
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// MaxParallelism returns the limit of tasks running at the same time.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the limit of tasks running at the same time.
// If set to 0 tasks run inline, one at a time. If negative parallelism is unlimited.
//
// It returns the Pool itself, so calls can be cascaded.
func (w *Pool) SetMaxParallelism(maxParallelism int) *Pool {
	w.maxParallelism = maxParallelism
	return w
}

// Map runs task(ii) for ii in [0, n) and returns the results in order.
//
// It returns the first error returned by a task. Once a task fails, tasks not yet started are skipped.
func Map[T any](w *Pool, n int, task func(ii int) (T, error)) ([]T, error) {
	results := make([]T, n)
	if !w.IsEnabled() {
		for ii := range n {
			var err error
			results[ii], err = task(ii)
			if err != nil {
				return nil, err
			}
		}
		return results, nil
	}

	g, ctx := errgroup.WithContext(context.Background())
	if w.maxParallelism > 0 {
		g.SetLimit(w.maxParallelism)
	}
	for ii := range n {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			var err error
			results[ii], err = task(ii)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
