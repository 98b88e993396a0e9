// Copyright 2025 SnapVault Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package worker provides bounded-concurrency task execution, IO
// throttling, and the idle scheduler that defers heavy work to quiet
// periods.
package worker

import (
	"context"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Result is the outcome of one task in a batch.
type Result[T any] struct {
	Input T
	Err   error
}

// Pool runs batches of independent tasks with bounded concurrency. One
// failed task never cancels its siblings; failures are reported per item.
type Pool struct {
	maxWorkers  int
	taskTimeout time.Duration // 0 means no per-task deadline
}

// NewPool creates a pool. maxWorkers <= 0 uses GOMAXPROCS.
func NewPool(maxWorkers int, taskTimeout time.Duration) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = runtime.GOMAXPROCS(0)
	}
	return &Pool{maxWorkers: maxWorkers, taskTimeout: taskTimeout}
}

// MaxWorkers returns the concurrency bound.
func (p *Pool) MaxWorkers() int {
	return p.maxWorkers
}

// Map runs fn over every input with at most maxWorkers tasks in flight and
// returns per-input results in input order. A cancelled context stops
// dispatching new tasks and marks the undispatched ones with the context
// error; already-running tasks finish and report normally.
func Map[T any](ctx context.Context, p *Pool, inputs []T, fn func(context.Context, T) error) []Result[T] {
	results := make([]Result[T], len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxWorkers)

	for i, input := range inputs {
		results[i].Input = input
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		g.Go(func() error {
			taskCtx := gctx
			if p.taskTimeout > 0 {
				var cancel context.CancelFunc
				taskCtx, cancel = context.WithTimeout(gctx, p.taskTimeout)
				defer cancel()
			}
			if err := fn(taskCtx, input); err != nil {
				log.Debugf("task %d failed: %v", i, err)
				results[i].Err = err
			}
			// Failures are recorded per item, never returned to the group,
			// so one bad task cannot cancel its siblings.
			return nil
		})
	}
	g.Wait()
	return results
}

// FailedCount counts the results that carry an error.
func FailedCount[T any](results []Result[T]) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}
