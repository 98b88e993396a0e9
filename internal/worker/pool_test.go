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

package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapRunsAllTasks(t *testing.T) {
	t.Parallel()
	p := NewPool(4, 0)
	inputs := []int{1, 2, 3, 4, 5, 6, 7, 8}

	var sum int64
	results := Map(context.Background(), p, inputs, func(ctx context.Context, n int) error {
		atomic.AddInt64(&sum, int64(n))
		return nil
	})

	require.Len(t, results, len(inputs))
	assert.Equal(t, int64(36), sum)
	assert.Zero(t, FailedCount(results))
	// Results keep input order.
	for i, r := range results {
		assert.Equal(t, inputs[i], r.Input)
	}
}

func TestMapBoundsConcurrency(t *testing.T) {
	t.Parallel()
	const limit = 3
	p := NewPool(limit, 0)

	var mu sync.Mutex
	running, peak := 0, 0
	inputs := make([]int, 20)

	Map(context.Background(), p, inputs, func(ctx context.Context, _ int) error {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	})

	assert.LessOrEqual(t, peak, limit)
	assert.Greater(t, peak, 1)
}

func TestMapIsolatesFailures(t *testing.T) {
	t.Parallel()
	p := NewPool(2, 0)
	boom := errors.New("boom")

	results := Map(context.Background(), p, []int{0, 1, 2, 3}, func(ctx context.Context, n int) error {
		if n == 1 {
			return boom
		}
		return nil
	})

	assert.Equal(t, 1, FailedCount(results))
	assert.ErrorIs(t, results[1].Err, boom)
	for _, i := range []int{0, 2, 3} {
		assert.NoError(t, results[i].Err, "task %d must not be cancelled by a sibling failure", i)
	}
}

func TestMapTaskTimeout(t *testing.T) {
	t.Parallel()
	p := NewPool(2, 20*time.Millisecond)

	results := Map(context.Background(), p, []string{"slow"}, func(ctx context.Context, _ string) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})

	assert.ErrorIs(t, results[0].Err, context.DeadlineExceeded)
}

func TestMapCancelledContext(t *testing.T) {
	t.Parallel()
	p := NewPool(2, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := Map(ctx, p, []int{1, 2, 3}, func(ctx context.Context, _ int) error {
		return nil
	})
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
}

func TestThrottlerPacesBytes(t *testing.T) {
	t.Parallel()
	// 1 MB/s budget with a 1 MB burst: the first MB is free, the second
	// takes about a second. Use a small fraction to keep the test fast.
	th := NewThrottler(1)
	ctx := context.Background()

	require.NoError(t, th.WaitN(ctx, 1024*1024)) // burst, immediate

	start := time.Now()
	require.NoError(t, th.WaitN(ctx, 100*1024))
	assert.Greater(t, time.Since(start), 50*time.Millisecond)
}

func TestThrottlerNilIsUnlimited(t *testing.T) {
	t.Parallel()
	var th *Throttler
	assert.NoError(t, th.WaitN(context.Background(), 1<<30))
	assert.Nil(t, NewThrottler(0))
}

func TestThrottlerSplitsOversizedRequests(t *testing.T) {
	t.Parallel()
	th := NewThrottler(2) // 2 MB/s, 2 MB burst
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Larger than the burst; must be split, not rejected outright.
	assert.NoError(t, th.WaitN(ctx, 3*1024*1024))
}
