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

	"snapvault/internal/config"
)

type fakeProbe struct {
	mu       sync.Mutex
	cpu, mem float64
	err      error
}

func (f *fakeProbe) CPUPercent() (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cpu, f.err
}

func (f *fakeProbe) MemoryPercent() (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mem, f.err
}

func (f *fakeProbe) set(cpu, mem float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cpu = cpu
	f.mem = mem
}

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		CPUThreshold:    30,
		MemoryThreshold: 70,
		QuietHoursStart: "22:00",
		QuietHoursEnd:   "06:00",
		PollSeconds:     1,
	}
}

func atClock(hour, minute int) func() time.Time {
	return func() time.Time {
		return time.Date(2026, 8, 25, hour, minute, 0, 0, time.Local)
	}
}

func TestIsIdleThresholds(t *testing.T) {
	t.Parallel()
	probe := &fakeProbe{cpu: 10, mem: 40}
	s := &Scheduler{cfg: testSchedulerConfig(), probe: probe, now: atClock(14, 0)}
	assert.True(t, s.IsIdle())

	probe.set(50, 40)
	assert.False(t, s.IsIdle(), "busy cpu defers work")

	probe.set(10, 90)
	assert.False(t, s.IsIdle(), "high memory defers work")
}

func TestIsIdleProbeFailureMeansBusy(t *testing.T) {
	t.Parallel()
	probe := &fakeProbe{err: errors.New("no procfs")}
	s := &Scheduler{cfg: testSchedulerConfig(), probe: probe, now: atClock(14, 0)}
	assert.False(t, s.IsIdle())
}

func TestQuietHoursSpanMidnight(t *testing.T) {
	t.Parallel()
	// Loaded system, but quiet hours override the load check.
	probe := &fakeProbe{cpu: 99, mem: 99}
	cfg := testSchedulerConfig()

	cases := []struct {
		name string
		hour int
		idle bool
	}{
		{"before window", 21, false},
		{"window start", 22, true},
		{"after midnight", 2, true},
		{"window end", 6, false},
		{"midday", 12, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := &Scheduler{cfg: cfg, probe: probe, now: atClock(tc.hour, 0)}
			assert.Equal(t, tc.idle, s.IsIdle())
		})
	}
}

func TestRunWhenIdleWaits(t *testing.T) {
	t.Parallel()
	probe := &fakeProbe{cpu: 99, mem: 99}
	cfg := testSchedulerConfig()
	cfg.PollSeconds = 1
	s := &Scheduler{cfg: cfg, probe: probe, now: atClock(14, 0)}

	// Flip to idle shortly after the wait begins.
	var ran atomic.Bool
	go func() {
		time.Sleep(100 * time.Millisecond)
		probe.set(1, 1)
	}()

	// Use a tight poll by waiting through WaitForIdle directly with a
	// context deadline as the safety net.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.RunWhenIdle(ctx, func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran.Load())
}

func TestRunWhenIdleGivesUpOnCancel(t *testing.T) {
	t.Parallel()
	probe := &fakeProbe{cpu: 99, mem: 99}
	s := &Scheduler{cfg: testSchedulerConfig(), probe: probe, now: atClock(14, 0)}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.RunWhenIdle(ctx, func(ctx context.Context) error {
		t.Fatal("must not run while busy")
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
