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
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	log "github.com/sirupsen/logrus"

	"snapvault/internal/config"
	"snapvault/internal/util"
)

// systemProbe reads host load. Tests substitute a fake.
type systemProbe interface {
	CPUPercent() (float64, error)
	MemoryPercent() (float64, error)
}

type gopsutilProbe struct{}

func (gopsutilProbe) CPUPercent() (float64, error) {
	// A zero interval reports usage since the previous call, which is what
	// a polling loop wants.
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, fmt.Errorf("no cpu usage data")
	}
	return percents[0], nil
}

func (gopsutilProbe) MemoryPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// Scheduler defers heavy background work until the system is idle: CPU and
// memory below their thresholds, or the clock inside the quiet-hours
// window where load does not matter.
type Scheduler struct {
	cfg   config.SchedulerConfig
	probe systemProbe
	now   func() time.Time
}

// NewScheduler creates a scheduler reading real system load.
func NewScheduler(cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{cfg: cfg, probe: gopsutilProbe{}, now: time.Now}
}

// IsIdle reports whether heavy work may run now. Probe failures count as
// busy; deferring on missing data is safer than piling onto a loaded host.
func (s *Scheduler) IsIdle() bool {
	if s.inQuietHours() {
		return true
	}
	cpuPct, err := s.probe.CPUPercent()
	if err != nil {
		log.Warnf("cpu probe failed: %v", err)
		return false
	}
	memPct, err := s.probe.MemoryPercent()
	if err != nil {
		log.Warnf("memory probe failed: %v", err)
		return false
	}
	return cpuPct < s.cfg.CPUThreshold && memPct < s.cfg.MemoryThreshold
}

// inQuietHours reports whether the current time falls inside the
// configured window. A window like 22:00-06:00 spans midnight.
func (s *Scheduler) inQuietHours() bool {
	start, err1 := parseHHMM(s.cfg.QuietHoursStart)
	end, err2 := parseHHMM(s.cfg.QuietHoursEnd)
	if err1 != nil || err2 != nil {
		return false
	}
	now := s.now()
	minutes := now.Hour()*60 + now.Minute()
	if start <= end {
		return minutes >= start && minutes < end
	}
	return minutes >= start || minutes < end
}

// WaitForIdle blocks until IsIdle or the context ends.
func (s *Scheduler) WaitForIdle(ctx context.Context) error {
	interval := time.Duration(s.cfg.PollSeconds) * time.Second
	return util.PollUntil(ctx, util.PollConfig{Interval: interval}, s.IsIdle)
}

// RunWhenIdle waits for an idle window and then runs fn.
func (s *Scheduler) RunWhenIdle(ctx context.Context, fn func(context.Context) error) error {
	if err := s.WaitForIdle(ctx); err != nil {
		return fmt.Errorf("gave up waiting for idle: %w", err)
	}
	return fn(ctx)
}

func parseHHMM(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
