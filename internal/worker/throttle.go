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

	"golang.org/x/time/rate"
)

// Throttler paces bulk IO with a byte-per-second token bucket so snapshot
// copies do not starve foreground workloads.
type Throttler struct {
	limiter *rate.Limiter
}

// NewThrottler allows rateMBps megabytes per second with a one-second
// burst. rateMBps <= 0 returns nil, which all consumers treat as
// unthrottled.
func NewThrottler(rateMBps float64) *Throttler {
	if rateMBps <= 0 {
		return nil
	}
	bytesPerSec := int(rateMBps * 1024 * 1024)
	return &Throttler{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)}
}

// WaitN blocks until n bytes of budget are available. Requests larger than
// the burst are split so they cannot deadlock the limiter.
func (t *Throttler) WaitN(ctx context.Context, n int) error {
	if t == nil {
		return nil
	}
	burst := t.limiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := t.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
