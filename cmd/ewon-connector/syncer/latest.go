// Copyright 2023 UMH Systems GmbH
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

package syncer

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/shared"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// LatestSync fetches the current values of every device that changed since it was last fetched.
type LatestSync struct {
	transport   shared.Transport
	applier     *Applier
	cache       *LastSyncCache
	concurrency int
}

func NewLatestSync(transport shared.Transport, applier *Applier, cache *LastSyncCache, concurrency int) *LatestSync {
	if concurrency < 1 {
		concurrency = 1
	}
	return &LatestSync{transport: transport, applier: applier, cache: cache, concurrency: concurrency}
}

// Run returns the number of fetched devices. Only the device listing can fail the run,
// a failing device is logged and retried next cycle.
func (l *LatestSync) Run(ctx context.Context) (int, error) {
	devices, err := l.transport.ListDevices(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list devices: %w", err)
	}

	var fetched atomic.Int64
	var g errgroup.Group
	g.SetLimit(l.concurrency)
	for _, device := range devices {
		if !l.cache.NeedsFetch(device.ID, device.LastSync) {
			continue
		}
		device := device
		g.Go(func() error {
			data, err := l.transport.FetchDevice(ctx, device.ID)
			if err != nil {
				zap.S().Errorf("Failed to fetch device %s (%d), it may be offline: %s", device.Name, device.ID, err)
				deviceFetchFailures.WithLabelValues("latest").Inc()
				return nil
			}
			if data.Name == "" {
				data.Name = device.Name
			}
			res := l.applier.ApplyDevice(ctx, *data)
			if !res.Registered {
				// Not cached so the device is retried once the collision is gone
				zap.S().Warnf("Device %s (%d) was not applied, it will be fetched again", device.Name, device.ID)
				return nil
			}
			l.cache.Set(device.ID, device.LastSync)
			fetched.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(fetched.Load()), nil
}
