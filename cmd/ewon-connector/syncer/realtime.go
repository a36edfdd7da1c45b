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
	"sort"
	"time"

	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/coercion"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/registry"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/shared"
	"go.uber.org/zap"
)

// RealtimeSync polls the live snapshot of devices flagged for realtime polling.
type RealtimeSync struct {
	transport shared.Transport
	registry  *registry.Registry
	live      shared.LiveStore
	readAll   bool
}

func NewRealtimeSync(transport shared.Transport, reg *registry.Registry, live shared.LiveStore, readAll bool) *RealtimeSync {
	return &RealtimeSync{transport: transport, registry: reg, live: live, readAll: readAll}
}

// Run returns the number of tags updated. Unreachable devices are skipped,
// tags missing from a snapshot get an empty value.
func (r *RealtimeSync) Run(ctx context.Context) int {
	selection := r.registry.RealtimeSelection(r.readAll)
	devices := make([]string, 0, len(selection))
	for device := range selection {
		devices = append(devices, device)
	}
	sort.Strings(devices)

	updated := 0
	for _, device := range devices {
		snapshot, err := r.transport.FetchLiveSnapshot(ctx, device)
		if err != nil {
			zap.S().Errorf("Error connecting to device %s for live data, it may be offline: %s", device, err)
			deviceFetchFailures.WithLabelValues("realtime").Inc()
			continue
		}
		now := time.Now()
		for _, tag := range selection[device] {
			raw, found := snapshot[tag.Tag]
			if !found {
				zap.S().Errorf("Tag %s does not exist on device %s", tag.Tag, device)
			}
			value := coercion.ClassifyLiveValue(raw, found)
			r.live.UpdateValue(tag.Path, shared.NormalizedValue{
				Value:     value.Coerce(tag.DataType),
				Quality:   shared.QualityGood,
				Timestamp: now,
			})
			updated++
		}
	}
	return updated
}
