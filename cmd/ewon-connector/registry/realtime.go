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

package registry

import (
	"sort"
	"sync"
)

// RealtimeSet is the set of devices whose tags are polled by the realtime loop.
type RealtimeSet struct {
	mu      sync.RWMutex
	devices map[string]struct{}
}

func NewRealtimeSet(devices ...string) *RealtimeSet {
	s := &RealtimeSet{devices: make(map[string]struct{}, len(devices))}
	for _, device := range devices {
		if device != "" {
			s.devices[device] = struct{}{}
		}
	}
	return s
}

func (s *RealtimeSet) Set(device string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if enabled {
		s.devices[device] = struct{}{}
	} else {
		delete(s.devices, device)
	}
}

func (s *RealtimeSet) Contains(device string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.devices[device]
	return ok
}

// Devices returns the flagged devices in lexical order.
func (s *RealtimeSet) Devices() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	devices := make([]string, 0, len(s.devices))
	for device := range s.devices {
		devices = append(devices, device)
	}
	sort.Strings(devices)
	return devices
}
