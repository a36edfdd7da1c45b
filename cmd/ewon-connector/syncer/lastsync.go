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
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
)

// LastSyncCache remembers the last device side sync timestamp per device id. It is never persisted.
type LastSyncCache struct {
	c *cache.Cache
}

func NewLastSyncCache() *LastSyncCache {
	return &LastSyncCache{c: cache.New(cache.NoExpiration, 0)}
}

// NeedsFetch reports whether a device has no entry or its cached timestamp is strictly before reported.
func (l *LastSyncCache) NeedsFetch(deviceID int64, reported time.Time) bool {
	v, ok := l.c.Get(strconv.FormatInt(deviceID, 10))
	if !ok {
		return true
	}
	return v.(time.Time).Before(reported)
}

func (l *LastSyncCache) Set(deviceID int64, lastSync time.Time) {
	l.c.Set(strconv.FormatInt(deviceID, 10), lastSync, cache.NoExpiration)
}

func (l *LastSyncCache) Len() int {
	return l.c.ItemCount()
}
