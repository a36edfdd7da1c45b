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

package internal

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

const Int64Max = 1<<63 - 1

// GetBackoffTime returns a random duration in [0, 2^retries) * slotTime, capped at maximum.
func GetBackoffTime(retries int64, slotTime time.Duration, maximum time.Duration) (backoff time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			backoff = maximum
		}
	}()

	if slotTime <= 0 || retries <= 0 {
		return time.Duration(0)
	}
	// -1 is omitted, the random function is [min, max)
	umax := uint64(1) << retries
	if umax > Int64Max || umax == 0 {
		return maximum
	}
	n := rand.Int63n(int64(umax))

	// Prevents overflow
	u64Time := uint64(slotTime.Nanoseconds()) * uint64(n)
	if u64Time > Int64Max {
		return maximum
	}

	backoff = time.Duration(n) * slotTime
	if backoff > maximum {
		backoff = maximum
	}
	return backoff
}

// RetryWithBackoff calls fn until it succeeds, maxRetries is reached or ctx is done.
// The last error is returned.
func RetryWithBackoff(ctx context.Context, name string, maxRetries int64, slotTime time.Duration, maximum time.Duration, fn func() error) error {
	var err error
	for retries := int64(0); retries < maxRetries; retries++ {
		if err = fn(); err == nil {
			return nil
		}
		wait := GetBackoffTime(retries+1, slotTime, maximum)
		zap.S().Warnf("%s failed (attempt %d/%d), retrying in %s: %s", name, retries+1, maxRetries, wait, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}
