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
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

var sentryEnabled bool

// InitSentry enables error reporting. An empty dsn leaves it disabled.
func InitSentry(dsn string, release string) {
	if dsn == "" {
		zap.S().Debug("Sentry disabled, no DSN configured")
		return
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:     dsn,
		Release: release,
	})
	if err != nil {
		zap.S().Errorf("Failed to initialize sentry: %s", err)
		return
	}
	sentryEnabled = true
}

// ReportError sends err to sentry, tagged with the given key/value pairs.
func ReportError(err error, tags map[string]string) {
	if !sentryEnabled || err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

func FlushSentry() {
	if sentryEnabled {
		sentry.Flush(2 * time.Second)
	}
}
