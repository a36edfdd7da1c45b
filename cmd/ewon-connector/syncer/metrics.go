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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ewon_connector_sync_cycles_total",
		Help: "The total number of sync cycles by result",
	}, []string{"result"})

	syncCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ewon_connector_sync_cycle_duration_seconds",
		Help:    "Duration of sync cycles",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	historicalPoints = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ewon_connector_historical_points_total",
		Help: "The total number of historical samples handed to the historian",
	})

	lastTransactionID = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ewon_connector_last_transaction_id",
		Help: "The transaction id of the last committed checkpoint",
	})

	deviceFetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ewon_connector_device_fetch_failures_total",
		Help: "The total number of failed per device fetches by loop",
	}, []string{"loop"})

	historyFlushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ewon_connector_history_flush_failures_total",
		Help: "The total number of history batches the historian rejected",
	})
)
