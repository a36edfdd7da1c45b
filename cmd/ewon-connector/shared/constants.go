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

package shared

const (
	StatusFolder = "_Status"

	StatusLastSyncTime              = StatusFolder + "/LastSyncTime"
	StatusLastSyncDurationMS        = StatusFolder + "/LastSyncDurationMS"
	StatusLastHistoricalSyncTime    = StatusFolder + "/LastHistoricalSyncTime"
	StatusLastHistoricalTransaction = StatusFolder + "/LastHistoricalTransaction"
	StatusSuccessfulSyncCount       = StatusFolder + "/SuccessfulSyncCount"
	StatusFailedSyncCount           = StatusFolder + "/FailedSyncCount"
	StatusHistoricalPointsProcessed = StatusFolder + "/HistoricalPointsProcessed"

	// Writable control points
	StatusResetSync = StatusFolder + "/ResetSync"
	StatusForceSync = StatusFolder + "/ForceSync"

	// DeviceConfigFolder holds per device control tags, relative to the device path.
	DeviceConfigFolder = "_config"
	AllRealtimeTag     = "AllRealtime"
)
