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

package syncer_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/provider"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/registry"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/shared"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/syncer"
)

var _ = Describe("LatestSync", func() {
	var (
		ctx       context.Context
		transport *fakeTransport
		live      *provider.Provider
		cache     *syncer.LastSyncCache
		latest    *syncer.LatestSync
	)

	BeforeEach(func() {
		ctx = context.Background()
		transport = newFakeTransport()
		live = provider.New(nil)
		cache = syncer.NewLastSyncCache()
		reg := registry.New(live, transport, registry.NewRealtimeSet(), false)
		latest = syncer.NewLatestSync(transport, syncer.NewApplier(reg, live, nil, "", false, nil), cache, 2)

		transport.devices = []shared.DeviceRecord{
			{ID: 1, Name: "Plant_A", LastSync: at(100)},
			{ID: 2, Name: "Plant_B", LastSync: at(100)},
		}
		a := device(1, "Plant_A", at(100), tag("Temp", "Float", 21.5))
		b := device(2, "Plant_B", at(100), tag("Count", "Integer", 3.0))
		transport.deviceData[1] = &a
		transport.deviceData[2] = &b
	})

	It("fetches every device on the first run", func() {
		fetched, err := latest.Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(fetched).To(Equal(2))
		Expect(cache.Len()).To(Equal(2))

		temp, err := live.Get("Plant_A/Temp")
		Expect(err).NotTo(HaveOccurred())
		Expect(temp.Value).To(Equal(21.5))
		count, err := live.Get("Plant_B/Count")
		Expect(err).NotTo(HaveOccurred())
		Expect(count.Value).To(Equal(int64(3)))
		Expect(count.DataType).To(Equal(shared.DataTypeInt))
	})

	It("only refetches devices whose sync timestamp moved forward", func() {
		_, err := latest.Run(ctx)
		Expect(err).NotTo(HaveOccurred())

		fetched, err := latest.Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(fetched).To(BeZero())

		transport.devices[0].LastSync = at(200)
		fetched, err = latest.Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(fetched).To(Equal(1))
		Expect(transport.deviceFetches(1)).To(Equal(2))
		Expect(transport.deviceFetches(2)).To(Equal(1))
	})

	It("keeps going when one device fails and retries it next run", func() {
		transport.deviceErr[1] = errOffline

		fetched, err := latest.Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(fetched).To(Equal(1))
		_, err = live.Get("Plant_B/Count")
		Expect(err).NotTo(HaveOccurred())

		delete(transport.deviceErr, 1)
		fetched, err = latest.Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(fetched).To(Equal(1))
		Expect(transport.deviceFetches(1)).To(Equal(2))
	})

	It("does not cache a device whose name collides", func() {
		reg := registry.New(live, transport, registry.NewRealtimeSet(), false)
		latest = syncer.NewLatestSync(transport, syncer.NewApplier(reg, live, nil, "", false, nil), cache, 1)
		transport.devices[1].Name = "Plant.A"
		b := device(2, "Plant.A", at(100), tag("Count", "Integer", 3.0))
		transport.deviceData[2] = &b

		fetched, err := latest.Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(fetched).To(Equal(1))
		Expect(cache.Len()).To(Equal(1))

		fetched, err = latest.Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(fetched).To(BeZero())
		Expect(transport.deviceFetches(1)).To(Equal(1))
		Expect(transport.deviceFetches(2)).To(Equal(2))
	})

	It("fails when the device list is unavailable", func() {
		transport.listErr = errOffline

		_, err := latest.Run(ctx)
		Expect(err).To(MatchError(errOffline))
	})

	It("leaves current values to the realtime loop when forced", func() {
		reg := registry.New(live, transport, registry.NewRealtimeSet(), false)
		latest = syncer.NewLatestSync(transport, syncer.NewApplier(reg, live, nil, "", true, nil), cache, 1)

		_, err := latest.Run(ctx)
		Expect(err).NotTo(HaveOccurred())

		temp, err := live.Get("Plant_A/Temp")
		Expect(err).NotTo(HaveOccurred())
		Expect(temp.Value).To(BeNil())
		Expect(temp.Writable).To(BeTrue())
	})
})

var _ = Describe("LastSyncCache", func() {
	It("needs a fetch only for unknown or newer timestamps", func() {
		cache := syncer.NewLastSyncCache()
		Expect(cache.NeedsFetch(1, at(10))).To(BeTrue())

		cache.Set(1, at(10))
		Expect(cache.NeedsFetch(1, at(10))).To(BeFalse())
		Expect(cache.NeedsFetch(1, at(5))).To(BeFalse())
		Expect(cache.NeedsFetch(1, at(11))).To(BeTrue())
	})
})
