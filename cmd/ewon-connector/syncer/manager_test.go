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
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/checkpoint"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/provider"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/registry"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/shared"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/syncer"
)

var _ = Describe("Manager", func() {
	var (
		ctx         context.Context
		transport   *fakeTransport
		sink        *fakeSink
		persistence *memoryPersistence
		live        *provider.Provider
		store       *checkpoint.Store
		reg         *registry.Registry
		cfg         syncer.Config
	)

	newManager := func(historySink shared.HistorySink) *syncer.Manager {
		m := syncer.NewManager(cfg, transport, live, historySink, store, reg)
		Expect(m.Start(ctx)).To(Succeed())
		return m
	}

	liveValue := func(path string) interface{} {
		tag, err := live.Get(path)
		Expect(err).NotTo(HaveOccurred())
		return tag.Value
	}

	BeforeEach(func() {
		ctx = context.Background()
		transport = newFakeTransport()
		sink = &fakeSink{}
		persistence = newMemoryPersistence()
		live = provider.New(nil)
		store = checkpoint.NewStore(persistence, "test", live)
		reg = registry.New(live, transport, registry.NewRealtimeSet(), false)
		cfg = syncer.Config{HistoryEnabled: true, SinkName: "talk2m", LatestValueConcurrency: 2}

		transport.devices = []shared.DeviceRecord{{ID: 1, Name: "Plant_A", LastSync: at(100)}}
		a := device(1, "Plant_A", at(100), tag("Temp", "Float", 21.5))
		transport.deviceData[1] = &a
		transport.batches = []*shared.IncrementalBatch{
			{TransactionID: 7, Devices: []shared.DeviceData{
				device(1, "Plant_A", at(90), tag("Temp", "Float", 20.0, hist(80, 19.0), hist(85, 20.0))),
			}},
		}
	})

	It("registers the status and control tags on start", func() {
		newManager(sink)

		Expect(liveValue(shared.StatusLastHistoricalTransaction)).To(BeEquivalentTo(0))
		Expect(liveValue(shared.StatusSuccessfulSyncCount)).To(BeEquivalentTo(0))
		Expect(liveValue(shared.StatusResetSync)).To(Equal(false))
		Expect(liveValue(shared.StatusForceSync)).To(Equal(false))
		Expect(persistence.savedIDs()).To(Equal([]int64{0}))
	})

	It("runs the historical and the latest loop in one cycle", func() {
		m := newManager(sink)

		Expect(m.RunCycle(ctx)).To(Succeed())

		status := m.Status()
		Expect(status.SuccessfulSyncCount).To(Equal(uint64(1)))
		Expect(status.FailedSyncCount).To(BeZero())
		Expect(status.LastTransactionID).To(Equal(int64(7)))
		Expect(status.HistoricalPointsProcessed).To(Equal(uint64(2)))
		Expect(status.Phase).To(Equal(syncer.PhaseIdle))
		Expect(status.RegisteredTags).To(Equal(1))
		Expect(liveValue("Plant_A/Temp")).To(Equal(21.5))
		Expect(liveValue(shared.StatusSuccessfulSyncCount)).To(BeEquivalentTo(1))
		Expect(liveValue(shared.StatusHistoricalPointsProcessed)).To(BeEquivalentTo(2))
	})

	It("counts failed cycles", func() {
		m := newManager(sink)
		transport.incrementalErr = errors.New("unauthorized")

		Expect(m.RunCycle(ctx)).NotTo(Succeed())

		Expect(m.Status().FailedSyncCount).To(Equal(uint64(1)))
		Expect(m.Status().Phase).To(Equal(syncer.PhaseIdle))
		Expect(liveValue(shared.StatusFailedSyncCount)).To(BeEquivalentTo(1))
		// the latest loop does not run after a failed historical loop
		Expect(transport.deviceFetches(1)).To(BeZero())
	})

	It("disables history without a sink", func() {
		m := newManager(nil)

		Expect(m.RunCycle(ctx)).To(Succeed())

		Expect(m.Status().HistoryEnabled).To(BeFalse())
		Expect(transport.calls()).To(BeEmpty())
		Expect(transport.deviceFetches(1)).To(Equal(1))
	})

	It("skips the historical loop when history is disabled", func() {
		cfg.HistoryEnabled = false
		m := newManager(sink)

		Expect(m.RunCycle(ctx)).To(Succeed())

		Expect(transport.calls()).To(BeEmpty())
		Expect(sink.batches).To(BeEmpty())
	})

	It("resets the checkpoint and the counters through the control tag", func() {
		m := newManager(sink)
		Expect(m.RunCycle(ctx)).To(Succeed())
		Expect(m.Status().LastTransactionID).To(Equal(int64(7)))

		Expect(live.Write(ctx, shared.StatusResetSync, true)).To(Succeed())

		status := m.Status()
		Expect(status.LastTransactionID).To(BeZero())
		Expect(status.SuccessfulSyncCount).To(BeZero())
		Expect(status.FailedSyncCount).To(BeZero())
		Expect(status.HistoricalPointsProcessed).To(BeZero())
		Expect(liveValue(shared.StatusLastHistoricalTransaction)).To(BeEquivalentTo(0))
		Expect(liveValue(shared.StatusSuccessfulSyncCount)).To(BeEquivalentTo(0))
		Expect(liveValue(shared.StatusResetSync)).To(Equal(false))

		state, found, err := persistence.Load(ctx, "test")
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(state.TransactionID).To(BeZero())
		Expect(state.LastLocalSync).To(BeTemporally("==", shared.Epoch))
	})

	It("ignores non boolean writes to the control tags", func() {
		m := newManager(sink)
		Expect(m.RunCycle(ctx)).To(Succeed())

		Expect(live.Write(ctx, shared.StatusResetSync, "yes")).To(Succeed())

		Expect(m.Status().LastTransactionID).To(Equal(int64(7)))
		Expect(liveValue(shared.StatusResetSync)).To(Equal(false))
	})

	It("runs a cycle when the force control tag is set", func() {
		m := newManager(sink)

		Expect(live.Write(ctx, shared.StatusForceSync, true)).To(Succeed())

		Eventually(func() uint64 { return m.Status().SuccessfulSyncCount }).Should(Equal(uint64(1)))
		Expect(liveValue(shared.StatusForceSync)).To(Equal(false))
	})

	It("runs the realtime loop on demand", func() {
		m := newManager(sink)
		Expect(m.RunCycle(ctx)).To(Succeed())
		transport.snapshots["Plant_A"] = map[string]string{"Temp": "30"}

		Expect(m.RunRealtime(ctx)).To(BeZero())

		Expect(live.Write(ctx, registry.AllRealtimePath("Plant_A"), true)).To(Succeed())
		Expect(m.RunRealtime(ctx)).To(Equal(1))
		Expect(liveValue("Plant_A/Temp")).To(Equal(30.0))
		Expect(m.Status().RealtimeDevices).To(Equal([]string{"Plant_A"}))
	})
})
