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

var _ = Describe("HistoricalSync", func() {
	var (
		ctx         context.Context
		transport   *fakeTransport
		sink        *fakeSink
		persistence *memoryPersistence
		live        *provider.Provider
		store       *checkpoint.Store
		historical  *syncer.HistoricalSync
	)

	BeforeEach(func() {
		ctx = context.Background()
		transport = newFakeTransport()
		sink = &fakeSink{}
		persistence = newMemoryPersistence()
		live = provider.New(nil)
		store = checkpoint.NewStore(persistence, "test", live)
		_, err := store.Load(ctx)
		Expect(err).NotTo(HaveOccurred())
		persistence.saves = nil

		reg := registry.New(live, transport, registry.NewRealtimeSet(), false)
		applier := syncer.NewApplier(reg, live, sink, "talk2m", false, nil)
		historical = syncer.NewHistoricalSync(transport, store, applier)
	})

	It("commits every batch until no more data is available", func() {
		transport.batches = []*shared.IncrementalBatch{
			{TransactionID: 7, MoreDataAvailable: true, Devices: []shared.DeviceData{
				device(1, "Plant_A", at(100), tag("Temp", "Float", 1.0, hist(90, 1.0))),
			}},
			{TransactionID: 9, MoreDataAvailable: false, Devices: []shared.DeviceData{
				device(1, "Plant_A", at(200), tag("Temp", "Float", 2.0, hist(190, 2.0))),
			}},
		}

		Expect(historical.Run(ctx)).To(Succeed())

		Expect(transport.calls()).To(Equal([]int64{0, 7}))
		Expect(persistence.savedIDs()).To(Equal([]int64{7, 9}))
		state := store.State()
		Expect(state.TransactionID).To(Equal(int64(9)))
		Expect(state.LastRemoteSync).To(BeTemporally("==", at(200)))
		Expect(state.LastHistoryTimestamp).To(BeTemporally("==", at(190)))

		value, err := live.Get("Plant_A/Temp")
		Expect(err).NotTo(HaveOccurred())
		Expect(value.Value).To(Equal(2.0))
		Expect(sink.batches).To(HaveLen(2))
		Expect(sink.names).To(ConsistOf("talk2m", "talk2m"))
	})

	It("publishes the committed transaction id", func() {
		transport.batches = []*shared.IncrementalBatch{{TransactionID: 3}}

		Expect(historical.Run(ctx)).To(Succeed())

		value, err := live.Get(shared.StatusLastHistoricalTransaction)
		Expect(err).NotTo(HaveOccurred())
		Expect(value.Value).To(BeEquivalentTo(3))
	})

	It("stores history sorted by timestamp", func() {
		transport.batches = []*shared.IncrementalBatch{
			{TransactionID: 1, Devices: []shared.DeviceData{
				device(1, "Plant_A", at(10), tag("Temp", "Float", 5.0, hist(5, 5.0), hist(1, 1.0), hist(3, 3.0))),
			}},
		}

		Expect(historical.Run(ctx)).To(Succeed())

		Expect(sink.batches).To(HaveLen(1))
		Expect(sink.timestamps(0)).To(Equal([]int64{1, 3, 5}))
		Expect(store.State().LastHistoryTimestamp).To(BeTemporally("==", at(5)))
	})

	It("stops without committing when the transaction id did not change", func() {
		transport.batches = []*shared.IncrementalBatch{
			{TransactionID: 4, MoreDataAvailable: true},
			{TransactionID: 4, MoreDataAvailable: true},
			{TransactionID: 5},
		}

		Expect(historical.Run(ctx)).To(Succeed())

		Expect(transport.calls()).To(Equal([]int64{0, 4}))
		Expect(persistence.savedIDs()).To(Equal([]int64{4}))
	})

	It("does nothing when the remote reports no transaction", func() {
		Expect(historical.Run(ctx)).To(Succeed())

		Expect(transport.calls()).To(Equal([]int64{0}))
		Expect(persistence.savedIDs()).To(BeEmpty())
	})

	It("returns fetch errors and keeps the checkpoint", func() {
		transport.incrementalErr = errors.New("timeout")

		Expect(historical.Run(ctx)).To(MatchError(ContainSubstring("timeout")))
		Expect(store.State().TransactionID).To(BeZero())
	})

	It("does not commit when the history could not be stored", func() {
		sink.err = errors.New("database unavailable")
		transport.batches = []*shared.IncrementalBatch{
			{TransactionID: 12, Devices: []shared.DeviceData{
				device(1, "Plant_A", at(10), tag("Temp", "Float", 5.0, hist(5, 5.0))),
			}},
		}

		Expect(historical.Run(ctx)).To(MatchError(ContainSubstring("database unavailable")))
		Expect(persistence.savedIDs()).To(BeEmpty())
		Expect(store.State().TransactionID).To(BeZero())

		// current values are applied regardless
		value, err := live.Get("Plant_A/Temp")
		Expect(err).NotTo(HaveOccurred())
		Expect(value.Value).To(Equal(5.0))
	})

	It("refetches the same transaction after a failed commit", func() {
		persistence.saveErr = errors.New("disk full")
		transport.batches = []*shared.IncrementalBatch{{TransactionID: 8}}

		Expect(historical.Run(ctx)).To(MatchError(ContainSubstring("disk full")))
		Expect(store.State().TransactionID).To(BeZero())

		persistence.saveErr = nil
		transport.batches = []*shared.IncrementalBatch{{TransactionID: 8}}
		Expect(historical.Run(ctx)).To(Succeed())

		Expect(transport.calls()).To(Equal([]int64{0, 0}))
		Expect(store.State().TransactionID).To(Equal(int64(8)))
	})

	It("skips invalid tag names and applies their siblings", func() {
		transport.batches = []*shared.IncrementalBatch{
			{TransactionID: 2, Devices: []shared.DeviceData{
				device(1, "Plant_A", at(10),
					tag("bad name!", "Float", 1.0, hist(1, 1.0)),
					tag("Pressure", "Float", 2.0, hist(2, 2.0)),
				),
			}},
		}

		Expect(historical.Run(ctx)).To(Succeed())

		_, err := live.Get("Plant_A/bad name!")
		Expect(err).To(MatchError(provider.ErrUnknownTag))
		value, err := live.Get("Plant_A/Pressure")
		Expect(err).NotTo(HaveOccurred())
		Expect(value.Value).To(Equal(2.0))
		Expect(sink.batches).To(HaveLen(1))
		Expect(sink.batches[0]).To(HaveLen(1))
		Expect(sink.batches[0][0].Tag).To(Equal("Pressure"))
		Expect(store.State().TransactionID).To(Equal(int64(2)))
	})
})
