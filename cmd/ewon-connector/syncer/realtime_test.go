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

var _ = Describe("RealtimeSync", func() {
	var (
		ctx       context.Context
		transport *fakeTransport
		live      *provider.Provider
		reg       *registry.Registry
	)

	register := func(device string, tag string, dataType shared.DataType) {
		Expect(reg.EnsureDeviceRegistered(device)).To(Succeed())
		path, err := reg.EnsureTagRegistered(device, tag, dataType)
		Expect(err).NotTo(HaveOccurred())
		live.ConfigureTag(path, dataType)
	}

	BeforeEach(func() {
		ctx = context.Background()
		transport = newFakeTransport()
		live = provider.New(nil)
		reg = registry.New(live, transport, registry.NewRealtimeSet("Plant_A"), false)

		register("Plant_A", "Temp", shared.DataTypeFloat)
		register("Plant_A", "Mode", shared.DataTypeString)
		register("Plant_A", "Missing", shared.DataTypeFloat)
		register("Plant_B", "Other", shared.DataTypeFloat)

		transport.snapshots["Plant_A"] = map[string]string{"Temp": "21.5", "Mode": `"auto"`}
		transport.snapshots["Plant_B"] = map[string]string{"Other": "7"}
	})

	It("updates the tags of realtime devices only", func() {
		updated := syncer.NewRealtimeSync(transport, reg, live, false).Run(ctx)

		Expect(updated).To(Equal(3))
		Expect(transport.snapshotCalls).To(Equal([]string{"Plant_A"}))

		temp, _ := live.Get("Plant_A/Temp")
		Expect(temp.Value).To(Equal(21.5))
		Expect(temp.Quality).To(Equal(shared.QualityGood.String()))
		mode, _ := live.Get("Plant_A/Mode")
		Expect(mode.Value).To(Equal("auto"))
		other, _ := live.Get("Plant_B/Other")
		Expect(other.Value).To(BeNil())
	})

	It("writes an empty value for tags missing from the snapshot", func() {
		syncer.NewRealtimeSync(transport, reg, live, false).Run(ctx)

		missing, err := live.Get("Plant_A/Missing")
		Expect(err).NotTo(HaveOccurred())
		Expect(missing.Value).To(Equal(0.0))
	})

	It("skips unreachable devices", func() {
		transport.snapshotErr["Plant_A"] = errOffline

		Expect(syncer.NewRealtimeSync(transport, reg, live, true).Run(ctx)).To(Equal(1))
		other, _ := live.Get("Plant_B/Other")
		Expect(other.Value).To(Equal(7.0))
	})

	It("polls a device once its AllRealtime tag is set", func() {
		Expect(live.Write(ctx, registry.AllRealtimePath("Plant_B"), true)).To(Succeed())

		Expect(syncer.NewRealtimeSync(transport, reg, live, false).Run(ctx)).To(Equal(4))
		Expect(transport.snapshotCalls).To(Equal([]string{"Plant_A", "Plant_B"}))

		toggle, _ := live.Get(registry.AllRealtimePath("Plant_B"))
		Expect(toggle.Value).To(Equal(true))
	})

	It("polls every device when reading all tags in realtime", func() {
		Expect(syncer.NewRealtimeSync(transport, reg, live, true).Run(ctx)).To(Equal(4))
	})
})
