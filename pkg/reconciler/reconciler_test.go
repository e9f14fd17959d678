/*
Copyright 2024 The VPNC Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package reconciler

import (
	"io"
	"net/netip"
	"testing"

	"golang.org/x/exp/slog"

	"github.com/ncubed/vpnc/pkg/config"
	"github.com/ncubed/vpnc/pkg/dataplane/fake"
	"github.com/ncubed/vpnc/pkg/drivers"
	"github.com/ncubed/vpnc/pkg/vctx"
)

// snapWithOneDownlink uses a physical connection deliberately: it is the
// only driver whose Start/Stop touch nothing but the dataplane.Dataplane
// interface, so it exercises the reconciler end to end against the fake
// dataplane without needing real netns/wgctrl/vici access.
func snapWithOneDownlink() *config.Snapshot {
	addr := netip.MustParsePrefix("100.64.0.1/28")
	return &config.Snapshot{
		Generation: 1,
		Service: config.ServiceConfig{
			PrefixDownlinkInterfaceV4: netip.MustParsePrefix("100.64.0.0/16"),
			PrefixDownlinkInterfaceV6: netip.MustParsePrefix("fd00:1::/32"),
			PrefixDownlinkNAT64:       netip.MustParsePrefix("64:ff9b::/32"),
			PrefixDownlinkNPTv6:       netip.MustParsePrefix("fd00::/12"),
		},
		Tenants: map[string]*config.Tenant{
			"C0001": {
				ID: "C0001",
				NetworkInstances: map[string]*config.NetworkInstance{
					"C0001-00": {
						ID:   "C0001-00",
						Type: config.NITypeDownlink,
						Connections: map[uint8]*config.Connection{
							0: {
								ID:                 0,
								InterfaceAddressV4: &addr,
								Config: config.PhysicalConfig{
									InterfaceName: "eth1",
								},
							},
						},
					},
				},
			},
		},
	}
}

func TestReconcileCreatesNamespaceAndConnection(t *testing.T) {
	t.Parallel()
	dp := &fake.Dataplane{}
	r := New(dp)
	ctx := vctx.Background()

	if _, err := r.Reconcile(ctx, snapWithOneDownlink()); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if !dp.NSExists("C0001-00") {
		t.Fatalf("expected namespace C0001-00 to exist")
	}
	live := r.LiveConnections()
	if len(live) != 1 {
		t.Fatalf("expected 1 live connection, got %d", len(live))
	}
	if live[0].State != drivers.Active {
		t.Fatalf("expected connection to be Active, got %s", live[0].State)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	t.Parallel()
	dp := &fake.Dataplane{}
	r := New(dp)
	ctx := vctx.Background()
	snap := snapWithOneDownlink()

	if _, err := r.Reconcile(ctx, snap); err != nil {
		t.Fatalf("first Reconcile() error = %v", err)
	}
	if _, err := r.Reconcile(ctx, snap); err != nil {
		t.Fatalf("second Reconcile() error = %v", err)
	}
	live := r.LiveConnections()
	if len(live) != 1 {
		t.Fatalf("expected exactly 1 live connection after two passes, got %d", len(live))
	}
	if live[0].State != drivers.Active {
		t.Fatalf("expected connection to remain Active after a no-op pass, got %s", live[0].State)
	}
}

func TestReconcileTearsDownRemovedNI(t *testing.T) {
	t.Parallel()
	dp := &fake.Dataplane{}
	r := New(dp)
	ctx := vctx.Background()
	snap := snapWithOneDownlink()

	if _, err := r.Reconcile(ctx, snap); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	empty := &config.Snapshot{Generation: 2, Tenants: map[string]*config.Tenant{}}
	if _, err := r.Reconcile(ctx, empty); err != nil {
		t.Fatalf("Reconcile(empty) error = %v", err)
	}
	if dp.NSExists("C0001-00") {
		t.Fatalf("expected namespace C0001-00 to be removed")
	}
	if len(r.LiveConnections()) != 0 {
		t.Fatalf("expected no live connections after teardown")
	}
}

func TestReconcileEnsuresNAT64ForDownlinkConnection(t *testing.T) {
	t.Parallel()
	dp := &fake.Dataplane{}
	r := New(dp)
	ctx := vctx.Background()

	if _, err := r.Reconcile(ctx, snapWithOneDownlink()); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if dp.Empty("C0001-00") {
		t.Fatalf("expected a NAT64 instance bound in C0001-00, dataplane reports empty")
	}
}

func TestShadowedRoutesLowestConnIDWins(t *testing.T) {
	t.Parallel()
	route := netip.MustParsePrefix("fd10::/64")
	conns := map[uint8]*config.Connection{
		0: {ID: 0, Routes: []config.Route{{To: route}}},
		1: {ID: 1, Routes: []config.Route{{To: route}}},
	}
	shadowed := shadowedRoutes([]uint8{0, 1}, conns, discardLogger())

	if len(shadowed[0]) != 0 {
		t.Fatalf("expected connection 0's route to survive, got shadowed=%v", shadowed[0])
	}
	if !shadowed[1][0] {
		t.Fatalf("expected connection 1's overlapping route to be shadowed, got %v", shadowed[1])
	}
}

func TestShadowedRoutesNoOverlapKeepsBoth(t *testing.T) {
	t.Parallel()
	conns := map[uint8]*config.Connection{
		0: {ID: 0, Routes: []config.Route{{To: netip.MustParsePrefix("fd10::/64")}}},
		1: {ID: 1, Routes: []config.Route{{To: netip.MustParsePrefix("fd11::/64")}}},
	}
	shadowed := shadowedRoutes([]uint8{0, 1}, conns, discardLogger())
	if len(shadowed) != 0 {
		t.Fatalf("expected no shadowed routes for disjoint prefixes, got %v", shadowed)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
