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

package fake

import (
	"net/netip"
	"testing"

	"github.com/ncubed/vpnc/pkg/dataplane"
	"github.com/ncubed/vpnc/pkg/vctx"
)

func TestLinkEnsureIdempotent(t *testing.T) {
	t.Parallel()
	d := &Dataplane{}
	ctx := vctx.Background()

	if _, err := d.NSEnsure(ctx, "ni0"); err != nil {
		t.Fatalf("NSEnsure: %v", err)
	}
	attrs := dataplane.LinkAttrs{XfrmIfID: 7}

	r, err := d.LinkEnsure(ctx, dataplane.LinkXfrm, "xfrm0", "ni0", attrs)
	if err != nil {
		t.Fatalf("LinkEnsure: %v", err)
	}
	if r != dataplane.Created {
		t.Fatalf("first LinkEnsure = %v, want Created", r)
	}

	r, err = d.LinkEnsure(ctx, dataplane.LinkXfrm, "xfrm0", "ni0", attrs)
	if err != nil {
		t.Fatalf("LinkEnsure (repeat): %v", err)
	}
	if r != dataplane.Unchanged {
		t.Fatalf("repeat LinkEnsure = %v, want Unchanged", r)
	}

	attrs.MTU = 1280
	r, err = d.LinkEnsure(ctx, dataplane.LinkXfrm, "xfrm0", "ni0", attrs)
	if err != nil {
		t.Fatalf("LinkEnsure (changed attrs): %v", err)
	}
	if r != dataplane.Changed {
		t.Fatalf("changed-attrs LinkEnsure = %v, want Changed", r)
	}
}

func TestTeardownRemovesEverythingItOwns(t *testing.T) {
	t.Parallel()
	d := &Dataplane{}
	ctx := vctx.Background()

	if _, err := d.NSEnsure(ctx, "ni1"); err != nil {
		t.Fatalf("NSEnsure: %v", err)
	}
	if _, err := d.LinkEnsure(ctx, dataplane.LinkWireGuard, "wg0", "ni1", dataplane.LinkAttrs{ExistingName: "wg-tmp"}); err != nil {
		t.Fatalf("LinkEnsure: %v", err)
	}
	addr := netip.MustParsePrefix("10.10.0.1/30")
	if _, err := d.AddrEnsure(ctx, "ni1", "wg0", addr); err != nil {
		t.Fatalf("AddrEnsure: %v", err)
	}
	route := dataplane.Route{To: netip.MustParsePrefix("10.20.0.0/24")}
	if _, err := d.RouteEnsure(ctx, "ni1", "wg0", route); err != nil {
		t.Fatalf("RouteEnsure: %v", err)
	}
	pool6 := netip.MustParsePrefix("fdcc:0:c:1::/96")
	if _, err := d.NAT64InstanceEnsure(ctx, "ni1", pool6); err != nil {
		t.Fatalf("NAT64InstanceEnsure: %v", err)
	}

	if d.Empty("ni1") {
		t.Fatalf("namespace unexpectedly empty before teardown")
	}

	if _, err := d.NAT64InstanceRemove(ctx, "ni1"); err != nil {
		t.Fatalf("NAT64InstanceRemove: %v", err)
	}
	if _, err := d.LinkDelete(ctx, "wg0", "ni1"); err != nil {
		t.Fatalf("LinkDelete: %v", err)
	}

	if !d.Empty("ni1") {
		t.Fatalf("namespace not empty after teardown")
	}
	if !d.NSExists("ni1") {
		t.Fatalf("NSDelete was not expected to run in this test")
	}
}

func TestRouteEnsureUpdatesVia(t *testing.T) {
	t.Parallel()
	d := &Dataplane{}
	ctx := vctx.Background()
	if _, err := d.NSEnsure(ctx, "ni2"); err != nil {
		t.Fatalf("NSEnsure: %v", err)
	}
	if _, err := d.LinkEnsure(ctx, dataplane.LinkTun, "tun0", "ni2", dataplane.LinkAttrs{}); err != nil {
		t.Fatalf("LinkEnsure: %v", err)
	}
	dst := netip.MustParsePrefix("192.0.2.0/24")
	via1 := netip.MustParseAddr("10.0.0.1")
	if r, err := d.RouteEnsure(ctx, "ni2", "tun0", dataplane.Route{To: dst, Via: &via1}); err != nil || r != dataplane.Created {
		t.Fatalf("RouteEnsure = %v, %v", r, err)
	}
	via2 := netip.MustParseAddr("10.0.0.2")
	r, err := d.RouteEnsure(ctx, "ni2", "tun0", dataplane.Route{To: dst, Via: &via2})
	if err != nil {
		t.Fatalf("RouteEnsure (new via): %v", err)
	}
	if r != dataplane.Changed {
		t.Fatalf("RouteEnsure (new via) = %v, want Changed", r)
	}
}
