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

package routingdriver

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/ncubed/vpnc/pkg/config"
)

func TestRenderIncludesNeighborsAndPools(t *testing.T) {
	t.Parallel()
	svc := config.ServiceConfig{
		PrefixDownlinkNAT64: netip.MustParsePrefix("64:ff9b::/32"),
		PrefixDownlinkNPTv6: netip.MustParsePrefix("fd00::/12"),
		BGP: config.BGPGlobal{
			ASN:      4200000001,
			RouterID: netip.MustParseAddr("10.0.0.1"),
			BFD:      true,
			Neighbors: []config.BGPNeighbor{
				{Address: netip.MustParseAddr("192.0.2.1"), ASN: 65001, Priority: 1},
				{Address: netip.MustParseAddr("192.0.2.2"), ASN: 65002, Priority: 2},
			},
		},
	}
	out := Render(svc, nil)
	for _, want := range []string{
		"router bgp 4200000001",
		"neighbor UPLINK peer-group",
		"neighbor UPLINK timers 10 30",
		"neighbor UPLINK advertisement-interval 0",
		"neighbor UPLINK bfd",
		"neighbor 192.0.2.1 remote-as 65001",
		"neighbor 192.0.2.1 peer-group UPLINK",
		"neighbor 192.0.2.2 route-map PRIO-2-IN in",
		"neighbor 192.0.2.2 route-map PRIO-2-OUT out",
		"neighbor 192.0.2.1 prefix-list UPLINK-PL-IN in",
		"neighbor 192.0.2.1 prefix-list UPLINK-PL-OUT out",
		"network 64:ff9b::/32",
		"network fd00::/12",
		"ipv6 prefix-list UPLINK-PL-IN seq 5 permit fd00::/16 ge 32",
		"ipv6 prefix-list UPLINK-PL-OUT seq 10 permit 64:ff9b::/32",
		"ipv6 prefix-list BLACKHOLE-ROUTES seq 5 permit 64:ff9b::/32",
		"ipv6 route 64:ff9b::/32 Null0",
		"route-map PRIO-1-IN permit 10",
		"set local-preference 90",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("rendered config missing %q:\n%s", want, out)
		}
	}
}

// TestRenderPriorityMatchesS6 exercises scenario S6: two neighbors with
// priorities 0 and 1 must produce inbound local-preferences 100 and 90,
// and outbound AS-path prepends of the local ASN 0 and 1 times
// respectively (before the blackhole penalty on pool aggregates).
func TestRenderPriorityMatchesS6(t *testing.T) {
	t.Parallel()
	svc := config.ServiceConfig{
		PrefixDownlinkNAT64: netip.MustParsePrefix("64:ff9b::/32"),
		PrefixDownlinkNPTv6: netip.MustParsePrefix("fd00::/12"),
		BGP: config.BGPGlobal{
			ASN: 4200000001,
			Neighbors: []config.BGPNeighbor{
				{Address: netip.MustParseAddr("192.0.2.1"), ASN: 65001, Priority: 0},
				{Address: netip.MustParseAddr("192.0.2.2"), ASN: 65002, Priority: 1},
			},
		},
	}
	out := Render(svc, nil)
	for _, want := range []string{
		"route-map PRIO-0-IN permit 10",
		"set local-preference 100",
		"route-map PRIO-1-IN permit 10",
		"set local-preference 90",
		"route-map PRIO-1-OUT permit 20",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("rendered config missing %q:\n%s", want, out)
		}
	}
	if !strings.Contains(out, "route-map PRIO-1-OUT permit 10\n match ipv6 address prefix-list BLACKHOLE-ROUTES\n set as-path prepend 4200000001") {
		t.Fatalf("blackhole penalty prepend missing from priority-1 outbound route-map:\n%s", out)
	}
}
