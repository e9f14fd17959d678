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

package dnsdoctor

import (
	"net/netip"
	"testing"

	"github.com/ncubed/vpnc/pkg/config"
)

func testSnapshot() *config.Snapshot {
	nptv6 := netip.MustParsePrefix("fd00:c001:0:1::/64")
	return &config.Snapshot{
		Service: config.ServiceConfig{
			PrefixDownlinkNAT64: netip.MustParsePrefix("64:ff9b::/32"),
			PrefixDownlinkNPTv6: netip.MustParsePrefix("fd00::/12"),
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
								ID: 0,
								Routes: []config.Route{
									{
										To:          netip.MustParsePrefix("192.168.1.0/24"),
										NPTv6:       true,
										NPTv6Prefix: &nptv6,
									},
								},
							},
						},
					},
				},
			},
		},
	}
}

func TestComputeProducesRulePerDownlink(t *testing.T) {
	t.Parallel()
	rs, err := Compute(testSnapshot())
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	rule, ok := rs.Rules["C0001-00"]
	if !ok {
		t.Fatalf("expected a rule for C0001-00, got %v", rs.Rules)
	}
	if len(rule.DNS64) != 1 {
		t.Fatalf("expected 1 dns64 mapping, got %d", len(rule.DNS64))
	}
	if len(rule.DNS66) != 1 {
		t.Fatalf("expected 1 dns66 mapping, got %d", len(rule.DNS66))
	}
	if rule.DNS66[0].Remote.String() != "192.168.1.0/24" {
		t.Fatalf("unexpected dns66 remote: %s", rule.DNS66[0].Remote)
	}
}

func TestComputeDerivesNPTv6ForRoutesWithoutExplicitPrefix(t *testing.T) {
	t.Parallel()
	snap := &config.Snapshot{
		Service: config.ServiceConfig{
			PrefixDownlinkNPTv6: netip.MustParsePrefix("fd00::/12"),
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
								ID: 0,
								Routes: []config.Route{
									{To: netip.MustParsePrefix("192.168.1.0/24"), NPTv6: true},
								},
							},
						},
					},
				},
			},
		},
	}
	rs, err := Compute(snap)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	rule, ok := rs.Rules["C0001-00"]
	if !ok {
		t.Fatalf("expected a rule for C0001-00, got %v", rs.Rules)
	}
	if len(rule.DNS66) != 1 {
		t.Fatalf("expected 1 derived dns66 mapping, got %d", len(rule.DNS66))
	}
	if !rule.DNS66[0].Local.IsValid() {
		t.Fatalf("expected a derived local prefix, got zero value")
	}
}

func TestFeederPushRejectsOlderGeneration(t *testing.T) {
	t.Parallel()
	f := NewFeeder()
	if !f.Push(RuleSet{Generation: 2, Rules: map[string]Rule{}}) {
		t.Fatalf("expected first push to be accepted")
	}
	if f.Push(RuleSet{Generation: 1, Rules: map[string]Rule{}}) {
		t.Fatalf("expected stale push to be rejected")
	}
	if f.Current().Generation != 2 {
		t.Fatalf("expected current generation to remain 2, got %d", f.Current().Generation)
	}
}

func TestFeederCheckGeneration(t *testing.T) {
	t.Parallel()
	f := NewFeeder()
	f.Push(RuleSet{Generation: 5, Rules: map[string]Rule{"C0001-00": {}}})

	stale, current := f.CheckGeneration(3)
	if !stale || current != 5 {
		t.Fatalf("expected stale=true current=5, got stale=%v current=%d", stale, current)
	}

	if _, err := f.RuleFor("C0001-00"); err != nil {
		t.Fatalf("RuleFor() error = %v", err)
	}
	if _, err := f.RuleFor("unknown"); err == nil {
		t.Fatalf("expected error for unknown network instance")
	}
}
