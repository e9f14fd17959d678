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

package allocator

import (
	"net/netip"
	"testing"
)

func TestParseTenantID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		id      string
		letter  byte
		number  uint16
		wantErr bool
	}{
		{id: "C0001", letter: 'c', number: 1},
		{id: "D9999", letter: 'd', number: 9999},
		{id: "E0042", letter: 'e', number: 42},
		{id: "DEFAULT", wantErr: true},
		{id: "F0001", wantErr: true},
		{id: "C001", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.id, func(t *testing.T) {
			t.Parallel()
			letter, number, err := ParseTenantID(tt.id)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseTenantID(%q): expected error", tt.id)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTenantID(%q): %v", tt.id, err)
			}
			if letter != tt.letter || number != tt.number {
				t.Fatalf("ParseTenantID(%q) = (%c, %d), want (%c, %d)", tt.id, letter, number, tt.letter, tt.number)
			}
		})
	}
}

// TestNAT64PrefixS1 pins the encoding to the worked example in scenario
// S1: prefix_downlink_nat64 = fdcc:0::/32, tenant C0001, NI C0001-00,
// connection 0 must land at fdcc:0:c:1:0::/96.
func TestNAT64PrefixS1(t *testing.T) {
	t.Parallel()
	pool := netip.MustParsePrefix("fdcc:0::/32")
	id, err := NewIdentity("C0001", "C0001-00", 0)
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	got, err := NAT64Prefix(pool, id)
	if err != nil {
		t.Fatalf("NAT64Prefix: %v", err)
	}
	want := netip.MustParsePrefix("fdcc:0:c:1:0:0::/96")
	if got != want {
		t.Fatalf("NAT64Prefix = %s, want %s", got, want)
	}
}

func TestNAT64PrefixRejectsWrongPoolSize(t *testing.T) {
	t.Parallel()
	pool := netip.MustParsePrefix("fdcc:0::/40")
	id, err := NewIdentity("C0001", "C0001-00", 0)
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	if _, err := NAT64Prefix(pool, id); err == nil {
		t.Fatal("expected error for non-/32 pool")
	}
}

// TestAllocatorDisjoint covers Property 2: for any two distinct
// connections, allocator-produced prefixes are disjoint.
func TestAllocatorDisjoint(t *testing.T) {
	t.Parallel()
	nat64Pool := netip.MustParsePrefix("fdcc:0::/32")
	v6Pool := netip.MustParsePrefix("fd00:c0ff:ee::/32")
	v4Pool := netip.MustParsePrefix("100.64.0.0/16")

	type key struct {
		letter byte
		number uint16
		ni     uint16
		conn   uint8
	}
	identities := []key{
		{'c', 1, 0, 0},
		{'c', 1, 0, 1},
		{'c', 1, 1, 0},
		{'c', 2, 0, 0},
		{'d', 1, 0, 0},
		{'e', 7, 3, 9},
	}

	seenNAT64 := map[netip.Prefix]key{}
	seenV6 := map[netip.Prefix]key{}
	seenV4 := map[netip.Prefix]key{}
	for _, k := range identities {
		id := Identity{Letter: k.letter, Number: k.number, NI: k.ni, ConnID: k.conn}

		n64, err := NAT64Prefix(nat64Pool, id)
		if err != nil {
			t.Fatalf("NAT64Prefix(%+v): %v", id, err)
		}
		if prev, ok := seenNAT64[n64]; ok {
			t.Fatalf("NAT64Prefix collision between %+v and %+v: %s", prev, k, n64)
		}
		seenNAT64[n64] = k

		v6, err := InterfaceV6Prefix(v6Pool, id)
		if err != nil {
			t.Fatalf("InterfaceV6Prefix(%+v): %v", id, err)
		}
		if prev, ok := seenV6[v6]; ok {
			t.Fatalf("InterfaceV6Prefix collision between %+v and %+v: %s", prev, k, v6)
		}
		seenV6[v6] = k

		v4, err := InterfaceV4Prefix(v4Pool, id)
		if err != nil {
			t.Fatalf("InterfaceV4Prefix(%+v): %v", id, err)
		}
		if prev, ok := seenV4[v4]; ok {
			t.Fatalf("InterfaceV4Prefix collision between %+v and %+v: %s", prev, k, v4)
		}
		seenV4[v4] = k
	}
}

// TestAllocatorPure covers the pure-function law from section 8: the
// same identity and pools always produce the same prefixes.
func TestAllocatorPure(t *testing.T) {
	t.Parallel()
	pool := netip.MustParsePrefix("fdcc:0::/32")
	id, err := NewIdentity("C0042", "C0042-03", 17)
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	first, err := NAT64Prefix(pool, id)
	if err != nil {
		t.Fatalf("NAT64Prefix: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := NAT64Prefix(pool, id)
		if err != nil {
			t.Fatalf("NAT64Prefix: %v", err)
		}
		if again != first {
			t.Fatalf("NAT64Prefix not pure: got %s and %s", first, again)
		}
	}
}

// TestNPTv6PrefixMatchesRouteLength covers the invariant that a route's
// nptv6_prefix has the same prefix length as its to-prefix.
func TestNPTv6PrefixMatchesRouteLength(t *testing.T) {
	t.Parallel()
	pool := netip.MustParsePrefix("fdff::/12")
	id, err := NewIdentity("C0001", "C0001-01", 0)
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	got, err := NPTv6Prefix(pool, id, 0, 52)
	if err != nil {
		t.Fatalf("NPTv6Prefix: %v", err)
	}
	if got.Bits() != 52 {
		t.Fatalf("NPTv6Prefix bits = %d, want 52", got.Bits())
	}
	if !pool.Overlaps(got) {
		t.Fatalf("NPTv6Prefix %s not carved from pool %s", got, pool)
	}
}

func TestNPTv6PrefixRejectsOutOfRangeLength(t *testing.T) {
	t.Parallel()
	pool := netip.MustParsePrefix("fdff::/12")
	id, err := NewIdentity("C0001", "C0001-01", 0)
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	if _, err := NPTv6Prefix(pool, id, 0, 8); err == nil {
		t.Fatal("expected error for target length shorter than pool")
	}
}

func TestFormatParseIdentityRoundTrip(t *testing.T) {
	t.Parallel()
	id := Identity{Letter: 'c', Number: 1, NI: 0, ConnID: 0}
	name := FormatIdentity(id)
	if name != "c0001-00-000" {
		t.Fatalf("FormatIdentity = %q, want c0001-00-000", name)
	}
	got, err := ParseIdentity(name)
	if err != nil {
		t.Fatalf("ParseIdentity(%q): %v", name, err)
	}
	if got != id {
		t.Fatalf("ParseIdentity(%q) = %+v, want %+v", name, got, id)
	}
}

func TestParseIdentityRejectsGarbage(t *testing.T) {
	t.Parallel()
	if _, err := ParseIdentity("not-a-connection"); err == nil {
		t.Fatal("expected error")
	}
}
