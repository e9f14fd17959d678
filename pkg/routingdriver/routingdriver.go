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

// Package routingdriver renders and reloads the FRR bgpd configuration
// that peers the concentrator with its uplinks, and polls FRR's own
// state for the neighbor/BFD summary the status endpoint reports.
package routingdriver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/ncubed/vpnc/pkg/config"
	"github.com/ncubed/vpnc/pkg/vctx"
)

// ConfigPath is where the rendered bgpd fragment is written before
// triggering a reload, matching the original's single frr.conf handoff
// file.
var ConfigPath = "/etc/frr/vpnc.conf"

// managementPrefix is the prefix uplinks are permitted to advertise
// inbound: enough to identify peers, nothing else.
const managementPrefix = "fd00::/16"

// blackholePenalty is the extra AS-path prepend applied on top of a
// neighbor's priority when the advertised prefix is a pool aggregate
// with no single real next hop.
const blackholePenalty = 10

// Render produces the FRR configuration text peering the concentrator
// with every configured uplink over a shared UPLINK peer-group,
// advertising the downlink NAT64/NPTv6 pools plus every CORE-side
// route, and applying route-maps so BGP prefers the lowest-priority
// neighbor inbound (local-preference 100-10*priority) and penalizes
// the pool aggregates outbound with extra AS-path prepends, since they
// are advertised as blackhole routes rather than routes to a real
// next hop.
func Render(svc config.ServiceConfig, coreRoutes []netip.Prefix) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "router bgp %d\n", svc.BGP.ASN)
	if svc.BGP.RouterID.IsValid() {
		fmt.Fprintf(&b, " bgp router-id %s\n", svc.BGP.RouterID)
	}
	b.WriteString(" no bgp ebgp-requires-policy\n")
	b.WriteString(" neighbor UPLINK peer-group\n")
	b.WriteString(" neighbor UPLINK timers 10 30\n")
	b.WriteString(" neighbor UPLINK advertisement-interval 0\n")
	if svc.BGP.BFD {
		b.WriteString(" neighbor UPLINK bfd\n")
	}

	neighbors := append([]config.BGPNeighbor(nil), svc.BGP.Neighbors...)
	sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].Address.String() < neighbors[j].Address.String() })

	for _, n := range neighbors {
		fmt.Fprintf(&b, " neighbor %s remote-as %d\n", n.Address, n.ASN)
		fmt.Fprintf(&b, " neighbor %s peer-group UPLINK\n", n.Address)
		fmt.Fprintf(&b, " neighbor %s prefix-list UPLINK-PL-IN in\n", n.Address)
		fmt.Fprintf(&b, " neighbor %s prefix-list UPLINK-PL-OUT out\n", n.Address)
		fmt.Fprintf(&b, " neighbor %s route-map PRIO-%d-IN in\n", n.Address, n.Priority)
		fmt.Fprintf(&b, " neighbor %s route-map PRIO-%d-OUT out\n", n.Address, n.Priority)
	}

	b.WriteString(" address-family ipv6 unicast\n")
	fmt.Fprintf(&b, "  network %s\n", svc.PrefixDownlinkNAT64)
	fmt.Fprintf(&b, "  network %s\n", svc.PrefixDownlinkNPTv6)
	for _, r := range coreRoutes {
		fmt.Fprintf(&b, "  network %s\n", r)
	}
	b.WriteString(" exit-address-family\n")
	b.WriteString("!\n")

	fmt.Fprintf(&b, "ipv6 prefix-list UPLINK-PL-IN seq 5 permit %s ge 32\n", managementPrefix)
	b.WriteString("!\n")
	b.WriteString("ipv6 prefix-list UPLINK-PL-OUT seq 5 permit 2000::/3 ge 32\n")
	fmt.Fprintf(&b, "ipv6 prefix-list UPLINK-PL-OUT seq 10 permit %s\n", svc.PrefixDownlinkNAT64)
	fmt.Fprintf(&b, "ipv6 prefix-list UPLINK-PL-OUT seq 15 permit %s\n", svc.PrefixDownlinkNPTv6)
	b.WriteString("!\n")
	fmt.Fprintf(&b, "ipv6 prefix-list BLACKHOLE-ROUTES seq 5 permit %s\n", svc.PrefixDownlinkNAT64)
	fmt.Fprintf(&b, "ipv6 prefix-list BLACKHOLE-ROUTES seq 10 permit %s\n", svc.PrefixDownlinkNPTv6)
	b.WriteString("!\n")
	fmt.Fprintf(&b, "ipv6 route %s Null0\n", svc.PrefixDownlinkNAT64)
	fmt.Fprintf(&b, "ipv6 route %s Null0\n", svc.PrefixDownlinkNPTv6)
	b.WriteString("!\n")

	for _, n := range neighbors {
		localPref := 100 - 10*int(n.Priority)
		fmt.Fprintf(&b, "route-map PRIO-%d-IN permit 10\n", n.Priority)
		fmt.Fprintf(&b, " set local-preference %d\n", localPref)
		b.WriteString("!\n")

		fmt.Fprintf(&b, "route-map PRIO-%d-OUT permit 10\n", n.Priority)
		b.WriteString(" match ipv6 address prefix-list BLACKHOLE-ROUTES\n")
		if prepend := prependClause(svc.BGP.ASN, int(n.Priority)+blackholePenalty); prepend != "" {
			fmt.Fprintf(&b, " set as-path prepend %s\n", prepend)
		}
		b.WriteString("!\n")
		fmt.Fprintf(&b, "route-map PRIO-%d-OUT permit 20\n", n.Priority)
		if prepend := prependClause(svc.BGP.ASN, int(n.Priority)); prepend != "" {
			fmt.Fprintf(&b, " set as-path prepend %s\n", prepend)
		}
		b.WriteString("!\n")
	}
	return b.String()
}

// prependClause renders count copies of the local ASN for a "set
// as-path prepend" line, or "" if count is zero.
func prependClause(asn uint32, count int) string {
	if count <= 0 {
		return ""
	}
	hops := make([]string, count)
	for i := range hops {
		hops[i] = fmt.Sprint(asn)
	}
	return strings.Join(hops, " ")
}

// Apply writes the rendered configuration and reloads FRR via its
// idempotent reload script, the same tool the original used from its
// file-watcher handler.
func Apply(ctx vctx.Context, rendered string) error {
	if err := os.WriteFile(ConfigPath, []byte(rendered), 0o644); err != nil {
		return fmt.Errorf("write frr config: %w", err)
	}
	cmd := exec.CommandContext(ctx, "/usr/lib/frr/frr-reload.py", ConfigPath, "--reload", "--stdout")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("frr-reload: %w: %s", err, out)
	}
	vctx.LoggerFrom(ctx).Info("frr configuration reloaded")
	return nil
}

// Neighbor is one polled uplink's live state.
type Neighbor struct {
	Address  string `json:"address"`
	ASN      uint32 `json:"asn"`
	State    string `json:"bgpState"`
	BFDState string `json:"bfdState,omitempty"`
}

// vtyshNeighbor mirrors the subset of `vtysh -c "show bgp neighbor json"`
// output this package reads.
type vtyshNeighbor struct {
	RemoteAs int    `json:"remoteAs"`
	BgpState string `json:"bgpState"`
}

// PollNeighbors asks the running FRR daemon for its current neighbor
// table via vtysh's JSON output mode, matching how the status endpoint
// reports uplink health without vpnc keeping its own BGP state machine.
func PollNeighbors(ctx vctx.Context, svc config.ServiceConfig) ([]Neighbor, error) {
	out, err := exec.CommandContext(ctx, "vtysh", "-c", "show bgp neighbor json").Output()
	if err != nil {
		return nil, fmt.Errorf("vtysh show bgp neighbor: %w", err)
	}
	var raw map[string]vtyshNeighbor
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("parse vtysh neighbor json: %w", err)
	}

	var bfdOut []byte
	if svc.BGP.BFD {
		bfdOut, _ = exec.CommandContext(ctx, "vtysh", "-c", "show bfd peers json").Output()
	}
	bfdStates := parseBFDStates(bfdOut)

	neighbors := make([]Neighbor, 0, len(svc.BGP.Neighbors))
	for _, n := range svc.BGP.Neighbors {
		addr := n.Address.String()
		live, ok := raw[addr]
		state := "unknown"
		if ok {
			state = live.BgpState
		}
		neighbors = append(neighbors, Neighbor{
			Address:  addr,
			ASN:      n.ASN,
			State:    state,
			BFDState: bfdStates[addr],
		})
	}
	return neighbors, nil
}

type bfdPeer struct {
	Peer   string `json:"peer"`
	Status string `json:"status"`
}

func parseBFDStates(out []byte) map[string]string {
	states := map[string]string{}
	if len(out) == 0 {
		return states
	}
	var peers []bfdPeer
	if err := json.Unmarshal(out, &peers); err != nil {
		return states
	}
	for _, p := range peers {
		states[p.Peer] = p.Status
	}
	return states
}
