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

// Package dnsdoctor computes and feeds the DNS64/NPTv6 address-mangling
// rules a downlink network instance needs so a resolver's plain A/AAAA
// answers keep working across the translation boundary, and controls
// the netfilter hook that hands matching DNS responses to whatever is
// doing the mangling.
package dnsdoctor

import (
	"net/netip"

	"github.com/ncubed/vpnc/pkg/allocator"
	"github.com/ncubed/vpnc/pkg/config"
)

// Mapping64 pairs a synthesized IPv6 prefix with the IPv4 space it
// stands in for: an A record answer gets its address embedded into
// Local the way the kernel's own NAT64 does it for traffic.
type Mapping64 struct {
	Local  netip.Prefix
	Remote netip.Prefix
}

// Mapping66 pairs an NPTv6-translated local prefix with the remote
// prefix it stands in for, so an AAAA answer naming a remote address
// can be rewritten to the address a downlink actually routes to.
type Mapping66 struct {
	Local  netip.Prefix
	Remote netip.Prefix
}

// Rule is one network instance's mangling configuration.
type Rule struct {
	NetworkInstance string
	DNS64           []Mapping64
	DNS66           []Mapping66
}

// RuleSet is a full, versioned replacement for every network
// instance's rules. Generation increases on every Compute call that
// produces a materially different set, so a stale consumer can tell it
// missed a push without diffing the payload itself.
type RuleSet struct {
	Generation uint64
	Rules      map[string]Rule
}

// Compute derives the DNS64/NPTv6 mangling rules for every downlink
// connection in snap. It supersedes the original's file-based
// translations.json: the mapping is now a pure function of the same
// Snapshot the reconciler already uses, so there is nothing to load or
// go stale independently of the config store.
func Compute(snap *config.Snapshot) (RuleSet, error) {
	rs := RuleSet{Rules: map[string]Rule{}}
	for tenantID, tenant := range snap.Tenants {
		if tenantID == "DEFAULT" {
			continue
		}
		for niID, ni := range tenant.NetworkInstances {
			if ni.Type != config.NITypeDownlink {
				continue
			}
			rule := Rule{NetworkInstance: niID}
			for connID, conn := range ni.Connections {
				id, err := allocator.NewIdentity(tenantID, niID, connID)
				if err != nil {
					return RuleSet{}, err
				}
				if snap.Service.PrefixDownlinkNAT64.IsValid() {
					nat64, err := allocator.NAT64Prefix(snap.Service.PrefixDownlinkNAT64, id)
					if err != nil {
						return RuleSet{}, err
					}
					rule.DNS64 = append(rule.DNS64, Mapping64{
						Local:  nat64,
						Remote: netip.PrefixFrom(netip.IPv4Unspecified(), 0),
					})
				}
				for i, route := range conn.Routes {
					if !route.NPTv6 {
						continue
					}
					local := route.NPTv6Prefix
					if local == nil {
						if !snap.Service.PrefixDownlinkNPTv6.IsValid() {
							continue
						}
						// The reconciler carves an NPTv6 prefix out of the
						// service pool for routes that omit one; mirror
						// that derivation here so the rewrite rule exists
						// for the common allocator-assigned case too.
						derived, err := allocator.NPTv6Prefix(snap.Service.PrefixDownlinkNPTv6, id, uint8(i), route.To.Bits())
						if err != nil {
							return RuleSet{}, err
						}
						local = &derived
					}
					rule.DNS66 = append(rule.DNS66, Mapping66{
						Local:  *local,
						Remote: route.To,
					})
				}
			}
			if len(rule.DNS64) > 0 || len(rule.DNS66) > 0 {
				rs.Rules[niID] = rule
			}
		}
	}
	return rs, nil
}
