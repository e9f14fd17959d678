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

package ipsec

import (
	"net/netip"
	"strconv"
	"strings"

	"github.com/ncubed/vpnc/pkg/config"
)

// connName is the swanctl.conf connection section name for a
// connection, unique across the whole daemon since it's derived from
// the network instance and connection id (mirrors the original's
// "<network-instance>-<index>" naming).
func connName(niID string, connID uint8) string {
	return niID + "-" + strconv.Itoa(int(connID))
}

// renderSwanctl produces the swanctl.conf stanza for a single IPsec
// connection, in the same shape as the original's Jinja-templated
// gen_swanctl_cfg output, minus the file-per-network-instance
// aggregation (each connection gets its own file here, named for easy
// per-connection load/unload via swanctl --load-conns).
func renderSwanctl(name string, localID string, cfg config.IPsecConfig, xfrmIfID uint32) string {
	var b strings.Builder
	b.WriteString("connections {\n")
	b.WriteString("  " + name + " {\n")
	b.WriteString("    local_addrs = %any\n")
	b.WriteString("    remote_addrs = " + joinAddrs(cfg.RemoteAddrs) + "\n")
	b.WriteString("    vips = 0.0.0.0, ::\n")
	b.WriteString("    if_id_in = " + hex32(xfrmIfID) + "\n")
	b.WriteString("    if_id_out = " + hex32(xfrmIfID) + "\n")
	b.WriteString("    version = " + strconv.Itoa(cfg.IKEVersion) + "\n")
	if cfg.IKEProposal != "" {
		b.WriteString("    proposals = " + cfg.IKEProposal + "\n")
	}
	if cfg.IKELifetime > 0 {
		b.WriteString("    rekey_time = " + strconv.Itoa(cfg.IKELifetime) + "s\n")
	}
	remoteID := cfg.RemoteID
	if remoteID == "" && len(cfg.RemoteAddrs) > 0 {
		remoteID = cfg.RemoteAddrs[0].String()
	}
	loc := localID
	if loc == "" {
		loc = "%any"
	}
	b.WriteString("    local {\n      auth = psk\n      id = " + loc + "\n    }\n")
	b.WriteString("    remote {\n      auth = psk\n      id = " + remoteID + "\n    }\n")
	b.WriteString("    children {\n")
	b.WriteString("      " + name + " {\n")
	if len(cfg.TrafficSelectors) > 0 {
		b.WriteString("        local_ts = " + joinPrefixes(cfg.TrafficSelectors) + "\n")
		b.WriteString("        remote_ts = " + joinPrefixes(cfg.TrafficSelectors) + "\n")
	} else {
		b.WriteString("        local_ts = 0.0.0.0/0,::/0\n")
		b.WriteString("        remote_ts = 0.0.0.0/0,::/0\n")
	}
	if cfg.IPsecProposal != "" {
		b.WriteString("        esp_proposals = " + cfg.IPsecProposal + "\n")
	}
	if cfg.IPsecLifetime > 0 {
		b.WriteString("        rekey_time = " + strconv.Itoa(cfg.IPsecLifetime) + "s\n")
	}
	b.WriteString("        mode = tunnel\n")
	switch cfg.Initiation {
	case config.InitiationStart:
		b.WriteString("        start_action = start\n")
		b.WriteString("        close_action = start\n")
	case config.InitiationNone:
		// A responder-only connection still needs a trap policy installed
		// so the first packet on its traffic selectors triggers charon to
		// bring the SA up, rather than being dropped for want of a policy.
		b.WriteString("        start_action = trap\n")
		b.WriteString("        close_action = trap\n")
	}
	b.WriteString("      }\n    }\n  }\n}\n")
	b.WriteString("secrets {\n  ike-" + name + " {\n    secret = \"" + cfg.PSK + "\"\n  }\n}\n")
	return b.String()
}

func joinAddrs(addrs []netip.Addr) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.String()
	}
	return strings.Join(parts, ",")
}

func joinPrefixes(prefixes []netip.Prefix) string {
	parts := make([]string, len(prefixes))
	for i, p := range prefixes {
		parts[i] = p.String()
	}
	return strings.Join(parts, ",")
}

func hex32(v uint32) string {
	return "0x" + strconv.FormatUint(uint64(v), 16)
}
