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
	"strings"
	"testing"

	"github.com/ncubed/vpnc/pkg/config"
)

func TestRenderSwanctlIncludesTrafficSelectors(t *testing.T) {
	t.Parallel()
	cfg := config.IPsecConfig{
		RemoteAddrs:      []netip.Addr{netip.MustParseAddr("203.0.113.5")},
		IKEVersion:       2,
		IKEProposal:      "aes256-sha256-modp2048",
		Initiation:       config.InitiationStart,
		PSK:              "s3cr3t",
		TrafficSelectors: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/24")},
	}
	out := renderSwanctl("c0001-00-000", "vpnc-hub", cfg, 0x10)

	for _, want := range []string{
		"remote_addrs = 203.0.113.5",
		"if_id_in = 0x10",
		"local_ts = 10.0.0.0/24",
		"start_action = start",
		"close_action = start",
		`secret = "s3cr3t"`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("rendered config missing %q:\n%s", want, out)
		}
	}
}

func TestRenderSwanctlDefaultsTrafficSelectorsToAny(t *testing.T) {
	t.Parallel()
	cfg := config.IPsecConfig{
		RemoteAddrs: []netip.Addr{netip.MustParseAddr("203.0.113.5")},
		IKEVersion:  2,
		Initiation:  config.InitiationNone,
	}
	out := renderSwanctl("c0002-00-000", "", cfg, 0x1)
	if !strings.Contains(out, "local_ts = 0.0.0.0/0,::/0") {
		t.Fatalf("expected default any traffic selectors, got:\n%s", out)
	}
	if strings.Contains(out, "start_action = start") {
		t.Fatalf("initiation=none should not set start_action = start:\n%s", out)
	}
	if !strings.Contains(out, "start_action = trap") || !strings.Contains(out, "close_action = trap") {
		t.Fatalf("initiation=none should install a trap policy:\n%s", out)
	}
}

func TestConnNameIncludesConnectionID(t *testing.T) {
	t.Parallel()
	if got, want := connName("c0001-00", 3), "c0001-00-3"; got != want {
		t.Fatalf("connName() = %q, want %q", got, want)
	}
}
