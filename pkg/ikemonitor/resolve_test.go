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

package ikemonitor

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/strongswan/govici/vici"

	"github.com/ncubed/vpnc/pkg/config"
	"github.com/ncubed/vpnc/pkg/vpncerr"
)

func TestParseConnName(t *testing.T) {
	t.Parallel()
	tenantID, niID, connID, ok := parseConnName("C0001-00-2")
	if !ok {
		t.Fatalf("expected parse to succeed")
	}
	if tenantID != "C0001" || niID != "C0001-00" || connID != 2 {
		t.Fatalf("got tenant=%s ni=%s conn=%d", tenantID, niID, connID)
	}

	if _, _, _, ok := parseConnName("not-a-connection"); ok {
		t.Fatalf("expected parse to fail for malformed name")
	}
}

func testSnapshot() *config.Snapshot {
	return &config.Snapshot{
		Service: config.ServiceConfig{
			PrefixDownlinkNAT64: netip.MustParsePrefix("64:ff9b::/32"),
			PrefixDownlinkNPTv6: netip.MustParsePrefix("fd00::/12"),
		},
		Tenants: map[string]*config.Tenant{
			"DEFAULT": {
				ID: "DEFAULT",
				NetworkInstances: map[string]*config.NetworkInstance{
					"CORE": {ID: "CORE", Type: config.NITypeCore},
				},
			},
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
									{To: netip.MustParsePrefix("fd10::/64")},
								},
							},
						},
					},
				},
			},
		},
	}
}

func TestDecideRoutesAdvertise(t *testing.T) {
	t.Parallel()
	plan, err := decideRoutes(testSnapshot(), "C0001", "C0001-00", 0, true)
	if err != nil {
		t.Fatalf("decideRoutes() error = %v", err)
	}
	if plan.coreNI != "CORE" || plan.coreIface != "C0001-00_C" {
		t.Fatalf("unexpected core target: %+v", plan)
	}
	if !plan.advertise {
		t.Fatalf("expected advertise=true")
	}
	if len(plan.routes) != 3 {
		t.Fatalf("expected 3 routes (native + nat64 + nptv6), got %d: %v", len(plan.routes), plan.routes)
	}
}

func TestDecideRoutesRetract(t *testing.T) {
	t.Parallel()
	plan, err := decideRoutes(testSnapshot(), "C0001", "C0001-00", 0, false)
	if err != nil {
		t.Fatalf("decideRoutes() error = %v", err)
	}
	if plan.advertise {
		t.Fatalf("expected advertise=false")
	}
}

func TestDecideRoutesUnknownConnectionIsNoop(t *testing.T) {
	t.Parallel()
	plan, err := decideRoutes(testSnapshot(), "C0002", "C0002-00", 0, true)
	if err != nil {
		t.Fatalf("decideRoutes() error = %v", err)
	}
	if plan.coreNI != "" {
		t.Fatalf("expected empty plan for unknown connection, got %+v", plan)
	}
}

func TestRekeyWindowExpires(t *testing.T) {
	t.Parallel()
	m := New(nil, nil)
	if m.inRekeyWindow("C0001-00-0") {
		t.Fatalf("expected no rekey window before any rekey event")
	}
	m.markRekey("C0001-00-0")
	if !m.inRekeyWindow("C0001-00-0") {
		t.Fatalf("expected rekey window immediately after markRekey")
	}
	m.rekeyAt["C0001-00-0"] = m.rekeyAt["C0001-00-0"].Add(-rekeyWindow - time.Second)
	if m.inRekeyWindow("C0001-00-0") {
		t.Fatalf("expected rekey window to have expired")
	}
}

func TestReapSAReturnsNilOnSuccess(t *testing.T) {
	t.Parallel()
	calls := 0
	err := reapSA(nil, "sa1", func(_ *vici.Session, id string) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("reapSA() error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call on immediate success, got %d", calls)
	}
}

func TestReapSAReportsSAReapFailedAfterExhaustingRetries(t *testing.T) {
	t.Parallel()
	calls := 0
	err := reapSA(nil, "sa1", func(_ *vici.Session, id string) error {
		calls++
		return errors.New("boom")
	})
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if calls != reapAttempts {
		t.Fatalf("expected %d attempts, got %d", reapAttempts, calls)
	}
	if vpncerr.KindOf(err) != vpncerr.KindSAReapFailed {
		t.Fatalf("expected KindSAReapFailed, got %v", vpncerr.KindOf(err))
	}
}
