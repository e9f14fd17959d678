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
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/strongswan/govici/vici"

	"github.com/ncubed/vpnc/pkg/allocator"
	"github.com/ncubed/vpnc/pkg/config"
	"github.com/ncubed/vpnc/pkg/dataplane"
	"github.com/ncubed/vpnc/pkg/vctx"
	"github.com/ncubed/vpnc/pkg/vpncerr"
)

// reapAttempts bounds how many times a failed SA termination is
// retried before it is reported as SAReapFailed.
const reapAttempts = 5

// reapSA retries terminate against uniqueID with backoff, up to
// reapAttempts times, classifying an exhausted retry budget as
// SAReapFailed so the caller can surface it distinctly from a plain
// vici transport error.
func reapSA(session *vici.Session, uniqueID string, terminate func(*vici.Session, string) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		return terminate(session, uniqueID)
	}, backoff.WithMaxRetries(b, reapAttempts-1))
	if err != nil {
		return vpncerr.New(vpncerr.KindSAReapFailed, uniqueID, fmt.Errorf("terminate sa after %d attempts: %w", reapAttempts, err))
	}
	return nil
}

// routeFor turns a bare prefix into a dataplane route with no explicit
// gateway; the CORE-side interface is point-to-point, so the kernel
// needs no next hop beyond the link itself.
func routeFor(p netip.Prefix) dataplane.Route {
	return dataplane.Route{To: p}
}

// connNameRE is the inverse of the ipsec driver's connName: the owning
// NI id (itself TENANT-NN) followed by a dash and the connection id.
var connNameRE = regexp.MustCompile(`^([CDE]\d{4}-\d{2})-(\d+)$`)

// parseConnName recovers the tenant, network instance, and connection
// id an IKE SA name refers to.
func parseConnName(ikeName string) (tenantID, niID string, connID uint8, ok bool) {
	m := connNameRE.FindStringSubmatch(ikeName)
	if m == nil {
		return "", "", 0, false
	}
	niID = m[1]
	tenantID = niID[:5]
	n, err := strconv.ParseUint(m[2], 10, 8)
	if err != nil {
		return "", "", 0, false
	}
	return tenantID, niID, uint8(n), true
}

// resolveDuplicateIKESA terminates every IKE SA for ikeName but the
// youngest, the same policy the original applied when a reconnect race
// leaves two SAs established for one connection. It does nothing
// during a make-before-break rekey window: the second SA a CHILD_REKEY
// produces is a legitimate replacement, not a duplicate to reap.
func (m *Monitor) resolveDuplicateIKESA(session *vici.Session, ikeName string) error {
	sas, err := listSAs(session, ikeName)
	if err != nil {
		return fmt.Errorf("list ike sas for %s: %w", ikeName, err)
	}
	if len(sas) <= 1 {
		return nil
	}
	if m.inRekeyWindow(ikeName) {
		return nil
	}
	best := sas[0]
	for _, sa := range sas[1:] {
		if sa.Established <= best.Established {
			if err := reapSA(session, best.UniqueID, terminateIKE); err != nil {
				return err
			}
			best = sa
		} else {
			if err := reapSA(session, sa.UniqueID, terminateIKE); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveDuplicateIPsecSA terminates every child SA sharing a traffic
// selector pair but the youngest, per IKE SA. A rekey can briefly leave
// two children installed for the same pair; only the newest should
// survive.
func (m *Monitor) resolveDuplicateIPsecSA(session *vici.Session, ikeName string) error {
	sas, err := listSAs(session, ikeName)
	if err != nil {
		return fmt.Errorf("list ipsec sas for %s: %w", ikeName, err)
	}
	for _, sa := range sas {
		best := map[string]childSA{}
		for _, child := range sa.Children {
			tsKey := child.LocalTS + "|" + child.RemoteTS
			prev, ok := best[tsKey]
			if !ok {
				best[tsKey] = child
				continue
			}
			if child.InstallTime <= prev.InstallTime {
				if err := reapSA(session, prev.UniqueID, terminateChild); err != nil {
					return err
				}
				best[tsKey] = child
			} else {
				if err := reapSA(session, child.UniqueID, terminateChild); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// routePlan is the outcome of deciding whether a downlink's routes
// should be live in the CORE network instance.
type routePlan struct {
	coreNI    string
	coreIface string
	routes    []netip.Prefix
	advertise bool
}

// decideRoutes computes the routes owned by a connection and whether
// they should be advertised, given the snapshot alone. It is the pure
// core of resolveRouteAdvertisement, kept separate so it is testable
// without a vici session.
func decideRoutes(snap *config.Snapshot, tenantID, niID string, connID uint8, established bool) (routePlan, error) {
	var plan routePlan
	tenant, ok := snap.Tenants[tenantID]
	if !ok {
		return plan, nil
	}
	ni, ok := tenant.NetworkInstances[niID]
	if !ok {
		return plan, nil
	}
	conn, ok := ni.Connections[connID]
	if !ok {
		return plan, nil
	}

	coreNI := findCoreNI(snap)
	if coreNI == "" {
		return plan, fmt.Errorf("no core network instance in snapshot")
	}

	id, err := allocator.NewIdentity(tenantID, niID, connID)
	if err != nil {
		return plan, err
	}

	routes := map[netip.Prefix]struct{}{}
	for _, r := range conn.Routes {
		if r.To.Addr().Is6() {
			routes[r.To] = struct{}{}
		}
	}
	if snap.Service.PrefixDownlinkNAT64.IsValid() {
		nat64, err := allocator.NAT64Prefix(snap.Service.PrefixDownlinkNAT64, id)
		if err != nil {
			return plan, err
		}
		routes[nat64] = struct{}{}
	}
	if snap.Service.PrefixDownlinkNPTv6.IsValid() {
		nptv6, err := allocator.NPTv6Prefix(snap.Service.PrefixDownlinkNPTv6, id, 0, 48)
		if err != nil {
			return plan, err
		}
		routes[nptv6] = struct{}{}
	}

	plan.coreNI = coreNI
	plan.coreIface = niID + "_C"
	plan.advertise = established
	for r := range routes {
		plan.routes = append(plan.routes, r)
	}
	return plan, nil
}

func findCoreNI(snap *config.Snapshot) string {
	tenant, ok := snap.Tenants["DEFAULT"]
	if !ok {
		return ""
	}
	for id, ni := range tenant.NetworkInstances {
		if ni.Type == config.NITypeCore {
			return id
		}
	}
	return ""
}

// resolveRouteAdvertisement recomputes whether ikeName's NAT64/NPTv6
// routes should be live in the CORE network instance: live when the
// backing SA is actually established, retracted otherwise. This
// supplements plain config presence, which the reconciler already
// handles, with SA liveness, which only this monitor observes.
func (m *Monitor) resolveRouteAdvertisement(ctx vctx.Context, session *vici.Session, ikeName string) error {
	tenantID, niID, connID, ok := parseConnName(ikeName)
	if !ok {
		return nil
	}

	snap := m.snapshot.Current()
	if snap == nil {
		return nil
	}
	if coreNI := findCoreNI(snap); coreNI != "" && niID == coreNI {
		return nil
	}

	sas, err := listSAs(session, ikeName)
	if err != nil {
		return fmt.Errorf("list sas for %s: %w", ikeName, err)
	}
	established := false
	for _, sa := range sas {
		if sa.State != "ESTABLISHED" {
			continue
		}
		for _, child := range sa.Children {
			if child.State == "INSTALLED" {
				established = true
			}
		}
	}

	plan, err := decideRoutes(snap, tenantID, niID, connID, established)
	if err != nil {
		return err
	}
	if plan.coreNI == "" {
		return nil
	}

	log := vctx.LoggerFrom(ctx)
	if plan.advertise {
		for _, r := range plan.routes {
			if _, err := m.dp.RouteEnsure(ctx, plan.coreNI, plan.coreIface, routeFor(r)); err != nil {
				return fmt.Errorf("advertise %s: %w", r, err)
			}
		}
		log.Info("advertising downlink routes", "ike", ikeName, "routes", len(plan.routes))
	} else {
		if _, err := m.dp.RouteFlush(ctx, plan.coreNI, plan.coreIface); err != nil {
			return fmt.Errorf("retract routes for %s: %w", plan.coreIface, err)
		}
		log.Info("retracting downlink routes", "ike", ikeName)
	}
	return nil
}
