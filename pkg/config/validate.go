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

package config

import (
	"fmt"
	"net/netip"
	"regexp"

	"github.com/hashicorp/go-multierror"

	"github.com/ncubed/vpnc/pkg/allocator"
	"github.com/ncubed/vpnc/pkg/util"
	"github.com/ncubed/vpnc/pkg/vpncerr"
)

var tenantIDRE = regexp.MustCompile(`^(DEFAULT|[CDE]\d{4})$`)
var niIDRE = regexp.MustCompile(`^([CDE]\d{4})-(\d{2})$`)

// Validate checks a Snapshot against every rule in the data model and
// returns a single accumulated error, or nil if the snapshot may be
// committed. Every leaf error is a *vpncerr.Error of kind
// KindInvalidConfig citing the offending path.
func Validate(s *Snapshot) error {
	var errs *multierror.Error

	if s.Service.Mode != ModeHub && s.Service.Mode != ModeEndpoint {
		errs = multierror.Append(errs, vpncerr.Invalid("DEFAULT.mode", "mode must be hub or endpoint, got %q", s.Service.Mode))
	}
	for _, p := range []struct {
		name string
		pfx  interface{ Bits() int }
		want int
	}{
		{"prefix_downlink_interface_v4", s.Service.PrefixDownlinkInterfaceV4, 16},
		{"prefix_downlink_interface_v6", s.Service.PrefixDownlinkInterfaceV6, 32},
		{"prefix_downlink_nat64", s.Service.PrefixDownlinkNAT64, 32},
		{"prefix_downlink_nptv6", s.Service.PrefixDownlinkNPTv6, 12},
	} {
		if p.pfx.Bits() != p.want {
			errs = multierror.Append(errs, vpncerr.Invalid("DEFAULT."+p.name,
				"%s must be a /%d, got /%d", p.name, p.want, p.pfx.Bits()))
		}
	}
	if s.Service.BGP.ASN < 4200000000 || s.Service.BGP.ASN > 4294967294 {
		errs = multierror.Append(errs, vpncerr.Invalid("DEFAULT.bgp.asn", "asn %d outside 4.2e9..4.29e9", s.Service.BGP.ASN))
	}
	var neighborAddrs []netip.Addr
	for i, n := range s.Service.BGP.Neighbors {
		if n.Priority > 9 {
			errs = multierror.Append(errs, vpncerr.Invalid(fmt.Sprintf("DEFAULT.bgp.neighbors[%d].priority", i),
				"priority %d outside 0..9", n.Priority))
		}
		neighborAddrs = append(neighborAddrs, n.Address)
	}
	if !util.AllUnique(neighborAddrs) {
		errs = multierror.Append(errs, vpncerr.Invalid("DEFAULT.bgp.neighbors", "neighbor addresses must be unique"))
	}

	var externalCount, coreCount int
	var haveEndpoint bool
	downlinkCount := 0
	for tenantID, tenant := range s.Tenants {
		tenant.ID = tenantID
		if !tenantIDRE.MatchString(tenantID) {
			errs = multierror.Append(errs, vpncerr.Invalid(tenantID, "tenant id does not match %s", tenantIDRE.String()))
			continue
		}
		if tenantID == "DEFAULT" {
			for niID, ni := range tenant.NetworkInstances {
				ni.ID = niID
				errs = multierror.Append(errs, validateConnectionsErr(tenantID, niID, ni)...)
				switch ni.Type {
				case NITypeExternal:
					externalCount++
				case NITypeCore:
					coreCount++
				case NITypeEndpoint:
					haveEndpoint = true
				default:
					errs = multierror.Append(errs, vpncerr.Invalid(niID, "DEFAULT may only own external, core, or endpoint instances"))
				}
			}
			continue
		}
		// C/D are hub-mode downlink tenants; E tenants exist only in
		// endpoint mode.
		letter := tenantID[0]
		switch {
		case letter == 'C' || letter == 'D':
			if s.Service.Mode != ModeHub {
				errs = multierror.Append(errs, vpncerr.Invalid(tenantID, "downlink tenant present outside hub mode"))
			}
			downlinkCount++
		case letter == 'E':
			if s.Service.Mode != ModeEndpoint {
				errs = multierror.Append(errs, vpncerr.Invalid(tenantID, "endpoint tenant present outside endpoint mode"))
			}
		}
		for niID, ni := range tenant.NetworkInstances {
			ni.ID = niID
			m := niIDRE.FindStringSubmatch(niID)
			if m == nil || m[1] != tenantID {
				errs = multierror.Append(errs, vpncerr.Invalid(niID, "ni id must be %s-NN", tenantID))
			}
			if ni.Type != NITypeDownlink {
				errs = multierror.Append(errs, vpncerr.Invalid(niID, "non-DEFAULT tenant instances must be type downlink"))
			}
			errs = multierror.Append(errs, validateConnectionsErr(tenantID, niID, ni)...)
		}
	}
	if externalCount != 1 {
		errs = multierror.Append(errs, vpncerr.Invalid("DEFAULT", "exactly one EXTERNAL instance is required, got %d", externalCount))
	}
	if coreCount != 1 {
		errs = multierror.Append(errs, vpncerr.Invalid("DEFAULT", "exactly one CORE instance is required, got %d", coreCount))
	}
	if s.Service.Mode == ModeEndpoint && !haveEndpoint {
		errs = multierror.Append(errs, vpncerr.Invalid("DEFAULT", "endpoint mode requires an ENDPOINT instance"))
	}
	if s.Service.Mode == ModeEndpoint && downlinkCount > 0 {
		errs = multierror.Append(errs, vpncerr.Invalid("DEFAULT", "endpoint mode may not have downlink tenants"))
	}

	return errs.ErrorOrNil()
}

func validateConnectionsErr(tenantID, niID string, ni *NetworkInstance) []error {
	var errs []error
	for connID, conn := range ni.Connections {
		conn.ID = connID
		path := fmt.Sprintf("%s/%s/%d", tenantID, niID, connID)

		if ipsec, ok := conn.Config.(IPsecConfig); ok {
			hasRoutes := len(conn.Routes) > 0
			hasTS := len(ipsec.TrafficSelectors) > 0
			if hasRoutes && hasTS {
				errs = append(errs, vpncerr.Invalid(path, "routes and traffic_selectors are mutually exclusive"))
			}
		}
		for i, r := range conn.Routes {
			if r.NPTv6 {
				if r.NPTv6Prefix != nil && r.NPTv6Prefix.Bits() != r.To.Bits() {
					errs = append(errs, vpncerr.Invalid(fmt.Sprintf("%s/routes[%d]", path, i),
						"nptv6_prefix length %d must match to-prefix length %d", r.NPTv6Prefix.Bits(), r.To.Bits()))
				}
			}
		}
		if tenantID != "DEFAULT" {
			if _, err := allocator.NewIdentity(tenantID, niID, connID); err != nil {
				errs = append(errs, vpncerr.Invalid(path, "invalid identity: %v", err))
			}
		}
	}
	return errs
}
