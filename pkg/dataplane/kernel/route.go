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

package kernel

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"

	"github.com/ncubed/vpnc/pkg/dataplane"
	"github.com/ncubed/vpnc/pkg/vctx"
)

// AddrEnsure assigns addr to linkName inside ns if it is not already
// present.
func (k *Kernel) AddrEnsure(ctx vctx.Context, ns, linkName string, addr netip.Prefix) (dataplane.Result, error) {
	result := dataplane.Unchanged
	err := k.withNS(ns, func() error {
		link, err := netlink.LinkByName(linkName)
		if err != nil {
			return fmt.Errorf("find link %s: %w", linkName, err)
		}
		existing, err := netlink.AddrList(link, addrFamily(addr.Addr()))
		if err != nil {
			return fmt.Errorf("list addrs on %s: %w", linkName, err)
		}
		want := prefixToIPNet(addr)
		for _, a := range existing {
			if a.IPNet.String() == want.String() {
				return nil
			}
		}
		if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: want}); err != nil {
			return fmt.Errorf("add addr %s to %s: %w", addr, linkName, err)
		}
		result = dataplane.Created
		return nil
	})
	return result, err
}

// AddrFlush removes every address assigned to linkName inside ns.
func (k *Kernel) AddrFlush(ctx vctx.Context, ns, linkName string) (dataplane.Result, error) {
	result := dataplane.Unchanged
	err := k.withNS(ns, func() error {
		link, err := netlink.LinkByName(linkName)
		if err != nil {
			return fmt.Errorf("find link %s: %w", linkName, err)
		}
		for _, fam := range []int{netlink.FAMILY_V4, netlink.FAMILY_V6} {
			addrs, err := netlink.AddrList(link, fam)
			if err != nil {
				return fmt.Errorf("list addrs on %s: %w", linkName, err)
			}
			for _, a := range addrs {
				if err := netlink.AddrDel(link, &a); err != nil {
					return fmt.Errorf("remove addr %s from %s: %w", a.IPNet, linkName, err)
				}
				result = dataplane.Changed
			}
		}
		return nil
	})
	return result, err
}

// RouteEnsure installs or updates route on linkName inside ns.
func (k *Kernel) RouteEnsure(ctx vctx.Context, ns, linkName string, route dataplane.Route) (dataplane.Result, error) {
	result := dataplane.Unchanged
	err := k.withNS(ns, func() error {
		link, err := netlink.LinkByName(linkName)
		if err != nil {
			return fmt.Errorf("find link %s: %w", linkName, err)
		}
		dst := prefixToIPNet(route.To)
		existing, err := netlink.RouteListFiltered(addrFamily(route.To.Addr()), &netlink.Route{
			LinkIndex: link.Attrs().Index,
			Dst:       dst,
		}, netlink.RT_FILTER_DST|netlink.RT_FILTER_OIF)
		if err != nil {
			return fmt.Errorf("list routes on %s: %w", linkName, err)
		}
		nlRoute := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: dst}
		if route.Via != nil {
			nlRoute.Gw = route.Via.AsSlice()
		}
		if len(existing) > 0 {
			if routeViaMatches(existing[0], route.Via) {
				return nil
			}
			if err := netlink.RouteReplace(nlRoute); err != nil {
				return fmt.Errorf("replace route %s on %s: %w", route.To, linkName, err)
			}
			result = dataplane.Changed
			return nil
		}
		if err := netlink.RouteAdd(nlRoute); err != nil {
			return fmt.Errorf("add route %s on %s: %w", route.To, linkName, err)
		}
		result = dataplane.Created
		return nil
	})
	return result, err
}

// RouteFlush removes every route owned by linkName inside ns.
func (k *Kernel) RouteFlush(ctx vctx.Context, ns, linkName string) (dataplane.Result, error) {
	result := dataplane.Unchanged
	err := k.withNS(ns, func() error {
		link, err := netlink.LinkByName(linkName)
		if err != nil {
			return fmt.Errorf("find link %s: %w", linkName, err)
		}
		for _, fam := range []int{netlink.FAMILY_V4, netlink.FAMILY_V6} {
			routes, err := netlink.RouteListFiltered(fam, &netlink.Route{LinkIndex: link.Attrs().Index}, netlink.RT_FILTER_OIF)
			if err != nil {
				return fmt.Errorf("list routes on %s: %w", linkName, err)
			}
			for _, r := range routes {
				if err := netlink.RouteDel(&r); err != nil {
					return fmt.Errorf("remove route %s from %s: %w", r.Dst, linkName, err)
				}
				result = dataplane.Changed
			}
		}
		return nil
	})
	return result, err
}

func addrFamily(a netip.Addr) int {
	if a.Is4() {
		return netlink.FAMILY_V4
	}
	return netlink.FAMILY_V6
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}

func routeViaMatches(r netlink.Route, via *netip.Addr) bool {
	if via == nil {
		return r.Gw == nil
	}
	return r.Gw != nil && r.Gw.Equal(net.IP(via.AsSlice()))
}
