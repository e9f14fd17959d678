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

	"github.com/containernetworking/plugins/pkg/ns"
	"github.com/vishvananda/netlink"

	"github.com/ncubed/vpnc/pkg/dataplane"
	"github.com/ncubed/vpnc/pkg/vctx"
)

// LinkEnsure creates the link named name inside namespace ns if it is
// missing. A link of that name that already exists is reported as
// Unchanged; its attrs are not compared or updated. For LinkXfrm,
// LinkVeth and LinkTun the link is created in the root namespace and
// then moved into the target namespace (see createInNS). For
// LinkMoveExisting and LinkWireGuard, an already-existing host-side
// interface (attrs.ExistingName) is moved in and then renamed, with the
// original host name kept as its alias for later recovery.
func (k *Kernel) LinkEnsure(ctx vctx.Context, kind dataplane.LinkKind, name, nsName string, attrs dataplane.LinkAttrs) (dataplane.Result, error) {
	log := vctx.LoggerFrom(ctx).With("link", name, "ns", nsName, "kind", kind)

	exists := false
	_ = k.withNS(nsName, func() error {
		_, err := netlink.LinkByName(name)
		exists = err == nil
		return nil
	})
	if exists {
		return dataplane.Unchanged, nil
	}

	switch kind {
	case dataplane.LinkXfrm:
		attr := netlink.NewLinkAttrs()
		attr.Name = name
		attr.MTU = defaultMTU(attrs)
		link := &netlink.Xfrmi{LinkAttrs: attr, Ifid: attrs.XfrmIfID}
		if err := k.createInNS(nsName, link); err != nil {
			return 0, fmt.Errorf("create xfrm link %s: %w", name, err)
		}
	case dataplane.LinkVeth:
		attr := netlink.NewLinkAttrs()
		attr.Name = name
		attr.MTU = defaultMTU(attrs)
		link := &netlink.Veth{LinkAttrs: attr, PeerName: attrs.PeerName}
		if err := k.createInNS(nsName, link); err != nil {
			return 0, fmt.Errorf("create veth link %s: %w", name, err)
		}
	case dataplane.LinkTun:
		attr := netlink.NewLinkAttrs()
		attr.Name = name
		attr.MTU = defaultMTU(attrs)
		link := &netlink.Tuntap{LinkAttrs: attr, Mode: netlink.TUNTAP_MODE_TUN}
		if err := k.createInNS(nsName, link); err != nil {
			return 0, fmt.Errorf("create tun link %s: %w", name, err)
		}
	case dataplane.LinkMoveExisting, dataplane.LinkWireGuard:
		if attrs.ExistingName == "" {
			return 0, fmt.Errorf("%s requires attrs.ExistingName", kind)
		}
		if err := k.moveLinkIn(attrs.ExistingName, name, nsName); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("unknown link kind %q", kind)
	}

	log.Debug("link created")
	return dataplane.Created, nil
}

// LinkDelete removes the named link from nsName.
func (k *Kernel) LinkDelete(ctx vctx.Context, name, nsName string) (dataplane.Result, error) {
	changed := false
	err := k.withNS(nsName, func() error {
		link, err := netlink.LinkByName(name)
		if err != nil {
			return nil // already gone
		}
		if err := netlink.LinkDel(link); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete link %s in %s: %w", name, nsName, err)
	}
	if changed {
		return dataplane.Changed, nil
	}
	return dataplane.Unchanged, nil
}

// createInNS creates link in the root namespace then immediately moves
// it into ns, since netlink.LinkAdd always targets the calling
// process's current namespace.
func (k *Kernel) createInNS(nsName string, link netlink.Link) error {
	if err := netlink.LinkAdd(link); err != nil {
		return err
	}
	targetNS, err := ns.GetNS(netnsPath(nsName))
	if err != nil {
		_ = netlink.LinkDel(link)
		return fmt.Errorf("get netns %s: %w", nsName, err)
	}
	defer targetNS.Close()
	if err := netlink.LinkSetNsFd(link, int(targetNS.Fd())); err != nil {
		_ = netlink.LinkDel(link)
		return fmt.Errorf("move link into %s: %w", nsName, err)
	}
	return k.withNS(nsName, func() error {
		l, err := netlink.LinkByName(link.Attrs().Name)
		if err != nil {
			return err
		}
		return netlink.LinkSetUp(l)
	})
}

// moveLinkIn moves an existing host-side interface into nsName, renaming
// it, preserving its original name as an alias so it can be moved back
// out unambiguously on teardown.
func (k *Kernel) moveLinkIn(hostName, targetName, nsName string) error {
	hostLink, err := netlink.LinkByName(hostName)
	if err != nil {
		return fmt.Errorf("find %s: %w", hostName, err)
	}
	targetNS, err := ns.GetNS(netnsPath(nsName))
	if err != nil {
		return fmt.Errorf("get netns %s: %w", nsName, err)
	}
	defer targetNS.Close()
	if err := netlink.LinkSetNsFd(hostLink, int(targetNS.Fd())); err != nil {
		return fmt.Errorf("move %s into %s: %w", hostName, nsName, err)
	}
	return k.withNS(nsName, func() error {
		l, err := netlink.LinkByName(hostName)
		if err != nil {
			return fmt.Errorf("find %s in %s: %w", hostName, nsName, err)
		}
		if err := netlink.LinkSetDown(l); err != nil {
			return err
		}
		if err := netlink.LinkSetAlias(l, hostName); err != nil {
			return err
		}
		if err := netlink.LinkSetName(l, targetName); err != nil {
			return err
		}
		l, err = netlink.LinkByName(targetName)
		if err != nil {
			return err
		}
		return netlink.LinkSetUp(l)
	})
}

func defaultMTU(attrs dataplane.LinkAttrs) int {
	if attrs.MTU != 0 {
		return attrs.MTU
	}
	return 1420
}
