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

// Package dataplane defines the idempotent contract every kernel-facing
// primitive follows, and the Dataplane interface the reconciler drives.
// Concrete implementations live in the kernel subpackage (real netns,
// netlink, and nftables calls) and the fake subpackage (an in-memory
// substitute used by tests).
package dataplane

import (
	"net/netip"

	"github.com/ncubed/vpnc/pkg/vctx"
)

// Result is the three-valued outcome of an idempotent primitive: the
// object already matched the desired state, the object existed but was
// updated to match, or the object had to be created from nothing. The
// reconciler uses this to decide which events to emit; it never treats
// Unchanged and Created differently for correctness, only for logging.
type Result int

const (
	Unchanged Result = iota
	Changed
	Created
)

func (r Result) String() string {
	switch r {
	case Changed:
		return "changed"
	case Created:
		return "created"
	default:
		return "unchanged"
	}
}

// LinkKind selects which primitive owns a connection's dataplane link.
type LinkKind string

const (
	LinkXfrm         LinkKind = "xfrm"
	LinkWireGuard    LinkKind = "wireguard"
	LinkVeth         LinkKind = "veth"
	LinkTun          LinkKind = "tun"
	LinkMoveExisting LinkKind = "move-existing"
)

// LinkAttrs carries the kind-specific attributes needed to create or
// update a link. Only the fields relevant to Kind are read.
type LinkAttrs struct {
	// XfrmIfID is the XFRM interface id used to bind IPsec SAs to this
	// link; also doubles as an interface index disambiguator.
	XfrmIfID uint32
	// PeerName is the veth peer's name, when Kind is LinkVeth.
	PeerName string
	// ExistingName is the pre-existing interface to move, when Kind is
	// LinkMoveExisting or LinkWireGuard (the wireguard device is
	// created by the WireGuard driver; the primitive only moves it).
	ExistingName string
	// MTU overrides the kernel default when non-zero.
	MTU int
}

// Route is a single route managed by RouteEnsure/RouteFlush.
type Route struct {
	To  netip.Prefix
	Via *netip.Addr
}

// Dataplane is the full set of idempotent kernel primitives the
// reconciler drives. Every method is safe to call repeatedly with the
// same arguments; a call that finds the desired state already in place
// returns Unchanged rather than erroring.
type Dataplane interface {
	NSEnsure(ctx vctx.Context, name string) (Result, error)
	NSDelete(ctx vctx.Context, name string) (Result, error)

	LinkEnsure(ctx vctx.Context, kind LinkKind, name, ns string, attrs LinkAttrs) (Result, error)
	LinkDelete(ctx vctx.Context, name, ns string) (Result, error)

	AddrEnsure(ctx vctx.Context, ns, link string, addr netip.Prefix) (Result, error)
	AddrFlush(ctx vctx.Context, ns, link string) (Result, error)

	RouteEnsure(ctx vctx.Context, ns, link string, route Route) (Result, error)
	RouteFlush(ctx vctx.Context, ns, link string) (Result, error)

	NAT64InstanceEnsure(ctx vctx.Context, ns string, pool6 netip.Prefix) (Result, error)
	NAT64InstanceRemove(ctx vctx.Context, ns string) (Result, error)

	NPTv6RuleEnsure(ctx vctx.Context, ns string, src, dst netip.Prefix) (Result, error)
	NPTv6RuleRemove(ctx vctx.Context, ns string, src netip.Prefix) (Result, error)
}
