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

// Package nftfirewall enforces the concentrator's one fixed firewall
// posture: connections may only be initiated from the management side
// of a network instance towards its downlink tenants, never the other
// way. It is not a general-purpose firewall manager; there is exactly
// one policy, and it is applied per network instance namespace.
package nftfirewall

import (
	"encoding/binary"
	"fmt"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/sbezverk/nftableslib"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/ncubed/vpnc/pkg/dataplane"
	"github.com/ncubed/vpnc/pkg/vctx"
)

const (
	filterTable  = "vpnc_filter"
	forwardChain = "forward"
)

// Firewall applies the management-initiates-only posture to network
// instance namespaces via nftableslib, the way the teacher's firewall
// type wraps nftableslib.TableFuncs/ChainFuncs around a per-namespace
// connection.
type Firewall struct{}

// EnsurePosture installs a forward chain in ns that accepts established
// and related traffic, accepts new connections whose input interface is
// mgmtIface, and drops everything else — in particular, new connections
// arriving from any downlink-facing interface. It is idempotent: the
// table is recreated from scratch on every call, since nftableslib has
// no built-in diffing and the ruleset here is small enough that
// replace-in-place costs nothing observable.
func (Firewall) EnsurePosture(ctx vctx.Context, ns, mgmtIface string) (dataplane.Result, error) {
	target, err := netns.GetFromName(ns)
	if err != nil {
		return 0, fmt.Errorf("get netns %s: %w", ns, err)
	}
	defer target.Close()

	conn := nftableslib.InitConn(int(target))
	ti := nftableslib.InitNFTables(conn).Tables()

	existed := false
	if _, err := ti.Table(filterTable, nftables.TableFamilyINet); err == nil {
		existed = true
		if err := ti.DeleteImm(filterTable, nftables.TableFamilyINet); err != nil {
			return 0, fmt.Errorf("flush stale firewall table in %s: %w", ns, err)
		}
	}
	if err := ti.CreateImm(filterTable, nftables.TableFamilyINet); err != nil {
		return 0, fmt.Errorf("create firewall table in %s: %w", ns, err)
	}
	table, err := ti.Table(filterTable, nftables.TableFamilyINet)
	if err != nil {
		return 0, fmt.Errorf("load firewall table in %s: %w", ns, err)
	}
	chains := table.Chains()
	dropPolicy := nftableslib.ChainPolicyDrop
	if err := chains.CreateImm(forwardChain, &nftableslib.ChainAttributes{
		Type:     nftables.ChainTypeFilter,
		Hook:     nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &dropPolicy,
	}); err != nil {
		return 0, fmt.Errorf("create forward chain in %s: %w", ns, err)
	}
	forward, err := chains.Chain(forwardChain)
	if err != nil {
		return 0, fmt.Errorf("load forward chain in %s: %w", ns, err)
	}

	accept, err := nftableslib.SetVerdict(nftableslib.NFT_ACCEPT)
	if err != nil {
		return 0, fmt.Errorf("build accept verdict: %w", err)
	}

	var ctEstablishedRelated [4]byte
	binary.BigEndian.PutUint32(ctEstablishedRelated[:], uint32(nftableslib.CTStateEstablished|nftableslib.CTStateRelated))
	if _, err := forward.Rules().InsertImm(&nftableslib.Rule{
		Conntracks: []*nftableslib.Conntrack{{
			Key:   uint32(expr.CtKeySTATE),
			Value: ctEstablishedRelated[:],
		}},
		Action:   accept,
		UserData: nftableslib.MakeRuleComment("allow tracked connections"),
	}); err != nil {
		return 0, fmt.Errorf("install established/related rule in %s: %w", ns, err)
	}

	if _, err := forward.Rules().InsertImm(&nftableslib.Rule{
		Meta: &nftableslib.Meta{
			Expr: []nftableslib.MetaExpr{{
				Key:   uint32(expr.MetaKeyIIFNAME),
				Value: ifnameBytes(mgmtIface),
			}},
		},
		Action:   accept,
		UserData: nftableslib.MakeRuleComment("allow connections initiated from the management side"),
	}); err != nil {
		return 0, fmt.Errorf("install management-initiates rule in %s: %w", ns, err)
	}

	if err := conn.Flush(); err != nil {
		return 0, fmt.Errorf("apply firewall posture in %s: %w", ns, err)
	}
	vctx.LoggerFrom(ctx).Debug("firewall posture applied", "ns", ns, "mgmt_iface", mgmtIface)
	if existed {
		return dataplane.Changed, nil
	}
	return dataplane.Created, nil
}

// RemovePosture deletes the firewall table from ns, if present.
func (Firewall) RemovePosture(ctx vctx.Context, ns string) (dataplane.Result, error) {
	target, err := netns.GetFromName(ns)
	if err != nil {
		return 0, fmt.Errorf("get netns %s: %w", ns, err)
	}
	defer target.Close()

	conn := nftableslib.InitConn(int(target))
	ti := nftableslib.InitNFTables(conn).Tables()
	if _, err := ti.Table(filterTable, nftables.TableFamilyINet); err != nil {
		return dataplane.Unchanged, nil
	}
	if err := ti.DeleteImm(filterTable, nftables.TableFamilyINet); err != nil {
		return 0, fmt.Errorf("remove firewall table in %s: %w", ns, err)
	}
	if err := conn.Flush(); err != nil {
		return 0, fmt.Errorf("apply firewall removal in %s: %w", ns, err)
	}
	return dataplane.Changed, nil
}

func ifnameBytes(name string) []byte {
	b := make([]byte, unix.IFNAMSIZ)
	copy(b, name)
	return b
}
