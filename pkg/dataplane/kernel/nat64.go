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
	"net/netip"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/vishvananda/netns"

	"github.com/ncubed/vpnc/pkg/dataplane"
	"github.com/ncubed/vpnc/pkg/vctx"
)

// NAT64 binding lives in its own table so a network instance's
// namespace teardown (NSDelete) doesn't need to know about it
// separately: deleting the namespace takes the nftables ruleset with
// it. The pool prefix is recorded as the rule's UserData rather than
// inferred from the ruleset, since matching it back out of a Bitwise
// mask isn't worth the code for a value only this package ever reads.
const (
	nat64Table = "vpnc_nat64"
	nat64Chain = "translate"
)

func nftConn(ns string) (*nftables.Conn, func(), error) {
	target, err := netns.GetFromName(ns)
	if err != nil {
		return nil, nil, fmt.Errorf("get netns %s: %w", ns, err)
	}
	conn, err := nftables.New(nftables.WithNetNSFd(int(target)))
	if err != nil {
		target.Close()
		return nil, nil, fmt.Errorf("connect to nftables in %s: %w", ns, err)
	}
	return conn, func() { target.Close() }, nil
}

// NAT64InstanceEnsure records pool6 as the NAT64 pool bound to ns: it
// installs the vpnc_nat64 table with a NAT prerouting chain holding a
// single accept rule that carries pool6 in its UserData. The rule has
// no translation expression, so this package itself does not rewrite
// any packet.
func (k *Kernel) NAT64InstanceEnsure(ctx vctx.Context, ns string, pool6 netip.Prefix) (dataplane.Result, error) {
	conn, closeFn, err := nftConn(ns)
	if err != nil {
		return 0, err
	}
	defer closeFn()

	current, err := currentNAT64Pool(conn)
	if err != nil {
		return 0, fmt.Errorf("read nat64 state in %s: %w", ns, err)
	}
	if current != nil && *current == pool6 {
		return dataplane.Unchanged, nil
	}

	table := conn.AddTable(&nftables.Table{Family: nftables.TableFamilyIPv6, Name: nat64Table})
	if current != nil {
		conn.FlushTable(table)
	}
	chain := conn.AddChain(&nftables.Chain{
		Name:     nat64Chain,
		Table:    table,
		Type:     nftables.ChainTypeNAT,
		Hooknum:  nftables.ChainHookPrerouting,
		Priority: nftables.ChainPriorityNATDest,
	})
	conn.AddRule(&nftables.Rule{
		Table:    table,
		Chain:    chain,
		UserData: []byte(pool6.String()),
		Exprs:    []expr.Any{&expr.Verdict{Kind: expr.VerdictAccept}},
	})
	if err := conn.Flush(); err != nil {
		return 0, fmt.Errorf("bind nat64 pool6 %s in %s: %w", pool6, ns, err)
	}
	vctx.LoggerFrom(ctx).Debug("nat64 pool bound", "ns", ns, "pool6", pool6)
	if current != nil {
		return dataplane.Changed, nil
	}
	return dataplane.Created, nil
}

// NAT64InstanceRemove removes the NAT64 binding from ns, if any.
func (k *Kernel) NAT64InstanceRemove(ctx vctx.Context, ns string) (dataplane.Result, error) {
	conn, closeFn, err := nftConn(ns)
	if err != nil {
		return 0, err
	}
	defer closeFn()

	table, err := findNAT64Table(conn)
	if err != nil {
		return 0, fmt.Errorf("read nat64 state in %s: %w", ns, err)
	}
	if table == nil {
		return dataplane.Unchanged, nil
	}
	conn.DelTable(table)
	if err := conn.Flush(); err != nil {
		return 0, fmt.Errorf("remove nat64 table in %s: %w", ns, err)
	}
	return dataplane.Changed, nil
}

func findNAT64Table(conn *nftables.Conn) (*nftables.Table, error) {
	tables, err := conn.ListTables()
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	for _, t := range tables {
		if t.Name == nat64Table && t.Family == nftables.TableFamilyIPv6 {
			return t, nil
		}
	}
	return nil, nil
}

func currentNAT64Pool(conn *nftables.Conn) (*netip.Prefix, error) {
	table, err := findNAT64Table(conn)
	if err != nil {
		return nil, err
	}
	if table == nil {
		return nil, nil
	}
	rules, err := conn.GetRule(table, &nftables.Chain{Name: nat64Chain, Table: table})
	if err != nil {
		return nil, fmt.Errorf("list nat64 rules: %w", err)
	}
	for _, r := range rules {
		if len(r.UserData) == 0 {
			continue
		}
		p, err := netip.ParsePrefix(string(r.UserData))
		if err != nil {
			continue
		}
		return &p, nil
	}
	return nil, nil
}
