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

package dnsdoctor

import (
	"fmt"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/vishvananda/netns"
)

// nftTableName scopes every rule this package installs so it never
// collides with the firewall's own tables.
const nftTableName = "vpnc-dnsdoctor"

// HookController installs and removes the netfilter hook that queues
// DNS responses leaving a downlink network instance for mangling,
// replacing the original's `ip6tables -t mangle -A POSTROUTING ...
// NFQUEUE` invocation with the equivalent nftables rule built the same
// way the reconciler's other nftables consumers build theirs.
type HookController struct{}

// EnsureHook creates (or replaces) the postrouting rule inside ns that
// diverts UDP responses with source port 53 to queueNum, where a
// userspace mangler reads them via libnetfilter_queue.
func (HookController) EnsureHook(ns string, queueNum uint16) error {
	conn, closeConn, err := connInNS(ns)
	if err != nil {
		return err
	}
	defer closeConn()

	table := conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyIPv6,
		Name:   nftTableName,
	})
	chain := conn.AddChain(&nftables.Chain{
		Name:     "postrouting",
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookPostrouting,
		Priority: nftables.ChainPriorityMangle,
	})

	conn.FlushChain(chain)
	conn.AddRule(&nftables.Rule{
		Table: table,
		Chain: chain,
		Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unixIPPROTOUDP}},
			&expr.Payload{
				DestRegister: 1,
				Base:         expr.PayloadBaseTransportHeader,
				Offset:       0,
				Len:          2,
			},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{0, 53}},
			&expr.Queue{Num: queueNum},
		},
	})

	if err := conn.Flush(); err != nil {
		return fmt.Errorf("install dns hook in %s: %w", ns, err)
	}
	return nil
}

// RemoveHook tears down the table this package owns inside ns. Safe to
// call even if EnsureHook never ran.
func (HookController) RemoveHook(ns string) error {
	conn, closeConn, err := connInNS(ns)
	if err != nil {
		return err
	}
	defer closeConn()

	conn.DelTable(&nftables.Table{Family: nftables.TableFamilyIPv6, Name: nftTableName})
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("remove dns hook from %s: %w", ns, err)
	}
	return nil
}

// unixIPPROTOUDP is IPPROTO_UDP; spelled as a constant rather than
// imported from x/sys/unix since it never varies by platform and this
// is the only place in the package that needs it.
const unixIPPROTOUDP = 17

// connInNS opens an nftables connection scoped to ns, returning a
// closer that releases the namespace handle once the caller is done
// building and flushing rules.
func connInNS(ns string) (*nftables.Conn, func(), error) {
	handle, err := netns.GetFromName(ns)
	if err != nil {
		return nil, nil, fmt.Errorf("open namespace %s: %w", ns, err)
	}
	conn, err := nftables.New(nftables.WithNetNSFd(int(handle)))
	if err != nil {
		handle.Close()
		return nil, nil, fmt.Errorf("connect nftables in %s: %w", ns, err)
	}
	return conn, func() { handle.Close() }, nil
}
