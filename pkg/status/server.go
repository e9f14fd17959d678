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

package status

import (
	"context"
	"fmt"
	"time"

	"github.com/ncubed/vpnc/pkg/config"
	"github.com/ncubed/vpnc/pkg/dnsdoctor"
	"github.com/ncubed/vpnc/pkg/drivers"
	"github.com/ncubed/vpnc/pkg/routingdriver"
)

// ConnectionLister is the subset of *reconciler.Reconciler the status
// server needs; kept as an interface so tests can supply a stub
// without constructing a real Reconciler and dataplane.
type ConnectionLister interface {
	LiveConnections() []ConnectionState
}

// ConnectionState is one connection's live driver state, shaped to
// avoid an import of pkg/reconciler from pkg/status (reconciler
// already imports dataplane and drivers; status stays a leaf).
type ConnectionState struct {
	Tenant     string
	NI         string
	Connection uint8
	State      drivers.State
	LastError  string
}

// SnapshotSource gives the status server read access to the active
// configuration for connection type/address/remote rendering and the
// BGP neighbor list, without depending on the config.Store directly.
type SnapshotSource interface {
	Current() *config.Snapshot
}

// NeighborSource reports the most recently polled BGP neighbor table
// and when it was captured. The supervisor's own periodic polling task
// owns the live vtysh round trip; the status server only ever reads
// the cached result so an RPC never blocks on an external command.
type NeighborSource interface {
	Neighbors() (neighbors []routingdriver.Neighbor, polledAt time.Time, ok bool)
}

// Server implements StatusServer over live daemon state: the
// reconciler's connection table, the active config snapshot, the
// DNS-doctor feeder's current rule set, and the supervisor's cached
// BGP neighbor table.
type Server struct {
	Connections ConnectionLister
	Snapshot    SnapshotSource
	DNSFeeder   *dnsdoctor.Feeder
	Neighbors   NeighborSource
}

var _ StatusServer = (*Server)(nil)

// Show answers ShowRequest, optionally scoped to a tenant and/or
// network instance.
func (s *Server) Show(ctx context.Context, req *ShowRequest) (*ShowResponse, error) {
	snap := s.Snapshot.Current()
	resp := &ShowResponse{}
	for _, cs := range s.Connections.LiveConnections() {
		if req.Tenant != "" && cs.Tenant != req.Tenant {
			continue
		}
		if req.NetworkInstance != "" && cs.NI != req.NetworkInstance {
			continue
		}
		resp.Connections = append(resp.Connections, connectionSummary(snap, cs))
	}
	return resp, nil
}

// connectionSummary joins a live driver state with the connection's
// configured shape (type, addresses, remote) from the current
// snapshot, since the reconciler's own state only tracks driver
// lifecycle, not connection configuration.
func connectionSummary(snap *config.Snapshot, cs ConnectionState) ConnectionSummary {
	out := ConnectionSummary{
		Tenant:          cs.Tenant,
		NetworkInstance: cs.NI,
		Connection:      cs.Connection,
		State:           cs.State.String(),
		Interface:       fmt.Sprintf("c%s-%d", cs.NI, cs.Connection),
		LastError:       cs.LastError,
	}
	if snap == nil {
		return out
	}
	tenant, ok := snap.Tenants[cs.Tenant]
	if !ok {
		return out
	}
	ni, ok := tenant.NetworkInstances[cs.NI]
	if !ok {
		return out
	}
	conn, ok := ni.Connections[cs.Connection]
	if !ok {
		return out
	}
	if conn.InterfaceAddressV4 != nil {
		out.LocalV4 = conn.InterfaceAddressV4.String()
	}
	if conn.InterfaceAddressV6 != nil {
		out.LocalV6 = conn.InterfaceAddressV6.String()
	}
	switch c := conn.Config.(type) {
	case config.PhysicalConfig:
		out.Type = "physical"
		out.Interface = c.InterfaceName
	case config.IPsecConfig:
		out.Type = "ipsec"
		for _, a := range c.RemoteAddrs {
			out.Remote = append(out.Remote, a.String())
		}
	case config.WireGuardConfig:
		out.Type = "wireguard"
		for _, a := range c.RemoteAddrs {
			out.Remote = append(out.Remote, fmt.Sprintf("%s:%d", a, c.RemotePort))
		}
	case config.SSHConfig:
		out.Type = "ssh"
		for _, a := range c.RemoteAddrs {
			out.Remote = append(out.Remote, a.String())
		}
	}
	return out
}

// Summary answers SummaryRequest with a daemon-wide state breakdown.
func (s *Server) Summary(ctx context.Context, req *SummaryRequest) (*SummaryResponse, error) {
	resp := &SummaryResponse{ConnectionsByState: map[string]int{}}
	for _, cs := range s.Connections.LiveConnections() {
		resp.TotalConnections++
		resp.ConnectionsByState[cs.State.String()]++
	}
	return resp, nil
}

// NAT answers NATRequest with every active NAT64/NPTv6 mapping the
// DNS-doctor feeder currently holds rules for, since those rules are
// derived from the same allocator output the dataplane installed.
func (s *Server) NAT(ctx context.Context, req *NATRequest) (*NATResponse, error) {
	resp := &NATResponse{}
	rs := s.DNSFeeder.Current()
	for niID, rule := range rs.Rules {
		if req.NetworkInstance != "" && niID != req.NetworkInstance {
			continue
		}
		for _, m := range rule.DNS64 {
			resp.Entries = append(resp.Entries, NATEntry{
				NetworkInstance: niID,
				Kind:            "nat64",
				Local:           m.Local.String(),
				Remote:          m.Remote.String(),
			})
		}
		for _, m := range rule.DNS66 {
			resp.Entries = append(resp.Entries, NATEntry{
				NetworkInstance: niID,
				Kind:            "nptv6",
				Local:           m.Local.String(),
				Remote:          m.Remote.String(),
			})
		}
	}
	return resp, nil
}

// BGP answers BGPRequest from the supervisor's cached neighbor poll,
// reporting how stale that cache is via Age.
func (s *Server) BGP(ctx context.Context, req *BGPRequest) (*BGPResponse, error) {
	neighbors, polledAt, ok := s.Neighbors.Neighbors()
	resp := &BGPResponse{}
	if !ok {
		resp.Age = "never"
		return resp, nil
	}
	resp.Age = time.Since(polledAt).Round(time.Second).String()
	for _, n := range neighbors {
		resp.Neighbors = append(resp.Neighbors, BGPNeighborSummary{
			Address:  n.Address,
			ASN:      n.ASN,
			State:    n.State,
			BFDState: n.BFDState,
		})
	}
	return resp, nil
}
