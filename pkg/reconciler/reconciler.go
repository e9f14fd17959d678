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

// Package reconciler drives the dataplane and connection drivers toward
// whatever a config.Snapshot describes. Every pass is idempotent: handed
// the same snapshot twice, the second pass touches nothing.
package reconciler

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/exp/slog"

	"github.com/ncubed/vpnc/pkg/allocator"
	"github.com/ncubed/vpnc/pkg/config"
	"github.com/ncubed/vpnc/pkg/dataplane"
	"github.com/ncubed/vpnc/pkg/drivers"
	"github.com/ncubed/vpnc/pkg/drivers/ipsec"
	"github.com/ncubed/vpnc/pkg/drivers/physical"
	"github.com/ncubed/vpnc/pkg/drivers/ssh"
	"github.com/ncubed/vpnc/pkg/drivers/wireguard"
	"github.com/ncubed/vpnc/pkg/vctx"
)

// cmpOpts lets go-cmp compare netip's value types, matching
// pkg/config's own Diff comparer set.
var cmpOpts = cmp.Options{
	cmp.Comparer(func(a, b netip.Addr) bool { return a == b }),
	cmp.Comparer(func(a, b netip.Prefix) bool { return a == b }),
}

// niKey names a network instance across tenants for locking and state
// lookup purposes: "<tenant>/<ni>".
type niKey string

func keyFor(tenantID, niID string) niKey { return niKey(tenantID + "/" + niID) }

// connState is everything the reconciler remembers about one live
// connection between passes: the driver instance driving it and the
// handle it was configured with.
type connState struct {
	driver   drivers.Driver
	handle   drivers.Handle
	lastConn *config.Connection
}

// niState is everything the reconciler remembers about one live network
// instance: its live connections.
type niState struct {
	conns map[uint8]*connState
}

// Reconciler owns the mapping from desired config.Snapshot to live
// dataplane and driver state. It is safe for concurrent Reconcile calls
// on different network instances; concurrent calls for the same NI
// serialize on that NI's stripe lock.
type Reconciler struct {
	dp dataplane.Dataplane

	stripeMu sync.Mutex
	stripes  map[niKey]*sync.Mutex

	stateMu sync.Mutex
	state   map[niKey]*niState
}

// New builds a Reconciler driving dp.
func New(dp dataplane.Dataplane) *Reconciler {
	return &Reconciler{
		dp:      dp,
		stripes: make(map[niKey]*sync.Mutex),
		state:   make(map[niKey]*niState),
	}
}

func (r *Reconciler) lockFor(key niKey) *sync.Mutex {
	r.stripeMu.Lock()
	defer r.stripeMu.Unlock()
	l, ok := r.stripes[key]
	if !ok {
		l = &sync.Mutex{}
		r.stripes[key] = l
	}
	return l
}

// Reconcile drives every tenant and network instance in snap toward its
// desired state, returning a correlation id for the pass and an
// accumulated error covering every NI that failed (siblings still run).
func (r *Reconciler) Reconcile(ctx vctx.Context, snap *config.Snapshot) (string, error) {
	passID := uuid.NewString()
	log := vctx.LoggerFrom(ctx).With("component", "reconciler", "pass", passID, "generation", snap.Generation)
	log.Info("reconciliation pass started")

	var errs *multierror.Error
	var mu sync.Mutex
	var wg sync.WaitGroup

	desired := map[niKey]struct{}{}
	for tenantID, tenant := range snap.Tenants {
		for niID, ni := range tenant.NetworkInstances {
			desired[keyFor(tenantID, niID)] = struct{}{}
			wg.Add(1)
			go func(tenantID, niID string, ni *config.NetworkInstance) {
				defer wg.Done()
				id := vctx.WithIdentity(ctx, vctx.Identity{Tenant: tenantID, NI: niID})
				if err := r.reconcileNI(id, tenantID, niID, ni, snap.Service); err != nil {
					mu.Lock()
					errs = multierror.Append(errs, fmt.Errorf("%s/%s: %w", tenantID, niID, err))
					mu.Unlock()
				}
			}(tenantID, niID, ni)
		}
	}
	wg.Wait()

	for key := range r.knownNIs() {
		if _, ok := desired[key]; ok {
			continue
		}
		wg.Add(1)
		go func(key niKey) {
			defer wg.Done()
			tenantID, niID := splitKey(key)
			id := vctx.WithIdentity(ctx, vctx.Identity{Tenant: tenantID, NI: niID})
			if err := r.teardownNI(id, key); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("%s: teardown: %w", key, err))
				mu.Unlock()
			}
		}(key)
	}
	wg.Wait()

	if errs != nil {
		log.Warn("reconciliation pass completed with errors", "errors", errs.Len())
		return passID, errs.ErrorOrNil()
	}
	log.Info("reconciliation pass completed")
	return passID, nil
}

func (r *Reconciler) knownNIs() map[niKey]struct{} {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	out := make(map[niKey]struct{}, len(r.state))
	for k := range r.state {
		out[k] = struct{}{}
	}
	return out
}

func splitKey(key niKey) (tenantID, niID string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return string(key[:i]), string(key[i+1:])
		}
	}
	return string(key), ""
}

func (r *Reconciler) reconcileNI(ctx vctx.Context, tenantID, niID string, ni *config.NetworkInstance, svc config.ServiceConfig) error {
	key := keyFor(tenantID, niID)
	lock := r.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	log := vctx.LoggerFrom(ctx)
	if _, err := r.dp.NSEnsure(ctx, niID); err != nil {
		return fmt.Errorf("ensure namespace: %w", err)
	}

	st := r.getOrCreateState(key)

	connIDs := make([]uint8, 0, len(ni.Connections))
	for connID := range ni.Connections {
		connIDs = append(connIDs, connID)
	}
	sort.Slice(connIDs, func(i, j int) bool { return connIDs[i] < connIDs[j] })

	shadowed := shadowedRoutes(connIDs, ni.Connections, log)

	var errs *multierror.Error
	seen := map[uint8]struct{}{}
	for _, connID := range connIDs {
		seen[connID] = struct{}{}
		conn := ni.Connections[connID]
		if err := r.reconcileConnection(ctx, tenantID, niID, connID, conn, st, svc, shadowed[connID]); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("connection %d: %w", connID, err))
		}
	}

	for connID, cs := range st.conns {
		if _, ok := seen[connID]; ok {
			continue
		}
		if err := cs.driver.Stop(ctx, r.dp); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("connection %d: stop removed connection: %w", connID, err))
			continue
		}
		delete(st.conns, connID)
		log.Info("connection removed", "connection", connID)
	}

	if tenantID != "DEFAULT" && len(ni.Connections) == 0 {
		if _, err := r.dp.NAT64InstanceRemove(ctx, niID); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("remove nat64 instance: %w", err))
		}
	}

	return errs.ErrorOrNil()
}

// shadowedRoutes applies the lowest-connection-id-wins tie-break for
// routes that overlap across connections within the same network
// instance. connIDs must already be sorted ascending. The returned map
// is keyed by connection id and lists, for each connection, the route
// indices (into conn.Routes) that lost the tie-break and must not be
// materialized.
func shadowedRoutes(connIDs []uint8, conns map[uint8]*config.Connection, log *slog.Logger) map[uint8]map[int]bool {
	out := make(map[uint8]map[int]bool, len(connIDs))
	var claimed []netip.Prefix
	for _, connID := range connIDs {
		conn := conns[connID]
		for i, route := range conn.Routes {
			shadowedByAnother := false
			for _, c := range claimed {
				if c.Overlaps(route.To) {
					shadowedByAnother = true
					break
				}
			}
			if shadowedByAnother {
				if out[connID] == nil {
					out[connID] = map[int]bool{}
				}
				out[connID][i] = true
				log.Warn("route shadowed by a lower connection id", "event", "RouteShadowed", "connection", connID, "route", route.To)
				continue
			}
			claimed = append(claimed, route.To)
		}
	}
	return out
}

func (r *Reconciler) getOrCreateState(key niKey) *niState {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	st, ok := r.state[key]
	if !ok {
		st = &niState{conns: map[uint8]*connState{}}
		r.state[key] = st
	}
	return st
}

func (r *Reconciler) reconcileConnection(ctx vctx.Context, tenantID, niID string, connID uint8, conn *config.Connection, st *niState, svc config.ServiceConfig, shadowed map[int]bool) error {
	log := vctx.LoggerFrom(ctx)
	handle := drivers.Handle{
		TenantID:          tenantID,
		NetworkInstanceID: niID,
		ConnectionID:      connID,
		Namespace:         niID,
		IfaceName:         ifaceName(niID, connID),
	}

	var id allocator.Identity
	var hasIdentity bool
	if tenantID != "DEFAULT" {
		var err error
		id, err = allocator.NewIdentity(tenantID, niID, connID)
		if err != nil {
			return fmt.Errorf("identity: %w", err)
		}
		hasIdentity = true
	}

	if hasIdentity {
		pool6, err := allocator.NAT64Prefix(svc.PrefixDownlinkNAT64, id)
		if err != nil {
			return fmt.Errorf("nat64 prefix: %w", err)
		}
		if _, err := r.dp.NAT64InstanceEnsure(ctx, handle.Namespace, pool6); err != nil {
			return fmt.Errorf("nat64 instance: %w", err)
		}
	}

	cs, exists := st.conns[connID]
	if !exists {
		d, err := newDriver(conn.Config)
		if err != nil {
			return err
		}
		cs = &connState{driver: d, handle: handle}
		st.conns[connID] = cs
	}

	// A driver sitting in Configured with a recorded error got there via
	// a DriverFatal classification (§7): retrying it on an unchanged
	// config can't succeed, so it stays put until the config itself
	// changes. A driver in Configured with no error is either fresh or
	// mid-startup and must still be started.
	fatal := cs.driver.State() == drivers.Configured && cs.driver.LastError() != nil
	unchanged := exists && cs.lastConn != nil && cmp.Equal(cs.lastConn, conn, cmpOpts)
	if unchanged && (cs.driver.State() == drivers.Active || cs.driver.State() == drivers.Connecting || fatal) {
		if err := r.reconcileAddrsAndRoutes(ctx, handle, conn, svc, id, hasIdentity, shadowed); err != nil {
			return fmt.Errorf("addrs/routes: %w", err)
		}
		return nil
	}

	if err := cs.driver.Configure(ctx, handle, conn); err != nil {
		return fmt.Errorf("configure: %w", err)
	}
	cs.lastConn = conn

	if err := cs.driver.Start(ctx, r.dp); err != nil {
		log.Warn("connection failed to start", "connection", connID, "err", err)
		return err
	}
	if err := r.reconcileAddrsAndRoutes(ctx, handle, conn, svc, id, hasIdentity, shadowed); err != nil {
		return fmt.Errorf("addrs/routes: %w", err)
	}
	return nil
}

// reconcileAddrsAndRoutes ensures the interface addresses and static
// routes a connection carries in config, independent of which driver
// owns the underlying link — the driver only owns link lifecycle, never
// L3 configuration. reconcileConnection calls it after the driver step,
// whether that step started the driver or left it as it was; a pass
// whose Configure or Start fails does not call it.
func (r *Reconciler) reconcileAddrsAndRoutes(ctx vctx.Context, handle drivers.Handle, conn *config.Connection, svc config.ServiceConfig, id allocator.Identity, hasIdentity bool, shadowed map[int]bool) error {
	var errs *multierror.Error

	addrV4 := conn.InterfaceAddressV4
	if addrV4 == nil && hasIdentity {
		p, err := allocator.InterfaceV4Prefix(svc.PrefixDownlinkInterfaceV4, id)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("interface v4 prefix: %w", err))
		} else {
			addrV4 = &p
		}
	}
	if addrV4 != nil {
		if _, err := r.dp.AddrEnsure(ctx, handle.Namespace, handle.IfaceName, *addrV4); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	addrV6 := conn.InterfaceAddressV6
	if addrV6 == nil && hasIdentity {
		p, err := allocator.InterfaceV6Prefix(svc.PrefixDownlinkInterfaceV6, id)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("interface v6 prefix: %w", err))
		} else {
			addrV6 = &p
		}
	}
	if addrV6 != nil {
		if _, err := r.dp.AddrEnsure(ctx, handle.Namespace, handle.IfaceName, *addrV6); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	for i, route := range conn.Routes {
		if shadowed[i] {
			continue
		}
		if route.NPTv6 {
			nptPrefix := route.NPTv6Prefix
			if nptPrefix == nil {
				if !hasIdentity {
					errs = multierror.Append(errs, fmt.Errorf("route %d: nptv6 requires an explicit prefix or a downlink identity", i))
					continue
				}
				p, err := allocator.NPTv6Prefix(svc.PrefixDownlinkNPTv6, id, uint8(i), route.To.Bits())
				if err != nil {
					errs = multierror.Append(errs, fmt.Errorf("route %d: nptv6 prefix: %w", i, err))
					continue
				}
				nptPrefix = &p
			}
			if _, err := r.dp.NPTv6RuleEnsure(ctx, handle.Namespace, route.To, *nptPrefix); err != nil {
				errs = multierror.Append(errs, err)
			}
			continue
		}
		if _, err := r.dp.RouteEnsure(ctx, handle.Namespace, handle.IfaceName, dataplane.Route{To: route.To, Via: route.Via}); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (r *Reconciler) teardownNI(ctx vctx.Context, key niKey) error {
	lock := r.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	r.stateMu.Lock()
	st, ok := r.state[key]
	r.stateMu.Unlock()
	if !ok {
		return nil
	}

	var errs *multierror.Error
	for connID, cs := range st.conns {
		if err := cs.driver.Stop(ctx, r.dp); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("connection %d: %w", connID, err))
		}
	}
	tenantID, niID := splitKey(key)
	if tenantID != "DEFAULT" {
		if _, err := r.dp.NAT64InstanceRemove(ctx, niID); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("remove nat64 instance: %w", err))
		}
	}
	if _, err := r.dp.NSDelete(ctx, niID); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("delete namespace: %w", err))
	}
	vctx.LoggerFrom(ctx).Info("network instance torn down", "tenant", tenantID, "ni", niID)

	if errs.ErrorOrNil() == nil {
		r.stateMu.Lock()
		delete(r.state, key)
		r.stateMu.Unlock()
	}
	return errs.ErrorOrNil()
}

// TeardownNI tears down one network instance's live connections and
// deletes its namespace. It is exported so the supervisor can shut
// down network instances in dependency order (downlinks, then core,
// then external) instead of waiting for a final empty Reconcile pass
// to discover they are all gone at once.
func (r *Reconciler) TeardownNI(ctx vctx.Context, tenantID, niID string) error {
	return r.teardownNI(ctx, keyFor(tenantID, niID))
}

// KnownNIs returns every (tenantID, niID) pair the reconciler currently
// holds live state for.
func (r *Reconciler) KnownNIs() [][2]string {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	out := make([][2]string, 0, len(r.state))
	for key := range r.state {
		tenantID, niID := splitKey(key)
		out = append(out, [2]string{tenantID, niID})
	}
	return out
}

func ifaceName(niID string, connID uint8) string {
	return fmt.Sprintf("c%s-%d", niID, connID)
}

func newDriver(cfg config.ConnectionConfig) (drivers.Driver, error) {
	switch cfg.(type) {
	case config.PhysicalConfig:
		return &physical.Driver{}, nil
	case config.IPsecConfig:
		return &ipsec.Driver{}, nil
	case config.WireGuardConfig:
		return &wireguard.Driver{}, nil
	case config.SSHConfig:
		return &ssh.Driver{}, nil
	default:
		return nil, fmt.Errorf("unrecognized connection config type %T", cfg)
	}
}

// Snapshot describes one connection's live state, used by pkg/status to
// render the summary/show RPCs without reaching into the reconciler's
// internal locking.
type Snapshot struct {
	Tenant     string
	NI         string
	Connection uint8
	State      drivers.State
	LastError  string
}

// LiveConnections returns a point-in-time snapshot of every connection
// the reconciler currently tracks, across every network instance.
func (r *Reconciler) LiveConnections() []Snapshot {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	var out []Snapshot
	for key, st := range r.state {
		tenantID, niID := splitKey(key)
		for connID, cs := range st.conns {
			s := Snapshot{Tenant: tenantID, NI: niID, Connection: connID, State: cs.driver.State()}
			if err := cs.driver.LastError(); err != nil {
				s.LastError = err.Error()
			}
			out = append(out, s)
		}
	}
	return out
}
