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

// Package supervisor wires the config store, reconciler, IKE/SA
// monitor, routing-daemon driver, and DNS-doctor feeder into one
// process: it owns the small pool of cooperative workers described by
// the concurrency model, publishes config-store and routing-daemon
// state through vqueue slots so a stalled consumer never back-pressures
// the producer, and drives startup/shutdown ordering.
package supervisor

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/ncubed/vpnc/pkg/allocator"
	"github.com/ncubed/vpnc/pkg/config"
	"github.com/ncubed/vpnc/pkg/dataplane"
	"github.com/ncubed/vpnc/pkg/dataplane/kernel"
	"github.com/ncubed/vpnc/pkg/dataplane/nftfirewall"
	"github.com/ncubed/vpnc/pkg/dnsdoctor"
	"github.com/ncubed/vpnc/pkg/ikemonitor"
	"github.com/ncubed/vpnc/pkg/reconciler"
	"github.com/ncubed/vpnc/pkg/routingdriver"
	"github.com/ncubed/vpnc/pkg/status"
	"github.com/ncubed/vpnc/pkg/vctx"
	"github.com/ncubed/vpnc/pkg/vqueue"
)

// Config is the supervisor's process-level configuration: everything
// that is not tenant/service YAML, assembled by cmd/vpncd from
// flags/env/file via koanf.
type Config struct {
	// ConfigDir is the root holding candidate/ and active/, per §6.
	ConfigDir string
	// MgmtInterface is the EXTERNAL network instance's uplink-facing
	// interface, used to install the default "only management→tenant
	// initiates" firewall posture.
	MgmtInterface string
	// NeighborPollInterval controls how often the routing-daemon driver
	// polls FRR for neighbor/BFD state.
	NeighborPollInterval time.Duration
	// ReconcileRetryInterval is how often the supervisor re-runs
	// Reconcile against the last-known-good snapshot even without a
	// config change, so DEGRADED connections get another attempt.
	// Per-transport drivers (e.g. SSH) additionally run their own
	// tighter backoff for the reconnect itself.
	ReconcileRetryInterval time.Duration
	// ExternalCommandTimeout bounds every external command the
	// supervisor's own tasks issue directly (routing-daemon reload,
	// neighbor poll); driver-owned external calls set their own.
	ExternalCommandTimeout time.Duration
	// DNSHookQueue is the NFQUEUE number the DNS-doctor netfilter hook
	// diverts intercepted DNS responses to.
	DNSHookQueue uint16
}

// NewDefaultConfig returns Config populated with the daemon's default
// timings.
func NewDefaultConfig() Config {
	return Config{
		ConfigDir:              "/opt/ncubed/config/vpnc",
		NeighborPollInterval:   30 * time.Second,
		ReconcileRetryInterval: 20 * time.Second,
		ExternalCommandTimeout: 10 * time.Second,
		DNSHookQueue:           100,
	}
}

// neighborSample pairs a polled neighbor table with when it was taken,
// so status queries can report cache age instead of a live value that
// may be stale by an unbounded amount.
type neighborSample struct {
	neighbors []routingdriver.Neighbor
	at        time.Time
}

// Supervisor owns every long-running task of the daemon and the shared
// state they publish for the status endpoint.
type Supervisor struct {
	cfg Config

	store    *config.Store
	dp       dataplane.Dataplane
	recon    *reconciler.Reconciler
	ike      *ikemonitor.Monitor
	feeder   *dnsdoctor.Feeder
	hook     dnsdoctor.HookController
	firewall nftfirewall.Firewall

	snapshot  *vqueue.Slot[*config.Snapshot]
	neighbors *vqueue.Slot[neighborSample]

	server *status.Server
}

// New builds a Supervisor driving a real kernel dataplane rooted at
// cfg.ConfigDir. Call Run to start it.
func New(cfg Config) *Supervisor {
	dp := &kernel.Kernel{}
	store := &config.Store{Dir: cfg.ConfigDir}
	recon := reconciler.New(dp)
	s := &Supervisor{
		cfg:       cfg,
		store:     store,
		dp:        dp,
		recon:     recon,
		feeder:    dnsdoctor.NewFeeder(),
		snapshot:  vqueue.NewSlot[*config.Snapshot](),
		neighbors: vqueue.NewSlot[neighborSample](),
	}
	s.ike = ikemonitor.New(dp, s)
	s.server = &status.Server{
		Connections: connLister{recon},
		Snapshot:    s,
		DNSFeeder:   s.feeder,
		Neighbors:   s,
	}
	return s
}

// Current implements ikemonitor.SnapshotSource and status.SnapshotSource.
func (s *Supervisor) Current() *config.Snapshot {
	snap, _ := s.snapshot.Get()
	return snap
}

// Neighbors implements status.NeighborSource.
func (s *Supervisor) Neighbors() ([]routingdriver.Neighbor, time.Time, bool) {
	sample, ok := s.neighbors.Get()
	if !ok {
		return nil, time.Time{}, false
	}
	return sample.neighbors, sample.at, true
}

// StatusServer returns the status.StatusServer implementation backing
// the observability surface, for cmd/vpncd to register on a gRPC
// server over the status Unix socket.
func (s *Supervisor) StatusServer() status.StatusServer {
	return s.server
}

// Run loads the active configuration, reconciles it once, and then
// runs every background task until ctx is canceled. On cancellation it
// tears every network instance down in reverse dependency order
// (downlinks, then core, then external) before returning, so a
// supervised restart never leaves a half-torn-down dataplane.
func (s *Supervisor) Run(ctx vctx.Context) error {
	log := vctx.LoggerFrom(ctx).With("component", "supervisor")

	snap, err := s.store.LoadActive()
	if err != nil {
		return fmt.Errorf("load active config: %w", err)
	}
	if err := config.Validate(snap); err != nil {
		return fmt.Errorf("active config store is corrupt: %w", err)
	}
	s.snapshot.Set(snap)
	if err := s.ensureFirewallPostures(ctx, snap); err != nil {
		log.Warn("firewall posture setup failed", "err", err)
	}
	if _, err := s.recon.Reconcile(ctx, snap); err != nil {
		log.Warn("initial reconciliation completed with errors", "err", err)
	}
	if rs, err := dnsdoctor.Compute(snap); err != nil {
		log.Warn("dns-doctor rule computation failed", "err", err)
	} else {
		s.feeder.Push(rs)
	}
	if err := s.applyRouting(ctx, snap); err != nil {
		log.Warn("routing-daemon apply failed", "err", err)
	}

	changed := make(chan struct{}, 1)
	if err := s.store.Watch(ctx, changed); err != nil {
		return fmt.Errorf("watch active config: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); s.runReconcileLoop(ctx, changed) }()
	go func() { defer wg.Done(); s.runNeighborPoll(ctx) }()
	go func() {
		defer wg.Done()
		if err := s.ike.Run(ctx); err != nil && ctx.Err() == nil {
			log.Warn("ike monitor exited", "err", err)
		}
	}()

	<-ctx.Done()
	log.Info("supervisor shutting down, tearing down network instances")
	wg.Wait()
	s.shutdownDataplane(vctx.Background())
	return nil
}

// runReconcileLoop reconciles on every config-store change and,
// independently, on a fixed retry interval so DEGRADED connections get
// another attempt without waiting for an unrelated config edit.
func (s *Supervisor) runReconcileLoop(ctx vctx.Context, changed <-chan struct{}) {
	log := vctx.LoggerFrom(ctx).With("component", "supervisor")
	ticker := time.NewTicker(s.cfg.ReconcileRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-changed:
			s.reconcileOnce(ctx, log)
		case <-ticker.C:
			s.reconcileOnce(ctx, log)
		}
	}
}

func (s *Supervisor) reconcileOnce(ctx vctx.Context, log interface {
	Warn(string, ...any)
}) {
	snap, err := s.store.LoadActive()
	if err != nil {
		log.Warn("failed to reload active config, keeping previous snapshot", "err", err)
		return
	}
	if err := config.Validate(snap); err != nil {
		log.Warn("active config store failed validation on reload", "err", err)
		return
	}
	s.snapshot.Set(snap)
	if _, err := s.recon.Reconcile(ctx, snap); err != nil {
		log.Warn("reconciliation pass completed with errors", "err", err)
	}
	if err := s.ensureFirewallPostures(ctx, snap); err != nil {
		log.Warn("firewall posture reconciliation failed", "err", err)
	}
	if rs, err := dnsdoctor.Compute(snap); err != nil {
		log.Warn("dns-doctor rule computation failed", "err", err)
	} else {
		s.feeder.Push(rs)
	}
	if err := s.applyRouting(ctx, snap); err != nil {
		log.Warn("routing-daemon apply failed", "err", err)
	}
}

// applyRouting renders and reloads the routing-daemon config for
// snap's core routes. coreRoutes is derived from every downlink
// connection's NAT64/NPTv6 allocator output, the way §4.7 describes
// the prefix-lists being derived from allocator prefixes.
func (s *Supervisor) applyRouting(ctx vctx.Context, snap *config.Snapshot) error {
	routes, err := coreRoutes(snap)
	if err != nil {
		return err
	}
	rendered := routingdriver.Render(snap.Service, routes)
	return routingdriver.Apply(ctx, rendered)
}

// ensureFirewallPostures installs the default management→tenant-only
// posture and the DNS-doctor interception hook on every downlink
// network instance's namespace.
func (s *Supervisor) ensureFirewallPostures(ctx vctx.Context, snap *config.Snapshot) error {
	var errs *multierror.Error
	for _, tenant := range snap.Tenants {
		for niID, ni := range tenant.NetworkInstances {
			if ni.Type != config.NITypeDownlink {
				continue
			}
			if s.cfg.MgmtInterface != "" {
				if _, err := s.firewall.EnsurePosture(ctx, niID, s.cfg.MgmtInterface); err != nil {
					errs = multierror.Append(errs, fmt.Errorf("%s: firewall posture: %w", niID, err))
				}
			}
			if needsDNSDoctor(ni) {
				if err := s.hook.EnsureHook(niID, s.cfg.DNSHookQueue); err != nil {
					errs = multierror.Append(errs, fmt.Errorf("%s: dns hook: %w", niID, err))
				}
			}
		}
	}
	return errs.ErrorOrNil()
}

// needsDNSDoctor reports whether any connection in ni carries a route
// eligible for NAT64/NPTv6, meaning DNS answers crossing it need
// rewriting.
func needsDNSDoctor(ni *config.NetworkInstance) bool {
	for _, conn := range ni.Connections {
		if len(conn.Routes) > 0 {
			return true
		}
	}
	return false
}

// runNeighborPoll periodically polls the routing daemon's neighbor
// table and publishes it as a last-writer-wins sample, matching the
// concurrency model's "snapshots and neighbor-state are last-writer-
// wins" rule.
func (s *Supervisor) runNeighborPoll(ctx vctx.Context) {
	log := vctx.LoggerFrom(ctx).With("component", "supervisor")
	ticker := time.NewTicker(s.cfg.NeighborPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.Current()
			if snap == nil {
				continue
			}
			pollCtx, cancel := vctx.WithTimeout(ctx, s.cfg.ExternalCommandTimeout)
			neighbors, err := routingdriver.PollNeighbors(pollCtx, snap.Service)
			cancel()
			if err != nil {
				log.Warn("bgp neighbor poll failed", "err", err)
				continue
			}
			s.neighbors.Set(neighborSample{neighbors: neighbors, at: time.Now()})
		}
	}
}

// shutdownDataplane tears down every known network instance in reverse
// dependency order: downlinks first (they depend on nothing else),
// then core, then external (everything else routes through it).
func (s *Supervisor) shutdownDataplane(ctx vctx.Context) {
	log := vctx.LoggerFrom(ctx).With("component", "supervisor")
	snap := s.Current()
	order := map[config.NIType]int{
		config.NITypeDownlink: 0,
		config.NITypeEndpoint: 0,
		config.NITypeCore:     1,
		config.NITypeExternal: 2,
	}
	rank := func(tenantID, niID string) int {
		if snap == nil {
			return 0
		}
		tenant, ok := snap.Tenants[tenantID]
		if !ok {
			return 0
		}
		ni, ok := tenant.NetworkInstances[niID]
		if !ok {
			return 0
		}
		return order[ni.Type]
	}
	nis := s.recon.KnownNIs()
	for phase := 0; phase <= 2; phase++ {
		for _, pair := range nis {
			tenantID, niID := pair[0], pair[1]
			if rank(tenantID, niID) != phase {
				continue
			}
			if err := s.recon.TeardownNI(ctx, tenantID, niID); err != nil {
				log.Warn("teardown failed during shutdown", "tenant", tenantID, "ni", niID, "err", err)
				continue
			}
			if err := s.hook.RemoveHook(niID); err != nil {
				log.Warn("dns hook removal failed during shutdown", "ni", niID, "err", err)
			}
		}
	}
}

// coreRoutes collects every downlink NAT64 and NPTv6 prefix in snap so
// the routing driver can advertise them from the CORE network
// instance, matching §4.7's UPLINK-PL-OUT description. Allocator
// failures for one connection are skipped without logging rather than
// aborting the whole render; a route that fails to allocate never
// reconciles onto the dataplane either, so this only ever omits
// something that was never actually advertised-worthy.
func coreRoutes(snap *config.Snapshot) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for tenantID, tenant := range snap.Tenants {
		if tenantID == "DEFAULT" {
			continue
		}
		for niID, ni := range tenant.NetworkInstances {
			if ni.Type != config.NITypeDownlink {
				continue
			}
			for connID, conn := range ni.Connections {
				id, err := allocator.NewIdentity(tenantID, niID, connID)
				if err != nil {
					continue
				}
				if p, err := allocator.NAT64Prefix(snap.Service.PrefixDownlinkNAT64, id); err == nil {
					out = append(out, p)
				}
				for i, route := range conn.Routes {
					if !route.NPTv6 {
						continue
					}
					if p, err := allocator.NPTv6Prefix(snap.Service.PrefixDownlinkNPTv6, id, uint8(i), route.To.Bits()); err == nil {
						out = append(out, p)
					}
				}
			}
		}
	}
	return out, nil
}

// connLister adapts *reconciler.Reconciler to status.ConnectionLister
// without pkg/status importing pkg/reconciler, keeping status a leaf
// package the way its own doc comment promises.
type connLister struct {
	r *reconciler.Reconciler
}

func (c connLister) LiveConnections() []status.ConnectionState {
	live := c.r.LiveConnections()
	out := make([]status.ConnectionState, len(live))
	for i, l := range live {
		out[i] = status.ConnectionState{
			Tenant:     l.Tenant,
			NI:         l.NI,
			Connection: l.Connection,
			State:      l.State,
			LastError:  l.LastError,
		}
	}
	return out
}
