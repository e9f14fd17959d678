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

// Package physical drives connections backed by an already-existing
// host interface: a directly attached uplink, VLAN subinterface, or
// anything else pre-provisioned outside vpnc. The driver only ever
// moves the interface into its target namespace and back; it never
// creates or destroys the link itself.
package physical

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/containernetworking/plugins/pkg/ns"

	"github.com/ncubed/vpnc/pkg/config"
	"github.com/ncubed/vpnc/pkg/dataplane"
	"github.com/ncubed/vpnc/pkg/drivers"
	"github.com/ncubed/vpnc/pkg/util"
	"github.com/ncubed/vpnc/pkg/vctx"
)

// livenessInterval is how often an active physical connection's
// gateway is probed. Physical links have no protocol-level handshake
// to observe (unlike IPsec's SA state or WireGuard's handshake
// timestamp), so reachability has to be checked out of band.
const livenessInterval = 10 * time.Second

// livenessTimeout bounds a single gateway probe.
const livenessTimeout = 3 * time.Second

// Driver drives a single physical-interface connection.
type Driver struct {
	mu       sync.Mutex
	handle   drivers.Handle
	cfg      config.PhysicalConfig
	conn     *config.Connection
	state    drivers.State
	lastErr  error
	stopLive chan struct{}
}

var _ drivers.Driver = (*Driver)(nil)

func (d *Driver) Configure(ctx vctx.Context, handle drivers.Handle, conn *config.Connection) error {
	cfg, ok := conn.Config.(config.PhysicalConfig)
	if !ok {
		return &drivers.UnsupportedConfigError{Driver: "physical", Got: conn.Config}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handle = handle
	d.cfg = cfg
	d.conn = conn
	d.state = drivers.Configured
	return nil
}

func (d *Driver) Start(ctx vctx.Context, dp dataplane.Dataplane) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !drivers.CanTransition(d.state, drivers.Connecting) {
		return fmt.Errorf("physical driver: cannot start from state %s", d.state)
	}
	d.state = drivers.Connecting

	_, err := dp.LinkEnsure(ctx, dataplane.LinkMoveExisting, d.handle.IfaceName, d.handle.Namespace, dataplane.LinkAttrs{
		ExistingName: d.cfg.InterfaceName,
	})
	if err != nil {
		d.state = drivers.Degraded
		d.lastErr = err
		return fmt.Errorf("move %s into %s: %w", d.cfg.InterfaceName, d.handle.Namespace, err)
	}

	d.state = drivers.Active
	d.lastErr = nil
	vctx.LoggerFrom(ctx).Info("physical interface attached", "iface", d.cfg.InterfaceName, "ns", d.handle.Namespace)

	if gw := d.gateway(); gw != nil {
		d.stopLive = make(chan struct{})
		go d.runLiveness(ctx, *gw, d.stopLive)
	}
	return nil
}

func (d *Driver) Stop(ctx vctx.Context, dp dataplane.Dataplane) error {
	d.mu.Lock()
	if d.stopLive != nil {
		close(d.stopLive)
		d.stopLive = nil
	}
	d.state = drivers.Teardown
	d.mu.Unlock()

	if _, err := dp.LinkDelete(ctx, d.handle.IfaceName, d.handle.Namespace); err != nil {
		return fmt.Errorf("release %s: %w", d.cfg.InterfaceName, err)
	}
	d.mu.Lock()
	d.state = drivers.Idle
	d.lastErr = nil
	d.mu.Unlock()
	return nil
}

// gateway returns the first routed gateway configured on this
// connection, the address liveness probing targets.
func (d *Driver) gateway() *netip.Addr {
	if d.conn == nil {
		return nil
	}
	for _, r := range d.conn.Routes {
		if r.Via != nil {
			return r.Via
		}
	}
	return nil
}

// runLiveness periodically pings the connection's gateway from inside
// its namespace, degrading the driver on sustained loss and recovering
// it once the gateway answers again. It runs for the lifetime of one
// Start/Stop cycle.
func (d *Driver) runLiveness(ctx vctx.Context, gw netip.Addr, stop <-chan struct{}) {
	log := vctx.LoggerFrom(ctx).With("iface", d.handle.IfaceName, "gateway", gw)
	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		err := ns.WithNetNSPath("/var/run/netns/"+d.handle.Namespace, func(_ ns.NetNS) error {
			pingCtx, cancel := vctx.WithTimeout(ctx, livenessTimeout)
			defer cancel()
			return util.Ping(pingCtx, gw)
		})
		d.mu.Lock()
		switch {
		case err != nil && d.state == drivers.Active:
			log.Warn("gateway unreachable, marking connection degraded", "error", err)
			d.state = drivers.Degraded
			d.lastErr = err
		case err == nil && d.state == drivers.Degraded:
			log.Info("gateway reachable again, restoring connection")
			d.state = drivers.Connecting
			d.state = drivers.Active
			d.lastErr = nil
		}
		d.mu.Unlock()
	}
}

func (d *Driver) State() drivers.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}
