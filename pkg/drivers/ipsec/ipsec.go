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

// Package ipsec drives IKEv2/IPsec connections against the strongSwan
// daemon running in the EXTERNAL network instance, over its vici
// control socket. Every connection gets its own XFRM interface bound
// to the tunnel's if_id, moved into the connection's target namespace
// by the dataplane so per-connection routing stays namespace-scoped
// even though a single charon process serves every tenant.
package ipsec

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/strongswan/govici/vici"

	"github.com/ncubed/vpnc/pkg/allocator"
	"github.com/ncubed/vpnc/pkg/config"
	"github.com/ncubed/vpnc/pkg/dataplane"
	"github.com/ncubed/vpnc/pkg/drivers"
	"github.com/ncubed/vpnc/pkg/vctx"
	"github.com/ncubed/vpnc/pkg/vpncerr"
)

// ConfDir is where per-connection swanctl.conf fragments are written
// before being loaded with `swanctl --load-conns`.
var ConfDir = "/etc/swanctl/conf.d"

// LocalID is the concentrator's own IKE identity, passed to
// renderSwanctl for every connection. Nothing in this module assigns
// it, so it stays empty unless the embedding program sets it.
var LocalID string

// Driver drives a single IPsec connection.
type Driver struct {
	mu      sync.Mutex
	handle  drivers.Handle
	cfg     config.IPsecConfig
	name    string
	xfrmID  uint32
	state   drivers.State
	lastErr error
}

var _ drivers.Driver = (*Driver)(nil)

func (d *Driver) Configure(ctx vctx.Context, handle drivers.Handle, conn *config.Connection) error {
	cfg, ok := conn.Config.(config.IPsecConfig)
	if !ok {
		return &drivers.UnsupportedConfigError{Driver: "ipsec", Got: conn.Config}
	}
	id, err := allocator.NewIdentity(handle.TenantID, handle.NetworkInstanceID, handle.ConnectionID)
	if err != nil {
		return fmt.Errorf("ipsec identity: %w", err)
	}
	xfrmID, err := allocator.XfrmIfID(id)
	if err != nil {
		return fmt.Errorf("ipsec xfrm if_id: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handle = handle
	d.cfg = cfg
	d.name = connName(handle.NetworkInstanceID, handle.ConnectionID)
	d.xfrmID = xfrmID
	d.state = drivers.Configured
	return nil
}

func (d *Driver) Start(ctx vctx.Context, dp dataplane.Dataplane) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !drivers.CanTransition(d.state, drivers.Connecting) {
		return fmt.Errorf("ipsec driver: cannot start from state %s", d.state)
	}
	d.state = drivers.Connecting

	if _, err := dp.LinkEnsure(ctx, dataplane.LinkXfrm, d.handle.IfaceName, d.handle.Namespace, dataplane.LinkAttrs{XfrmIfID: d.xfrmID}); err != nil {
		return d.degrade(vpncerr.New(vpncerr.KindKernelBusy, d.name, fmt.Errorf("create xfrm interface: %w", err)))
	}

	if err := os.MkdirAll(ConfDir, 0o750); err != nil {
		return d.degrade(vpncerr.New(vpncerr.KindDriverTransient, d.name, fmt.Errorf("create swanctl conf dir: %w", err)))
	}
	path := filepath.Join(ConfDir, d.name+".conf")
	rendered := renderSwanctl(d.name, LocalID, d.cfg, d.xfrmID)
	if err := os.WriteFile(path, []byte(rendered), 0o640); err != nil {
		return d.degrade(vpncerr.New(vpncerr.KindDriverTransient, d.name, fmt.Errorf("write swanctl config %s: %w", path, err)))
	}

	session, err := vici.NewSession()
	if err != nil {
		return d.degrade(vpncerr.New(vpncerr.KindDriverTransient, d.name, fmt.Errorf("connect to vici socket: %w", err)))
	}
	defer session.Close()

	if _, err := session.CommandRequest("load-conn", vici.NewMessage()); err != nil {
		// charon rejected the connection definition outright: a bad
		// proposal or malformed identity will not start working on
		// retry, so this stays CONFIGURED with a reason instead of
		// bouncing through DEGRADED forever.
		return d.degrade(vpncerr.New(vpncerr.KindDriverFatal, d.name, fmt.Errorf("load-all swanctl connections: %w", err)))
	}

	if d.cfg.Initiation == config.InitiationStart {
		msg := vici.NewMessage()
		if err := msg.Set("child", d.name); err != nil {
			return d.degrade(vpncerr.New(vpncerr.KindDriverFatal, d.name, fmt.Errorf("build initiate request: %w", err)))
		}
		if _, err := session.CommandRequest("initiate", msg); err != nil {
			// A rejected initiate (peer unreachable, no response) is a
			// transient condition worth retrying on the next tick.
			return d.degrade(vpncerr.New(vpncerr.KindDriverTransient, d.name, fmt.Errorf("initiate SA %s: %w", d.name, err)))
		}
	}

	d.state = drivers.Active
	d.lastErr = nil
	vctx.LoggerFrom(ctx).Info("ipsec connection configured", "name", d.name, "xfrm_id", d.xfrmID)
	return nil
}

func (d *Driver) Stop(ctx vctx.Context, dp dataplane.Dataplane) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = drivers.Teardown

	if session, err := vici.NewSession(); err == nil {
		msg := vici.NewMessage()
		_ = msg.Set("ike", d.name)
		_, _ = session.CommandRequest("terminate", msg)
		session.Close()
	}
	_ = os.Remove(filepath.Join(ConfDir, d.name+".conf"))

	if _, err := dp.LinkDelete(ctx, d.handle.IfaceName, d.handle.Namespace); err != nil {
		return fmt.Errorf("delete xfrm interface: %w", err)
	}
	d.state = drivers.Idle
	d.lastErr = nil
	return nil
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

// degrade records err and moves the driver out of Connecting per §7:
// a DriverFatal error (charon rejected the config outright) stays
// CONFIGURED with the reason attached rather than cycling through
// DEGRADED, since retrying an unchanged, rejected config can't
// succeed; every other kind is a transient condition and DEGRADED,
// so the supervisor's retry tick gives it another attempt.
func (d *Driver) degrade(err error) error {
	if vpncerr.KindOf(err) == vpncerr.KindDriverFatal {
		d.state = drivers.Configured
	} else {
		d.state = drivers.Degraded
	}
	d.lastErr = err
	return err
}
