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

// Package wireguard drives WireGuard connections: the interface is
// created in the root namespace (WireGuard devices cannot be created
// directly inside a target namespace with a stable name), then moved
// in by the dataplane's LinkWireGuard primitive, configured with
// wgctrl once inside.
package wireguard

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/containernetworking/plugins/pkg/ns"
	"github.com/vishvananda/netlink"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/ncubed/vpnc/pkg/config"
	"github.com/ncubed/vpnc/pkg/dataplane"
	"github.com/ncubed/vpnc/pkg/drivers"
	"github.com/ncubed/vpnc/pkg/vctx"
	"github.com/ncubed/vpnc/pkg/vpncerr"
)

// Driver drives a single WireGuard connection.
type Driver struct {
	mu      sync.Mutex
	handle  drivers.Handle
	cfg     config.WireGuardConfig
	state   drivers.State
	lastErr error
	tmpName string
}

var _ drivers.Driver = (*Driver)(nil)

func (d *Driver) Configure(ctx vctx.Context, handle drivers.Handle, conn *config.Connection) error {
	cfg, ok := conn.Config.(config.WireGuardConfig)
	if !ok {
		return &drivers.UnsupportedConfigError{Driver: "wireguard", Got: conn.Config}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handle = handle
	d.cfg = cfg
	d.tmpName = fmt.Sprintf("wgtmp%d", handle.ConnectionID)
	d.state = drivers.Configured
	return nil
}

func (d *Driver) Start(ctx vctx.Context, dp dataplane.Dataplane) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !drivers.CanTransition(d.state, drivers.Connecting) {
		return fmt.Errorf("wireguard driver: cannot start from state %s", d.state)
	}
	d.state = drivers.Connecting

	// A key that doesn't parse never will: fatal, not worth retrying.
	privKey, err := wgtypes.ParseKey(d.cfg.PrivateKey)
	if err != nil {
		return d.degrade(vpncerr.New(vpncerr.KindDriverFatal, d.handle.IfaceName, fmt.Errorf("parse private key: %w", err)))
	}

	attrs := netlink.NewLinkAttrs()
	attrs.Name = d.tmpName
	link := &netlink.GenericLink{LinkAttrs: attrs, LinkType: "wireguard"}
	if err := netlink.LinkAdd(link); err != nil {
		if !alreadyExists(err) {
			return d.degrade(vpncerr.New(vpncerr.KindKernelBusy, d.handle.IfaceName, fmt.Errorf("create wireguard link: %w", err)))
		}
	}

	if _, err := dp.LinkEnsure(ctx, dataplane.LinkWireGuard, d.handle.IfaceName, d.handle.Namespace, dataplane.LinkAttrs{ExistingName: d.tmpName}); err != nil {
		return d.degrade(vpncerr.New(vpncerr.KindDriverTransient, d.handle.IfaceName, fmt.Errorf("move wireguard link into %s: %w", d.handle.Namespace, err)))
	}

	listenPort := 0
	if d.cfg.LocalPort != nil {
		listenPort = int(*d.cfg.LocalPort)
	}
	var peerCfg wgtypes.PeerConfig
	peerCfg.PublicKey, err = wgtypes.ParseKey(d.cfg.PublicKey)
	if err != nil {
		return d.degrade(vpncerr.New(vpncerr.KindDriverFatal, d.handle.IfaceName, fmt.Errorf("parse peer public key: %w", err)))
	}
	peerCfg.AllowedIPs = allowedIPs()
	peerCfg.ReplaceAllowedIPs = true
	if len(d.cfg.RemoteAddrs) > 0 {
		peerCfg.Endpoint = &net.UDPAddr{IP: d.cfg.RemoteAddrs[0].AsSlice(), Port: int(d.cfg.RemotePort)}
	}

	err = withNS(d.handle.Namespace, func() error {
		cli, err := wgctrl.New()
		if err != nil {
			return fmt.Errorf("open wgctrl client: %w", err)
		}
		defer cli.Close()
		return cli.ConfigureDevice(d.handle.IfaceName, wgtypes.Config{
			PrivateKey:   &privKey,
			ListenPort:   &listenPort,
			ReplacePeers: true,
			Peers:        []wgtypes.PeerConfig{peerCfg},
		})
	})
	if err != nil {
		return d.degrade(vpncerr.New(vpncerr.KindDriverTransient, d.handle.IfaceName, fmt.Errorf("configure wireguard device: %w", err)))
	}

	if err := withNS(d.handle.Namespace, func() error {
		l, err := netlink.LinkByName(d.handle.IfaceName)
		if err != nil {
			return err
		}
		return netlink.LinkSetUp(l)
	}); err != nil {
		return d.degrade(vpncerr.New(vpncerr.KindKernelBusy, d.handle.IfaceName, fmt.Errorf("bring up wireguard link: %w", err)))
	}

	d.state = drivers.Active
	d.lastErr = nil
	vctx.LoggerFrom(ctx).Info("wireguard connection active", "iface", d.handle.IfaceName, "ns", d.handle.Namespace)
	return nil
}

func (d *Driver) Stop(ctx vctx.Context, dp dataplane.Dataplane) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = drivers.Teardown
	if _, err := dp.LinkDelete(ctx, d.handle.IfaceName, d.handle.Namespace); err != nil {
		return fmt.Errorf("delete wireguard link: %w", err)
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
// a DriverFatal error (a key that will never parse) stays CONFIGURED
// with the reason attached instead of cycling through DEGRADED, since
// retrying an unchanged bad key can't succeed; every other kind is
// transient and DEGRADED, so the supervisor's retry tick gives it
// another attempt.
func (d *Driver) degrade(err error) error {
	if vpncerr.KindOf(err) == vpncerr.KindDriverFatal {
		d.state = drivers.Configured
	} else {
		d.state = drivers.Degraded
	}
	d.lastErr = err
	return err
}

// allowedIPs is the single peer's crypto-routing scope. §4.4/S2 route
// every packet through the tunnel regardless of the connection's own
// route list, which only governs what the reconciler installs in the
// kernel's routing table, not what WireGuard is willing to
// encrypt/decrypt: a narrower allowed_ips would silently drop return
// traffic for anything outside the configured routes.
func allowedIPs() []net.IPNet {
	return []net.IPNet{
		{IP: net.IPv4zero, Mask: net.CIDRMask(0, 32)},
		{IP: net.IPv6zero, Mask: net.CIDRMask(0, 128)},
	}
}

func alreadyExists(err error) bool {
	return err != nil && strings.Contains(err.Error(), "file exists")
}

// withNS runs fn with the OS thread's netns switched to name.
// Duplicated from pkg/dataplane/kernel rather than imported: drivers
// must not depend on the concrete kernel dataplane, only on the
// dataplane.Dataplane interface, so wgctrl's own out-of-band netlink
// socket needs its own namespace switch here.
func withNS(name string, fn func() error) error {
	target, err := ns.GetNS("/var/run/netns/" + name)
	if err != nil {
		return fmt.Errorf("get netns %s: %w", name, err)
	}
	defer target.Close()
	return target.Do(func(_ ns.NetNS) error {
		return fn()
	})
}
