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

// Package ssh drives a point-to-point tunnel over an SSH connection,
// the Go equivalent of an autossh-managed "-w local:remote" tunnel
// device. Rather than shelling out to autossh, the driver speaks the
// OpenSSH tun@openssh.com channel extension directly and pumps packets
// between that channel and a kernel TUN device the dataplane already
// created in the connection's namespace.
package ssh

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/exp/slog"

	"github.com/ncubed/vpnc/pkg/config"
	"github.com/ncubed/vpnc/pkg/dataplane"
	"github.com/ncubed/vpnc/pkg/drivers"
	"github.com/ncubed/vpnc/pkg/vctx"
)

// IdentityFile is the private key used to authenticate to remote SSH
// endpoints. All connections share one concentrator identity, matching
// the original's reliance on a single host-wide SSH keypair.
var IdentityFile = "/etc/vpnc/ssh/id_ed25519"

// Driver drives a single SSH point-to-point tunnel.
type Driver struct {
	mu      sync.Mutex
	handle  drivers.Handle
	cfg     config.SSHConfig
	conn    *config.Connection
	state   drivers.State
	lastErr error

	cancel context.CancelFunc
	done   chan struct{}
}

var _ drivers.Driver = (*Driver)(nil)

func (d *Driver) Configure(ctx vctx.Context, handle drivers.Handle, conn *config.Connection) error {
	cfg, ok := conn.Config.(config.SSHConfig)
	if !ok {
		return &drivers.UnsupportedConfigError{Driver: "ssh", Got: conn.Config}
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
	if !drivers.CanTransition(d.state, drivers.Connecting) {
		defer d.mu.Unlock()
		return fmt.Errorf("ssh driver: cannot start from state %s", d.state)
	}
	d.state = drivers.Connecting
	handle := d.handle
	cfg := d.cfg
	d.mu.Unlock()

	if _, err := dp.LinkEnsure(ctx, dataplane.LinkTun, handle.IfaceName, handle.Namespace, dataplane.LinkAttrs{}); err != nil {
		return d.degrade(fmt.Errorf("create tun interface: %w", err))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.cancel = cancel
	d.done = make(chan struct{})
	d.state = drivers.Active
	d.lastErr = nil
	d.mu.Unlock()

	go d.run(runCtx, vctx.LoggerFrom(ctx), handle, cfg)
	return nil
}

// run owns the driver's reconnect loop for the lifetime of the
// connection: each iteration opens a fresh SSH session, pumps packets
// until either side closes, then backs off before retrying.
func (d *Driver) run(ctx context.Context, log *slog.Logger, handle drivers.Handle, cfg config.SSHConfig) {
	defer close(d.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tun, err := openTun(handle.Namespace, handle.IfaceName)
		if err != nil {
			log.Warn("ssh: open tun failed, retrying", "iface", handle.IfaceName, "err", err)
			if !sleepBackoff(ctx, bo) {
				return
			}
			continue
		}

		err = d.pumpOnce(ctx, tun, cfg)
		tun.Close()
		if err != nil {
			d.mu.Lock()
			d.lastErr = err
			d.mu.Unlock()
			log.Warn("ssh tunnel session ended, reconnecting", "remote", cfg.RemoteAddrs, "err", err)
		} else {
			bo.Reset()
		}

		if !sleepBackoff(ctx, bo) {
			return
		}
	}
}

func sleepBackoff(ctx context.Context, bo backoff.BackOff) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(bo.NextBackOff()):
		return true
	}
}

// pumpOnce dials the remote endpoint, opens a tun@openssh.com channel
// bound to the remote's configured tunnel id, and copies packets
// bidirectionally between it and the local TUN device until either
// side errs out or the context is cancelled.
func (d *Driver) pumpOnce(ctx context.Context, tun *os.File, cfg config.SSHConfig) error {
	if len(cfg.RemoteAddrs) == 0 {
		return fmt.Errorf("ssh connection has no remote address configured")
	}

	key, err := loadIdentity()
	if err != nil {
		return fmt.Errorf("load ssh identity: %w", err)
	}

	clientCfg := &gossh.ClientConfig{
		User:            cfg.Username,
		Auth:            []gossh.AuthMethod{gossh.PublicKeys(key)},
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	addr := net.JoinHostPort(cfg.RemoteAddrs[0].String(), "22")
	dialer := net.Dialer{Timeout: clientCfg.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := gossh.NewClientConn(netConn, addr, clientCfg)
	if err != nil {
		netConn.Close()
		return fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := gossh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	channel, err := openTunChannel(client, cfg.RemoteTunnelID)
	if err != nil {
		return fmt.Errorf("open tun channel: %w", err)
	}
	defer channel.Close()

	if cfg.RemoteConfig != "" {
		if err := runRemoteConfig(client, cfg.RemoteConfig); err != nil {
			return fmt.Errorf("push remote config: %w", err)
		}
	}

	errc := make(chan error, 2)
	go func() { _, err := io.Copy(channel, tun); errc <- err }()
	go func() { _, err := io.Copy(tun, channel); errc <- err }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		return err
	}
}

// openTunChannel opens the tun@openssh.com channel type, whose request
// payload is a single uint32 naming the remote tun device number, the
// same convention OpenSSH's own -w flag uses.
func openTunChannel(client *gossh.Client, remoteTunnelID int) (gossh.Channel, error) {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(remoteTunnelID))
	channel, reqs, err := client.OpenChannel("tun@openssh.com", payload)
	if err != nil {
		return nil, err
	}
	go gossh.DiscardRequests(reqs)
	return channel, nil
}

// runRemoteConfig executes the shell script that brings up the far
// end's tunnel interface and routing once the tunnel channel exists,
// mirroring the original's inline shell fragment pushed alongside the
// autossh invocation.
func runRemoteConfig(client *gossh.Client, script string) error {
	session, err := client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()
	return session.Run(script)
}

func loadIdentity() (gossh.Signer, error) {
	raw, err := os.ReadFile(IdentityFile)
	if err != nil {
		return nil, err
	}
	return gossh.ParsePrivateKey(raw)
}

func (d *Driver) Stop(ctx vctx.Context, dp dataplane.Dataplane) error {
	d.mu.Lock()
	cancel := d.cancel
	done := d.done
	d.state = drivers.Teardown
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	if _, err := dp.LinkDelete(ctx, d.handle.IfaceName, d.handle.Namespace); err != nil {
		return fmt.Errorf("delete tun interface: %w", err)
	}

	d.mu.Lock()
	d.state = drivers.Idle
	d.lastErr = nil
	d.mu.Unlock()
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

func (d *Driver) degrade(err error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = drivers.Degraded
	d.lastErr = err
	return err
}
