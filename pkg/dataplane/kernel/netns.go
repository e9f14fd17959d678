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
	"os/exec"

	"github.com/containernetworking/plugins/pkg/ns"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"github.com/ncubed/vpnc/pkg/dataplane"
	"github.com/ncubed/vpnc/pkg/vctx"
)

// netnsPath returns the bind-mounted path `ip netns add` leaves a named
// namespace at.
func netnsPath(name string) string {
	return "/var/run/netns/" + name
}

// NSEnsure creates the named network namespace with `ip netns add` if
// it does not already exist, and brings its loopback interface up.
func (k *Kernel) NSEnsure(ctx vctx.Context, name string) (dataplane.Result, error) {
	k.nsMu.Lock()
	defer k.nsMu.Unlock()
	log := vctx.LoggerFrom(ctx)
	if _, err := netns.GetFromName(name); err == nil {
		return dataplane.Unchanged, nil
	}
	log.Debug("creating network instance namespace", "ns", name)
	out, err := exec.Command("ip", "netns", "add", name).CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("ip netns add %s: %w: %s", name, err, out)
	}
	if err := k.withNS(name, func() error {
		lo, err := netlink.LinkByName("lo")
		if err != nil {
			return err
		}
		return netlink.LinkSetUp(lo)
	}); err != nil {
		return 0, fmt.Errorf("bring up loopback in %s: %w", name, err)
	}
	return dataplane.Created, nil
}

// NSDelete removes the named network namespace and everything in it.
func (k *Kernel) NSDelete(ctx vctx.Context, name string) (dataplane.Result, error) {
	k.nsMu.Lock()
	defer k.nsMu.Unlock()
	if _, err := netns.GetFromName(name); err != nil {
		return dataplane.Unchanged, nil
	}
	out, err := exec.Command("ip", "netns", "del", name).CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("ip netns del %s: %w: %s", name, err, out)
	}
	return dataplane.Changed, nil
}

// withNS runs fn with the calling OS thread's network namespace
// switched to name, restoring it afterwards. ns.NetNS.Do locks the OS
// thread for the duration since namespace membership is per-thread.
func (k *Kernel) withNS(name string, fn func() error) error {
	targetNS, err := ns.GetNS(netnsPath(name))
	if err != nil {
		return fmt.Errorf("get netns %s: %w", name, err)
	}
	defer targetNS.Close()
	return targetNS.Do(func(_ ns.NetNS) error {
		return fn()
	})
}
