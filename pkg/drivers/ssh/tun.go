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

package ssh

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/containernetworking/plugins/pkg/ns"
	"golang.org/x/sys/unix"
)

// openTun attaches to the TUN device named ifaceName inside network
// namespace nsName, which the dataplane's LinkTun primitive has
// already created. Re-opening /dev/net/tun and calling TUNSETIFF with
// an existing interface name attaches a fresh packet fd to it rather
// than creating a second device, the same trick point-to-point VPN
// clients use to hand a kernel-created tunnel device to a userspace
// process.
func openTun(nsName, ifaceName string) (*os.File, error) {
	target, err := ns.GetNS("/var/run/netns/" + nsName)
	if err != nil {
		return nil, fmt.Errorf("get netns %s: %w", nsName, err)
	}
	defer target.Close()

	var f *os.File
	err = target.Do(func(_ ns.NetNS) error {
		var err error
		f, err = os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("open /dev/net/tun: %w", err)
		}

		var ifr ifReq
		copy(ifr.Name[:], ifaceName)
		ifr.Flags = unix.IFF_TUN | unix.IFF_NO_PI
		if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifr))); errno != 0 {
			f.Close()
			f = nil
			return fmt.Errorf("TUNSETIFF %s: %w", ifaceName, errno)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ifReq mirrors struct ifreq's name+flags prefix, the only fields
// TUNSETIFF reads.
type ifReq struct {
	Name  [unix.IFNAMSIZ]byte
	Flags uint16
	pad   [22]byte
}
