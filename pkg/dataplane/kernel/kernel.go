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

// Package kernel implements dataplane.Dataplane against a real Linux
// kernel: network namespaces via `ip netns` and netns, links, addresses
// and routes via netlink, the NAT64 binding via nftables, and NPTv6 via
// NPTv6-capable ip6tables run inside the namespace.
package kernel

import (
	"sync"

	"github.com/ncubed/vpnc/pkg/dataplane"
)

// Kernel is the production dataplane.Dataplane. A single instance
// serializes namespace creation/deletion (moving the calling
// goroutine's OS thread across namespaces is not safe to do
// concurrently) but allows link/route/NAT64/NPTv6 operations targeting
// different namespaces to proceed in parallel.
type Kernel struct {
	nsMu sync.Mutex
}

var _ dataplane.Dataplane = (*Kernel)(nil)
