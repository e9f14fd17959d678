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

// Package fake implements dataplane.Dataplane entirely in memory, so
// the reconciler's idempotence and teardown-ordering tests never touch
// the kernel.
package fake

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/ncubed/vpnc/pkg/dataplane"
	"github.com/ncubed/vpnc/pkg/vctx"
)

type link struct {
	kind  dataplane.LinkKind
	attrs dataplane.LinkAttrs
	addrs map[netip.Prefix]struct{}
}

type namespace struct {
	links  map[string]*link
	routes map[string]map[netip.Prefix]dataplane.Route // keyed by link name
	nat64  *netip.Prefix
	nptv6  map[netip.Prefix]netip.Prefix
}

// Dataplane is a goroutine-safe, in-memory Dataplane. Its zero value is
// ready to use.
type Dataplane struct {
	mu sync.Mutex
	ns map[string]*namespace
}

func (d *Dataplane) init() {
	if d.ns == nil {
		d.ns = map[string]*namespace{}
	}
}

func (d *Dataplane) NSEnsure(ctx vctx.Context, name string) (dataplane.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.init()
	if _, ok := d.ns[name]; ok {
		return dataplane.Unchanged, nil
	}
	d.ns[name] = &namespace{links: map[string]*link{}, routes: map[string]map[netip.Prefix]dataplane.Route{}, nptv6: map[netip.Prefix]netip.Prefix{}}
	return dataplane.Created, nil
}

func (d *Dataplane) NSDelete(ctx vctx.Context, name string) (dataplane.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.init()
	if _, ok := d.ns[name]; !ok {
		return dataplane.Unchanged, nil
	}
	delete(d.ns, name)
	return dataplane.Changed, nil
}

func (d *Dataplane) getNS(name string) (*namespace, error) {
	d.init()
	n, ok := d.ns[name]
	if !ok {
		return nil, fmt.Errorf("namespace %q does not exist", name)
	}
	return n, nil
}

func (d *Dataplane) LinkEnsure(ctx vctx.Context, kind dataplane.LinkKind, name, ns string, attrs dataplane.LinkAttrs) (dataplane.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.getNS(ns)
	if err != nil {
		return 0, err
	}
	existing, ok := n.links[name]
	if !ok {
		n.links[name] = &link{kind: kind, attrs: attrs, addrs: map[netip.Prefix]struct{}{}}
		return dataplane.Created, nil
	}
	if existing.kind != kind || existing.attrs != attrs {
		existing.kind = kind
		existing.attrs = attrs
		return dataplane.Changed, nil
	}
	return dataplane.Unchanged, nil
}

func (d *Dataplane) LinkDelete(ctx vctx.Context, name, ns string) (dataplane.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.getNS(ns)
	if err != nil {
		return 0, err
	}
	if _, ok := n.links[name]; !ok {
		return dataplane.Unchanged, nil
	}
	delete(n.links, name)
	delete(n.routes, name)
	return dataplane.Changed, nil
}

func (d *Dataplane) AddrEnsure(ctx vctx.Context, ns, linkName string, addr netip.Prefix) (dataplane.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.getNS(ns)
	if err != nil {
		return 0, err
	}
	l, ok := n.links[linkName]
	if !ok {
		return 0, fmt.Errorf("link %q does not exist in %q", linkName, ns)
	}
	if _, ok := l.addrs[addr]; ok {
		return dataplane.Unchanged, nil
	}
	l.addrs[addr] = struct{}{}
	return dataplane.Created, nil
}

func (d *Dataplane) AddrFlush(ctx vctx.Context, ns, linkName string) (dataplane.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.getNS(ns)
	if err != nil {
		return 0, err
	}
	l, ok := n.links[linkName]
	if !ok || len(l.addrs) == 0 {
		return dataplane.Unchanged, nil
	}
	l.addrs = map[netip.Prefix]struct{}{}
	return dataplane.Changed, nil
}

func (d *Dataplane) RouteEnsure(ctx vctx.Context, ns, linkName string, route dataplane.Route) (dataplane.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.getNS(ns)
	if err != nil {
		return 0, err
	}
	if n.routes[linkName] == nil {
		n.routes[linkName] = map[netip.Prefix]dataplane.Route{}
	}
	existing, ok := n.routes[linkName][route.To]
	if !ok {
		n.routes[linkName][route.To] = route
		return dataplane.Created, nil
	}
	if !viaEqual(existing.Via, route.Via) {
		n.routes[linkName][route.To] = route
		return dataplane.Changed, nil
	}
	return dataplane.Unchanged, nil
}

func (d *Dataplane) RouteFlush(ctx vctx.Context, ns, linkName string) (dataplane.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.getNS(ns)
	if err != nil {
		return 0, err
	}
	if len(n.routes[linkName]) == 0 {
		return dataplane.Unchanged, nil
	}
	delete(n.routes, linkName)
	return dataplane.Changed, nil
}

func (d *Dataplane) NAT64InstanceEnsure(ctx vctx.Context, ns string, pool6 netip.Prefix) (dataplane.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.getNS(ns)
	if err != nil {
		return 0, err
	}
	if n.nat64 != nil && *n.nat64 == pool6 {
		return dataplane.Unchanged, nil
	}
	changed := n.nat64 != nil
	n.nat64 = &pool6
	if changed {
		return dataplane.Changed, nil
	}
	return dataplane.Created, nil
}

func (d *Dataplane) NAT64InstanceRemove(ctx vctx.Context, ns string) (dataplane.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.getNS(ns)
	if err != nil {
		return 0, err
	}
	if n.nat64 == nil {
		return dataplane.Unchanged, nil
	}
	n.nat64 = nil
	return dataplane.Changed, nil
}

func (d *Dataplane) NPTv6RuleEnsure(ctx vctx.Context, ns string, src, dst netip.Prefix) (dataplane.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.getNS(ns)
	if err != nil {
		return 0, err
	}
	existing, ok := n.nptv6[src]
	if !ok {
		n.nptv6[src] = dst
		return dataplane.Created, nil
	}
	if existing != dst {
		n.nptv6[src] = dst
		return dataplane.Changed, nil
	}
	return dataplane.Unchanged, nil
}

func (d *Dataplane) NPTv6RuleRemove(ctx vctx.Context, ns string, src netip.Prefix) (dataplane.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.getNS(ns)
	if err != nil {
		return 0, err
	}
	if _, ok := n.nptv6[src]; !ok {
		return dataplane.Unchanged, nil
	}
	delete(n.nptv6, src)
	return dataplane.Changed, nil
}

// Empty reports whether ns has no links, routes, NAT64 instance, or
// NPTv6 rules left — used by teardown tests to assert full cleanup
// (Property: tearing down a connection removes every object it owns).
func (d *Dataplane) Empty(ns string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.ns[ns]
	if !ok {
		return true
	}
	return len(n.links) == 0 && len(n.routes) == 0 && n.nat64 == nil && len(n.nptv6) == 0
}

// NSExists reports whether ns is still present.
func (d *Dataplane) NSExists(ns string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.ns[ns]
	return ok
}

func viaEqual(a, b *netip.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

var _ dataplane.Dataplane = (*Dataplane)(nil)
