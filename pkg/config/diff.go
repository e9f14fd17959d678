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

package config

import (
	"net/netip"

	"github.com/google/go-cmp/cmp"
)

// cmpOpts teaches go-cmp to compare netip's value types by their
// public identity instead of panicking on their unexported fields.
var cmpOpts = cmp.Options{
	cmp.Comparer(func(a, b netip.Addr) bool { return a == b }),
	cmp.Comparer(func(a, b netip.Prefix) bool { return a == b }),
}

// Diff is the structured, human-readable difference between two
// snapshots for a single tenant, as returned by Commit and consumed by
// the CLI's --diff flag and the status endpoint's audit log.
type Diff struct {
	Tenant  string `json:"tenant"`
	Before  bool   `json:"existed_before"`
	After   bool   `json:"exists_after"`
	Changed bool   `json:"changed"`
	Text    string `json:"text,omitempty"`
}

// diffTenant compares tenant's state in before and after, both full
// Snapshots. after may be nil to mean "not present".
func diffTenant(before *Snapshot, tenant string, after *Snapshot) Diff {
	var b, a *Tenant
	if before != nil {
		b = before.Tenants[tenant]
	}
	if after != nil {
		a = after.Tenants[tenant]
	}
	d := Diff{Tenant: tenant, Before: b != nil, After: a != nil}
	text := cmp.Diff(b, a, cmpOpts)
	d.Changed = text != ""
	d.Text = text
	return d
}

// DiffSnapshots compares every tenant across two full snapshots. It is
// used by the reconciler to compute what changed between successive
// LoadActive calls, independent of the config store's own commit path.
func DiffSnapshots(before, after *Snapshot) []Diff {
	seen := map[string]struct{}{}
	var diffs []Diff
	if before != nil {
		for id := range before.Tenants {
			seen[id] = struct{}{}
		}
	}
	if after != nil {
		for id := range after.Tenants {
			seen[id] = struct{}{}
		}
	}
	for id := range seen {
		d := diffTenant(before, id, after)
		if d.Changed {
			diffs = append(diffs, d)
		}
	}
	return diffs
}
