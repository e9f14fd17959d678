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

// Package ikemonitor watches strongSwan's vici event stream for IKE and
// child SA churn and reacts to it in two ways: it terminates the older
// half of any duplicate SA pair a race between rekey and reconnect left
// behind, and it recomputes whether a downlink's NAT64/NPTv6 routes
// should be advertised into the CORE network instance based on whether
// the SA backing them is actually up, not just configured.
package ikemonitor

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/strongswan/govici/vici"

	"github.com/ncubed/vpnc/pkg/config"
	"github.com/ncubed/vpnc/pkg/dataplane"
	"github.com/ncubed/vpnc/pkg/vctx"
)

// SnapshotSource gives the monitor read access to the currently active
// configuration without depending on the store directly.
type SnapshotSource interface {
	Current() *config.Snapshot
}

// events is the vici event set the monitor subscribes to. child-rekey
// fires on both children of a make-before-break rekey and marks the
// window during which resolveDuplicateIKESA must not reap either half.
var events = []string{"ike-updown", "child-updown", "child-rekey"}

// rekeyWindow is how long after a CHILD_REKEY event a duplicate IKE SA
// pair for the same connection is left alone, since the rekey itself
// is what produced the second SA.
const rekeyWindow = 30 * time.Second

// Monitor drives SA deduplication and route advertisement off a single
// vici event subscription.
type Monitor struct {
	dp       dataplane.Dataplane
	snapshot SnapshotSource

	mu      sync.Mutex
	rekeyAt map[string]time.Time
}

// New builds a Monitor. dp is used to advertise or retract routes in
// the CORE network instance; snapshot resolves a connection's routes
// and allocator pools at the time an event is handled.
func New(dp dataplane.Dataplane, snapshot SnapshotSource) *Monitor {
	return &Monitor{dp: dp, snapshot: snapshot, rekeyAt: map[string]time.Time{}}
}

// markRekey records that ikeName just rekeyed a child SA, opening a
// rekeyWindow during which resolveDuplicateIKESA will not terminate
// either half of the resulting SA pair.
func (m *Monitor) markRekey(ikeName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rekeyAt[ikeName] = time.Now()
}

// inRekeyWindow reports whether ikeName rekeyed a child SA within the
// last rekeyWindow.
func (m *Monitor) inRekeyWindow(ikeName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rekeyAt[ikeName]
	return ok && time.Since(t) <= rekeyWindow
}

// Run connects to the vici socket and processes events until ctx is
// canceled. It reconnects with backoff if the socket disappears, since
// charon can restart independently of vpncd.
func (m *Monitor) Run(ctx vctx.Context) error {
	log := vctx.LoggerFrom(ctx)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		session, err := vici.NewSession()
		if err != nil {
			log.Warn("vici socket unavailable, retrying", "err", err)
			if !sleepBackoff(ctx, bo) {
				return ctx.Err()
			}
			continue
		}
		bo.Reset()
		if err := m.runSession(ctx, session); err != nil {
			log.Warn("ike monitor session ended", "err", err)
		}
		session.Close()
		if !sleepBackoff(ctx, bo) {
			return ctx.Err()
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

// runSession subscribes to the event stream and resolves the current
// state of every SA already present, then reacts to events as they
// arrive. It returns when the session errors out; Run reconnects.
func (m *Monitor) runSession(ctx vctx.Context, session *vici.Session) error {
	log := vctx.LoggerFrom(ctx)

	sas, err := listSAs(session, "")
	if err != nil {
		return err
	}
	seen := map[string]struct{}{}
	for _, sa := range sas {
		if _, ok := seen[sa.IKEName]; ok {
			continue
		}
		seen[sa.IKEName] = struct{}{}
		if err := m.resolveRouteAdvertisement(ctx, session, sa.IKEName); err != nil {
			log.Warn("initial route resolution failed", "ike", sa.IKEName, "err", err)
		}
	}

	if err := session.Subscribe(events...); err != nil {
		return err
	}
	defer session.Unsubscribe(events...)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		evt, err := session.NextEvent(ctx)
		if err != nil {
			return err
		}
		ikeName := firstMessageKey(evt.Message)
		if ikeName == "" {
			continue
		}
		if evt.Name == "child-rekey" {
			m.markRekey(ikeName)
		}
		if err := m.resolveDuplicateIKESA(session, ikeName); err != nil {
			log.Warn("resolve duplicate ike sa failed", "ike", ikeName, "err", err)
		}
		if err := m.resolveDuplicateIPsecSA(session, ikeName); err != nil {
			log.Warn("resolve duplicate ipsec sa failed", "ike", ikeName, "err", err)
		}
		if err := m.resolveRouteAdvertisement(ctx, session, ikeName); err != nil {
			log.Warn("resolve route advertisement failed", "ike", ikeName, "err", err)
		}
	}
}

// firstMessageKey returns msg's single top-level key, which for
// ike-updown/child-updown events is always the IKE connection name.
func firstMessageKey(msg *vici.Message) string {
	if msg == nil {
		return ""
	}
	keys := msg.Keys()
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}
