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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/ncubed/vpnc/pkg/vctx"
	"github.com/ncubed/vpnc/pkg/vpncerr"
)

const defaultTenantFile = "DEFAULT.yaml"

// Store manages the candidate/active YAML tree rooted at Dir.
//
//	Dir/candidate/<TENANT>.yaml
//	Dir/active/<TENANT>.yaml
//
// Commits are atomic: the new file is written next to its destination
// and renamed into place, so a watcher never observes a partial write.
type Store struct {
	Dir string

	mu         sync.Mutex
	generation atomic.Uint64
}

func (s *Store) candidateDir() string { return filepath.Join(s.Dir, "candidate") }
func (s *Store) activeDir() string    { return filepath.Join(s.Dir, "active") }

// LoadActive parses every file under active/ into a Snapshot. A schema
// error in any file aborts the load; the daemon should refuse to start
// rather than run with a partially-loaded config.
func (s *Store) LoadActive() (*Snapshot, error) {
	return s.load(s.activeDir())
}

// LoadCandidate parses every file under candidate/, falling back to the
// matching active file for any tenant the candidate does not override.
// This is the snapshot commit validates against.
func (s *Store) LoadCandidate() (*Snapshot, error) {
	active, err := s.load(s.activeDir())
	if err != nil {
		return nil, err
	}
	cand, err := s.load(s.candidateDir())
	if err != nil {
		return nil, err
	}
	merged := &Snapshot{Service: active.Service, Tenants: map[string]*Tenant{}}
	if _, err := os.Stat(filepath.Join(s.candidateDir(), defaultTenantFile)); err == nil {
		merged.Service = cand.Service
	}
	for id, t := range active.Tenants {
		merged.Tenants[id] = t
	}
	for id, t := range cand.Tenants {
		merged.Tenants[id] = t
	}
	return merged, nil
}

func (s *Store) load(dir string) (*Snapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &Snapshot{Tenants: map[string]*Tenant{}}, nil
		}
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	snap := &Snapshot{Tenants: map[string]*Tenant{}}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		id := strings.TrimSuffix(e.Name(), ".yaml")
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if id == "DEFAULT" {
			var df defaultFile
			err = dec.Decode(&df)
			if err == nil {
				snap.Service = df.ServiceConfig
				snap.Tenants["DEFAULT"] = &Tenant{ID: "DEFAULT", NetworkInstances: df.NetworkInstances}
			}
		} else {
			var t Tenant
			err = dec.Decode(&t)
			if err == nil {
				t.ID = id
				snap.Tenants[id] = &t
			}
		}
		f.Close()
		if err != nil {
			return nil, vpncerr.Invalid(path, "parse: %v", err)
		}
	}
	assignIDs(snap)
	return snap, nil
}

// defaultFile is DEFAULT.yaml's schema: the service configuration and
// the DEFAULT tenant's network instances in one document.
type defaultFile struct {
	ServiceConfig    `yaml:",inline"`
	NetworkInstances map[string]*NetworkInstance `yaml:"network_instances"`
}

func assignIDs(snap *Snapshot) {
	for tenantID, t := range snap.Tenants {
		t.ID = tenantID
		for niID, ni := range t.NetworkInstances {
			ni.ID = niID
			for connID, c := range ni.Connections {
				c.ID = connID
			}
		}
	}
}

// Edit copies the active file for tenant into candidate/ if no
// candidate edit is already in progress, so `set`/`add`/`delete` always
// operate on a full copy rather than a partial file.
func (s *Store) Edit(tenant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := filepath.Join(s.activeDir(), tenant+".yaml")
	dst := filepath.Join(s.candidateDir(), tenant+".yaml")
	if _, err := os.Stat(dst); err == nil {
		return nil // already editing
	}
	if err := os.MkdirAll(s.candidateDir(), 0o755); err != nil {
		return err
	}
	b, err := os.ReadFile(src)
	if os.IsNotExist(err) {
		return os.WriteFile(dst, []byte{}, 0o644)
	}
	if err != nil {
		return err
	}
	return atomicWrite(dst, b)
}

// WriteCandidate overwrites the candidate file for tenant with raw YAML
// bytes. Callers (the CLI's set/add/delete) are responsible for
// producing valid YAML; Commit is what actually validates it.
func (s *Store) WriteCandidate(tenant string, data []byte) error {
	if err := os.MkdirAll(s.candidateDir(), 0o755); err != nil {
		return err
	}
	return atomicWrite(filepath.Join(s.candidateDir(), tenant+".yaml"), data)
}

// DeleteCandidate removes tenant's candidate edit without discarding
// its active configuration.
func (s *Store) DeleteCandidate(tenant string) error {
	err := os.Remove(filepath.Join(s.candidateDir(), tenant+".yaml"))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// CommitResult carries the outcome of a Commit call.
type CommitResult struct {
	Diff       Diff
	DryRun     bool
	Reverted   bool
	Generation uint64
}

// Commit validates the merged candidate+active snapshot and, unless
// dryRun is set, atomically replaces tenant's active file with its
// candidate (or, if revert is set, discards the candidate instead).
// The diff returned always reflects what would change or did change,
// even in dry-run mode.
func (s *Store) Commit(tenant string, dryRun, revert bool) (*CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before, err := s.LoadActive()
	if err != nil {
		return nil, err
	}

	merged, err := s.LoadCandidate()
	if err != nil {
		return nil, err
	}

	if revert {
		// The diff shown is what the discarded candidate would have
		// changed; active itself is left untouched.
		d := diffTenant(before, tenant, merged)
		if dryRun {
			return &CommitResult{Diff: d, DryRun: true, Reverted: true}, nil
		}
		if err := s.DeleteCandidate(tenant); err != nil {
			return nil, err
		}
		return &CommitResult{Diff: d, Reverted: true, Generation: s.generation.Add(1)}, nil
	}

	if err := Validate(merged); err != nil {
		return nil, err
	}

	d := diffTenant(before, tenant, merged)
	if dryRun {
		return &CommitResult{Diff: d, DryRun: true}, nil
	}

	if err := os.MkdirAll(s.activeDir(), 0o755); err != nil {
		return nil, err
	}
	candPath := filepath.Join(s.candidateDir(), tenant+".yaml")
	activePath := filepath.Join(s.activeDir(), tenant+".yaml")
	b, err := os.ReadFile(candPath)
	if err != nil {
		return nil, fmt.Errorf("no candidate for %s: %w", tenant, err)
	}
	if err := atomicWrite(activePath, b); err != nil {
		return nil, err
	}
	if err := os.Remove(candPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return &CommitResult{Diff: d, Generation: s.generation.Add(1)}, nil
}

// atomicWrite writes data to a temp file in the destination's
// directory, then renames it over the destination, so a concurrent
// reader never observes a truncated file.
func atomicWrite(dst string, data []byte) error {
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

// Watch reports every change under active/ until ctx is done. Events
// are already coalesced at the filesystem level by rename-into-place:
// a watcher only ever sees a complete file appear.
func (s *Store) Watch(ctx vctx.Context, changed chan<- struct{}) error {
	if err := os.MkdirAll(s.activeDir(), 0o755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(s.activeDir()); err != nil {
		w.Close()
		return err
	}
	log := vctx.LoggerFrom(ctx)
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				select {
				case changed <- struct{}{}:
				default:
					// a change notification is already pending; the
					// reconciler always re-reads LoadActive in full.
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Error("config watch error", "error", err)
			}
		}
	}()
	return nil
}
