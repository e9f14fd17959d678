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
	"os"
	"path/filepath"
	"testing"

	"github.com/ncubed/vpnc/pkg/vpncerr"
)

const defaultYAML = `
mode: hub
prefix_downlink_interface_v4: 100.64.0.0/16
prefix_downlink_interface_v6: fd00:c0ff:ee::/32
prefix_downlink_nat64: fdcc:0::/32
prefix_downlink_nptv6: fdff::/12
bgp:
  asn: 4200000001
  router_id: 192.0.2.1
  bfd: false
  neighbors: []
network_instances:
  EXTERNAL:
    type: external
    connections: {}
  CORE:
    type: core
    connections: {}
`

func writeActiveDefault(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(dir, "active"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "active", "DEFAULT.yaml"), []byte(defaultYAML), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadActiveMinimal(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeActiveDefault(t, dir)
	s := &Store{Dir: dir}
	snap, err := s.LoadActive()
	if err != nil {
		t.Fatalf("LoadActive: %v", err)
	}
	if snap.Service.Mode != ModeHub {
		t.Fatalf("mode = %q, want hub", snap.Service.Mode)
	}
	if err := Validate(snap); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

const downlinkIPsecCandidate = `
name: Example Tenant
network_instances:
  C0001-00:
    type: downlink
    connections:
      0:
        config:
          type: ipsec
          remote_addrs: ["192.0.2.10"]
          ike_version: 2
          ike_proposal: aes256-sha256-modp2048
          ike_lifetime: 10800
          ipsec_proposal: aes256-sha256
          ipsec_lifetime: 3600
          initiation: start
          psk: correct-horse-battery-staple
          traffic_selectors: ["10.0.0.0/24"]
        routes:
          - to: 10.0.0.0/24
`

// TestValidateRejectsRoutesAndTrafficSelectors covers scenario S4: a
// connection with both routes and traffic_selectors is InvalidConfig.
func TestValidateRejectsRoutesAndTrafficSelectors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeActiveDefault(t, dir)
	s := &Store{Dir: dir}
	if err := s.WriteCandidate("C0001", []byte(downlinkIPsecCandidate)); err != nil {
		t.Fatal(err)
	}
	res, err := s.Commit("C0001", false, false)
	if err == nil {
		t.Fatalf("Commit succeeded, want InvalidConfig; result=%+v", res)
	}
	if !vpncerr.Is(err, vpncerr.KindInvalidConfig) {
		t.Fatalf("Commit error = %v, want KindInvalidConfig", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "active", "C0001.yaml")); !os.IsNotExist(err) {
		t.Fatalf("active/C0001.yaml should not exist after a failed commit")
	}
}

const duplicateNeighborYAML = `
mode: hub
prefix_downlink_interface_v4: 100.64.0.0/16
prefix_downlink_interface_v6: fd00:c0ff:ee::/32
prefix_downlink_nat64: fdcc:0::/32
prefix_downlink_nptv6: fdff::/12
bgp:
  asn: 4200000001
  router_id: 192.0.2.1
  bfd: false
  neighbors:
    - address: 192.0.2.2
      asn: 4200000002
      priority: 0
    - address: 192.0.2.2
      asn: 4200000003
      priority: 1
network_instances:
  EXTERNAL:
    type: external
    connections: {}
  CORE:
    type: core
    connections: {}
`

// TestValidateRejectsDuplicateBGPNeighbors covers the rule that BGP
// neighbor addresses must be unique within DEFAULT.
func TestValidateRejectsDuplicateBGPNeighbors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "active"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "active", "DEFAULT.yaml"), []byte(duplicateNeighborYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	s := &Store{Dir: dir}
	snap, err := s.LoadActive()
	if err != nil {
		t.Fatalf("LoadActive: %v", err)
	}
	err = Validate(snap)
	if err == nil {
		t.Fatal("Validate succeeded, want error for duplicate neighbor addresses")
	}
	if !vpncerr.Is(err, vpncerr.KindInvalidConfig) {
		t.Fatalf("Validate error = %v, want KindInvalidConfig", err)
	}
}

const downlinkWireGuardCandidate = `
name: Example Tenant
network_instances:
  C0001-01:
    type: downlink
    connections:
      0:
        config:
          type: wireguard
          remote_addrs: ["192.0.2.8"]
          remote_port: 51820
          private_key: aGVsbG8td29ybGQtcHJpdmF0ZS1rZXktMzJieXRlcyE=
          public_key: aGVsbG8td29ybGQtcHVibGljLWtleS0zMmJ5dGVzISE=
        routes:
          - to: 2001:db8:c58::/48
`

// TestCommitRevertCommitNoOp covers the law: commit -> revert -> commit
// on the same candidate is a no-op at the active-file level.
func TestCommitRevertCommitNoOp(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeActiveDefault(t, dir)
	s := &Store{Dir: dir}

	if err := s.WriteCandidate("C0001", []byte(downlinkWireGuardCandidate)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit("C0001", false, false); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	activePath := filepath.Join(dir, "active", "C0001.yaml")
	afterFirstCommit, err := os.ReadFile(activePath)
	if err != nil {
		t.Fatalf("read active after first commit: %v", err)
	}

	if err := s.WriteCandidate("C0001", []byte(downlinkIPsecCandidate)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit("C0001", false, true); err != nil {
		t.Fatalf("revert: %v", err)
	}
	afterRevert, err := os.ReadFile(activePath)
	if err != nil {
		t.Fatalf("read active after revert: %v", err)
	}
	if string(afterRevert) != string(afterFirstCommit) {
		t.Fatalf("active file changed across revert:\nbefore=%s\nafter=%s", afterFirstCommit, afterRevert)
	}

	if err := s.WriteCandidate("C0001", []byte(downlinkWireGuardCandidate)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit("C0001", false, false); err != nil {
		t.Fatalf("second commit: %v", err)
	}
	afterSecondCommit, err := os.ReadFile(activePath)
	if err != nil {
		t.Fatalf("read active after second commit: %v", err)
	}
	if string(afterSecondCommit) != string(afterFirstCommit) {
		t.Fatalf("committing the same candidate twice changed the active file")
	}
}

func TestCommitDryRunLeavesActiveUntouched(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeActiveDefault(t, dir)
	s := &Store{Dir: dir}
	if err := s.WriteCandidate("C0001", []byte(downlinkWireGuardCandidate)); err != nil {
		t.Fatal(err)
	}
	res, err := s.Commit("C0001", true, false)
	if err != nil {
		t.Fatalf("dry-run commit: %v", err)
	}
	if !res.DryRun || !res.Diff.Changed {
		t.Fatalf("unexpected dry-run result: %+v", res)
	}
	if _, err := os.Stat(filepath.Join(dir, "active", "C0001.yaml")); !os.IsNotExist(err) {
		t.Fatal("dry-run must not create the active file")
	}
}

func TestUnmarshalConnectionRejectsUnknownField(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeActiveDefault(t, dir)
	s := &Store{Dir: dir}
	bad := `
name: Example Tenant
network_instances:
  C0001-00:
    type: downlink
    connections:
      0:
        config:
          type: wireguard
          remote_addrs: ["192.0.2.8"]
          remote_port: 51820
          private_key: x
          public_key: y
          bogus_field: nope
`
	if err := s.WriteCandidate("C0001", []byte(bad)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit("C0001", false, false); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}
