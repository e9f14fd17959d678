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

// Package config implements the on-disk tenant and service configuration
// store: candidate/active directories, YAML schemas, validation, atomic
// commit, and change notification.
package config

import (
	"bytes"
	"fmt"
	"net/netip"

	"gopkg.in/yaml.v3"
)

// ServiceMode selects whether the daemon terminates downlink tenants
// (hub) or only participates as a single endpoint (endpoint).
type ServiceMode string

const (
	ModeHub      ServiceMode = "hub"
	ModeEndpoint ServiceMode = "endpoint"
)

// NIType is the role a network instance plays.
type NIType string

const (
	NITypeExternal NIType = "external"
	NITypeCore     NIType = "core"
	NITypeDownlink NIType = "downlink"
	NITypeEndpoint NIType = "endpoint"
)

// Initiation is the IKE initiation policy for an IPsec connection.
type Initiation string

const (
	InitiationStart Initiation = "start"
	InitiationNone  Initiation = "none"
)

// Snapshot is the full, validated state of the config store at a point
// in time: the service configuration plus every tenant. The reconciler
// treats a Snapshot as its single source of desired state; it never
// reads the filesystem directly.
type Snapshot struct {
	Generation uint64             `yaml:"-"`
	Service    ServiceConfig      `yaml:"-"`
	Tenants    map[string]*Tenant `yaml:"-"`
}

// ServiceConfig is DEFAULT.yaml: daemon-wide mode, allocator pools, and
// BGP globals.
type ServiceConfig struct {
	Mode                        ServiceMode `yaml:"mode"`
	PrefixDownlinkInterfaceV4   netip.Prefix `yaml:"prefix_downlink_interface_v4"`
	PrefixDownlinkInterfaceV6   netip.Prefix `yaml:"prefix_downlink_interface_v6"`
	PrefixDownlinkNAT64         netip.Prefix `yaml:"prefix_downlink_nat64"`
	PrefixDownlinkNPTv6         netip.Prefix `yaml:"prefix_downlink_nptv6"`
	BGP                         BGPGlobal    `yaml:"bgp"`
}

// BGPGlobal is the local BGP speaker's identity and its neighbor list.
type BGPGlobal struct {
	ASN       uint32       `yaml:"asn"`
	RouterID  netip.Addr   `yaml:"router_id"`
	BFD       bool         `yaml:"bfd"`
	Neighbors []BGPNeighbor `yaml:"neighbors"`
}

// BGPNeighbor is one uplink peer. Priority breaks ties between
// otherwise-equal uplinks: lower is preferred inbound, and is prepended
// fewer times outbound.
type BGPNeighbor struct {
	Address  netip.Addr `yaml:"address"`
	ASN      uint32     `yaml:"asn"`
	Priority uint8      `yaml:"priority"`
}

// Tenant owns a set of network instances. DEFAULT is the one tenant
// that is not a downlink or endpoint peer; it owns EXTERNAL, CORE, and
// (endpoint mode) ENDPOINT.
type Tenant struct {
	ID               string                      `yaml:"-"`
	Name             string                      `yaml:"name"`
	Metadata         map[string]string           `yaml:"metadata,omitempty"`
	NetworkInstances map[string]*NetworkInstance `yaml:"network_instances"`
}

// NetworkInstance is an isolated routing domain realized as a Linux
// network namespace.
type NetworkInstance struct {
	ID          string                `yaml:"-"`
	Type        NIType                `yaml:"type"`
	Metadata    map[string]string     `yaml:"metadata,omitempty"`
	Connections map[uint8]*Connection `yaml:"connections"`
}

// Route is one static route attached to a connection. NPTv6 marks an
// IPv6 route whose traffic is translated through a stateless 1:1
// prefix mapping rather than forwarded natively.
type Route struct {
	To          netip.Prefix  `yaml:"to"`
	Via         *netip.Addr   `yaml:"via,omitempty"`
	NPTv6       bool          `yaml:"nptv6,omitempty"`
	NPTv6Prefix *netip.Prefix `yaml:"nptv6_prefix,omitempty"`
}

// Connection is a single tunnel or physical link inside a network
// instance. Config is a tagged union; its concrete type determines
// which driver owns the connection.
type Connection struct {
	ID                 uint8          `yaml:"-"`
	InterfaceAddressV4 *netip.Prefix  `yaml:"interface_address_v4,omitempty"`
	InterfaceAddressV6 *netip.Prefix  `yaml:"interface_address_v6,omitempty"`
	Routes             []Route        `yaml:"routes,omitempty"`
	Config             ConnectionConfig `yaml:"config"`
}

// ConnectionConfig is implemented by exactly one of PhysicalConfig,
// IPsecConfig, WireGuardConfig, or SSHConfig.
type ConnectionConfig interface {
	connectionConfigType() string
}

// PhysicalConfig moves an existing link into the network instance
// unmodified. It is used for directly-attached uplinks.
type PhysicalConfig struct {
	InterfaceName string `yaml:"interface_name"`
}

func (PhysicalConfig) connectionConfigType() string { return "physical" }

// IPsecConfig configures an IKEv2/IPsec tunnel driven by the strongSwan
// vici control channel.
type IPsecConfig struct {
	RemoteAddrs       []netip.Addr `yaml:"remote_addrs"`
	LocalID           string       `yaml:"local_id,omitempty"`
	RemoteID          string       `yaml:"remote_id,omitempty"`
	IKEVersion        int          `yaml:"ike_version"`
	IKEProposal       string       `yaml:"ike_proposal"`
	IKELifetime       int          `yaml:"ike_lifetime"`
	IPsecProposal     string       `yaml:"ipsec_proposal"`
	IPsecLifetime     int          `yaml:"ipsec_lifetime"`
	Initiation        Initiation   `yaml:"initiation"`
	PSK               string       `yaml:"psk"`
	TrafficSelectors  []netip.Prefix `yaml:"traffic_selectors,omitempty"`
}

func (IPsecConfig) connectionConfigType() string { return "ipsec" }

// WireGuardConfig configures a WireGuard peer.
type WireGuardConfig struct {
	LocalPort  *uint16      `yaml:"local_port,omitempty"`
	RemoteAddrs []netip.Addr `yaml:"remote_addrs"`
	RemotePort uint16       `yaml:"remote_port"`
	PrivateKey string       `yaml:"private_key"`
	PublicKey  string       `yaml:"public_key"`
}

func (WireGuardConfig) connectionConfigType() string { return "wireguard" }

// SSHConfig configures an autossh-style reverse tunnel, optionally
// pushing the remote endpoint's own interface configuration over the
// tunnel once it comes up.
type SSHConfig struct {
	RemoteAddrs           []netip.Addr `yaml:"remote_addrs"`
	RemoteTunnelID        int          `yaml:"remote_tunnel_id"`
	Username              string       `yaml:"username"`
	RemoteConfig          string       `yaml:"remote_config,omitempty"`
	RemoteConfigInterface string       `yaml:"remote_config_interface,omitempty"`
}

func (SSHConfig) connectionConfigType() string { return "ssh" }

// UnmarshalYAML implements the config tagged-variant discriminator:
// config.type selects which concrete struct the remaining fields
// decode into, and unknown fields in either the envelope or the
// variant are rejected.
func (c *Connection) UnmarshalYAML(node *yaml.Node) error {
	type envelope struct {
		InterfaceAddressV4 *netip.Prefix `yaml:"interface_address_v4,omitempty"`
		InterfaceAddressV6 *netip.Prefix `yaml:"interface_address_v6,omitempty"`
		Routes             []Route       `yaml:"routes,omitempty"`
		Config             yaml.Node     `yaml:"config"`
	}
	var env envelope
	if err := strictDecode(node, &env); err != nil {
		return err
	}
	var disc struct {
		Type string `yaml:"type"`
	}
	if err := env.Config.Decode(&disc); err != nil {
		return fmt.Errorf("connection config: %w", err)
	}
	var cfg ConnectionConfig
	switch disc.Type {
	case "physical":
		var v struct {
			Type          string `yaml:"type"`
			InterfaceName string `yaml:"interface_name"`
		}
		if err := strictDecode(&env.Config, &v); err != nil {
			return err
		}
		cfg = PhysicalConfig{InterfaceName: v.InterfaceName}
	case "ipsec":
		var v IPsecConfig
		if err := strictDecodeWithType(&env.Config, &v, "type"); err != nil {
			return err
		}
		cfg = v
	case "wireguard":
		var v WireGuardConfig
		if err := strictDecodeWithType(&env.Config, &v, "type"); err != nil {
			return err
		}
		cfg = v
	case "ssh":
		var v SSHConfig
		if err := strictDecodeWithType(&env.Config, &v, "type"); err != nil {
			return err
		}
		cfg = v
	case "":
		return fmt.Errorf("connection config: missing type")
	default:
		return fmt.Errorf("connection config: unknown type %q", disc.Type)
	}
	c.InterfaceAddressV4 = env.InterfaceAddressV4
	c.InterfaceAddressV6 = env.InterfaceAddressV6
	c.Routes = env.Routes
	c.Config = cfg
	return nil
}

// strictDecode decodes node into out, rejecting fields not present on
// out's type. yaml.Node.Decode does not honor a Decoder's KnownFields
// setting, so we round-trip through a byte-level Decoder to get the
// same strictness the top-level Snapshot decode uses.
func strictDecode(node *yaml.Node, out any) error {
	b, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// strictDecodeWithType is strictDecode for a variant struct that also
// carries the discriminator field under typeKey; the discriminator is
// tolerated but not otherwise consumed by the variant struct.
func strictDecodeWithType(node *yaml.Node, out any, typeKey string) error {
	b, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return err
	}
	delete(raw, typeKey)
	b, err = yaml.Marshal(raw)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
