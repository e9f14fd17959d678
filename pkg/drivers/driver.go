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

// Package drivers defines the shared contract every connection
// transport implements, and the state machine the reconciler drives it
// through. Concrete transports live in the ipsec, wireguard, ssh, and
// physical subpackages.
package drivers

import (
	"fmt"

	"github.com/ncubed/vpnc/pkg/config"
	"github.com/ncubed/vpnc/pkg/dataplane"
	"github.com/ncubed/vpnc/pkg/vctx"
)

// State is a connection driver's position in its lifecycle.
type State int

const (
	Idle State = iota
	Configured
	Connecting
	Active
	Degraded
	Teardown
)

func (s State) String() string {
	switch s {
	case Configured:
		return "configured"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Degraded:
		return "degraded"
	case Teardown:
		return "teardown"
	default:
		return "idle"
	}
}

// Valid transitions. A driver that finds itself asked to move outside
// this table has a reconciler bug, not a transient runtime error.
var validTransitions = map[State]map[State]bool{
	Idle:       {Configured: true},
	Configured: {Connecting: true, Teardown: true},
	Connecting: {Active: true, Degraded: true, Teardown: true},
	Active:     {Degraded: true, Teardown: true, Configured: true},
	Degraded:   {Connecting: true, Teardown: true},
	Teardown:   {Idle: true},
}

// CanTransition reports whether moving from cur to next is legal.
func CanTransition(cur, next State) bool {
	return validTransitions[cur][next]
}

// Handle identifies a single connection for logging, naming, and
// dataplane object ownership.
type Handle struct {
	TenantID     string
	NetworkInstanceID string
	ConnectionID uint8
	Namespace    string
	IfaceName    string
}

// Driver owns one connection's transport-specific lifecycle: bringing
// the tunnel up, tearing it down, and reporting whether it is currently
// passing traffic. Reconciliation of routes/addresses/NAT64/NPTv6
// bound to the connection's interface happens in pkg/reconciler using
// the same dataplane.Dataplane the driver used to create the
// interface; the driver itself only owns the interface's existence and
// its own transport state.
type Driver interface {
	// Configure moves the driver from Idle to Configured, storing cfg
	// and handle but not yet touching the kernel or dialing anything.
	Configure(ctx vctx.Context, handle Handle, conn *config.Connection) error

	// Start moves the driver through Connecting towards Active,
	// creating whatever dataplane link the transport needs.
	Start(ctx vctx.Context, dp dataplane.Dataplane) error

	// Stop tears the connection down and returns the driver to Idle.
	Stop(ctx vctx.Context, dp dataplane.Dataplane) error

	// State returns the driver's current lifecycle position.
	State() State

	// LastError returns the error recorded by the driver's most recent
	// failure, or nil if none has been recorded since the last
	// successful Start or Stop. A failed Start leaves the driver in
	// Degraded, or in Configured for a DriverFatal error.
	LastError() error
}

// UnsupportedConfigError reports a driver invoked with the wrong
// concrete ConnectionConfig variant, which is a caller bug: the
// reconciler is expected to route each Connection to the driver
// matching its Config's own tag.
type UnsupportedConfigError struct {
	Driver string
	Got    config.ConnectionConfig
}

func (e *UnsupportedConfigError) Error() string {
	return fmt.Sprintf("%s driver cannot handle config type %T", e.Driver, e.Got)
}
