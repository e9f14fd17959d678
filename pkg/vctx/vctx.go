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

// Package vctx provides facilities for storing and retrieving values from
// context objects, mirroring the way the rest of the daemon threads a
// logger and reconciliation identity through every call chain.
package vctx

import (
	"context"
	"time"

	"golang.org/x/exp/slog"
)

// Context is an alias to context.Context for convenience.
type Context = context.Context

// CancelFunc is an alias to context.CancelFunc for convenience.
type CancelFunc = context.CancelFunc

// Background returns a background context.
func Background() Context { return context.Background() }

// WithTimeout returns a context with the given timeout.
func WithTimeout(ctx Context, timeout time.Duration) (Context, CancelFunc) {
	return context.WithTimeout(ctx, timeout)
}

// WithCancel returns a context with an attached cancel function.
func WithCancel(ctx Context) (Context, CancelFunc) {
	return context.WithCancel(ctx)
}

type logKey struct{}

// WithLogger returns a context with the given logger attached.
func WithLogger(ctx Context, logger *slog.Logger) Context {
	return context.WithValue(ctx, logKey{}, logger)
}

// LoggerFrom returns the logger attached to the context, or the default
// logger if none is set.
func LoggerFrom(ctx Context) *slog.Logger {
	logger, ok := ctx.Value(logKey{}).(*slog.Logger)
	if !ok {
		return slog.Default()
	}
	return logger
}

type identityKey struct{}

// Identity scopes a unit of work to a tenant, network instance, and
// connection so that every log line and error emitted underneath it can
// be attributed without threading three extra parameters through every
// call.
type Identity struct {
	Tenant     string
	NI         string
	Connection int
	HasConn    bool
}

// WithIdentity returns a context carrying the given identity, and a logger
// derived from the context's current logger with the identity's fields
// attached.
func WithIdentity(ctx Context, id Identity) Context {
	log := LoggerFrom(ctx).With(slog.String("tenant", id.Tenant), slog.String("ni", id.NI))
	if id.HasConn {
		log = log.With(slog.Int("connection", id.Connection))
	}
	ctx = WithLogger(ctx, log)
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity attached to the context, if any.
func IdentityFrom(ctx Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
