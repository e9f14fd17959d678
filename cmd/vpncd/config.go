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

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/ncubed/vpnc/pkg/supervisor"
)

// Config is vpncd's process-level configuration: everything that is
// not tenant/service YAML (that lives in ConfigDir, per §6). Layered
// file < environment < flags, the way the teacher's own daemon config
// parser layers koanf providers.
type Config struct {
	ConfigDir              string        `koanf:"config-dir"`
	StatusSocket           string        `koanf:"status-socket"`
	MgmtInterface          string        `koanf:"mgmt-interface"`
	LogLevel               string        `koanf:"log-level"`
	NeighborPollInterval   time.Duration `koanf:"neighbor-poll-interval"`
	ReconcileRetryInterval time.Duration `koanf:"reconcile-retry-interval"`
	ExternalCommandTimeout time.Duration `koanf:"external-command-timeout"`
	DNSHookQueue           uint16        `koanf:"dns-hook-queue"`
}

// NewDefaultConfig returns Config seeded from the supervisor's own
// defaults, plus the process-level fields the supervisor doesn't know
// about (log level, status socket path).
func NewDefaultConfig() *Config {
	sup := supervisor.NewDefaultConfig()
	return &Config{
		ConfigDir:              sup.ConfigDir,
		StatusSocket:           "/var/run/ncubed/vpnc.sock",
		LogLevel:               "info",
		NeighborPollInterval:   sup.NeighborPollInterval,
		ReconcileRetryInterval: sup.ReconcileRetryInterval,
		ExternalCommandTimeout: sup.ExternalCommandTimeout,
		DNSHookQueue:           sup.DNSHookQueue,
	}
}

// BindFlags registers every field as a pflag under prefix, mirroring
// the field back so LoadFrom's posflag layer can override it.
func (c *Config) BindFlags(prefix string, flagset *pflag.FlagSet) *Config {
	flagset.StringVar(&c.ConfigDir, prefix+"config-dir", c.ConfigDir, "Root directory holding candidate/ and active/ tenant configuration")
	flagset.StringVar(&c.StatusSocket, prefix+"status-socket", c.StatusSocket, "Unix socket path for the read-only status query endpoint")
	flagset.StringVar(&c.MgmtInterface, prefix+"mgmt-interface", c.MgmtInterface, "EXTERNAL network instance interface facing the management environment")
	flagset.StringVar(&c.LogLevel, prefix+"log-level", c.LogLevel, "Log level (debug, info, warn, error, silent)")
	flagset.DurationVar(&c.NeighborPollInterval, prefix+"neighbor-poll-interval", c.NeighborPollInterval, "How often to poll the routing daemon for neighbor/BFD state")
	flagset.DurationVar(&c.ReconcileRetryInterval, prefix+"reconcile-retry-interval", c.ReconcileRetryInterval, "How often to retry reconciliation independent of config changes")
	flagset.DurationVar(&c.ExternalCommandTimeout, prefix+"external-command-timeout", c.ExternalCommandTimeout, "Timeout for supervisor-issued external commands")
	flagset.Uint16Var(&c.DNSHookQueue, prefix+"dns-hook-queue", c.DNSHookQueue, "NFQUEUE number for the DNS-doctor netfilter hook")
	return c
}

// LoadFrom layers a YAML config file, then VPNC_-prefixed environment
// variables, then already-parsed flags on top of c's defaults, in that
// order of precedence.
func (c *Config) LoadFrom(fs *pflag.FlagSet, confFile string) error {
	k := koanf.New(".")
	if confFile != "" {
		if err := k.Load(file.Provider(confFile), yaml.Parser()); err != nil {
			return fmt.Errorf("load config file %s: %w", confFile, err)
		}
	}
	if err := k.Load(env.Provider("VPNC_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "VPNC_")), "_", "-")
	}), nil); err != nil {
		return fmt.Errorf("load environment variables: %w", err)
	}
	if err := k.Load(posflag.Provider(fs, ".", k), nil); err != nil {
		return fmt.Errorf("load flags: %w", err)
	}
	return k.Unmarshal("", c)
}

// SupervisorConfig projects the process-level Config down to the
// fields pkg/supervisor actually needs.
func (c *Config) SupervisorConfig() supervisor.Config {
	return supervisor.Config{
		ConfigDir:              c.ConfigDir,
		MgmtInterface:          c.MgmtInterface,
		NeighborPollInterval:   c.NeighborPollInterval,
		ReconcileRetryInterval: c.ReconcileRetryInterval,
		ExternalCommandTimeout: c.ExternalCommandTimeout,
		DNSHookQueue:           c.DNSHookQueue,
	}
}
