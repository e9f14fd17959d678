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

// Command vpncd is the VPN concentrator control-plane daemon: it
// reconciles tenant network instance configuration onto the kernel
// dataplane, monitors IKE/IPsec SA state, feeds the DNS-doctor
// netfilter hook, and renders BGP route advertisements, all while
// serving a read-only status query endpoint over a Unix socket.
package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"

	"github.com/ncubed/vpnc/pkg/logging"
	"github.com/ncubed/vpnc/pkg/status"
	"github.com/ncubed/vpnc/pkg/supervisor"
	"github.com/ncubed/vpnc/pkg/vctx"
	"github.com/ncubed/vpnc/pkg/version"
)

func main() {
	run()
}

func run() {
	flagset := pflag.NewFlagSet("vpncd", pflag.ContinueOnError)
	versionFlag := flagset.Bool("version", false, "Print version information and exit")
	versionJSONFlag := flagset.Bool("json", false, "Print version information in JSON format")
	confFile := flagset.String("config", "", "Path to a YAML file with process-level configuration")
	cfg := NewDefaultConfig().BindFlags("", flagset)
	if err := flagset.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "Error parsing flags:", err)
		os.Exit(1)
	}

	buildInfo := version.GetBuildInfo()
	if *versionFlag || (len(os.Args) > 1 && os.Args[1] == "version") {
		if *versionJSONFlag {
			fmt.Println(buildInfo.PrettyJSON("vpncd"))
			return
		}
		fmt.Println("VPNC Daemon")
		fmt.Println("    Version:    ", buildInfo.Version)
		fmt.Println("    Git Commit: ", buildInfo.GitCommit)
		fmt.Println("    Build Date: ", buildInfo.BuildDate)
		return
	}

	if err := cfg.LoadFrom(flagset, *confFile); err != nil {
		fmt.Fprintln(os.Stderr, "Error loading configuration:", err)
		os.Exit(1)
	}

	log := logging.SetupLogging(cfg.LogLevel)
	ctx, cancel := vctx.WithCancel(vctx.WithLogger(vctx.Background(), log))
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("received shutdown signal")
		cancel()
	}()

	sup := supervisor.New(cfg.SupervisorConfig())

	grpcServer := grpc.NewServer()
	status.RegisterStatusServer(grpcServer, sup.StatusServer())
	lis, err := listenStatusSocket(cfg.StatusSocket)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error opening status socket:", err)
		os.Exit(1)
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("status server stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	if err := sup.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error running daemon: %v\n", err)
		os.Exit(1)
	}
}

// listenStatusSocket removes any stale socket file left behind by an
// unclean shutdown before binding, the way an operator would before
// restarting the daemon by hand.
func listenStatusSocket(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale status socket %s: %w", path, err)
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	return lis, nil
}
