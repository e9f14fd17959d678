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

// Command vpncctl is the CLI client for a running vpncd, querying its
// read-only status endpoint over a Unix socket.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ncubed/vpnc/pkg/status"
)

var socketFlag string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "vpncctl",
	Short:         "vpncctl queries a running vpnc daemon for its live state",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketFlag, "socket", "/var/run/ncubed/vpnc.sock", "Path to the daemon's status socket")
	rootCmd.AddCommand(showCmd, summaryCmd, natCmd, bgpCmd, versionCmd)
}

func dial() (*status.Client, error) {
	return status.Dial("unix://" + socketFlag)
}
