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
	"context"

	"github.com/spf13/cobra"

	"github.com/ncubed/vpnc/pkg/status"
)

var bgpCmd = &cobra.Command{
	Use:   "bgp",
	Short: "Show the last polled BGP neighbor and BFD state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := dial()
		if err != nil {
			return err
		}
		defer cli.Close()
		resp, err := cli.BGP(context.Background(), &status.BGPRequest{})
		if err != nil {
			return err
		}
		return printJSON(cmd, resp)
	},
}
