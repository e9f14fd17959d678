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
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/ncubed/vpnc/pkg/status"
)

var (
	showTenant string
	showNI     string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show live connection state, optionally scoped to a tenant/network instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := dial()
		if err != nil {
			return err
		}
		defer cli.Close()
		resp, err := cli.Show(context.Background(), &status.ShowRequest{Tenant: showTenant, NetworkInstance: showNI})
		if err != nil {
			return err
		}
		return printJSON(cmd, resp)
	},
}

func init() {
	showCmd.Flags().StringVar(&showTenant, "tenant", "", "Restrict output to this tenant")
	showCmd.Flags().StringVar(&showNI, "ni", "", "Restrict output to this network instance")
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(out))
	return nil
}
