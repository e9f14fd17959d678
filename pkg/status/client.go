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

package status

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client talks to a running daemon's status endpoint over the same
// hand-written service descriptor Server implements, so a CLI never
// needs a protoc-generated stub.
type Client struct {
	conn *grpc.ClientConn
}

// Dial opens a gRPC channel to the daemon's status socket, addressed
// as "unix:///path/to/socket".
func Dial(target string) (*Client, error) {
	conn, err := grpc.Dial(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial status socket %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the underlying channel.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) Show(ctx context.Context, req *ShowRequest) (*ShowResponse, error) {
	resp := new(ShowResponse)
	if err := c.conn.Invoke(ctx, "/vpnc.status.v1.Status/Show", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Summary(ctx context.Context, req *SummaryRequest) (*SummaryResponse, error) {
	resp := new(SummaryResponse)
	if err := c.conn.Invoke(ctx, "/vpnc.status.v1.Status/Summary", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) NAT(ctx context.Context, req *NATRequest) (*NATResponse, error) {
	resp := new(NATResponse)
	if err := c.conn.Invoke(ctx, "/vpnc.status.v1.Status/NAT", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) BGP(ctx context.Context, req *BGPRequest) (*BGPResponse, error) {
	resp := new(BGPResponse)
	if err := c.conn.Invoke(ctx, "/vpnc.status.v1.Status/BGP", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
