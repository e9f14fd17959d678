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
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec transports the plain structs in types.go as JSON instead
// of protobuf's binary wire format. Registering it under the name
// "proto" replaces grpc's default codec entirely, so this service's
// hand-written ServiceDesc works with an unmodified grpc.Server and
// grpc.ClientConn without either side needing protoc-generated
// marshalers or a CallContentSubtype option.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return "proto" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
