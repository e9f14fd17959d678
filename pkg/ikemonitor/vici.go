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

package ikemonitor

import (
	"strconv"

	"github.com/strongswan/govici/vici"
)

// ikeSA is the subset of a `list-sas` entry the resolvers need.
type ikeSA struct {
	IKEName     string
	UniqueID    string
	State       string
	Established int64
	Children    []childSA
}

// childSA is one child SA nested under an ikeSA.
type childSA struct {
	Name        string
	UniqueID    string
	State       string
	InstallTime int64
	LocalTS     string
	RemoteTS    string
}

// listSAs queries charon for every active IKE SA, optionally filtered
// to a single connection name, mirroring the original's
// vcs.list_sas({"ike": ike_name}).
func listSAs(session *vici.Session, ikeName string) ([]ikeSA, error) {
	req := vici.NewMessage()
	if ikeName != "" {
		if err := req.Set("ike", ikeName); err != nil {
			return nil, err
		}
	}
	stream, err := session.StreamedCommandRequest("list-sas", "list-sa", req)
	if err != nil {
		return nil, err
	}

	var out []ikeSA
	for _, msg := range stream.Messages() {
		for _, name := range msg.Keys() {
			nested, ok := msg.Get(name).(*vici.Message)
			if !ok {
				continue
			}
			out = append(out, parseIKESA(name, nested))
		}
	}
	return out, nil
}

func parseIKESA(name string, msg *vici.Message) ikeSA {
	sa := ikeSA{
		IKEName:     name,
		UniqueID:    stringField(msg, "uniqueid"),
		State:       stringField(msg, "state"),
		Established: intField(msg, "established"),
	}
	children, ok := msg.Get("child-sas").(*vici.Message)
	if !ok {
		return sa
	}
	for _, cname := range children.Keys() {
		cmsg, ok := children.Get(cname).(*vici.Message)
		if !ok {
			continue
		}
		sa.Children = append(sa.Children, childSA{
			Name:        cname,
			UniqueID:    stringField(cmsg, "uniqueid"),
			State:       stringField(cmsg, "state"),
			InstallTime: intField(cmsg, "install-time"),
			LocalTS:     joinField(cmsg, "local-ts"),
			RemoteTS:    joinField(cmsg, "remote-ts"),
		})
	}
	return sa
}

func stringField(msg *vici.Message, key string) string {
	switch v := msg.Get(key).(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func intField(msg *vici.Message, key string) int64 {
	n, err := strconv.ParseInt(stringField(msg, key), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func joinField(msg *vici.Message, key string) string {
	switch v := msg.Get(key).(type) {
	case []string:
		s := ""
		for i, e := range v {
			if i > 0 {
				s += ","
			}
			s += e
		}
		return s
	default:
		return stringField(msg, key)
	}
}

// terminateIKE tears down an entire IKE SA and its children by unique
// id, the same call the original made to evict the loser of a
// duplicate-SA race.
func terminateIKE(session *vici.Session, uniqueID string) error {
	msg := vici.NewMessage()
	if err := msg.Set("ike-id", uniqueID); err != nil {
		return err
	}
	_, err := session.CommandRequest("terminate", msg)
	return err
}

// terminateChild tears down a single child SA by unique id, used when
// only the traffic-selector-pair duplicate needs evicting and the
// parent IKE SA should stay up.
func terminateChild(session *vici.Session, uniqueID string) error {
	msg := vici.NewMessage()
	if err := msg.Set("child-id", uniqueID); err != nil {
		return err
	}
	_, err := session.CommandRequest("terminate", msg)
	return err
}
