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

package kernel

import (
	"fmt"
	"net/netip"
	"os/exec"
	"strings"

	"github.com/ncubed/vpnc/pkg/dataplane"
	"github.com/ncubed/vpnc/pkg/vctx"
)

// NPTv6 is implemented with the xtables-addons NPTv6 target, one rule
// pair per translated prefix: a PREROUTING rule rewriting inbound
// destinations from dst back to src, and a POSTROUTING rule rewriting
// outbound sources from src to dst.
func nptv6Rule(op, chain string, src, dst netip.Prefix) []string {
	if chain == "PREROUTING" {
		src, dst = dst, src
	}
	return []string{"-t", "mangle", op, chain, "-j", "NPTv6", "--src-pfx", src.String(), "--dst-pfx", dst.String()}
}

// NPTv6RuleEnsure installs a source/destination prefix translation rule
// pair mapping src to dst inside ns.
func (k *Kernel) NPTv6RuleEnsure(ctx vctx.Context, ns string, src, dst netip.Prefix) (dataplane.Result, error) {
	existing, err := k.nptv6Dst(ns, src)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		if *existing == dst {
			return dataplane.Unchanged, nil
		}
		if _, err := k.NPTv6RuleRemove(ctx, ns, src); err != nil {
			return 0, fmt.Errorf("replace stale nptv6 rule for %s: %w", src, err)
		}
	}

	for _, chain := range []string{"POSTROUTING", "PREROUTING"} {
		if _, err := k.nsExec6tables(ns, nptv6Rule("-A", chain, src, dst)); err != nil {
			return 0, fmt.Errorf("add nptv6 %s rule %s->%s: %w", chain, src, dst, err)
		}
	}
	if existing != nil {
		return dataplane.Changed, nil
	}
	return dataplane.Created, nil
}

// NPTv6RuleRemove deletes the translation rule pair for src, if any.
func (k *Kernel) NPTv6RuleRemove(ctx vctx.Context, ns string, src netip.Prefix) (dataplane.Result, error) {
	dst, err := k.nptv6Dst(ns, src)
	if err != nil {
		return 0, err
	}
	if dst == nil {
		return dataplane.Unchanged, nil
	}
	for _, chain := range []string{"POSTROUTING", "PREROUTING"} {
		if _, err := k.nsExec6tables(ns, nptv6Rule("-D", chain, src, *dst)); err != nil {
			return 0, fmt.Errorf("remove nptv6 %s rule for %s: %w", chain, src, err)
		}
	}
	return dataplane.Changed, nil
}

// nptv6Dst looks up the current destination prefix an NPTv6 rule
// translates src to inside ns, by scanning the mangle table's saved
// rule set.
func (k *Kernel) nptv6Dst(ns string, src netip.Prefix) (*netip.Prefix, error) {
	out, err := k.nsExec(ns, "ip6tables-save", "-t", "mangle")
	if err != nil {
		return nil, fmt.Errorf("read mangle table in %s: %w", ns, err)
	}
	needle := "--src-pfx " + src.String()
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "NPTv6") || !strings.Contains(line, needle) {
			continue
		}
		fields := strings.Fields(line)
		for i, f := range fields {
			if f == "--dst-pfx" && i+1 < len(fields) {
				dst, err := netip.ParsePrefix(fields[i+1])
				if err != nil {
					return nil, fmt.Errorf("parse dst-pfx from rule %q: %w", line, err)
				}
				return &dst, nil
			}
		}
	}
	return nil, nil
}

func (k *Kernel) nsExec6tables(ns string, args []string) (string, error) {
	full := append([]string{"netns", "exec", ns, "ip6tables"}, args...)
	out, err := exec.Command("ip", full...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s: %w: %s", strings.Join(full, " "), err, out)
	}
	return string(out), nil
}

func (k *Kernel) nsExec(ns, name string, args ...string) (string, error) {
	full := append([]string{"netns", "exec", ns, name}, args...)
	out, err := exec.Command("ip", full...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s: %w: %s", strings.Join(full, " "), err, out)
	}
	return string(out), nil
}
