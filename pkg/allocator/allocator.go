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

// Package allocator computes the deterministic NAT64, NPTv6, and
// interface prefixes assigned to a downlink connection. Every function
// here is a pure function of its identity inputs and the service's
// allocator pools; none of them touch the kernel, the config store, or
// any other package's state.
package allocator

import (
	"fmt"
	"hash/fnv"
	"net/netip"
	"regexp"
	"strconv"

	"github.com/ncubed/vpnc/pkg/vpncerr"
)

// tenantRE is the superset regex from the data model: DEFAULT, or a
// downlink/endpoint letter followed by a four digit number. Earlier
// revisions of the source used the narrower [CD]\d{4} in some call
// sites; that omission of E-tenants was a bug, not a variant to
// preserve.
var tenantRE = regexp.MustCompile(`^(DEFAULT|[CDE]\d{4})$`)

// niRE matches a hub-mode network instance id: the owning tenant id,
// a dash, and a two-digit index.
var niRE = regexp.MustCompile(`^([CDE]\d{4})-(\d{2})$`)

// Identity names a single connection for allocation purposes: the
// tenant's letter and number, the NI's index within the tenant, and
// the connection id.
type Identity struct {
	Letter  byte // 'c', 'd', or 'e', lowercased
	Number  uint16
	NI      uint16
	ConnID  uint8
}

// ParseTenantID splits a tenant id into its letter and number. DEFAULT
// has no letter/number and is rejected; callers allocate only for
// downlink (C/D) or endpoint (E) tenants.
func ParseTenantID(id string) (letter byte, number uint16, err error) {
	if !tenantRE.MatchString(id) {
		return 0, 0, vpncerr.Invalid(id, "tenant id %q does not match %s", id, tenantRE.String())
	}
	if id == "DEFAULT" {
		return 0, 0, vpncerr.Invalid(id, "DEFAULT has no allocator identity")
	}
	n, err := strconv.ParseUint(id[1:], 10, 16)
	if err != nil {
		return 0, 0, vpncerr.Invalid(id, "tenant number: %v", err)
	}
	letter = id[0] | 0x20 // ASCII lowercase
	return letter, uint16(n), nil
}

// ParseNIIndex extracts the numeric index from a hub-mode NI id and
// checks it belongs to tenantID.
func ParseNIIndex(tenantID, niID string) (uint16, error) {
	m := niRE.FindStringSubmatch(niID)
	if m == nil {
		return 0, vpncerr.Invalid(niID, "ni id %q does not match %s", niID, niRE.String())
	}
	if m[1] != tenantID {
		return 0, vpncerr.Invalid(niID, "ni %q does not belong to tenant %q", niID, tenantID)
	}
	n, err := strconv.ParseUint(m[2], 10, 16)
	if err != nil {
		return 0, vpncerr.Invalid(niID, "ni index: %v", err)
	}
	return uint16(n), nil
}

// NewIdentity builds an Identity from a tenant id, NI id, and
// connection id, validating both id formats along the way.
func NewIdentity(tenantID, niID string, connID uint8) (Identity, error) {
	letter, number, err := ParseTenantID(tenantID)
	if err != nil {
		return Identity{}, err
	}
	ni, err := ParseNIIndex(tenantID, niID)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Letter: letter, Number: number, NI: ni, ConnID: connID}, nil
}

// letterHexDigit returns the identity letter's value when read as a
// single hex digit (c=0xc, d=0xd, e=0xe), matching the encoding used
// literally in the NAT64/NPTv6 hextets.
func letterHexDigit(letter byte) (uint16, error) {
	v, err := strconv.ParseUint(string(letter), 16, 8)
	if err != nil {
		return 0, fmt.Errorf("identity letter %q is not a hex digit", letter)
	}
	return uint16(v), nil
}

// setHextet writes a 16-bit value into group g (1-indexed, as in
// standard IPv6 notation) of addr.
func setHextet(addr *[16]byte, g int, v uint16) {
	addr[(g-1)*2] = byte(v >> 8)
	addr[(g-1)*2+1] = byte(v)
}

// NAT64Prefix returns the /96 owned by this connection within pool,
// which must be a /32. Groups 3-6 of the result carry the tenant
// letter, tenant number, NI index, and connection id respectively;
// groups 1-2 come from pool. Two distinct identities never collide
// because each field occupies its own group.
func NAT64Prefix(pool netip.Prefix, id Identity) (netip.Prefix, error) {
	if !pool.Addr().Is6() || pool.Bits() != 32 {
		return netip.Prefix{}, fmt.Errorf("nat64 pool must be a /32, got %s", pool)
	}
	letterVal, err := letterHexDigit(id.Letter)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr := pool.Masked().Addr().As16()
	setHextet(&addr, 3, letterVal)
	setHextet(&addr, 4, id.Number)
	setHextet(&addr, 5, id.NI)
	setHextet(&addr, 6, uint16(id.ConnID))
	return netip.PrefixFrom(netip.AddrFrom16(addr), 96), nil
}

// NPTv6Prefix returns the NPTv6 carve-out for route routeIndex on this
// connection, truncated to targetBits. pool must be a /12. Fields are
// packed most-significant-first (letter, tenant number, NI index,
// connection id, route index) immediately after pool's network bits;
// every bit past targetBits is masked off, so a field that straddles
// targetBits keeps only its high-order bits and the fields after it are
// dropped, rather than wrapping or overflowing into unrelated bits.
// This is the longest-matching carve-out: the address
// is always exact up to targetBits, and never depends on route order
// beyond routeIndex itself.
func NPTv6Prefix(pool netip.Prefix, id Identity, routeIndex uint8, targetBits int) (netip.Prefix, error) {
	if !pool.Addr().Is6() || pool.Bits() != 12 {
		return netip.Prefix{}, fmt.Errorf("nptv6 pool must be a /12, got %s", pool)
	}
	if targetBits < pool.Bits() || targetBits > 128 {
		return netip.Prefix{}, fmt.Errorf("nptv6 target length %d outside [%d,128]", targetBits, pool.Bits())
	}
	letterVal, err := letterHexDigit(id.Letter)
	if err != nil {
		return netip.Prefix{}, err
	}
	// Lay the tuple out across hextets 1-5 the same way the NAT64
	// offset is laid out, then add it to the pool's network address so
	// the pool's own /12 bits are left untouched (the letter lands in
	// the low nibble of hextet 1, which the /12 leaves free).
	var offset [16]byte
	setHextet(&offset, 1, letterVal)
	setHextet(&offset, 2, id.Number)
	setHextet(&offset, 3, id.NI)
	setHextet(&offset, 4, uint16(id.ConnID))
	setHextet(&offset, 5, uint16(routeIndex))

	base := pool.Masked().Addr().As16()
	sum := add128(base, offset)
	result := netip.PrefixFrom(netip.AddrFrom16(sum), targetBits).Masked()
	return result, nil
}

// add128 adds two 128-bit big-endian values with carry.
func add128(a, b [16]byte) [16]byte {
	var out [16]byte
	var carry uint16
	for i := 15; i >= 0; i-- {
		sum := uint16(a[i]) + uint16(b[i]) + carry
		out[i] = byte(sum)
		carry = sum >> 8
	}
	return out
}

// InterfaceV6Prefix carves a /64 per connection out of pool, a /32.
// The tenant letter (2 bits), tenant number (14 bits), NI index (8
// bits), and connection id (8 bits) pack exactly into the 32 bits of
// index space between /32 and /64, so allocation is collision-free by
// construction.
func InterfaceV6Prefix(pool netip.Prefix, id Identity) (netip.Prefix, error) {
	if !pool.Addr().Is6() || pool.Bits() != 32 {
		return netip.Prefix{}, fmt.Errorf("v6 interface pool must be a /32, got %s", pool)
	}
	letterCode, err := letterOrdinal(id.Letter)
	if err != nil {
		return netip.Prefix{}, err
	}
	if id.Number > 0x3FFF {
		return netip.Prefix{}, fmt.Errorf("tenant number %d exceeds 14 bits", id.Number)
	}
	index := uint32(letterCode)<<30 | uint32(id.Number)<<16 | uint32(id.NI)<<8 | uint32(id.ConnID)
	addr := pool.Masked().Addr().As16()
	setHextet(&addr, 3, uint16(index>>16))
	setHextet(&addr, 4, uint16(index))
	return netip.PrefixFrom(netip.AddrFrom16(addr), 64), nil
}

// InterfaceV4Prefix carves a /28 per connection out of pool, a /16.
// The pool's 12 bits of block-index space are too narrow to pack the
// full identity tuple, so the block is chosen by hashing the identity;
// this is still a pure function of the inputs. Collisions are not
// detected: two identities that hash to the same block get the same
// /28.
func InterfaceV4Prefix(pool netip.Prefix, id Identity) (netip.Prefix, error) {
	if !pool.Addr().Is4() || pool.Bits() != 16 {
		return netip.Prefix{}, fmt.Errorf("v4 interface pool must be a /16, got %s", pool)
	}
	const blockBits = 4 // /28 out of /16 leaves 12 bits of block index
	const numBlocks = 1 << (32 - 16 - blockBits)
	h := fnv.New32a()
	fmt.Fprintf(h, "%c-%d-%d-%d", id.Letter, id.Number, id.NI, id.ConnID)
	block := h.Sum32() % numBlocks

	base := pool.Masked().Addr().As4()
	baseVal := uint32(base[0])<<24 | uint32(base[1])<<16 | uint32(base[2])<<8 | uint32(base[3])
	addrVal := baseVal | (block << blockBits)
	var out [4]byte
	out[0] = byte(addrVal >> 24)
	out[1] = byte(addrVal >> 16)
	out[2] = byte(addrVal >> 8)
	out[3] = byte(addrVal)
	return netip.PrefixFrom(netip.AddrFrom4(out), 32-blockBits), nil
}

// XfrmIfID packs id into the 32-bit value an IPsec connection's XFRM
// interface uses as its if_id, the same (tenant-letter, tenant-number,
// ni-index, conn-id) tuple InterfaceV6Prefix packs into its /64
// carve-out: two bits of letter, fourteen of tenant number, eight of
// NI index, eight of connection id. Reusing that layout keeps if_ids
// collision-free by construction instead of by hashing the NI string.
func XfrmIfID(id Identity) (uint32, error) {
	letterCode, err := letterOrdinal(id.Letter)
	if err != nil {
		return 0, err
	}
	if id.Number > 0x3FFF {
		return 0, fmt.Errorf("tenant number %d exceeds 14 bits", id.Number)
	}
	return uint32(letterCode)<<30 | uint32(id.Number)<<16 | uint32(id.NI)<<8 | uint32(id.ConnID), nil
}

func letterOrdinal(letter byte) (uint8, error) {
	switch letter {
	case 'c':
		return 0, nil
	case 'd':
		return 1, nil
	case 'e':
		return 2, nil
	default:
		return 0, fmt.Errorf("unrecognized tenant letter %q", letter)
	}
}

// FormatIdentity renders id as the downlink connection name used in
// link names, log fields, and the routing driver's neighbor
// descriptions: TENANT-NN-CCC.
func FormatIdentity(id Identity) string {
	return fmt.Sprintf("%c%04d-%02d-%03d", id.Letter, id.Number, id.NI, id.ConnID)
}

// identityRE is the inverse of FormatIdentity, generalized from the
// original downlink connection matcher to the superset tenant letters.
var identityRE = regexp.MustCompile(`^([cdeCDE])(\d{4})-(\d{2})-(\d{3})$`)

// ParseIdentity is the inverse of FormatIdentity: given a rendered
// connection name it recovers the tenant letter/number, NI index, and
// connection id without consulting the config store. Drivers use it to
// map a kernel object's name (an interface, an SA, a route) back to the
// connection that owns it.
func ParseIdentity(name string) (Identity, error) {
	m := identityRE.FindStringSubmatch(name)
	if m == nil {
		return Identity{}, fmt.Errorf("%q is not a connection identity", name)
	}
	number, err := strconv.ParseUint(m[2], 10, 16)
	if err != nil {
		return Identity{}, err
	}
	ni, err := strconv.ParseUint(m[3], 10, 16)
	if err != nil {
		return Identity{}, err
	}
	conn, err := strconv.ParseUint(m[4], 10, 8)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		Letter: m[1][0] | 0x20,
		Number: uint16(number),
		NI:     uint16(ni),
		ConnID: uint8(conn),
	}, nil
}
