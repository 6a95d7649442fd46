// Package cidr parses whitelist entries of the form "a.b.c.d" or
// "a.b.c.d/len" and matches IPv4 client addresses against them.
package cidr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// MaxEntryLen is the number of bytes of a whitelist line that are kept.
// Longer lines are truncated, never rejected.
const MaxEntryLen = 15

var errNotIPv4 = errors.New("only IPv4 entries are supported")

// Entry is a single whitelist entry. A bare address is stored as a /32.
// The zero Entry matches nothing.
type Entry struct {
	Text   string       // raw entry text as loaded
	Prefix netip.Prefix // masked network prefix
}

// Parse parses a whitelist entry. Entries that fail to parse are reported
// with an error and must be treated as non-matching.
func Parse(text string) (Entry, error) {
	addrText, bitsText, ranged := strings.Cut(text, "/")

	addr, err := netip.ParseAddr(addrText)
	if err != nil {
		return Entry{}, fmt.Errorf("invalid address %q: %w", addrText, err)
	}
	if !addr.Is4() {
		return Entry{}, fmt.Errorf("%q: %w", text, errNotIPv4)
	}

	bits := 32
	if ranged {
		bits, err = strconv.Atoi(bitsText)
		if err != nil || bits < 0 || bits > 32 {
			return Entry{}, fmt.Errorf("invalid prefix length %q", bitsText)
		}
	}

	return Entry{
		Text:   text,
		Prefix: netip.PrefixFrom(addr, bits).Masked(),
	}, nil
}

// IsRange reports whether the entry was written with a prefix length.
func (e Entry) IsRange() bool {
	return strings.Contains(e.Text, "/")
}

func (e Entry) String() string { return e.Text }

// Matches reports whether candidate lies within the entry's inclusive
// address range. IPv6 candidates never match; IPv4-mapped IPv6 candidates
// are compared as IPv4.
func Matches(e Entry, candidate netip.Addr) bool {
	if !e.Prefix.IsValid() {
		return false
	}
	candidate = candidate.Unmap()
	if !candidate.Is4() {
		return false
	}
	first, last := Bounds(e)
	return first.Compare(candidate) <= 0 && candidate.Compare(last) <= 0
}

// Bounds returns the first and last address covered by e.
// first = network & mask, last = first | ^mask.
func Bounds(e Entry) (first, last netip.Addr) {
	if !e.Prefix.IsValid() {
		return netip.Addr{}, netip.Addr{}
	}
	a4 := e.Prefix.Addr().As4()
	network := binary.BigEndian.Uint32(a4[:])
	// shifting a uint32 by 32 yields 0, so /0 spans the whole space
	mask := ^uint32(0) << (32 - e.Prefix.Bits())

	var lo, hi [4]byte
	binary.BigEndian.PutUint32(lo[:], network&mask)
	binary.BigEndian.PutUint32(hi[:], network&mask|^mask)
	return netip.AddrFrom4(lo), netip.AddrFrom4(hi)
}

// Truncate cuts an entry line to MaxEntryLen bytes.
func Truncate(line string) (string, bool) {
	if len(line) <= MaxEntryLen {
		return line, false
	}
	return line[:MaxEntryLen], true
}
