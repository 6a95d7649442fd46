package cidr

import (
	"net/netip"

	"github.com/gaissmai/bart"
)

// Set is an immutable set of whitelist entries backed by a BART
// (Balanced Routing Table) for O(log n) lookups. Build a new Set to change
// its content; callers swap whole sets atomically.
type Set struct {
	table   *bart.Table[Entry]
	entries []Entry
}

// NewSet builds a Set. Entries without a valid prefix are ignored.
func NewSet(entries []Entry) *Set {
	s := &Set{table: new(bart.Table[Entry])}
	for _, e := range entries {
		if !e.Prefix.IsValid() {
			continue
		}
		s.table.Insert(e.Prefix, e)
		s.entries = append(s.entries, e)
	}
	return s
}

// Lookup returns the most specific entry covering ip.
// IPv4-mapped IPv6 addresses (::ffff:x.x.x.x) are unmapped before lookup,
// any other IPv6 address never matches.
func (s *Set) Lookup(ip netip.Addr) (Entry, bool) {
	if s == nil || s.table == nil {
		return Entry{}, false
	}
	ip = ip.Unmap()
	if !ip.Is4() {
		return Entry{}, false
	}
	return s.table.Lookup(ip)
}

// Contains reports whether any entry covers ip.
func (s *Set) Contains(ip netip.Addr) bool {
	_, ok := s.Lookup(ip)
	return ok
}

// Entries returns a copy of the entries in load order.
func (s *Set) Entries() []Entry {
	if s == nil {
		return nil
	}
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len returns the number of entries in the set.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}
