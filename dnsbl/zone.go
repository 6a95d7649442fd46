package dnsbl

import (
	"net/netip"
	"strings"
	"sync"

	"github.com/gaissmai/bart"
	"github.com/miekg/dns"
)

// zoneTTL keeps answers from a local zone short-lived in downstream caches.
const zoneTTL = uint32(60)

// Zone is a dns.Handler serving a DNSBL from an in-memory set of listed
// prefixes. It answers A queries for reversed IPv4 names under its origin
// with the answer address configured for the covering prefix, and NXDOMAIN
// for addresses that are not listed. The RFC 5782 test address 127.0.0.2 is
// always listed.
type Zone struct {
	origin string
	mu     sync.RWMutex
	listed *bart.Table[netip.Addr]
}

// NewZone creates a zone for origin, e.g. "bl.example.org".
func NewZone(origin string) *Zone {
	z := &Zone{
		origin: strings.ToLower(strings.TrimSuffix(origin, ".")),
		listed: new(bart.Table[netip.Addr]),
	}
	z.List(netip.MustParsePrefix("127.0.0.2/32"), netip.AddrFrom4([4]byte{127, 0, 0, 2}))
	return z
}

// List adds prefix to the zone; lookups inside it answer with answer.
func (z *Zone) List(prefix netip.Prefix, answer netip.Addr) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.listed.Insert(prefix.Masked(), answer)
}

// Delist removes prefix from the zone.
func (z *Zone) Delist(prefix netip.Prefix) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.listed.Delete(prefix.Masked())
}

func (z *Zone) lookup(ip netip.Addr) (netip.Addr, bool) {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.listed.Lookup(ip)
}

// ServeDNS implements dns.Handler.
func (z *Zone) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	if len(r.Question) != 1 {
		m.Rcode = dns.RcodeFormatError
		_ = w.WriteMsg(m)
		return
	}
	q := r.Question[0]

	ip, ok := parseQueryName(q.Name, z.origin)
	if !ok {
		if !dns.IsSubDomain(dns.Fqdn(z.origin), strings.ToLower(q.Name)) {
			m.Rcode = dns.RcodeRefused
		} else {
			m.Rcode = dns.RcodeNameError
		}
		_ = w.WriteMsg(m)
		return
	}

	answer, listed := z.lookup(ip)
	switch {
	case !listed:
		m.Rcode = dns.RcodeNameError
	case q.Qtype == dns.TypeA || q.Qtype == dns.TypeANY:
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name:   dns.Fqdn(q.Name),
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    zoneTTL,
			},
			A: answer.AsSlice(),
		})
	default:
		// listed, but only A records exist: NODATA
	}
	_ = w.WriteMsg(m)
}
