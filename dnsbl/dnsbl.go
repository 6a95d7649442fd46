// Package dnsbl queries DNS block lists (RFC 5782).
//
// To look up a.b.c.d in zone "zen.spamhaus.org" the name
// "d.c.b.a.zen.spamhaus.org." is resolved as an A record. No record means
// the address is not listed. An answer inside 127.0.0.0/8 means it is
// listed, the exact address encoding the reason. Any other answer is not a
// valid DNSBL reply: it usually points at a wildcarding resolver or a
// poisoned cache and is reported as Suspicious instead of being enforced.
package dnsbl

import (
	"errors"
	"net/netip"
	"strconv"
	"strings"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("spamgate/dnsbl")

var errNotIPv4 = errors.New("dnsbl: only IPv4 addresses can be looked up")

// Verdict is the interpretation of a DNSBL answer.
type Verdict int

const (
	// NotListed means no A record was returned, or the lookup failed.
	NotListed Verdict = iota
	// Listed means the first A record is in 127.0.0.0/8.
	Listed
	// Suspicious means an A record outside 127.0.0.0/8 was returned.
	Suspicious
)

func (v Verdict) String() string {
	switch v {
	case NotListed:
		return "not_listed"
	case Listed:
		return "listed"
	case Suspicious:
		return "suspicious"
	default:
		return "unknown"
	}
}

// Result is the outcome of a Query.
type Result struct {
	Verdict Verdict
	Answer  netip.Addr // first A record, invalid when NotListed
}

// QueryName builds the DNSBL name for ip under zone, as a fully qualified
// domain name: 1.2.3.4 in "zen.spamhaus.org" is "4.3.2.1.zen.spamhaus.org.".
func QueryName(ip netip.Addr, zone string) (string, error) {
	ip = ip.Unmap()
	if !ip.Is4() {
		return "", errNotIPv4
	}
	a4 := ip.As4()

	var b strings.Builder
	for i := len(a4) - 1; i >= 0; i-- {
		b.WriteString(strconv.Itoa(int(a4[i])))
		b.WriteByte('.')
	}
	b.WriteString(strings.TrimSuffix(zone, "."))
	b.WriteByte('.')
	return b.String(), nil
}

// parseQueryName is the inverse of QueryName. It returns false when name is
// not a reversed IPv4 address directly under zone.
func parseQueryName(name, zone string) (netip.Addr, bool) {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	zone = strings.ToLower(strings.TrimSuffix(zone, "."))

	prefix := strings.TrimSuffix(name, "."+zone)
	if len(prefix) == len(name) || prefix == "" {
		return netip.Addr{}, false
	}

	octets := strings.Split(prefix, ".")
	if len(octets) != 4 {
		return netip.Addr{}, false
	}
	for i, j := 0, len(octets)-1; i < j; i, j = i+1, j-1 {
		octets[i], octets[j] = octets[j], octets[i]
	}
	ip, err := netip.ParseAddr(strings.Join(octets, "."))
	if err != nil || !ip.Is4() {
		return netip.Addr{}, false
	}
	return ip, true
}

// classify maps the first A record of an answer to a Verdict.
func classify(answer netip.Addr) Verdict {
	answer = answer.Unmap()
	if !answer.Is4() {
		return Suspicious
	}
	if answer.As4()[0] == 127 {
		return Listed
	}
	return Suspicious
}

// Reason returns a bounded-cardinality label for a listing answer, following
// the Spamhaus ZEN return codes. It is meant for logs and metric labels;
// other lists reuse the same 127.0.0.x convention loosely.
func Reason(answer netip.Addr) string {
	answer = answer.Unmap()
	if !answer.IsValid() {
		return "none"
	}
	if classify(answer) != Listed {
		return "anomalous"
	}
	a4 := answer.As4()
	if a4[1] == 255 && a4[2] == 255 {
		// 127.255.255.x: the list refused to answer (public resolver, rate limit)
		return "error"
	}
	switch a4[3] {
	case 2:
		return "sbl"
	case 3:
		return "css"
	case 4, 5, 6, 7:
		return "xbl"
	case 9:
		return "drop"
	case 10, 11:
		return "pbl"
	default:
		return "other"
	}
}
