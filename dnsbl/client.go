package dnsbl

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds a single exchange when the caller's context
	// carries no deadline.
	DefaultTimeout = 2 * time.Second

	resolvConf = "/etc/resolv.conf"
	fallbackNS = "127.0.0.1:53"
)

// Client resolves DNSBL names against a single recursive resolver.
type Client struct {
	server string
	client *dns.Client
	log    *zap.SugaredLogger
}

// Option configures a Client.
type Option func(*Client) error

// WithServer sets the resolver address as host or host:port.
func WithServer(addr string) Option {
	return func(c *Client) error {
		if addr == "" {
			return nil
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = net.JoinHostPort(addr, "53")
		}
		c.server = addr
		return nil
	}
}

// WithTimeout sets the per-exchange timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("invalid dnsbl timeout: %s", d)
		}
		c.client.Timeout = d
		return nil
	}
}

// WithLogger overrides the package logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Client) error {
		if l != nil {
			c.log = l
		}
		return nil
	}
}

// NewClient creates a Client. Without WithServer the first nameserver from
// /etc/resolv.conf is used.
func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		client: &dns.Client{Net: "udp", Timeout: DefaultTimeout},
		log:    log.Desugar().Sugar(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.server == "" {
		c.server = systemResolver()
	}
	initMetrics()
	return c, nil
}

func systemResolver() string {
	cfg, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil || len(cfg.Servers) == 0 {
		log.Warnf("no nameserver in %s, using %s: %v", resolvConf, fallbackNS, err)
		return fallbackNS
	}
	return net.JoinHostPort(cfg.Servers[0], cfg.Port)
}

// Server returns the resolver address in use.
func (c *Client) Server() string { return c.server }

// Query looks ip up in zone. It performs a single exchange without retry;
// any resolution failure, including a timeout or SERVFAIL, is reported as
// NotListed. Non-IPv4 addresses are NotListed without a query.
func (c *Client) Query(ctx context.Context, ip netip.Addr, zone string) Result {
	name, err := QueryName(ip, zone)
	if err != nil {
		return Result{Verdict: NotListed}
	}

	start := time.Now()
	res := c.exchange(ctx, name)
	observeLookup(zone, res.Verdict, time.Since(start))
	return res
}

func (c *Client) exchange(ctx context.Context, name string) Result {
	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeA)
	m.RecursionDesired = true

	resp, rtt, err := c.client.ExchangeContext(ctx, m, c.server)
	if err != nil {
		c.log.Debugw("dnsbl lookup failed", "name", name, "server", c.server, "error", err)
		return Result{Verdict: NotListed}
	}
	if resp.Rcode != dns.RcodeSuccess {
		if resp.Rcode != dns.RcodeNameError {
			c.log.Debugw("dnsbl lookup failed", "name", name, "rcode", dns.RcodeToString[resp.Rcode])
		}
		return Result{Verdict: NotListed}
	}

	for _, rr := range resp.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue // CNAME chains
		}
		answer, ok := netip.AddrFromSlice(a.A.To4())
		if !ok {
			continue
		}
		c.log.Debugw("dnsbl answer", "name", name, "answer", answer, "rtt", rtt)
		return Result{Verdict: classify(answer), Answer: answer}
	}
	return Result{Verdict: NotListed}
}

// CheckHealth verifies that zone behaves like a DNSBL through this client's
// resolver: 127.0.0.2 must be listed and 127.0.0.1 must not (RFC 5782
// section 5).
func (c *Client) CheckHealth(ctx context.Context, zone string) error {
	if r := c.Query(ctx, netip.AddrFrom4([4]byte{127, 0, 0, 1}), zone); r.Verdict != NotListed {
		return fmt.Errorf("dnsbl %s: contains unwanted test address 127.0.0.1 (answer %s)", zone, r.Answer)
	}
	if r := c.Query(ctx, netip.AddrFrom4([4]byte{127, 0, 0, 2}), zone); r.Verdict != Listed {
		return fmt.Errorf("dnsbl %s: does not list required test address 127.0.0.2 via %s", zone, c.server)
	}
	return nil
}
