// Package gate decides whether an HTTP client may proceed.
//
// Evaluate runs a fixed sequence of checks and the first one that reaches a
// verdict wins:
//
//  1. methods that are not monitored are allowed untouched
//  2. requests for an unaffected domain are allowed untouched
//  3. whitelisted clients are allowed and recorded in the cache
//  4. clients seen recently are allowed and their sighting is refreshed
//  5. the DNSBL decides: listed clients are denied, all others allowed
//
// Failures along the way (missing files, resolver errors) never abort an
// evaluation; they degrade to the most permissive outcome of that step.
package gate

import (
	"context"
	"net/netip"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/zap"

	"github.com/ipshipyard/spamgate/dnsbl"
	"github.com/ipshipyard/spamgate/exemption"
	"github.com/ipshipyard/spamgate/reputation"
)

var log = logging.Logger("spamgate/gate")

// Verdict is the outcome of an evaluation.
type Verdict int

const (
	Allow Verdict = iota
	Deny
)

func (v Verdict) String() string {
	if v == Deny {
		return "deny"
	}
	return "allow"
}

// Reason names the step that produced a Decision.
type Reason string

const (
	ReasonDisabled     Reason = "disabled"
	ReasonNotMonitored Reason = "method_not_monitored"
	ReasonNoClientAddr Reason = "no_client_addr"
	ReasonUnaffected   Reason = "domain_unaffected"
	ReasonWhitelisted  Reason = "whitelisted"
	ReasonCacheHit     Reason = "cache_hit"
	ReasonListed       Reason = "dnsbl_listed"
	ReasonSuspicious   Reason = "dnsbl_suspicious"
	ReasonNotListed    Reason = "dnsbl_not_listed"
)

// Request holds the attributes of an HTTP request the engine looks at.
type Request struct {
	ClientAddr netip.Addr
	Host       string
	Method     string
}

// Decision is the result of Evaluate.
type Decision struct {
	Verdict     Verdict
	Reason      Reason
	Touched     bool   // the client's cache entry was created or refreshed
	DenyMessage string // set for Deny
}

// Querier looks an address up in a DNSBL zone. *dnsbl.Client implements it.
type Querier interface {
	Query(ctx context.Context, ip netip.Addr, zone string) dnsbl.Result
}

// Engine evaluates requests. It is safe for concurrent use.
type Engine struct {
	store   *exemption.Store
	cache   *reputation.Cache
	querier Querier
	log     *zap.SugaredLogger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger overrides the package logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithCache sets the reputation cache.
func WithCache(c *reputation.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// NewEngine creates an Engine that resolves DNSBL names through q.
func NewEngine(q Querier, opts ...Option) *Engine {
	e := &Engine{
		store:   exemption.NewStore(),
		querier: q,
		log:     log.Desugar().Sugar(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cache == nil {
		e.cache = reputation.New()
	}
	initMetrics()
	return e
}

// Store returns the engine's exemption store.
func (e *Engine) Store() *exemption.Store { return e.store }

// Cache returns the engine's reputation cache.
func (e *Engine) Cache() *reputation.Cache { return e.cache }

// Prepare registers the exemption lists of cfg so they are loaded (and
// watched, if enabled) before the first request arrives.
func (e *Engine) Prepare(cfg *Config) {
	if cfg.WhitelistPath != "" {
		e.store.Track(exemption.KindWhitelist, cfg.WhitelistPath)
	}
	if cfg.UnaffectedPath != "" {
		e.store.Track(exemption.KindUnaffected, cfg.UnaffectedPath)
	}
}

// Evaluate decides whether req may proceed under cfg. It always returns a
// verdict. ctx bounds the DNSBL lookup only.
func (e *Engine) Evaluate(ctx context.Context, req Request, cfg *Config) Decision {
	d := e.evaluate(ctx, req, cfg)
	incDecision(d)
	return d
}

func (e *Engine) evaluate(ctx context.Context, req Request, cfg *Config) Decision {
	if cfg == nil {
		return Decision{Verdict: Allow, Reason: ReasonDisabled}
	}
	if !cfg.Monitors(req.Method) {
		return Decision{Verdict: Allow, Reason: ReasonNotMonitored}
	}

	if cfg.UnaffectedPath != "" {
		e.store.EnsureFresh(exemption.KindUnaffected, cfg.UnaffectedPath)
		if e.store.Contains(cfg.UnaffectedPath, req.Host) {
			e.log.Infow("domain exemption applied", "host", req.Host, "client", req.ClientAddr)
			return Decision{Verdict: Allow, Reason: ReasonUnaffected}
		}
	}

	ip := req.ClientAddr.Unmap()
	if !ip.IsValid() {
		e.log.Debugw("no client address, skipping checks", "host", req.Host)
		return Decision{Verdict: Allow, Reason: ReasonNoClientAddr}
	}
	key := ip.String()

	if cfg.WhitelistPath != "" {
		e.store.EnsureFresh(exemption.KindWhitelist, cfg.WhitelistPath)
		if entry, ok := e.store.Whitelisted(cfg.WhitelistPath, ip); ok {
			e.log.Infow("whitelist match", "client", key, "entry", entry.Text, "range", entry.IsRange())
			e.cache.Touch(key, cfg.CacheMaxSize)
			return Decision{Verdict: Allow, Reason: ReasonWhitelisted, Touched: true}
		}
	}

	if entry, ok := e.cache.Lookup(key); ok && e.cache.IsFresh(entry, cfg.CacheValidity) {
		e.log.Debugw("cache hit", "client", key, "last_seen", entry.LastSeen)
		e.cache.Touch(key, cfg.CacheMaxSize)
		return Decision{Verdict: Allow, Reason: ReasonCacheHit, Touched: true}
	} else if ok {
		e.log.Debugw("cache entry expired", "client", key, "last_seen", entry.LastSeen, "validity", cfg.CacheValidity)
	} else {
		e.log.Debugw("cache miss", "client", key)
	}

	res := e.querier.Query(ctx, ip, cfg.DNSHost)
	switch res.Verdict {
	case dnsbl.Listed:
		e.log.Infow("client blacklisted", "client", key, "zone", cfg.DNSHost,
			"answer", res.Answer, "reason", dnsbl.Reason(res.Answer),
			"method", req.Method, "host", req.Host)
		return Decision{Verdict: Deny, Reason: ReasonListed, DenyMessage: cfg.DeniedMessage}
	case dnsbl.Suspicious:
		e.log.Warnw("suspicious dnsbl answer, check the resolver", "client", key,
			"zone", cfg.DNSHost, "answer", res.Answer)
		return Decision{Verdict: Allow, Reason: ReasonSuspicious}
	default:
		e.cache.Touch(key, cfg.CacheMaxSize)
		return Decision{Verdict: Allow, Reason: ReasonNotListed, Touched: true}
	}
}

// Close releases the exemption store and forgets every cached client.
func (e *Engine) Close() error {
	e.cache.Purge()
	return e.store.Close()
}
