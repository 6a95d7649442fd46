package proxy

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/coredns/caddy/caddyfile"

	"github.com/ipshipyard/spamgate/gate"
)

// DefaultTimeout bounds the decision of a single request.
const DefaultTimeout = 2 * time.Second

// Fallback is the site key that serves hosts no other site claims.
const Fallback = "*"

// directives in the order they are applied within a site block.
var directives = []string{"upstream", "trust_forwarded", "timeout", "tls", "dnsbl"}

// Site is one block of the Gatefile: the virtual hosts it serves, where
// allowed requests go, and the engine configuration applied to them.
type Site struct {
	Hosts          []string
	Upstream       *url.URL
	TrustForwarded bool
	Timeout        time.Duration
	TLSEmail       string       // empty serves plain HTTP only
	Gate           *gate.Config // nil when the site has no dnsbl block
}

// ParseFile reads a Gatefile. Relative list paths resolve against the
// directory of path.
func ParseFile(path string) ([]*Site, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return Parse(path, f, filepath.Dir(abs))
}

// Parse parses Gatefile content read from r. name is used in error
// messages.
//
// Syntax:
//
//	host [host...] {
//	    upstream <url>
//	    trust_forwarded
//	    timeout <duration>
//	    tls <email>
//	    dnsbl {
//	        methods <METHOD,...>
//	        dns <zone>
//	        whitelist <path>
//	        unaffected <path>
//	        cache_size <n>
//	        cache_validity <seconds>
//	        denied_message <text...>
//	    }
//	}
func Parse(name string, r io.Reader, baseDir string) ([]*Site, error) {
	blocks, err := caddyfile.Parse(name, r, directives)
	if err != nil {
		return nil, err
	}

	sites := make([]*Site, 0, len(blocks))
	seen := make(map[string]struct{})
	for _, sb := range blocks {
		site, err := parseSite(name, sb, baseDir)
		if err != nil {
			return nil, err
		}
		for _, h := range site.Hosts {
			if _, dup := seen[h]; dup {
				return nil, fmt.Errorf("%s: host %s defined more than once", name, h)
			}
			seen[h] = struct{}{}
		}
		sites = append(sites, site)
	}
	if len(sites) == 0 {
		return nil, fmt.Errorf("%s: no sites defined", name)
	}
	return sites, nil
}

func parseSite(name string, sb caddyfile.ServerBlock, baseDir string) (*Site, error) {
	site := &Site{Timeout: DefaultTimeout}
	for _, key := range sb.Keys {
		site.Hosts = append(site.Hosts, siteHost(key))
	}

	for _, dir := range directives {
		tokens, ok := sb.Tokens[dir]
		if !ok {
			continue
		}
		d := caddyfile.NewDispenserTokens(name, tokens)
		if err := parseDirective(&d, site, baseDir); err != nil {
			return nil, err
		}
	}

	if site.Upstream == nil {
		return nil, fmt.Errorf("%s: site %s: missing upstream", name, strings.Join(site.Hosts, " "))
	}
	return site, nil
}

func parseDirective(d *caddyfile.Dispenser, site *Site, baseDir string) error {
	for d.Next() {
		switch d.Val() {
		case "upstream":
			if !d.NextArg() {
				return d.ArgErr()
			}
			u, err := url.Parse(d.Val())
			if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
				return d.Errf("invalid upstream %q", d.Val())
			}
			if d.NextArg() {
				return d.ArgErr()
			}
			site.Upstream = u

		case "trust_forwarded":
			if d.NextArg() {
				return d.ArgErr()
			}
			site.TrustForwarded = true

		case "timeout":
			if !d.NextArg() {
				return d.ArgErr()
			}
			t, err := time.ParseDuration(d.Val())
			if err != nil || t <= 0 {
				return d.Errf("invalid timeout %q", d.Val())
			}
			if d.NextArg() {
				return d.ArgErr()
			}
			site.Timeout = t

		case "tls":
			if !d.NextArg() {
				return d.ArgErr()
			}
			site.TLSEmail = d.Val()
			if d.NextArg() {
				return d.ArgErr()
			}

		case "dnsbl":
			if args := d.RemainingArgs(); len(args) > 0 {
				return d.ArgErr()
			}
			cfg, err := parseDNSBL(d, baseDir)
			if err != nil {
				return err
			}
			site.Gate = cfg
		}
	}
	return nil
}

// parseDNSBL parses the body of a dnsbl block. Settings that are absent
// keep the values of gate.NewConfig.
func parseDNSBL(d *caddyfile.Dispenser, baseDir string) (*gate.Config, error) {
	cfg := gate.NewConfig()

	for d.NextBlock() {
		key := d.Val()
		args := d.RemainingArgs()
		if len(args) == 0 {
			return nil, d.ArgErr()
		}

		switch key {
		case "methods":
			cfg.SetMethods(strings.Join(args, ","))
		case "dns":
			if len(args) != 1 {
				return nil, d.ArgErr()
			}
			cfg.DNSHost = strings.TrimSuffix(args[0], ".")
		case "whitelist":
			if len(args) != 1 {
				return nil, d.ArgErr()
			}
			cfg.WhitelistPath = resolvePath(baseDir, args[0])
		case "unaffected":
			if len(args) != 1 {
				return nil, d.ArgErr()
			}
			cfg.UnaffectedPath = resolvePath(baseDir, args[0])
		case "cache_size":
			n, err := parseInt(d, args)
			if err != nil {
				return nil, err
			}
			cfg.SetCacheMaxSize(n)
		case "cache_validity":
			n, err := parseInt(d, args)
			if err != nil {
				return nil, err
			}
			cfg.SetCacheValidity(n)
		case "denied_message":
			cfg.DeniedMessage = strings.Join(args, " ")
		default:
			return nil, d.Errf("unknown dnsbl setting %q", key)
		}
	}
	return cfg, nil
}

func parseInt(d *caddyfile.Dispenser, args []string) (int, error) {
	if len(args) != 1 {
		return 0, d.ArgErr()
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, d.Errf("invalid number %q", args[0])
	}
	return n, nil
}

func resolvePath(baseDir, path string) string {
	if baseDir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// siteHost normalizes a site key such as "http://Example.com:80" to the
// bare hostname requests are matched against.
func siteHost(key string) string {
	if i := strings.Index(key, "://"); i != -1 {
		key = key[i+3:]
	}
	key = strings.TrimSuffix(key, "/")
	if key == Fallback {
		return key
	}
	return hostname(key)
}
