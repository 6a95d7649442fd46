package gate

import (
	"strings"
	"time"

	"github.com/ipshipyard/spamgate/reputation"
)

// Defaults applied by NewConfig.
const (
	DefaultMethods       = "POST,PUT,OPTIONS"
	DefaultDNSHost       = "zen.spamhaus.org"
	DefaultCacheValidity = 172800 * time.Second
	DefaultDeniedMessage = "Access Denied! Your IP address is blacklisted because of malicious behavior in the past."
)

// Config is the engine configuration of one scope (a virtual host). It must
// not be modified once it is passed to Evaluate.
type Config struct {
	Methods        map[string]struct{}
	DNSHost        string
	CacheMaxSize   int
	CacheValidity  time.Duration
	WhitelistPath  string // empty disables the whitelist check
	UnaffectedPath string // empty disables the domain check
	DeniedMessage  string
}

// NewConfig returns a Config with the default values.
func NewConfig() *Config {
	c := &Config{
		DNSHost:       DefaultDNSHost,
		CacheMaxSize:  reputation.DefaultMaxSize,
		CacheValidity: DefaultCacheValidity,
		DeniedMessage: DefaultDeniedMessage,
	}
	c.SetMethods(DefaultMethods)
	return c
}

// SetMethods replaces the monitored methods with the comma separated list
// in s. Names are compared case-insensitively; empty items are ignored.
func (c *Config) SetMethods(s string) {
	c.Methods = make(map[string]struct{})
	for _, m := range strings.Split(s, ",") {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m != "" {
			c.Methods[m] = struct{}{}
		}
	}
}

// Monitors reports whether requests with method go through the checks.
func (c *Config) Monitors(method string) bool {
	_, ok := c.Methods[strings.ToUpper(method)]
	return ok
}

// SetCacheMaxSize sets the cache capacity, falling back to the default for
// n <= 0 and capping it at reputation.MaxSize.
func (c *Config) SetCacheMaxSize(n int) {
	switch {
	case n <= 0:
		c.CacheMaxSize = reputation.DefaultMaxSize
	case n > reputation.MaxSize:
		c.CacheMaxSize = reputation.MaxSize
	default:
		c.CacheMaxSize = n
	}
}

// SetCacheValidity sets how long a sighting stays fresh, in seconds. n <= 0
// selects the default of 48 hours.
func (c *Config) SetCacheValidity(seconds int) {
	if seconds <= 0 {
		c.CacheValidity = DefaultCacheValidity
		return
	}
	c.CacheValidity = time.Duration(seconds) * time.Second
}
