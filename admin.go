package main

import (
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/ipshipyard/spamgate/gate"
	"github.com/ipshipyard/spamgate/proxy"
)

// newAdminRouter serves the operational endpoints. gatherer defaults to
// the global prometheus registry; /config and /cache are only served when
// status and purge are set.
func newAdminRouter(gatherer prometheus.Gatherer, status func() statusView, purge func()) *mux.Router {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	}).Methods(http.MethodGet, http.MethodHead)

	if status != nil {
		r.HandleFunc("/config", func(w http.ResponseWriter, r *http.Request) {
			out, err := yaml.Marshal(status())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write(out)
		}).Methods(http.MethodGet)
	}
	if purge != nil {
		// Forgets every client seen so far; the next request of each is
		// checked against the DNSBL again.
		r.HandleFunc("/cache", func(w http.ResponseWriter, r *http.Request) {
			purge()
			w.WriteHeader(http.StatusNoContent)
		}).Methods(http.MethodDelete)
	}
	return r
}

// statusView is the effective configuration and state reported by /config.
type statusView struct {
	Version      string     `yaml:"version"`
	CacheEntries int        `yaml:"cache_entries"`
	Sites        []siteView `yaml:"sites"`
}

type siteView struct {
	Hosts          []string   `yaml:"hosts"`
	Upstream       string     `yaml:"upstream"`
	TrustForwarded bool       `yaml:"trust_forwarded"`
	Timeout        string     `yaml:"timeout"`
	TLS            bool       `yaml:"tls"`
	DNSBL          *dnsblView `yaml:"dnsbl,omitempty"`
}

type dnsblView struct {
	Methods          []string `yaml:"methods"`
	DNS              string   `yaml:"dns"`
	Whitelist        string   `yaml:"whitelist,omitempty"`
	WhitelistEntries int      `yaml:"whitelist_entries,omitempty"`
	Unaffected       string   `yaml:"unaffected,omitempty"`
	CacheSize        int      `yaml:"cache_size"`
	CacheValidity    string   `yaml:"cache_validity"`
	DeniedMessage    string   `yaml:"denied_message"`
}

func newStatusView(engine *gate.Engine, sites []*proxy.Site) statusView {
	v := statusView{
		Version:      version,
		CacheEntries: engine.Cache().Len(),
	}
	for _, site := range sites {
		sv := siteView{
			Hosts:          site.Hosts,
			Upstream:       site.Upstream.String(),
			TrustForwarded: site.TrustForwarded,
			Timeout:        site.Timeout.String(),
			TLS:            site.TLSEmail != "",
		}
		if cfg := site.Gate; cfg != nil {
			methods := make([]string, 0, len(cfg.Methods))
			for m := range cfg.Methods {
				methods = append(methods, m)
			}
			sort.Strings(methods)

			sv.DNSBL = &dnsblView{
				Methods:       methods,
				DNS:           cfg.DNSHost,
				Whitelist:     cfg.WhitelistPath,
				Unaffected:    cfg.UnaffectedPath,
				CacheSize:     cfg.CacheMaxSize,
				CacheValidity: cfg.CacheValidity.Round(time.Second).String(),
				DeniedMessage: cfg.DeniedMessage,
			}
			if cfg.WhitelistPath != "" {
				sv.DNSBL.WhitelistEntries = len(engine.Store().Entries(cfg.WhitelistPath))
			}
		}
		v.Sites = append(v.Sites, sv)
	}
	return v
}
