package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ipshipyard/spamgate/dnsbl"
	"github.com/ipshipyard/spamgate/gate"
	"github.com/ipshipyard/spamgate/proxy"
)

const (
	defaultConf        = "Gatefile"
	healthCheckTimeout = 5 * time.Second
)

type options struct {
	conf        string
	listen      string
	tlsListen   string
	metrics     string
	resolver    string
	certs       string
	watch       bool
	dnsTimeout  time.Duration
	metricsFrom prometheus.Gatherer
}

func parseFlags(args []string, output io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.conf, "conf", defaultConf, "Gatefile to load")
	fs.StringVar(&opts.listen, "listen", ":8080", "address of the HTTP listener")
	fs.StringVar(&opts.tlsListen, "tls-listen", ":443", "address of the HTTPS listener, used when a site enables tls")
	fs.StringVar(&opts.metrics, "metrics", ":9253", "address of the admin listener serving /metrics and /healthz, empty disables it")
	fs.StringVar(&opts.resolver, "resolver", "", "DNS resolver used for DNSBL lookups (host[:port]), defaults to the first nameserver in /etc/resolv.conf")
	fs.StringVar(&opts.certs, "certs", "certs", "directory for ACME certificates")
	fs.BoolVar(&opts.watch, "watch", false, "reload exemption lists on file system events in addition to mtime polling")
	fs.DurationVar(&opts.dnsTimeout, "dns-timeout", dnsbl.DefaultTimeout, "timeout of a single DNSBL exchange")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

// app is a running gateway.
type app struct {
	engine *gate.Engine
	proxy  *proxy.Server
	admin  *http.Server
	adminL net.Listener
}

func start(opts options) (*app, error) {
	sites, err := proxy.ParseFile(opts.conf)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", opts.conf, err)
	}

	client, err := dnsbl.NewClient(dnsbl.WithServer(opts.resolver), dnsbl.WithTimeout(opts.dnsTimeout))
	if err != nil {
		return nil, err
	}
	log.Infof("DNSBL resolver %s", client.Server())

	a := &app{engine: gate.NewEngine(client)}

	zones := make(map[string]struct{})
	for _, site := range sites {
		if site.Gate == nil {
			log.Infof("site %v has no dnsbl block, requests are not checked", site.Hosts)
			continue
		}
		a.engine.Prepare(site.Gate)
		zones[site.Gate.DNSHost] = struct{}{}
	}
	checkZones(client, zones)

	if opts.watch {
		if err := a.engine.Store().Watch(); err != nil {
			return nil, errors.Join(fmt.Errorf("watching exemption lists: %w", err), a.engine.Close())
		}
	}

	a.proxy = proxy.New(a.engine, sites, proxy.WithCertStorage(opts.certs))
	if err := a.proxy.Start(opts.listen, opts.tlsListen); err != nil {
		return nil, errors.Join(err, a.engine.Close())
	}

	if opts.metrics != "" {
		ln, err := net.Listen("tcp", opts.metrics)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("admin listener: %w", err), a.Shutdown(context.Background()))
		}
		a.adminL = ln
		a.admin = &http.Server{
			Handler: newAdminRouter(opts.metricsFrom, func() statusView {
				return newStatusView(a.engine, sites)
			}, a.engine.Cache().Purge),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := a.admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("admin listener failed: %s", err)
			}
		}()
		log.Infof("admin listener at %s", ln.Addr())
	}

	return a, nil
}

// checkZones warns about zones that do not answer like a DNSBL. A broken
// zone makes every lookup NotListed, so the gateway keeps running.
func checkZones(client *dnsbl.Client, zones map[string]struct{}) {
	for zone := range zones {
		ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
		err := client.CheckHealth(ctx, zone)
		cancel()
		if err != nil {
			log.Warnf("DNSBL health check failed, listed clients will not be blocked: %s", err)
		}
	}
}

// Shutdown stops the listeners and releases the engine.
func (a *app) Shutdown(ctx context.Context) error {
	var errs []error
	if a.admin != nil {
		errs = append(errs, a.admin.Shutdown(ctx))
	}
	if a.proxy != nil {
		errs = append(errs, a.proxy.Shutdown(ctx))
	}
	errs = append(errs, a.engine.Close())
	return errors.Join(errs...)
}
