// Package proxy puts the access decision in front of HTTP upstreams.
//
// A Server dispatches requests by Host header to the sites of a Gatefile.
// Requests the engine allows are forwarded to the site's upstream; denied
// requests never leave the proxy.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"sync"
	"time"

	"github.com/caddyserver/certmagic"
	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/zap"
)

var log = logging.Logger("spamgate/proxy")

// Server routes requests to sites. It implements http.Handler; Start adds
// the listeners and optional ACME managed TLS.
type Server struct {
	sites    map[string]http.Handler
	fallback http.Handler
	handler  http.Handler
	log      *zap.SugaredLogger

	tlsHosts []string
	tlsEmail string
	certDir  string

	mu           sync.Mutex
	servers      []*http.Server
	addr         net.Addr
	closeCertMgr func()
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the package logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithCertStorage sets the directory certificates are stored in.
func WithCertStorage(dir string) Option {
	return func(s *Server) { s.certDir = dir }
}

// New creates a Server for sites, evaluating requests with eval.
func New(eval Evaluator, sites []*Site, opts ...Option) *Server {
	s := &Server{
		sites:   make(map[string]http.Handler),
		log:     log.Desugar().Sugar(),
		certDir: "certs",
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, site := range sites {
		h := Middleware(eval, site, s.reverseProxy(site))
		for _, host := range site.Hosts {
			if host == Fallback {
				s.fallback = h
				continue
			}
			s.sites[host] = h
			if site.TLSEmail != "" {
				s.tlsHosts = append(s.tlsHosts, host)
				if s.tlsEmail == "" {
					s.tlsEmail = site.TLSEmail
				}
			}
		}
	}

	initMetrics()
	s.handler = withRequestMetrics(http.HandlerFunc(s.dispatch))
	return s
}

func (s *Server) reverseProxy(site *Site) http.Handler {
	rp := httputil.NewSingleHostReverseProxy(site.Upstream)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.log.Warnw("upstream request failed", "upstream", site.Upstream.String(), "host", r.Host, "error", err)
		w.WriteHeader(http.StatusBadGateway)
	}
	return rp
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	h, ok := s.sites[hostname(r.Host)]
	if !ok {
		h = s.fallback
	}
	if h == nil {
		http.Error(w, "unknown host", http.StatusMisdirectedRequest)
		return
	}
	h.ServeHTTP(w, r)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Start listens on addr for plain HTTP and, when any site enables tls, on
// tlsAddr for HTTPS with certificates obtained from Let's Encrypt. The plain
// listener also answers ACME HTTP-01 challenges.
func (s *Server) Start(addr, tlsAddr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	handler := s.handler
	if len(s.tlsHosts) > 0 {
		certCfg := certmagic.NewDefault()
		certCfg.Storage = &certmagic.FileStorage{Path: s.certDir}
		issuer := certmagic.NewACMEIssuer(certCfg, certmagic.ACMEIssuer{
			CA:     certmagic.LetsEncryptProductionCA,
			Email:  s.tlsEmail,
			Agreed: true,
		})
		certCfg.Issuers = []certmagic.Issuer{issuer}

		tlsConfig := certCfg.TLSConfig()
		tlsConfig.NextProtos = append([]string{"h2", "http/1.1"}, tlsConfig.NextProtos...)

		ctx, cancel := context.WithCancel(context.Background())
		if err := certCfg.ManageAsync(ctx, s.tlsHosts); err != nil {
			cancel()
			return fmt.Errorf("managing certificates: %w", err)
		}
		s.closeCertMgr = cancel

		ln, err := net.Listen("tcp", tlsAddr)
		if err != nil {
			cancel()
			return err
		}
		s.serve(tls.NewListener(ln, tlsConfig), s.handler)
		s.log.Infof("HTTPS listener at %s for %v", ln.Addr(), s.tlsHosts)

		handler = issuer.HTTPChallengeHandler(handler)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Join(err, s.shutdownLocked(context.Background()))
	}
	s.addr = ln.Addr()
	s.serve(ln, handler)
	s.log.Infof("HTTP listener at %s", ln.Addr())
	return nil
}

func (s *Server) serve(ln net.Listener, h http.Handler) {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.servers = append(s.servers, srv)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorw("listener failed", "addr", ln.Addr().String(), "error", err)
		}
	}()
}

// Addr returns the address of the plain HTTP listener once started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown gracefully stops all listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdownLocked(ctx)
}

func (s *Server) shutdownLocked(ctx context.Context) error {
	var errs []error
	for _, srv := range s.servers {
		errs = append(errs, srv.Shutdown(ctx))
	}
	s.servers = nil
	if s.closeCertMgr != nil {
		s.closeCertMgr()
		s.closeCertMgr = nil
	}
	return errors.Join(errs...)
}
