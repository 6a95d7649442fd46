package proxy

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"

	"github.com/ipshipyard/spamgate/gate"
)

// Evaluator decides about a request. *gate.Engine implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, req gate.Request, cfg *gate.Config) gate.Decision
}

// Middleware runs every request through eval with the configuration of
// site. Denied requests are answered with 401 and the configured message;
// all others are passed to next. The evaluation is bounded by site.Timeout.
func Middleware(eval Evaluator, site *Site, next http.Handler) http.Handler {
	if site.Gate == nil {
		return next
	}
	timeout := site.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, ok := clientIP(r, site.TrustForwarded)
		if !ok {
			log.Debugw("no client address, skipping checks", "remote", r.RemoteAddr)
			next.ServeHTTP(w, r)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		d := eval.Evaluate(ctx, gate.Request{
			ClientAddr: ip,
			Host:       hostname(r.Host),
			Method:     r.Method,
		}, site.Gate)
		cancel()

		if d.Verdict == gate.Deny {
			deny(w, d.DenyMessage)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func deny(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(msg)))
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = io.WriteString(w, msg)
}

func withRequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		observeRequest(m.Code, m.Duration)
		log.Debugf("%s %s%s (status=%d dt=%s ua=%q)", r.Method, r.Host, r.URL, m.Code, m.Duration, r.UserAgent())
	})
}
