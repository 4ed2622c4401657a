// Package proxy fetches allow-listed URLs on behalf of the browser and strips
// the headers that block iframe embedding. It exists only so the frontend can
// embed the localhost apps this platform spawns; the allow-list is the SSRF
// gate and every pattern must match the full URL.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/davidgeorgehope/livelabs.cc/internal/logging"
	"github.com/davidgeorgehope/livelabs.cc/internal/metrics"
)

// defaultTimeout bounds the whole upstream exchange, redirects included.
const defaultTimeout = 30 * time.Second

// defaultUserAgent is sent when the browser request carried none.
const defaultUserAgent = "LiveLabs-Proxy/1.0"

// DefaultAllowList matches the apps the platform itself spawns: any port on
// the local host, both schemes.
var DefaultAllowList = []string{
	`^https?://localhost(:\d+)?(/.*)?$`,
	`^https?://127\.0\.0\.1(:\d+)?(/.*)?$`,
}

// Typed failures for the HTTP layer to map onto status codes.
var (
	ErrInvalidURL = errors.New("invalid url")
	ErrNotAllowed = errors.New("url not in allowlist")
	ErrTimeout    = errors.New("upstream request timed out")
	ErrUpstream   = errors.New("upstream request failed")
)

// strippedHeaders are removed from upstream responses: the frame-blocking
// trio plus hop-by-hop headers that must not be replayed.
var strippedHeaders = map[string]struct{}{
	"X-Frame-Options":                     {},
	"Content-Security-Policy":             {},
	"Content-Security-Policy-Report-Only": {},
	"Transfer-Encoding":                   {},
	"Connection":                          {},
	"Keep-Alive":                          {},
}

// Response is a fully buffered upstream response ready for re-serving.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Proxy validates and fetches embedding targets. The allow-list is compiled
// once at construction and never reloaded.
type Proxy struct {
	patterns []*regexp.Regexp
	client   *http.Client
	log      *logging.Logger
}

// New compiles the allow-list and returns a ready Proxy. Patterns are
// wrapped so they must match the full URL; a substring hit is not enough.
func New(allowed []string, log *logging.Logger) (*Proxy, error) {
	if len(allowed) == 0 {
		allowed = DefaultAllowList
	}
	patterns := make([]*regexp.Regexp, 0, len(allowed))
	for _, p := range allowed {
		re, err := regexp.Compile("^(?:" + p + ")$")
		if err != nil {
			return nil, fmt.Errorf("compile allowlist pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}
	return &Proxy{
		patterns: patterns,
		client:   &http.Client{Timeout: defaultTimeout},
		log:      log,
	}, nil
}

// Allowed reports whether the URL matches any allow-list pattern.
func (p *Proxy) Allowed(rawURL string) bool {
	for _, re := range p.patterns {
		if re.MatchString(rawURL) {
			return true
		}
	}
	return false
}

// Fetch validates rawURL, performs the upstream GET and returns the buffered
// response with frame-blocking headers removed. inbound supplies the browser
// headers worth forwarding: user-agent, accept and accept-language.
func (p *Proxy) Fetch(ctx context.Context, rawURL string, inbound http.Header) (*Response, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		metrics.ProxyRequestsTotal.WithLabelValues("invalid_url").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		metrics.ProxyRequestsTotal.WithLabelValues("invalid_url").Inc()
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidURL, parsed.Scheme)
	}
	if parsed.Host == "" {
		metrics.ProxyRequestsTotal.WithLabelValues("invalid_url").Inc()
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if !p.Allowed(rawURL) {
		metrics.ProxyRequestsTotal.WithLabelValues("denied").Inc()
		p.log.Warn("proxy target denied", "url", rawURL)
		return nil, ErrNotAllowed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		metrics.ProxyRequestsTotal.WithLabelValues("invalid_url").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	userAgent := inbound.Get("User-Agent")
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	req.Header.Set("User-Agent", userAgent)
	if accept := inbound.Get("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}
	if lang := inbound.Get("Accept-Language"); lang != "" {
		req.Header.Set("Accept-Language", lang)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			metrics.ProxyRequestsTotal.WithLabelValues("timeout").Inc()
			p.log.Warn("proxy upstream timed out", "url", rawURL)
			return nil, ErrTimeout
		}
		metrics.ProxyRequestsTotal.WithLabelValues("upstream_error").Inc()
		p.log.Warn("proxy upstream failed", "url", rawURL, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			metrics.ProxyRequestsTotal.WithLabelValues("timeout").Inc()
			return nil, ErrTimeout
		}
		metrics.ProxyRequestsTotal.WithLabelValues("upstream_error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	header := make(http.Header, len(resp.Header))
	for key, values := range resp.Header {
		if _, strip := strippedHeaders[http.CanonicalHeaderKey(key)]; strip {
			continue
		}
		for _, v := range values {
			header.Add(key, v)
		}
	}

	metrics.ProxyRequestsTotal.WithLabelValues("success").Inc()
	p.log.Debug("proxy fetch served",
		"url", rawURL, "status", resp.StatusCode, "bytes", len(body))
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
	}, nil
}

// isTimeout detects client timeouts, which surface either as a url.Error
// with Timeout set or as a dead request context.
func isTimeout(err error) bool {
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
