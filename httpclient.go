package dap

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// ResolveIPs is implemented by anything capable of resolving a hostname to
// a set of addresses via the proxy's own upstream path. DoHClient
// implements this using itself as the resolver (so the HTTP client pool
// can re-resolve its own endpoints through the tunnel it builds).
type ResolveIPs interface {
	ResolveIPs(ctx context.Context, hostname string) ([]net.IP, error)
}

// HTTPClientPool wraps an *http.Client whose Transport dials pre-resolved
// addresses for a fixed set of hostnames, bypassing normal DNS resolution
// for calls to the upstream DoH/ODoH endpoints. The inner client is
// rebuilt and swapped atomically whenever endpoint IPs are refreshed; a
// read-mostly RWMutex lets many concurrent queries use the client for
// reads while the refresh service holds the write lock only briefly.
type HTTPClientPool struct {
	mu        sync.RWMutex
	client    *http.Client
	overrides map[string][]net.IP // hostname -> resolved addresses

	timeout   time.Duration
	userAgent string

	endpoints              []*url.URL
	resolutionPeriod       time.Duration
	primaryResolver        ResolveIPs // the DoH client itself
	bootstrapResolver      *BootstrapResolver
}

// HTTPClientPoolOptions configures a new HTTPClientPool.
type HTTPClientPoolOptions struct {
	Timeout           time.Duration
	UserAgent         string
	Endpoints         []*url.URL
	ResolutionPeriod  time.Duration
	BootstrapResolver *BootstrapResolver
}

// NewHTTPClientPool builds a pool with no endpoint overrides yet; they are
// populated by StartEndpointResolutionService (via resolveEndpoints). Until
// then, hosts without an override are dialed through the system resolver.
func NewHTTPClientPool(opt HTTPClientPoolOptions) *HTTPClientPool {
	p := &HTTPClientPool{
		overrides:         make(map[string][]net.IP),
		timeout:           opt.Timeout,
		userAgent:         opt.UserAgent,
		endpoints:         opt.Endpoints,
		resolutionPeriod:  opt.ResolutionPeriod,
		bootstrapResolver: opt.BootstrapResolver,
	}
	p.client = p.buildClient()
	return p
}

// SetPrimaryResolver wires the DoH client as the primary self-resolution
// path. Called after the DoH client is constructed, since it depends on
// this pool, breaking the construction cycle.
func (p *HTTPClientPool) SetPrimaryResolver(r ResolveIPs) {
	p.primaryResolver = r
}

// Client returns the current *http.Client, read under the read lock.
// Callers use the returned pointer without holding the lock, which is safe
// because the client is swapped, never mutated, on refresh.
func (p *HTTPClientPool) Client() *http.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client
}

func (p *HTTPClientPool) buildClient() *http.Client {
	overrides := p.overrides
	dialer := &net.Dialer{Timeout: p.timeout}
	tr := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return dialer.DialContext(ctx, network, addr)
			}
			ips, ok := overrides[host]
			if !ok || len(ips) == 0 {
				return dialer.DialContext(ctx, network, addr)
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
		},
		ForceAttemptHTTP2: true,
	}
	return &http.Client{Transport: tr, Timeout: p.timeout}
}

// StartEndpointResolutionService runs the periodic endpoint-IP refresh
// loop (§4.6). It sleeps resolutionPeriod before the first refresh (the
// pool is usable with literal-IP or unresolved-host endpoints until
// then), then on each tick resolves every non-literal endpoint host via
// the primary resolver, falling back to the bootstrap resolver. After 3
// consecutive ticks where both fail for any endpoint, it returns
// ErrEndpointResolutionExhausted on errCh and stops.
func (p *HTTPClientPool) StartEndpointResolutionService(ctx context.Context, errCh chan<- error) {
	go func() {
		failCount := 0
		ticker := time.NewTicker(p.resolutionPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			newOverrides, err := p.resolveEndpoints(ctx)
			if err != nil {
				failCount++
				Log.WithError(err).WithField("consecutive_failures", failCount).Warn("failed to resolve http client endpoint ips")
				if failCount >= 3 {
					select {
					case errCh <- ErrEndpointResolutionExhausted:
					default:
					}
					return
				}
				continue
			}
			failCount = 0

			p.mu.Lock()
			p.overrides = newOverrides
			p.client = p.buildClient()
			p.mu.Unlock()
			Log.Debug("refreshed http client endpoint ips")
		}
	}()
}

// resolveEndpoints resolves every configured endpoint's host, skipping
// hosts that are already IP literals, via the primary resolver with
// bootstrap fallback.
func (p *HTTPClientPool) resolveEndpoints(ctx context.Context) (map[string][]net.IP, error) {
	out := make(map[string][]net.IP)
	for _, u := range p.endpoints {
		host := u.Hostname()
		if net.ParseIP(host) != nil {
			continue
		}

		var (
			ips []net.IP
			err error
		)
		if p.primaryResolver != nil {
			ips, err = p.primaryResolver.ResolveIPs(ctx, host)
		} else {
			err = errNoPrimaryResolver
		}
		if err != nil && p.bootstrapResolver != nil {
			ips, err = p.bootstrapResolver.ResolveA(host)
		}
		if err != nil {
			return nil, err
		}
		out[host] = ips
	}
	return out, nil
}

var errNoPrimaryResolver = errors.New("no primary resolver configured yet")
