package dap

import (
	"context"
	"time"

	"github.com/miekg/dns"
)

const (
	healthCheckTargetFQDN = "dns.google."
	healthCheckWantAnswer = "8.8.8.8"

	maxAllUnhealthyRetry       = 5
	healthCheckRetryWaitingSec = 10 * time.Second
)

// HealthService probes every path known to a PathManager on a fixed
// period, marking each healthy or unhealthy based on whether it can
// resolve a well-known name to its well-known answer. It also triggers a
// cache purge pass each cycle, piggybacking on the same ticker rather
// than running a second background loop for it.
type HealthService struct {
	client *DoHClient
	pm     *PathManager
	cache  *Cache
	period time.Duration
}

// NewHealthService wires a HealthService. cache may be nil if no purge
// pass is desired (it never is in practice, since DoHClient always owns
// one, but a nil guard keeps this usable standalone in tests).
func NewHealthService(client *DoHClient, pm *PathManager, cache *Cache, period time.Duration) *HealthService {
	return &HealthService{client: client, pm: pm, cache: cache, period: period}
}

// Start runs one probe pass immediately, then every period until ctx is
// cancelled. If every path is unhealthy for maxAllUnhealthyRetry
// consecutive passes, it reports ErrAllPathsUnhealthy on errCh and
// stops; the counter resets the moment any single pass finds at least
// one healthy path.
func (h *HealthService) Start(ctx context.Context, errCh chan<- error) {
	go func() {
		h.runOnce(ctx)

		ticker := time.NewTicker(h.period)
		defer ticker.Stop()

		consecutiveAllUnhealthy := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			anyHealthy := h.runOnce(ctx)
			if anyHealthy {
				consecutiveAllUnhealthy = 0
				continue
			}

			consecutiveAllUnhealthy++
			Log.WithField("consecutive_failures", consecutiveAllUnhealthy).Warn("every path is unhealthy")
			if consecutiveAllUnhealthy < maxAllUnhealthyRetry {
				select {
				case <-ctx.Done():
					return
				case <-time.After(healthCheckRetryWaitingSec):
				}
				continue
			}

			select {
			case errCh <- ErrAllPathsUnhealthy:
			default:
			}
			return
		}
	}()
}

// runOnce probes every path and reports whether at least one is healthy
// afterwards. It also fires a concurrent cache-purge pass.
func (h *HealthService) runOnce(ctx context.Context) bool {
	if h.cache != nil {
		go h.cache.PurgeExpired()
	}

	anyHealthy := false
	for _, path := range h.pm.AllPaths() {
		if h.probe(ctx, path) {
			path.MarkHealthy()
			anyHealthy = true
		} else {
			path.MarkUnhealthy()
		}
	}
	return anyHealthy
}

func (h *HealthService) probe(ctx context.Context, path *DoHPath) bool {
	q := QueryA(healthCheckTargetFQDN)
	resp, err := h.client.makeQueryInner(ctx, q, path)
	if err != nil {
		return false
	}
	if resp.Rcode != dns.RcodeSuccess || len(resp.Answer) == 0 {
		return false
	}
	for _, ip := range answersA(resp) {
		if ip == healthCheckWantAnswer {
			return true
		}
	}
	return false
}

func answersA(resp *dns.Msg) []string {
	var out []string
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			out = append(out, a.A.String())
		}
	}
	return out
}
