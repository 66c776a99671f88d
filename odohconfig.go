package dap

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	odoh "github.com/cloudflare/odoh-go"
)

const odohConfigPath = "/.well-known/odohconfigs"
const odohConfigRefreshPeriod = 3600 * time.Second

// ODoHConfigStore caches each target's current ODoH HPKE config, fetched
// from its /.well-known/odohconfigs endpoint. A nil entry means the last
// fetch for that target failed or hasn't happened yet; callers must treat
// that as ErrODoHNoClientConfig.
type ODoHConfigStore struct {
	mu      sync.RWMutex
	configs map[DoHTarget]*odoh.ObliviousDoHConfigContents

	targets []DoHTarget
	client  *HTTPClientPool
}

// NewODoHConfigStore seeds every target to nil and performs one blocking
// initial refresh before returning.
func NewODoHConfigStore(ctx context.Context, client *HTTPClientPool, targets []DoHTarget) *ODoHConfigStore {
	s := &ODoHConfigStore{
		configs: make(map[DoHTarget]*odoh.ObliviousDoHConfigContents, len(targets)),
		targets: targets,
		client:  client,
	}
	for _, t := range targets {
		s.configs[t] = nil
	}
	s.RefreshAll(ctx)
	return s
}

// Get returns the current config for target, or nil if unavailable.
func (s *ODoHConfigStore) Get(target DoHTarget) *odoh.ObliviousDoHConfigContents {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.configs[target]
}

// RefreshAll fetches every target's config concurrently and swaps the
// entire map in under a single write lock; the write lock is never held
// during network I/O.
func (s *ODoHConfigStore) RefreshAll(ctx context.Context) {
	type result struct {
		target DoHTarget
		config *odoh.ObliviousDoHConfigContents
	}

	results := make(chan result, len(s.targets))
	var wg sync.WaitGroup
	for _, t := range s.targets {
		wg.Add(1)
		go func(t DoHTarget) {
			defer wg.Done()
			cfg, err := s.fetchOne(ctx, t)
			if err != nil {
				Log.WithError(err).WithField("target", t.Authority).Warn("failed to refresh odoh config")
				results <- result{target: t, config: nil}
				return
			}
			results <- result{target: t, config: cfg}
		}(t)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	next := make(map[DoHTarget]*odoh.ObliviousDoHConfigContents, len(s.targets))
	for r := range results {
		next[r.target] = r.config
	}

	s.mu.Lock()
	s.configs = next
	s.mu.Unlock()
}

func (s *ODoHConfigStore) fetchOne(ctx context.Context, target DoHTarget) (*odoh.ObliviousDoHConfigContents, error) {
	url := target.Scheme + "://" + target.Authority + odohConfigPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/binary")

	resp, err := s.client.Client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ErrDoHQuery
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	configs, err := odoh.UnmarshalObliviousDoHConfigs(body)
	if err != nil {
		return nil, err
	}
	if len(configs.Configs) == 0 {
		return nil, ErrODoHNoClientConfig
	}
	return &configs.Configs[0].Contents, nil
}

// StartService loops RefreshAll every odohConfigRefreshPeriod until ctx is
// cancelled.
func (s *ODoHConfigStore) StartService(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(odohConfigRefreshPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RefreshAll(ctx)
			}
		}
	}()
}
