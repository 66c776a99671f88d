package dap

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"time"

	odoh "github.com/cloudflare/odoh-go"
	"github.com/jtacoma/uritemplates"
	"github.com/miekg/dns"
)

const (
	dohContentType  = "application/dns-message"
	odohContentType = "application/oblivious-dns-message"
)

// DoHClientOptions configures a DoHClient.
type DoHClientOptions struct {
	UseGet       bool // honoured only for Standard queries; Oblivious queries fail with ErrODoHGetNotAllowed when set
	QueryTimeout time.Duration
	MaxCacheSize int
}

// DoHClient is the single entry point of the query-forwarding engine (C7):
// manipulation pipeline -> cache -> path selection -> transport -> cache
// fill, for both Standard DoH and (multi-relay) Oblivious DoH.
type DoHClient struct {
	opt DoHClientOptions

	httpClient    *HTTPClientPool
	pathManager   *PathManager
	odohConfigs   *ODoHConfigStore // nil when no relays are configured (Standard only)
	cache         *Cache
	pipeline      *Pipeline
	auth          *Authenticator // nil when no token_config is set
	queryLog      *QueryLogger
	doHType       DoHType
}

var _ ResolveIPs = (*DoHClient)(nil)

// NewDoHClient wires a ready DoHClient. doHType records whether any relays
// are configured: Oblivious if so, Standard otherwise. The header and
// transport rules for each query are chosen from the selected path's own
// DoHType; a PathManager only ever builds one kind of path for a given
// configuration, so the two agree.
func NewDoHClient(opt DoHClientOptions, httpClient *HTTPClientPool, pm *PathManager, odohConfigs *ODoHConfigStore, pipeline *Pipeline, auth *Authenticator, queryLog *QueryLogger, doHType DoHType) *DoHClient {
	return &DoHClient{
		opt:         opt,
		httpClient:  httpClient,
		pathManager: pm,
		odohConfigs: odohConfigs,
		cache:       NewCache(opt.MaxCacheSize),
		pipeline:    pipeline,
		auth:        auth,
		queryLog:    queryLog,
		doHType:     doHType,
	}
}

// MakeQuery runs the full §4.7 algorithm for one raw wire-format query
// packet and returns the raw wire-format response.
func (d *DoHClient) MakeQuery(ctx context.Context, raw []byte, ci ClientInfo) ([]byte, error) {
	start := time.Now()

	q, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if !IsQuery(q) {
		return nil, ErrInvalidDNSQuery
	}

	req, err := Fingerprint(q)
	if err != nil {
		return nil, err
	}
	queryID := q.Id

	if res, synthetic := d.pipeline.Apply(q); res != ResultPassThrough {
		out, err := Encode(synthetic)
		if err != nil {
			return nil, err
		}
		d.logQuery(raw, ci, res, "", time.Since(start))
		return out, nil
	}

	if entry, ok := d.cache.Get(req); ok {
		out, err := Encode(BuildResponse(entry, queryID))
		if err != nil {
			return nil, err
		}
		d.logQuery(raw, ci, ResultCached, "cache", time.Since(start))
		return out, nil
	}

	path, err := d.pathManager.GetPath()
	if err != nil {
		return nil, err
	}

	resp, err := d.makeQueryInner(ctx, q, path)
	if err != nil {
		return nil, err
	}

	d.cache.Put(req, resp)

	out, err := Encode(resp)
	if err != nil {
		return nil, err
	}
	d.logQuery(raw, ci, ResultNormal, path.AsURL(), time.Since(start))
	return out, nil
}

// makeQueryInner bypasses the manipulation pipeline and cache and sends
// the decoded query over an explicit path. Used for health checks and
// self-endpoint resolution as well as the cache-miss path of MakeQuery.
func (d *DoHClient) makeQueryInner(ctx context.Context, q *dns.Msg, path *DoHPath) (*dns.Msg, error) {
	var (
		raw []byte
		err error
	)
	switch path.DoHType {
	case DoHTypeStandard:
		raw, err = d.serveStandard(ctx, q, path)
	default:
		raw, err = d.serveOblivious(ctx, q, path)
	}
	if err != nil {
		return nil, err
	}

	resp, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if !IsResponse(resp) {
		return nil, ErrInvalidDNSResponse
	}
	return resp, nil
}

func (d *DoHClient) serveStandard(ctx context.Context, q *dns.Msg, path *DoHPath) ([]byte, error) {
	packed, err := Encode(q)
	if err != nil {
		return nil, err
	}

	var req *http.Request
	if d.opt.UseGet {
		req, err = d.buildGetRequest(ctx, path, packed)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, path.AsURL(), bytes.NewReader(packed))
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", dohContentType)
	req.Header.Set("Content-Type", dohContentType)
	d.addAuth(req)

	resp, err := d.httpClient.Client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ErrDoHQuery
	}
	return io.ReadAll(resp.Body)
}

func (d *DoHClient) buildGetRequest(ctx context.Context, path *DoHPath, packed []byte) (*http.Request, error) {
	b64 := base64.RawURLEncoding.EncodeToString(packed)
	tmpl, err := uritemplates.Parse(path.AsURL() + "{?dns}")
	if err != nil {
		return nil, err
	}
	u, err := tmpl.Expand(map[string]interface{}{"dns": b64})
	if err != nil {
		return nil, err
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
}

func (d *DoHClient) serveOblivious(ctx context.Context, q *dns.Msg, path *DoHPath) ([]byte, error) {
	if d.opt.UseGet {
		// GET is never allowed for Oblivious, regardless of configuration;
		// see the Open Question decision recorded in DESIGN.md.
		return nil, ErrODoHGetNotAllowed
	}

	config := d.odohConfigs.Get(path.Target)
	if config == nil {
		return nil, ErrODoHNoClientConfig
	}

	packed, err := Encode(q)
	if err != nil {
		return nil, err
	}
	odohQuery := odoh.CreateObliviousDNSQuery(packed, 0)
	cipher, queryContext, err := config.EncryptQuery(odohQuery)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path.AsURL(), bytes.NewReader(cipher.Marshal()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", odohContentType)
	req.Header.Set("Content-Type", odohContentType)
	req.Header.Set("Cache-Control", "no-cache, no-store")
	d.addAuth(req)

	resp, err := d.httpClient.Client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || (resp.StatusCode == http.StatusOK && resp.ContentLength == 0) {
		go d.odohConfigs.RefreshAll(context.Background())
	}
	if resp.StatusCode != http.StatusOK {
		return nil, ErrDoHQuery
	}
	if resp.ContentLength == 0 {
		return nil, ErrODoHInvalidContentLength
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	odohResp, err := odoh.UnmarshalDNSMessage(body)
	if err != nil {
		return nil, err
	}
	return queryContext.OpenAnswer(odohResp)
}

func (d *DoHClient) addAuth(req *http.Request) {
	if d.auth != nil {
		req.Header.Set("Authorization", "Bearer "+d.auth.BearerToken())
	}
}

func (d *DoHClient) logQuery(raw []byte, ci ClientInfo, res ManipulationResult, dstURL string, elapsed time.Duration) {
	if d.queryLog == nil {
		return
	}
	d.queryLog.Log(QueryLogRecord{
		RawPacket:    raw,
		Protocol:     ci.Protocol,
		SrcIP:        ci.SourceIP,
		ResponseType: res,
		DstURL:       dstURL,
		Elapsed:      elapsed,
	})
}

// ResolveIPs implements ResolveIPs by issuing an A query for hostname
// through this same client's path manager, used as the HTTP client pool's
// primary (self) endpoint-resolution strategy.
func (d *DoHClient) ResolveIPs(ctx context.Context, hostname string) ([]net.IP, error) {
	path, err := d.pathManager.GetPath()
	if err != nil {
		return nil, err
	}
	q := QueryA(hostname)
	resp, err := d.makeQueryInner(ctx, q, path)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess || len(resp.Answer) == 0 {
		return nil, ErrInvalidDNSResponse
	}
	var ips []net.IP
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A)
		}
	}
	if len(ips) == 0 {
		return nil, ErrInvalidDNSResponse
	}
	return ips, nil
}
