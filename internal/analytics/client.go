package analytics

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tekr9d3r/euroyield/internal/cache"
	clierr "github.com/tekr9d3r/euroyield/internal/errors"
	"github.com/tekr9d3r/euroyield/internal/httpx"
)

const (
	defaultYieldsBase = "https://yields.llama.fi"
	poolsCacheKey     = "yields:pools"
)

// Pool is one record from the analytics pools endpoint. All numeric fields
// are pointers because the API omits them for young pools.
type Pool struct {
	Pool       string   `json:"pool"`
	Chain      string   `json:"chain"`
	Project    string   `json:"project"`
	Symbol     string   `json:"symbol"`
	TVLUSD     *float64 `json:"tvlUsd"`
	APY        *float64 `json:"apy"`
	APYMean30D *float64 `json:"apyMean30d"`
}

type poolsEnvelope struct {
	Status string `json:"status"`
	Data   []Pool `json:"data"`
}

// Client fetches market data from the yields analytics API through an
// explicit, time-bounded cache. A nil cache disables caching; there is no
// ambient module-level response cache.
type Client struct {
	http  *httpx.Client
	base  string
	cache *cache.Store
	ttl   time.Duration
	log   *zap.Logger
}

type Options struct {
	BaseURL string
	Cache   *cache.Store
	TTL     time.Duration
	Logger  *zap.Logger
}

func New(httpClient *httpx.Client, opts Options) *Client {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = defaultYieldsBase
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{http: httpClient, base: base, cache: opts.Cache, ttl: ttl, log: log}
}

// Pools returns the pool records, from cache when fresh. Errors surface to
// the caller; read adapters degrade to their static estimates on failure and
// never propagate analytics errors further.
func (c *Client) Pools(ctx context.Context) ([]Pool, error) {
	if c.cache != nil {
		res, err := c.cache.Get(poolsCacheKey, 0)
		if err == nil && res.Hit && !res.Stale {
			var cached []Pool
			if json.Unmarshal(res.Value, &cached) == nil && len(cached) > 0 {
				return cached, nil
			}
		}
	}

	url := c.base + "/pools"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "build pools request", err)
	}
	var env poolsEnvelope
	if _, err := c.http.DoJSON(ctx, req, &env); err != nil {
		return nil, err
	}
	if len(env.Data) == 0 {
		return nil, clierr.New(clierr.CodeUnavailable, "analytics api returned no pools")
	}

	if c.cache != nil {
		if buf, err := json.Marshal(env.Data); err == nil {
			if err := c.cache.Set(poolsCacheKey, buf, c.ttl); err != nil {
				c.log.Warn("cache pools snapshot", zap.Error(err))
			}
		}
	}
	return env.Data, nil
}

// Refresh drops the cached pools snapshot so the next read refetches.
func (c *Client) Refresh() error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Invalidate("yields:")
}

// Lookup finds the record for a protocol deployment, preferring the exact
// pool id and falling back to project+chain+symbol matching.
func Lookup(pools []Pool, poolID, project, chainName, symbol string) (Pool, bool) {
	if poolID != "" {
		for _, p := range pools {
			if strings.EqualFold(p.Pool, poolID) {
				return p, true
			}
		}
	}
	for _, p := range pools {
		if strings.EqualFold(p.Project, project) &&
			strings.EqualFold(p.Chain, chainName) &&
			strings.Contains(strings.ToUpper(p.Symbol), strings.ToUpper(symbol)) {
			return p, true
		}
	}
	return Pool{}, false
}
