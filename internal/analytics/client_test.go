package analytics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tekr9d3r/euroyield/internal/cache"
	"github.com/tekr9d3r/euroyield/internal/httpx"
)

const poolsPayload = `{"status":"success","data":[
	{"pool":"2f2eff7c-1a46-4a29-958a-a41b35fcb8f4","chain":"Base","project":"aave-v3","symbol":"EURC","tvlUsd":12500000,"apy":2.41,"apyMean30d":2.2},
	{"pool":"abc","chain":"Ethereum","project":"angle","symbol":"STEUR","tvlUsd":41000000,"apy":3.9}
]}`

func newTestClient(t *testing.T, handler http.HandlerFunc, withCache bool) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	var store *cache.Store
	if withCache {
		dir := t.TempDir()
		var err error
		store, err = cache.Open(filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"))
		if err != nil {
			t.Fatalf("open cache: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
	}
	client := New(httpx.New(2*time.Second, 0), Options{BaseURL: srv.URL, Cache: store, TTL: time.Minute})
	return client, srv
}

func TestPoolsFetchesAndCaches(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(poolsPayload))
	}, true)

	for i := 0; i < 2; i++ {
		pools, err := client.Pools(context.Background())
		if err != nil {
			t.Fatalf("pools: %v", err)
		}
		if len(pools) != 2 {
			t.Fatalf("expected 2 pools, got %d", len(pools))
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one upstream fetch, got %d", calls.Load())
	}
}

func TestRefreshInvalidatesCache(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(poolsPayload))
	}, true)

	if _, err := client.Pools(context.Background()); err != nil {
		t.Fatalf("pools: %v", err)
	}
	if err := client.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := client.Pools(context.Background()); err != nil {
		t.Fatalf("pools after refresh: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected refetch after refresh, got %d calls", calls.Load())
	}
}

func TestPoolsServerErrorSurfaces(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}, false)
	if _, err := client.Pools(context.Background()); err == nil {
		t.Fatal("expected error on HTTP 500")
	}
}

func TestLookup(t *testing.T) {
	pools := []Pool{
		{Pool: "id-1", Chain: "Base", Project: "aave-v3", Symbol: "EURC"},
		{Pool: "id-2", Chain: "Ethereum", Project: "angle", Symbol: "STEUR"},
	}
	if p, ok := Lookup(pools, "id-2", "", "", ""); !ok || p.Project != "angle" {
		t.Fatalf("pool id lookup failed: %+v ok=%v", p, ok)
	}
	if p, ok := Lookup(pools, "", "aave-v3", "Base", "eurc"); !ok || p.Pool != "id-1" {
		t.Fatalf("project lookup failed: %+v ok=%v", p, ok)
	}
	if _, ok := Lookup(pools, "", "morpho", "Base", "EURC"); ok {
		t.Fatal("expected lookup miss")
	}
}
