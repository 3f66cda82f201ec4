package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/oficina/offline-agent/internal/cache"
	"github.com/oficina/offline-agent/internal/config"
	"github.com/oficina/offline-agent/internal/logging"
)

const (
	testOrigin = "http://oficina.local"
	cacheV1    = "oficina-cache-v1"
)

func TestInstallPopulatesEveryManifestEntry(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	storage := newStorage(t)
	agent := newTestAgent(t, storage, network, []string{"/", "/offline.html"})

	require.NoError(t, agent.OnInstall(ctx))

	ns, err := storage.Open(ctx, cacheV1)
	require.NoError(t, err)
	infos, err := ns.Requests(ctx)
	require.NoError(t, err)
	assert.Len(t, infos, 2)

	network.goOffline()
	for _, target := range []string{testOrigin + "/", testOrigin + "/offline.html"} {
		result, err := agent.OnFetch(ctx, get(t, target))
		require.NoError(t, err)
		assert.Equal(t, SourceCache, result.Source, target)
		assert.Equal(t, "network:"+target, readBody(t, result.Response))
	}
}

func TestInstallFailsWhenAnyResourceUnreachable(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	network.fail("https://cdn.example.com/missing.js")
	storage := newStorage(t)
	agent := newTestAgent(t, storage, network, []string{"/", "/offline.html", "https://cdn.example.com/missing.js"})

	err := agent.OnInstall(ctx)
	require.ErrorIs(t, err, ErrInstallFailed)

	var fetchErr *cache.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, "https://cdn.example.com/missing.js", fetchErr.URL)

	ns, err := storage.Open(ctx, cacheV1)
	require.NoError(t, err)
	infos, err := ns.Requests(ctx)
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestInstallFailsOnErrorStatus(t *testing.T) {
	network := newFakeNetwork()
	network.status(testOrigin+"/", http.StatusInternalServerError)
	agent := newTestAgent(t, newStorage(t), network, []string{"/", "/offline.html"})

	assert.ErrorIs(t, agent.OnInstall(context.Background()), ErrInstallFailed)
}

func TestFetchServesCacheWithoutNetwork(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	agent := newTestAgent(t, newStorage(t), network, []string{"/", "/offline.html"})
	require.NoError(t, agent.OnInstall(ctx))
	before := network.callCount()

	result, err := agent.OnFetch(ctx, get(t, testOrigin+"/"))
	require.NoError(t, err)
	defer result.Response.Body.Close()

	assert.Equal(t, SourceCache, result.Source)
	assert.Equal(t, before, network.callCount(), "cache hit must not touch the network")
}

func TestFetchReturnsNetworkResponseUnmodified(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	network.status(testOrigin+"/api/clientes", http.StatusNotFound)
	storage := newStorage(t)
	agent := newTestAgent(t, storage, network, []string{"/", "/offline.html"})
	require.NoError(t, agent.OnInstall(ctx))

	result, err := agent.OnFetch(ctx, get(t, testOrigin+"/api/clientes"))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, result.Source)
	assert.Equal(t, http.StatusNotFound, result.Response.StatusCode)
	assert.Equal(t, "network:"+testOrigin+"/api/clientes", readBody(t, result.Response))

	_, err = storage.Match(ctx, get(t, testOrigin+"/api/clientes"))
	assert.ErrorIs(t, err, cache.ErrNotFound, "network responses are not written back")
}

func TestFetchFallsBackToOfflinePage(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	agent := newTestAgent(t, newStorage(t), network, []string{"/", "/offline.html"})
	require.NoError(t, agent.OnInstall(ctx))

	network.goOffline()
	result, err := agent.OnFetch(ctx, get(t, testOrigin+"/missing"))
	require.NoError(t, err)
	assert.Equal(t, SourceOffline, result.Source)
	assert.Equal(t, "network:"+testOrigin+"/offline.html", readBody(t, result.Response))
}

func TestFetchWithoutOfflinePageReturnsError(t *testing.T) {
	network := newFakeNetwork()
	network.goOffline()
	agent := newTestAgent(t, newStorage(t), network, []string{"/", "/offline.html"})

	_, err := agent.OnFetch(context.Background(), get(t, testOrigin+"/missing"))
	require.ErrorIs(t, err, ErrOfflineUnavailable)
	assert.ErrorIs(t, err, errOffline)
}

func TestFetchNonGetGoesToNetwork(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	agent := newTestAgent(t, newStorage(t), network, []string{"/", "/offline.html"})
	require.NoError(t, agent.OnInstall(ctx))

	req, err := http.NewRequest(http.MethodPost, testOrigin+"/", bytes.NewReader([]byte("nome=ana")))
	require.NoError(t, err)
	result, err := agent.OnFetch(ctx, req)
	require.NoError(t, err)
	defer result.Response.Body.Close()
	assert.Equal(t, SourceNetwork, result.Source)
}

func TestActivateRemovesStaleNamespaces(t *testing.T) {
	ctx := context.Background()
	storage := newStorage(t)
	for _, name := range []string{"oficina-cache-v0", cacheV1, "legacy"} {
		_, err := storage.Open(ctx, name)
		require.NoError(t, err)
	}
	agent := newTestAgent(t, storage, newFakeNetwork(), []string{"/", "/offline.html"})

	require.NoError(t, agent.OnActivate(ctx))

	keys, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{cacheV1}, keys)
}

func TestActivateWithoutCurrentNamespaceLeavesNone(t *testing.T) {
	ctx := context.Background()
	storage := newStorage(t)
	_, err := storage.Open(ctx, "oficina-cache-v0")
	require.NoError(t, err)
	agent := newTestAgent(t, storage, newFakeNetwork(), []string{"/", "/offline.html"})

	require.NoError(t, agent.OnActivate(ctx))
	keys, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestActivateReportsDeletionFailure(t *testing.T) {
	ctx := context.Background()
	storage := &failingDeleteStorage{Storage: newStorage(t), fail: "oficina-cache-v0"}
	_, err := storage.Open(ctx, "oficina-cache-v0")
	require.NoError(t, err)
	agent := newTestAgent(t, storage, newFakeNetwork(), []string{"/", "/offline.html"})

	err = agent.OnActivate(ctx)
	assert.ErrorIs(t, err, ErrActivateFailed)
}

func TestFetchConcurrentWithActivate(t *testing.T) {
	ctx := context.Background()
	storage := newStorage(t)
	for _, name := range []string{"oficina-cache-v0", "legacy"} {
		_, err := storage.Open(ctx, name)
		require.NoError(t, err)
	}
	network := newFakeNetwork()
	agent := newTestAgent(t, storage, network, []string{"/", "/offline.html"})
	require.NoError(t, agent.OnInstall(ctx))
	network.goOffline()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return agent.OnActivate(gctx) })
	for i := 0; i < 8; i++ {
		target, want := testOrigin+"/", SourceCache
		if i%2 == 1 {
			target, want = testOrigin+"/missing", SourceOffline
		}
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, target, nil)
			if err != nil {
				return err
			}
			result, err := agent.OnFetch(gctx, req)
			if err != nil {
				return err
			}
			defer result.Response.Body.Close()
			if result.Source != want {
				return fmt.Errorf("%s: source %s, want %s", target, result.Source, want)
			}
			_, err = io.ReadAll(result.Response.Body)
			return err
		})
	}
	require.NoError(t, g.Wait())

	keys, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{cacheV1}, keys)
}

func TestNewRejectsManifestWithoutOfflinePage(t *testing.T) {
	opts := Options{CacheName: cacheV1, Origin: mustURL(t, testOrigin), Manifest: []string{"/"}}
	_, err := New(opts, newStorage(t), newFakeNetwork(), logging.NewDiscardLogger())
	assert.Error(t, err)
}

func TestNewResolvesManifestAgainstOrigin(t *testing.T) {
	agent := newTestAgent(t, newStorage(t), newFakeNetwork(),
		[]string{"/", "/offline.html", "https://unpkg.com/imask"})
	assert.Equal(t, []string{
		testOrigin + "/",
		testOrigin + "/offline.html",
		"https://unpkg.com/imask",
	}, agent.Manifest())
	assert.Equal(t, cacheV1, agent.CacheName())
}

func TestOptionsFromConfig(t *testing.T) {
	opts, err := OptionsFromConfig(config.AgentConfig{
		CacheName:   cacheV1,
		Origin:      testOrigin,
		OfflinePath: "/offline.html",
		Manifest:    config.DefaultManifest(),
	})
	require.NoError(t, err)
	assert.Equal(t, "oficina.local", opts.Origin.Host)
	assert.Len(t, opts.Manifest, len(config.DefaultManifest()))
}

var errOffline = errors.New("dial tcp: network is unreachable")

// fakeNetwork answers "network:<url>" for every request unless told otherwise.
type fakeNetwork struct {
	mu       sync.Mutex
	calls    int
	offline  bool
	failures map[string]bool
	statuses map[string]int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{failures: map[string]bool{}, statuses: map[string]int{}}
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	target := req.URL.String()
	if n.offline || n.failures[target] {
		return nil, errOffline
	}
	status := http.StatusOK
	if s, ok := n.statuses[target]; ok {
		status = s
	}
	return &http.Response{
		Status:     http.StatusText(status),
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       io.NopCloser(bytes.NewReader([]byte("network:" + target))),
		Request:    req,
	}, nil
}

func (n *fakeNetwork) goOffline() {
	n.mu.Lock()
	n.offline = true
	n.mu.Unlock()
}

func (n *fakeNetwork) fail(target string) {
	n.mu.Lock()
	n.failures[target] = true
	n.mu.Unlock()
}

func (n *fakeNetwork) status(target string, code int) {
	n.mu.Lock()
	n.statuses[target] = code
	n.mu.Unlock()
}

func (n *fakeNetwork) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

type failingDeleteStorage struct {
	cache.Storage
	fail string
}

func (s *failingDeleteStorage) Delete(ctx context.Context, name string) (bool, error) {
	if name == s.fail {
		return false, errors.New("permission denied")
	}
	return s.Storage.Delete(ctx, name)
}

func newStorage(t *testing.T) cache.Storage {
	t.Helper()
	storage, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	return storage
}

func newTestAgent(t *testing.T, storage cache.Storage, network Network, manifest []string) *Agent {
	t.Helper()
	agent, err := New(Options{
		CacheName:   cacheV1,
		Origin:      mustURL(t, testOrigin),
		Manifest:    manifest,
		OfflinePath: "/offline.html",
	}, storage, network, logging.NewDiscardLogger())
	require.NoError(t, err)
	return agent
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func get(t *testing.T, target string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, err)
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}
