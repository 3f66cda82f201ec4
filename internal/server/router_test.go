package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oficina/offline-agent/internal/agent"
	"github.com/oficina/offline-agent/internal/logging"
)

func TestInterceptWritesResultWithSourceHeader(t *testing.T) {
	recorder := &dispatchRecorder{result: textResult(agent.SourceCache, http.StatusOK, "cached home")}
	app := newTestApp(t, recorder)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "http://agent.local/?page=2", nil))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cached home", string(body))
	assert.Equal(t, "cache", resp.Header.Get(SourceHeader))
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	require.NotNil(t, recorder.last)
	assert.Equal(t, "http://oficina.local/?page=2", recorder.last.URL.String())
	assert.Equal(t, "oficina.local", recorder.last.Host)
}

func TestInterceptRoutesCrossOriginHosts(t *testing.T) {
	recorder := &dispatchRecorder{result: textResult(agent.SourceCache, http.StatusOK, "css")}
	app := newTestApp(t, recorder)

	req := httptest.NewRequest(http.MethodGet, "http://cdn.jsdelivr.net/npm/bootstrap@5.3.3/dist/css/bootstrap.min.css", nil)
	req.Host = "cdn.jsdelivr.net"
	_, err := app.Test(req)
	require.NoError(t, err)

	require.NotNil(t, recorder.last)
	assert.Equal(t, "https://cdn.jsdelivr.net/npm/bootstrap@5.3.3/dist/css/bootstrap.min.css", recorder.last.URL.String())
}

func TestInterceptForwardsBodyAndMethod(t *testing.T) {
	recorder := &dispatchRecorder{result: textResult(agent.SourceNetwork, http.StatusCreated, "")}
	app := newTestApp(t, recorder)

	req := httptest.NewRequest(http.MethodPost, "http://agent.local/clientes", bytes.NewReader([]byte("nome=ana")))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := app.Test(req)
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, http.MethodPost, recorder.last.Method)
	assert.Equal(t, "nome=ana", string(recorder.lastBody))
	assert.Equal(t, "application/x-www-form-urlencoded", recorder.last.Header.Get("Content-Type"))
}

func TestInterceptMapsOfflineUnavailable(t *testing.T) {
	recorder := &dispatchRecorder{err: fmt.Errorf("%w: dial tcp: refused", agent.ErrOfflineUnavailable)}
	app := newTestApp(t, recorder)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "http://agent.local/missing", nil))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), `"offline_unavailable"`)
}

func TestInterceptMapsPassthroughFailure(t *testing.T) {
	recorder := &dispatchRecorder{err: errors.New("connection refused")}
	app := newTestApp(t, recorder)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "http://agent.local/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadGateway, resp.StatusCode)
}

func TestInterceptRecoversDispatcherPanic(t *testing.T) {
	app := newTestApp(t, DispatcherFunc(func(context.Context, *http.Request) (*agent.Result, error) {
		panic("boom")
	}))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "http://agent.local/", nil))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, string(body), "dispatch_panic")
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestInterceptSkipsDiagnosticsPaths(t *testing.T) {
	recorder := &dispatchRecorder{result: textResult(agent.SourceCache, http.StatusOK, "x")}
	app := newTestApp(t, recorder)
	app.Get("/-/ping", func(c fiber.Ctx) error {
		return c.SendString("pong")
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "http://agent.local/-/ping", nil))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "pong", string(body))
	assert.Nil(t, recorder.last)
}

func TestNewAppValidatesOptions(t *testing.T) {
	_, err := NewApp(AppOptions{Logger: logging.NewDiscardLogger(), ListenPort: 5000})
	assert.Error(t, err)
}

type dispatchRecorder struct {
	result   *agent.Result
	err      error
	last     *http.Request
	lastBody []byte
}

func (d *dispatchRecorder) Dispatch(ctx context.Context, req *http.Request) (*agent.Result, error) {
	d.last = req
	if req.Body != nil {
		d.lastBody, _ = io.ReadAll(req.Body)
	}
	return d.result, d.err
}

func textResult(source agent.Source, status int, body string) *agent.Result {
	return &agent.Result{
		Source: source,
		Response: &http.Response{
			StatusCode: status,
			Header:     http.Header{"Content-Type": {"text/html"}, "Connection": {"keep-alive"}},
			Body:       io.NopCloser(bytes.NewReader([]byte(body))),
		},
	}
}

func newTestApp(t *testing.T, dispatcher Dispatcher) *fiber.App {
	t.Helper()
	origin, err := url.Parse("http://oficina.local")
	require.NoError(t, err)

	app, err := NewApp(AppOptions{
		Logger:           logging.NewDiscardLogger(),
		Dispatcher:       dispatcher,
		Origin:           origin,
		CrossOriginHosts: []string{"cdn.jsdelivr.net", "unpkg.com"},
		ListenPort:       5000,
	})
	require.NoError(t, err)
	return app
}
