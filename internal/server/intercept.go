package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/oficina/offline-agent/internal/agent"
	"github.com/oficina/offline-agent/internal/logging"
)

// SourceHeader 标记响应来源：cache / network / offline / passthrough。
const SourceHeader = "X-Offline-Agent-Source"

// interceptor 把 Fiber 请求还原为 *http.Request 交给 Dispatcher，再把结果流式写回。
type interceptor struct {
	dispatcher  Dispatcher
	origin      *url.URL
	crossOrigin map[string]struct{}
	logger      *logrus.Logger
}

func newInterceptor(opts AppOptions) *interceptor {
	hosts := make(map[string]struct{}, len(opts.CrossOriginHosts))
	for _, host := range opts.CrossOriginHosts {
		host = strings.ToLower(strings.TrimSpace(host))
		if host == "" || strings.EqualFold(host, opts.Origin.Host) {
			continue
		}
		hosts[host] = struct{}{}
	}
	return &interceptor{
		dispatcher:  opts.Dispatcher,
		origin:      opts.Origin,
		crossOrigin: hosts,
		logger:      opts.Logger,
	}
}

func (i *interceptor) handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := RequestID(c)
	target := i.targetURL(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := i.buildRequest(ctx, c, target)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}

	result, err := i.dispatch(ctx, req)
	if err != nil {
		status, code := fiber.StatusBadGateway, "upstream_failed"
		switch {
		case errors.Is(err, agent.ErrOfflineUnavailable):
			status, code = fiber.StatusServiceUnavailable, "offline_unavailable"
		case errors.Is(err, errDispatchPanic):
			status, code = fiber.StatusInternalServerError, "dispatch_panic"
		}
		i.logResult(requestID, c.Method(), target, "none", status, started, err)
		return c.Status(status).JSON(fiber.Map{"error": code})
	}
	defer result.Response.Body.Close()

	return i.writeResult(c, requestID, target, result, started)
}

var errDispatchPanic = errors.New("dispatcher panic")

// dispatch 把 Dispatcher 的 panic 转为错误，单个请求的异常不影响连接上的后续请求。
func (i *interceptor) dispatch(ctx context.Context, req *http.Request) (result *agent.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("%w: %v", errDispatchPanic, r)
		}
	}()
	result, err = i.dispatcher.Dispatch(ctx, req)
	if err == nil && (result == nil || result.Response == nil) {
		return nil, errors.New("dispatcher returned no response")
	}
	if err == nil && result.Response.Body == nil {
		result.Response.Body = http.NoBody
	}
	return result, err
}

func (i *interceptor) writeResult(c fiber.Ctx, requestID string, target *url.URL, result *agent.Result, started time.Time) error {
	resp := result.Response
	for key, values := range resp.Header {
		if IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
	c.Set(SourceHeader, string(result.Source))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		i.logResult(requestID, c.Method(), target, string(result.Source), resp.StatusCode, started, nil)
		return nil
	}

	_, err := io.Copy(c.Response().BodyWriter(), resp.Body)
	i.logResult(requestID, c.Method(), target, string(result.Source), resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("stream response failed: %v", err))
	}
	return nil
}

// targetURL 基于源站还原请求的绝对 URL；Host 命中跨域清单主机时改为 https://<host>。
func (i *interceptor) targetURL(c fiber.Ctx) *url.URL {
	base := i.origin
	host := strings.ToLower(strings.TrimSpace(getHostHeader(c)))
	if _, ok := i.crossOrigin[host]; ok {
		base = &url.URL{Scheme: "https", Host: host}
	}

	uri := c.Request().URI()
	target := &url.URL{
		Scheme:   base.Scheme,
		Host:     base.Host,
		Path:     string(uri.Path()),
		RawQuery: string(uri.QueryString()),
	}
	if target.Path == "" {
		target.Path = "/"
	}
	return target
}

func (i *interceptor) buildRequest(ctx context.Context, c fiber.Ctx, target *url.URL) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}

	CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Host")
	// 交给 Transport 自动协商压缩。
	req.Header.Del("Accept-Encoding")
	req.Host = target.Host
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Scheme())
	return req, nil
}

func (i *interceptor) logResult(requestID, method string, target *url.URL, source string, status int, started time.Time, err error) {
	fields := logging.RequestFields(requestID, method, target.String(), source)
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	entry := i.logger.WithFields(fields)
	if err != nil {
		entry.WithError(err).Warn("intercept_failed")
		return
	}
	entry.Info("intercept")
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}
