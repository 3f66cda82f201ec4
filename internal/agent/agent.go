package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/oficina/offline-agent/internal/cache"
	"github.com/oficina/offline-agent/internal/config"
	"github.com/oficina/offline-agent/internal/logging"
)

// Source 标记响应来自哪一层。
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
	SourceOffline Source = "offline"
	// SourcePassthrough 由宿主在代理尚未激活时使用，请求直接走网络且不做兜底。
	SourcePassthrough Source = "passthrough"
)

// Result 是一次拦截的结果。调用方负责关闭 Response.Body。
type Result struct {
	Response *http.Response
	Source   Source
}

// Lifecycle 是宿主驱动代理的三个事件入口，每个调用返回即代表该阶段结束。
type Lifecycle interface {
	OnInstall(ctx context.Context) error
	OnFetch(ctx context.Context, req *http.Request) (*Result, error)
	OnActivate(ctx context.Context) error
}

// Options 是构造后不可变的代理配置。
type Options struct {
	CacheName   string
	Origin      *url.URL
	Manifest    []string
	OfflinePath string
}

// OptionsFromConfig 把已校验的 AgentConfig 转为 Options。
func OptionsFromConfig(cfg config.AgentConfig) (Options, error) {
	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return Options{}, fmt.Errorf("parse origin: %w", err)
	}
	return Options{
		CacheName:   cfg.CacheName,
		Origin:      origin,
		Manifest:    slices.Clone(cfg.Manifest),
		OfflinePath: cfg.OfflinePath,
	}, nil
}

// Agent 实现 Lifecycle，除注入的 Storage 外不持有可变状态，可被并发调用。
type Agent struct {
	cacheName  string
	manifest   []string
	offlineURL string
	storage    cache.Storage
	network    Network
	logger     *logrus.Logger
}

var _ Lifecycle = (*Agent)(nil)

// New 解析清单并校验离线页面在清单内。
func New(opts Options, storage cache.Storage, network Network, logger *logrus.Logger) (*Agent, error) {
	if strings.TrimSpace(opts.CacheName) == "" {
		return nil, errors.New("cache name is required")
	}
	if opts.Origin == nil || !opts.Origin.IsAbs() {
		return nil, errors.New("absolute origin is required")
	}
	if storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if network == nil {
		return nil, errors.New("network is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	offlinePath := opts.OfflinePath
	if offlinePath == "" {
		offlinePath = "/offline.html"
	}
	offlineURL, err := resolve(opts.Origin, offlinePath)
	if err != nil {
		return nil, fmt.Errorf("offline path: %w", err)
	}

	manifest := make([]string, 0, len(opts.Manifest))
	for _, entry := range opts.Manifest {
		resolved, err := resolve(opts.Origin, entry)
		if err != nil {
			return nil, fmt.Errorf("manifest entry %q: %w", entry, err)
		}
		manifest = append(manifest, resolved)
	}
	if !slices.Contains(manifest, offlineURL) {
		return nil, fmt.Errorf("manifest must include offline page %s", offlineURL)
	}

	return &Agent{
		cacheName:  opts.CacheName,
		manifest:   manifest,
		offlineURL: offlineURL,
		storage:    storage,
		network:    network,
		logger:     logger,
	}, nil
}

// CacheName 返回当前版本的命名空间。
func (a *Agent) CacheName() string {
	return a.cacheName
}

// Manifest 返回解析为绝对 URL 后的清单副本。
func (a *Agent) Manifest() []string {
	return slices.Clone(a.manifest)
}

// OnInstall 打开当前命名空间并一次性写入整个清单，任一资源失败则安装失败。
func (a *Agent) OnInstall(ctx context.Context) error {
	started := time.Now()
	fields := logging.LifecycleFields("install", a.cacheName)
	fields["resources"] = len(a.manifest)

	ns, err := a.storage.Open(ctx, a.cacheName)
	if err != nil {
		a.logger.WithFields(fields).WithError(err).Warn("install_open_failed")
		return fmt.Errorf("%w: open %s: %w", ErrInstallFailed, a.cacheName, err)
	}

	if err := ns.AddAll(ctx, a.network, a.manifest); err != nil {
		var fetchErr *cache.FetchError
		if errors.As(err, &fetchErr) {
			fields["url"] = fetchErr.URL
			if fetchErr.StatusCode != 0 {
				fields["status"] = fetchErr.StatusCode
			}
		}
		a.logger.WithFields(fields).WithError(err).Warn("install_failed")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	a.logger.WithFields(fields).Info("install_complete")
	return nil
}

// OnFetch 依次尝试缓存、网络与离线页面。网络成功的响应原样返回，不回写缓存。
func (a *Agent) OnFetch(ctx context.Context, req *http.Request) (*Result, error) {
	cached, err := a.storage.Match(ctx, req)
	switch {
	case err == nil:
		return &Result{Response: cached, Source: SourceCache}, nil
	case errors.Is(err, cache.ErrNotFound):
		// miss, continue
	default:
		a.logger.WithError(err).WithFields(logrus.Fields{
			"action": "cache_match",
			"url":    req.URL.String(),
		}).Warn("cache_match_failed")
	}

	resp, netErr := a.network.Fetch(ctx, req)
	if netErr == nil {
		return &Result{Response: resp, Source: SourceNetwork}, nil
	}

	a.logger.WithError(netErr).WithFields(logrus.Fields{
		"action": "network_fetch",
		"url":    req.URL.String(),
	}).Debug("network_failed")

	offlineReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.offlineURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOfflineUnavailable, err)
	}
	offline, err := a.storage.Match(ctx, offlineReq)
	if err != nil {
		a.logger.WithError(err).WithFields(logrus.Fields{
			"action": "offline_fallback",
			"url":    a.offlineURL,
		}).Warn("offline_fallback_missing")
		return nil, fmt.Errorf("%w: %w", ErrOfflineUnavailable, netErr)
	}
	return &Result{Response: offline, Source: SourceOffline}, nil
}

// OnActivate 删除除当前版本外的全部命名空间；任一删除失败会取消其余删除并返回错误。
func (a *Agent) OnActivate(ctx context.Context) error {
	fields := logging.LifecycleFields("activate", a.cacheName)

	names, err := a.storage.Keys(ctx)
	if err != nil {
		a.logger.WithFields(fields).WithError(err).Warn("activate_list_failed")
		return fmt.Errorf("%w: list namespaces: %w", ErrActivateFailed, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		if name == a.cacheName {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if _, err := a.storage.Delete(gctx, name); err != nil {
				return fmt.Errorf("delete %s: %w", name, err)
			}
			a.logger.WithFields(logging.LifecycleFields("activate", a.cacheName)).
				WithField("deleted", name).
				Info("stale_namespace_deleted")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		a.logger.WithFields(fields).WithError(err).Warn("activate_failed")
		return fmt.Errorf("%w: %w", ErrActivateFailed, err)
	}

	fields["namespaces"] = len(names)
	a.logger.WithFields(fields).Info("activate_complete")
	return nil
}

// resolve 把清单条目解析为绝对 URL：绝对路径基于 origin，http(s) URL 原样保留。
func resolve(origin *url.URL, entry string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(entry))
	if err != nil {
		return "", err
	}
	if ref.IsAbs() {
		if ref.Scheme != "http" && ref.Scheme != "https" {
			return "", fmt.Errorf("unsupported scheme %s", ref.Scheme)
		}
		return ref.String(), nil
	}
	if !strings.HasPrefix(ref.Path, "/") {
		return "", errors.New("path must be absolute")
	}
	return origin.ResolveReference(ref).String(), nil
}
