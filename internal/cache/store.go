package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Storage 是所有命名空间的集合，对应浏览器的 CacheStorage。
type Storage interface {
	// Open 返回指定命名空间，不存在时创建并追加到索引末尾。
	Open(ctx context.Context, name string) (Namespace, error)

	// Match 按命名空间创建顺序查找请求，返回第一个命中的响应。未命中返回 ErrNotFound。
	Match(ctx context.Context, req *http.Request) (*http.Response, error)

	// Lookup 返回已存在的命名空间，不存在时返回 ErrNotFound，不会隐式创建。
	Lookup(ctx context.Context, name string) (Namespace, error)

	// Has 判断命名空间是否存在，不会隐式创建。
	Has(ctx context.Context, name string) (bool, error)

	// Keys 按创建顺序列出全部命名空间。
	Keys(ctx context.Context) ([]string, error)

	// Delete 删除整个命名空间及其条目，命名空间不存在时返回 false。
	Delete(ctx context.Context, name string) (bool, error)
}

// Namespace 是单个带版本号的缓存。
type Namespace interface {
	Name() string

	// Match 查找单个请求，未命中返回 ErrNotFound。调用方负责关闭 Body。
	Match(ctx context.Context, req *http.Request) (*http.Response, error)

	// Put 写入请求与响应，会读取并关闭 resp.Body。
	Put(ctx context.Context, req *http.Request, resp *http.Response) error

	// AddAll 通过 fetcher 拉取全部 URL；任何一个失败或返回非 2xx 时整体失败，且不写入任何条目。
	AddAll(ctx context.Context, fetcher Fetcher, urls []string) error

	// Requests 列出命名空间内的全部条目描述。
	Requests(ctx context.Context) ([]RequestInfo, error)

	// Delete 删除单个条目，不存在时返回 false。
	Delete(ctx context.Context, req *http.Request) (bool, error)
}

// Fetcher 抽象网络访问，AddAll 借此回源。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// RequestInfo 描述一个已缓存条目，供诊断接口输出。
type RequestInfo struct {
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	StatusCode int       `json:"status_code"`
	SizeBytes  int64     `json:"size_bytes"`
	StoredAt   time.Time `json:"stored_at"`
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidNamespace 表示命名空间名称不可用。
	ErrInvalidNamespace = errors.New("invalid cache namespace")
	// ErrUnsupportedRequest 表示请求无法作为缓存键（非 GET 或 URL 非绝对地址）。
	ErrUnsupportedRequest = errors.New("request cannot be cached")
)

// FetchError 记录 AddAll 中导致整体失败的那个资源。
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// RequestKey 返回请求的缓存键。仅 GET 且 URL 为绝对地址的请求可被缓存，片段部分会被忽略。
func RequestKey(req *http.Request) (string, error) {
	if req == nil || req.URL == nil {
		return "", ErrUnsupportedRequest
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet {
		return "", ErrUnsupportedRequest
	}
	if !req.URL.IsAbs() || req.URL.Host == "" {
		return "", ErrUnsupportedRequest
	}
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	return method + " " + u.String(), nil
}
