package agent

import (
	"context"
	"errors"
	"net/http"
)

// Network 是代理访问网络的唯一出口：传输层失败返回 error，任何 HTTP 状态码都算响应。
type Network interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// HTTPNetwork 基于共享 http.Client 实现 Network。
type HTTPNetwork struct {
	Client *http.Client
}

// NewHTTPNetwork wraps client, falling back to http.DefaultClient when nil.
func NewHTTPNetwork(client *http.Client) *HTTPNetwork {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPNetwork{Client: client}
}

// Fetch 发送请求；入站请求上的 RequestURI 会被清除，否则 http.Client 会拒绝发送。
func (n *HTTPNetwork) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("request required")
	}
	out := req.WithContext(ctx)
	out.RequestURI = ""
	return n.Client.Do(out)
}
