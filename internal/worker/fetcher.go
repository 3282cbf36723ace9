package worker

import (
	"context"
	"net/http"
)

// Fetcher 执行真实的网络请求。只有传输层失败才返回 error，HTTP 错误状态码照常返回响应。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// ClientFetcher 复用共享的 http.Client 发起请求。
type ClientFetcher struct {
	client *http.Client
}

// NewClientFetcher wraps client; a nil client falls back to http.DefaultClient.
func NewClientFetcher(client *http.Client) *ClientFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &ClientFetcher{client: client}
}

func (f *ClientFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	out := req.Clone(ctx)
	// 服务端收到的请求带有 RequestURI，client.Do 会拒绝
	out.RequestURI = ""
	out.Host = out.URL.Host
	return f.client.Do(out)
}
