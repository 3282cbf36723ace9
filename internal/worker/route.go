package worker

import (
	"net/http"
	"net/url"
	"strings"
)

// Route 是一次请求的路由决策，只在请求期间存在。
type Route string

const (
	// RouteDefault 表示不拦截：直接走网络，不读写缓存。
	RouteDefault Route = "default"
	// RouteCDNCacheFirst 对白名单 CDN 主机在 runtime 分区做 cache-first。
	RouteCDNCacheFirst Route = "cdn-cache-first"
	// RouteStaticCacheFirst 对同源静态资源在 static 分区做 cache-first。
	RouteStaticCacheFirst Route = "static-cache-first"
	// RouteStaleWhileRevalidate 用于同源页面导航。
	RouteStaleWhileRevalidate Route = "stale-while-revalidate"
	// RouteNetworkFirst 用于其余同源请求（API）。
	RouteNetworkFirst Route = "network-first"
)

// Intercepted 表示该路由是否会接触缓存。
func (r Route) Intercepted() bool {
	return r != RouteDefault && r != ""
}

// 浏览器通过 Fetch Metadata 头声明请求的 destination 与 mode。
const (
	HeaderFetchDest = "Sec-Fetch-Dest"
	HeaderFetchMode = "Sec-Fetch-Mode"
)

// Destination 返回请求的资源类型（image、font、style、script、document…），未声明时为空。
func Destination(r *http.Request) string {
	return strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderFetchDest)))
}

// IsNavigation 判断是否为整页加载。
func IsNavigation(r *http.Request) bool {
	return strings.EqualFold(strings.TrimSpace(r.Header.Get(HeaderFetchMode)), "navigate")
}

var staticDestinations = map[string]struct{}{
	"image":  {},
	"font":   {},
	"style":  {},
	"script": {},
}

// Route 按固定优先级计算路由，先命中者生效：
//  1. 非 GET 不拦截（必须先于白名单判断，否则会缓存发往 CDN 的 POST）
//  2. 跨域且主机在白名单 → CDN cache-first
//  3. 其他跨域不拦截
//  4. 同源静态资源 → static cache-first
//  5. 同源导航 → stale-while-revalidate
//  6. 其余同源 → network-first
func (w *Worker) Route(r *http.Request) Route {
	if r.Method != http.MethodGet {
		return RouteDefault
	}
	if !sameOrigin(r.URL, w.origin) {
		if w.isCDNHost(r.URL.Hostname()) {
			return RouteCDNCacheFirst
		}
		return RouteDefault
	}
	if _, ok := staticDestinations[Destination(r)]; ok {
		return RouteStaticCacheFirst
	}
	if IsNavigation(r) {
		return RouteStaleWhileRevalidate
	}
	return RouteNetworkFirst
}

func (w *Worker) isCDNHost(host string) bool {
	_, ok := w.cdnHosts[normalizeHost(host)]
	return ok
}

// sameOrigin 比较 scheme + host + port，缺省端口按 scheme 补齐。
func sameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return origin(a) == origin(b)
}

func origin(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	port := u.Port()
	if port == "" {
		switch scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		}
	}
	return scheme + "://" + normalizeHost(u.Hostname()) + ":" + port
}

func normalizeHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}
