package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/atlas-ai/atlas-cache/internal/cache"
)

// State 对应 worker 生命周期阶段。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	// StateRedundant 表示安装失败，worker 不会再被激活。
	StateRedundant State = "redundant"
)

var (
	// ErrInvalidState 表示生命周期方法调用顺序不对。
	ErrInvalidState = errors.New("invalid worker state")
	// ErrAssetFetch 表示安装阶段有静态资源无法获取。
	ErrAssetFetch = errors.New("static asset fetch failed")
)

// Options 在注册时确定，之后不可变。
type Options struct {
	// Origin 是前端应用的源站，决定同源/跨域判断以及静态资源地址。
	Origin *url.URL
	// CacheName 是带版本的 static 分区名，例如 atlas-ai-v1。
	CacheName string
	// RuntimeCacheName 是跨版本保留的 runtime 分区名。
	RuntimeCacheName string
	// StaticAssets 是安装时预取的路径列表。
	StaticAssets []string
	// CDNHosts 是允许 cache-first 的跨域主机。
	CDNHosts []string
}

// Worker 拦截请求并维护两个缓存分区。可并发调用 Fetch。
type Worker struct {
	origin           *url.URL
	cacheName        string
	runtimeCacheName string
	staticAssets     []string
	cdnHosts         map[string]struct{}

	storage cache.Storage
	fetcher Fetcher
	logger  *logrus.Logger

	mu          sync.RWMutex
	state       State
	skipWaiting bool
	claimed     bool

	background sync.WaitGroup
}

// New 校验 Options 并构建处于 parsed 状态的 worker。
func New(opts Options, storage cache.Storage, fetcher Fetcher, logger *logrus.Logger) (*Worker, error) {
	if opts.Origin == nil || opts.Origin.Scheme == "" || opts.Origin.Host == "" {
		return nil, errors.New("worker origin required")
	}
	if err := cache.ValidatePartitionName(opts.CacheName); err != nil {
		return nil, fmt.Errorf("cache name: %w", err)
	}
	if err := cache.ValidatePartitionName(opts.RuntimeCacheName); err != nil {
		return nil, fmt.Errorf("runtime cache name: %w", err)
	}
	if opts.CacheName == opts.RuntimeCacheName {
		return nil, errors.New("cache name and runtime cache name must differ")
	}
	if storage == nil {
		return nil, errors.New("cache storage required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	hosts := make(map[string]struct{}, len(opts.CDNHosts))
	for _, host := range opts.CDNHosts {
		if normalized := normalizeHost(host); normalized != "" {
			hosts[normalized] = struct{}{}
		}
	}

	originURL := *opts.Origin
	return &Worker{
		origin:           &originURL,
		cacheName:        opts.CacheName,
		runtimeCacheName: opts.RuntimeCacheName,
		staticAssets:     append([]string(nil), opts.StaticAssets...),
		cdnHosts:         hosts,
		storage:          storage,
		fetcher:          fetcher,
		logger:           logger,
		state:            StateParsed,
	}, nil
}

// Status 是 worker 状态快照，用于诊断接口。
type Status struct {
	State            State  `json:"state"`
	SkipWaiting      bool   `json:"skip_waiting"`
	Controlling      bool   `json:"controlling"`
	CacheName        string `json:"cache_name"`
	RuntimeCacheName string `json:"runtime_cache_name"`
	Origin           string `json:"origin"`
}

// Status 返回当前生命周期状态。
func (w *Worker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Status{
		State:            w.state,
		SkipWaiting:      w.skipWaiting,
		Controlling:      w.claimed,
		CacheName:        w.cacheName,
		RuntimeCacheName: w.runtimeCacheName,
		Origin:           w.origin.String(),
	}
}

// Controlling 表示 worker 已激活并接管客户端，只有此时才拦截请求。
func (w *Worker) Controlling() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state == StateActivated && w.claimed
}

func (w *Worker) transition(from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return fmt.Errorf("%w: expected %s, got %s", ErrInvalidState, from, w.state)
	}
	w.state = to
	return nil
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

// PartitionInfo 描述一个分区及其条目数。
type PartitionInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Role    string `json:"role,omitempty"`
}

// Partitions 列出当前存储中的所有分区。
func (w *Worker) Partitions(ctx context.Context) ([]PartitionInfo, error) {
	names, err := w.storage.Names(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]PartitionInfo, 0, len(names))
	for _, name := range names {
		part, err := w.storage.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		keys, err := part.Keys(ctx)
		if err != nil {
			return nil, err
		}
		info := PartitionInfo{Name: name, Entries: len(keys)}
		switch name {
		case w.cacheName:
			info.Role = "static"
		case w.runtimeCacheName:
			info.Role = "runtime"
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Wait 阻塞直到所有后台回源（stale-while-revalidate）结束。
func (w *Worker) Wait() {
	w.background.Wait()
}

// Result 是一次拦截的结果。
type Result struct {
	Response *http.Response
	Route    Route
	CacheHit bool
}

// Fetch 按路由策略处理请求。未激活的 worker 不拦截任何请求。
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (*Result, error) {
	route := RouteDefault
	if w.Controlling() {
		route = w.Route(req)
	}

	w.logger.WithFields(logrus.Fields{
		"action": "fetch",
		"method": req.Method,
		"url":    req.URL.String(),
		"route":  string(route),
	}).Debug("route_selected")

	switch route {
	case RouteCDNCacheFirst:
		return w.cacheFirst(ctx, route, w.runtimeCacheName, req)
	case RouteStaticCacheFirst:
		return w.cacheFirst(ctx, route, w.cacheName, req)
	case RouteStaleWhileRevalidate:
		return w.staleWhileRevalidate(ctx, req)
	case RouteNetworkFirst:
		return w.networkFirst(ctx, req)
	default:
		resp, err := w.fetcher.Fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		return &Result{Response: resp, Route: RouteDefault}, nil
	}
}
