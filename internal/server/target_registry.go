package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/atlas-ai/atlas-cache/internal/config"
)

// TargetKind 区分网关收到的 Host 属于哪类上游。
type TargetKind string

const (
	// TargetApp 是前端源站，请求对 worker 而言是同源的。
	TargetApp TargetKind = "app"
	// TargetCDN 是白名单 CDN 主机。
	TargetCDN TargetKind = "cdn"
	// TargetPassthrough 是显式放行、不做缓存的跨域主机。
	TargetPassthrough TargetKind = "passthrough"
)

// Target 描述一个可被网关接受的 Host 及其真实上游。
type Target struct {
	// Host 是规范化后的域名（小写、无端口、无末尾点）。
	Host string
	Kind TargetKind
	// BaseURL 只包含 scheme 与 host，请求路径在转发时拼接。
	BaseURL *url.URL
	// ListenPort 记录当前监听端口，方便日志输出。
	ListenPort int
}

// URLFor 把下游请求的原始 path（未解码）+ query 拼接到上游地址上，
// %2F 之类的编码字符原样保留，缓存 key 与浏览器请求的 URL 一致。
func (t *Target) URLFor(rawPath, rawQuery string) *url.URL {
	u := *t.BaseURL
	if rawPath == "" {
		rawPath = "/"
	}
	u.Path = rawPath
	u.RawPath = ""
	if decoded, err := url.PathUnescape(rawPath); err == nil {
		u.Path = decoded
		u.RawPath = rawPath
	}
	u.RawQuery = rawQuery
	return &u
}

// TargetRegistry 提供 Host/Host:port 到 Target 的查询能力。
type TargetRegistry struct {
	targets map[string]*Target
	ordered []*Target
}

// NewTargetRegistry 根据 Worker 配置构建 Host 映射。调用方应在启动阶段创建一次并复用。
func NewTargetRegistry(cfg *config.Config) (*TargetRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	origin, err := cfg.Worker.OriginURL()
	if err != nil {
		return nil, fmt.Errorf("invalid worker origin: %w", err)
	}

	registry := &TargetRegistry{
		targets: make(map[string]*Target, 1+len(cfg.Worker.CDNHosts)+len(cfg.Worker.PassthroughHosts)),
	}
	if err := registry.add(cfg.Worker.AppDomain, TargetApp, origin, cfg.Global.ListenPort); err != nil {
		return nil, err
	}
	for _, host := range cfg.Worker.CDNHosts {
		if err := registry.add(host, TargetCDN, nil, cfg.Global.ListenPort); err != nil {
			return nil, err
		}
	}
	for _, host := range cfg.Worker.PassthroughHosts {
		if err := registry.add(host, TargetPassthrough, nil, cfg.Global.ListenPort); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (r *TargetRegistry) add(domain string, kind TargetKind, base *url.URL, port int) error {
	host := normalizeDomain(domain)
	if host == "" {
		return fmt.Errorf("invalid domain for %s target: %q", kind, domain)
	}
	if _, exists := r.targets[host]; exists {
		return fmt.Errorf("duplicate domain mapping detected for %s", host)
	}
	if base == nil {
		// 跨域上游一律走 https
		base = &url.URL{Scheme: "https", Host: host}
	}
	target := &Target{Host: host, Kind: kind, BaseURL: base, ListenPort: port}
	r.targets[host] = target
	r.ordered = append(r.ordered, target)
	return nil
}

// Lookup 根据 Host 或 Host:port 查找 Target。
func (r *TargetRegistry) Lookup(host string) (*Target, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	target, ok := r.targets[normalizedHost]
	return target, ok
}

// List 返回当前注册的 Target 列表（app 在前，随后按配置顺序），用于 /-/status 输出。
func (r *TargetRegistry) List() []Target {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]Target, len(r.ordered))
	for i, target := range r.ordered {
		result[i] = *target
	}
	return result
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
