package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/atlas-ai/atlas-cache/internal/cache"
)

var supportedStorageDrivers = map[string]struct{}{
	cache.DriverFile:   {},
	cache.DriverSQLite: {},
	cache.DriverMemory: {},
}

const supportedStorageDriverList = "file|sqlite|memory"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" && g.StorageDriver != cache.DriverMemory {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedStorageDrivers[g.StorageDriver]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 "+supportedStorageDriverList)
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	return c.Worker.validate()
}

func (w *WorkerConfig) validate() error {
	if err := validateUpstream(w.Origin); err != nil {
		return fmt.Errorf("%s: %w", workerField("Origin", -1), err)
	}
	if err := validateDomain(w.AppDomain); err != nil {
		return fmt.Errorf("%s: %w", workerField("AppDomain", -1), err)
	}

	if err := cache.ValidatePartitionName(w.CacheName); err != nil {
		return newFieldError(workerField("CacheName", -1), err.Error())
	}
	if err := cache.ValidatePartitionName(w.RuntimeCacheName); err != nil {
		return newFieldError(workerField("RuntimeCacheName", -1), err.Error())
	}
	if w.CacheName == w.RuntimeCacheName {
		return newFieldError(workerField("RuntimeCacheName", -1), "不能与 CacheName 相同")
	}

	for i, asset := range w.StaticAssets {
		if !strings.HasPrefix(asset, "/") || strings.HasPrefix(asset, "//") {
			return newFieldError(workerField("StaticAssets", i), "必须是以 / 开头的同源路径")
		}
	}

	// 同一 Host 只能对应一种路由，避免源站被误判为跨域
	seen := map[string]string{w.AppDomain: workerField("AppDomain", -1)}
	for i, host := range w.CDNHosts {
		if err := validateDomain(host); err != nil {
			return fmt.Errorf("%s: %w", workerField("CDNHosts", i), err)
		}
		if prev, exists := seen[host]; exists {
			return newFieldError(workerField("CDNHosts", i), "与 "+prev+" 重复")
		}
		seen[host] = workerField("CDNHosts", i)
	}
	for i, host := range w.PassthroughHosts {
		if err := validateDomain(host); err != nil {
			return fmt.Errorf("%s: %w", workerField("PassthroughHosts", i), err)
		}
		if prev, exists := seen[host]; exists {
			return newFieldError(workerField("PassthroughHosts", i), "与 "+prev+" 重复")
		}
		seen[host] = workerField("PassthroughHosts", i)
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") && strings.Contains(domain, ":") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("源站不应包含路径: %s", raw)
	}
	return nil
}
