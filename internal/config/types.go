package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 默认分区名、静态资源与 CDN 白名单，与前端构建产物保持一致。
const (
	DefaultCacheName        = "atlas-ai-v1"
	DefaultRuntimeCacheName = "atlas-ai-runtime"
)

// DefaultStaticAssets 返回安装阶段预取的默认路径列表。
func DefaultStaticAssets() []string {
	return []string{"/", "/index.html", "/manifest.json", "/assets/logo.svg"}
}

// DefaultCDNHosts 返回默认允许 cache-first 的跨域主机。
func DefaultCDNHosts() []string {
	return []string{"cdn.jsdelivr.net", "fonts.googleapis.com", "fonts.gstatic.com"}
}

// GlobalConfig 描述进程级运行参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StorageDriver   string   `mapstructure:"StorageDriver"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// WorkerConfig 决定拦截器的分区名、预取列表与路由白名单，启动后不可变。
type WorkerConfig struct {
	Origin           string   `mapstructure:"Origin"`
	AppDomain        string   `mapstructure:"AppDomain"`
	CacheName        string   `mapstructure:"CacheName"`
	RuntimeCacheName string   `mapstructure:"RuntimeCacheName"`
	StaticAssets     []string `mapstructure:"StaticAssets"`
	CDNHosts         []string `mapstructure:"CDNHosts"`
	PassthroughHosts []string `mapstructure:"PassthroughHosts"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Worker WorkerConfig `mapstructure:"Worker"`
}

// OriginURL 解析源站地址，只保留 scheme 与 host。
func (w WorkerConfig) OriginURL() (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(w.Origin))
	if err != nil {
		return nil, err
	}
	return &url.URL{Scheme: parsed.Scheme, Host: parsed.Host}, nil
}

// HostSummary 汇总网关接受的 Host，供启动日志使用。
func (w WorkerConfig) HostSummary() []string {
	hosts := make([]string, 0, 1+len(w.CDNHosts)+len(w.PassthroughHosts))
	hosts = append(hosts, w.AppDomain+":app")
	for _, host := range w.CDNHosts {
		hosts = append(hosts, host+":cdn")
	}
	for _, host := range w.PassthroughHosts {
		hosts = append(hosts, host+":passthrough")
	}
	return hosts
}
