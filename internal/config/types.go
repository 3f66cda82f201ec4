package config

import (
	"fmt"
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

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
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

// GlobalConfig 描述进程级运行参数：监听端口、日志、存储目录与安装重试策略。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// AgentConfig 决定离线缓存代理的版本号、资源清单与离线兜底页面。
type AgentConfig struct {
	// CacheName 是带版本号的缓存命名空间，每次发布都应修改以淘汰旧缓存。
	CacheName string `mapstructure:"CacheName"`
	// Origin 是被代理应用的源站，清单中的绝对路径基于它解析。
	Origin string `mapstructure:"Origin"`
	// OfflinePath 必须出现在 Manifest 中，网络失败时作为最后的响应。
	OfflinePath string `mapstructure:"OfflinePath"`
	// Manifest 是安装阶段需要预先缓存的资源列表，顺序无关，不去重。
	Manifest           []string `mapstructure:"Manifest"`
	InstallConcurrency int      `mapstructure:"InstallConcurrency"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Agent  AgentConfig  `mapstructure:"Agent"`
}

// DefaultManifest 与线上站点的 service worker 清单保持一致。
func DefaultManifest() []string {
	return []string{
		"/",
		"/offline.html",
		"https://cdn.jsdelivr.net/npm/bootstrap@5.3.3/dist/css/bootstrap.min.css",
		"https://cdn.jsdelivr.net/npm/bootstrap-icons@1.11.3/font/bootstrap-icons.css",
		"https://cdn.jsdelivr.net/npm/bootstrap@5.3.3/dist/js/bootstrap.bundle.min.js",
		"https://unpkg.com/imask",
	}
}

// ManifestHosts 返回清单中跨域资源的 host 集合，供路由层识别正向代理请求。
func (a AgentConfig) ManifestHosts() []string {
	seen := map[string]struct{}{}
	var hosts []string
	for _, entry := range a.Manifest {
		if !isAbsoluteURL(entry) {
			continue
		}
		host := strings.ToLower(hostOf(entry))
		if host == "" {
			continue
		}
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		hosts = append(hosts, host)
	}
	return hosts
}
