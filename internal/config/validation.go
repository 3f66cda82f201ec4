package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	return c.Agent.validate()
}

func (a AgentConfig) validate() error {
	if strings.TrimSpace(a.CacheName) == "" {
		return newFieldError("Agent.CacheName", "不能为空")
	}
	if err := validateOrigin(a.Origin); err != nil {
		return fmt.Errorf("Agent.Origin: %w", err)
	}
	if !strings.HasPrefix(a.OfflinePath, "/") {
		return newFieldError("Agent.OfflinePath", "必须以 / 开头")
	}
	if a.InstallConcurrency < 1 {
		return newFieldError("Agent.InstallConcurrency", "必须大于 0")
	}
	if len(a.Manifest) == 0 {
		return newFieldError("Agent.Manifest", "至少需要一个资源")
	}

	offlineListed := false
	for i, entry := range a.Manifest {
		if err := validateManifestEntry(entry); err != nil {
			return fmt.Errorf("%s: %w", manifestField(i), err)
		}
		if entry == a.OfflinePath || entry == a.Origin+a.OfflinePath {
			offlineListed = true
		}
	}
	if !offlineListed {
		return newFieldError("Agent.Manifest", fmt.Sprintf("必须包含离线页面 %s", a.OfflinePath))
	}

	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("无效 URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("仅支持 http/https")
	}
	if parsed.Host == "" {
		return errors.New("缺少 Host")
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return errors.New("不允许包含路径")
	}
	return nil
}

func validateManifestEntry(entry string) error {
	if entry == "" {
		return errors.New("不能为空")
	}
	if strings.HasPrefix(entry, "/") {
		if strings.HasPrefix(entry, "//") {
			return errors.New("不支持协议相对 URL")
		}
		if _, err := url.ParseRequestURI(entry); err != nil {
			return fmt.Errorf("无效路径: %w", err)
		}
		return nil
	}
	if !isAbsoluteURL(entry) {
		return errors.New("必须是绝对路径或 http/https URL")
	}
	if hostOf(entry) == "" {
		return errors.New("缺少 Host")
	}
	return nil
}

func isAbsoluteURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return parsed.Scheme == "http" || parsed.Scheme == "https"
}

func hostOf(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return parsed.Host
}
