package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/quran-companion/shell-cache/internal/cache"
)

var generationPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
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
	if g.ClientIdleTimeout.DurationValue() < 0 {
		return newFieldError("Global.ClientIdleTimeout", "不能为负数")
	}

	if err := c.validateOrigins(); err != nil {
		return err
	}
	return c.validateCache()
}

func (c *Config) validateOrigins() error {
	if len(c.Origins) == 0 {
		return errors.New("至少需要配置一个 Origin")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	primaries := 0
	for i := range c.Origins {
		origin := &c.Origins[i]
		if origin.Name == "" {
			return newFieldError("Origin[].Name", "不能为空")
		}
		if _, exists := seenNames[origin.Name]; exists {
			return newFieldError(originField(origin.Name, "Name"), "重复")
		}
		seenNames[origin.Name] = struct{}{}

		if err := validateDomain(origin.Domain); err != nil {
			return wrapFieldError(originField(origin.Name, "Domain"), err)
		}
		if _, exists := seenDomains[origin.Domain]; exists {
			return newFieldError(originField(origin.Name, "Domain"), "重复")
		}
		seenDomains[origin.Domain] = struct{}{}

		if err := validateUpstream(origin.Upstream); err != nil {
			return wrapFieldError(originField(origin.Name, "Upstream"), err)
		}
		if origin.Primary {
			primaries++
		}
	}

	if primaries > 1 {
		return newFieldError("Origin[].Primary", "只能有一个 primary origin")
	}
	if primaries == 0 && len(c.Origins) > 1 {
		return newFieldError("Origin[].Primary", "多个 Origin 时必须指定一个 primary")
	}
	return nil
}

func (c *Config) validateCache() error {
	cc := c.Cache
	if !generationPattern.MatchString(cc.Generation) {
		return newFieldError("Cache.Generation", "必须匹配 [A-Za-z0-9][A-Za-z0-9._-]*")
	}
	if len(cc.Manifest) == 0 {
		return newFieldError("Cache.Manifest", "不能为空")
	}
	for _, item := range cc.Manifest {
		if err := validateManifestEntry(item); err != nil {
			return newFieldError("Cache.Manifest", err.Error())
		}
	}

	if cc.Scope == "" {
		return newFieldError("Cache.Scope", "不能为空")
	}
	if err := validateUpstream(cc.Scope); err != nil {
		return wrapFieldError("Cache.Scope", err)
	}
	// install 的请求都发往 scope，只有 primary origin 的响应才是可缓存的 basic 响应
	if primary, ok := c.PrimaryOrigin(); ok {
		scope, _ := url.Parse(cc.Scope)
		if hostOnly(scope.Host) != hostOnly(primary.Domain) {
			return newFieldError("Cache.Scope", fmt.Sprintf("Host 必须是 primary origin 的 Domain: %s", primary.Domain))
		}
	}

	if cc.MaxEntrySize < 0 {
		return newFieldError("Cache.MaxEntrySize", "不能为负数")
	}

	driver, ok := cache.ResolveDriver(cc.Driver)
	if !ok {
		return newFieldError("Cache.Driver", fmt.Sprintf("未注册驱动: %s（可选 %s）", cc.Driver, strings.Join(cache.DriverKeys(), "|")))
	}
	if driver.Validate != nil {
		if err := driver.Validate(cc.DriverConfig()); err != nil {
			return newFieldError("Cache.Driver", err.Error())
		}
	}
	return nil
}

func validateManifestEntry(item string) error {
	if item == "" {
		return errors.New("含有空条目")
	}
	parsed, err := url.Parse(item)
	if err != nil {
		return fmt.Errorf("%s: %w", item, err)
	}
	if parsed.IsAbs() {
		return validateUpstream(item)
	}
	if !strings.HasPrefix(parsed.Path, "/") {
		return fmt.Errorf("%s: 相对路径必须以 / 开头", item)
	}
	return nil
}

func hostOnly(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if host, _, err := net.SplitHostPort(raw); err == nil {
		return host
	}
	return raw
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
	if strings.HasPrefix(domain, "http") {
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
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}
