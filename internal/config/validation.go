package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bundle-hub/bundle-hub/internal/builder"
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
	if strings.TrimSpace(g.CacheDir) == "" {
		return newFieldError("Global.CacheDir", "不能为空")
	}
	if g.MaxLayerEntries < 0 {
		return newFieldError("Global.MaxLayerEntries", "不能为负数")
	}
	if g.DeleteDelay.DurationValue() < 0 {
		return newFieldError("Global.DeleteDelay", "不能为负数")
	}
	if len(strings.Fields(g.SnapshotSchedule)) != 5 {
		return newFieldError("Global.SnapshotSchedule", "必须是 5 段 crontab 表达式")
	}
	for key := range g.Options {
		if strings.TrimSpace(key) == "" {
			return newFieldError("Global.Options", "键不能为空")
		}
	}

	if len(c.Modules) == 0 {
		return errors.New("至少需要配置一个 Module")
	}

	seenNames := map[string]struct{}{}
	for i := range c.Modules {
		mod := &c.Modules[i]
		if mod.Name == "" {
			return newFieldError("Module[].Name", "不能为空")
		}
		if strings.ContainsAny(mod.Name, ", ") {
			return newFieldError(moduleField(mod.Name, "Name"), "不允许包含逗号或空格")
		}
		if _, exists := seenNames[mod.Name]; exists {
			return newFieldError(moduleField(mod.Name, "Name"), "重复")
		}
		seenNames[mod.Name] = struct{}{}

		if strings.TrimSpace(mod.Path) == "" {
			return newFieldError(moduleField(mod.Name, "Path"), "不能为空")
		}
		if _, ok := builder.Resolve(mod.Builder); !ok {
			return newFieldError(moduleField(mod.Name, "Builder"), fmt.Sprintf("未注册构建器: %s，可选 %s", mod.Builder, strings.Join(builder.Keys(), "|")))
		}
	}

	for _, mod := range c.Modules {
		for _, dep := range mod.Requires {
			if _, ok := seenNames[dep]; !ok {
				return newFieldError(moduleField(mod.Name, "Requires"), fmt.Sprintf("未声明的模块: %s", dep))
			}
		}
	}

	return nil
}
