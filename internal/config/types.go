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

// GlobalConfig 描述全局运行时行为与缓存引擎参数。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	ModuleRoot       string   `mapstructure:"ModuleRoot"`
	CacheDir         string   `mapstructure:"CacheDir"`
	MaxLayerEntries  int      `mapstructure:"MaxLayerEntries"`
	DeleteDelay      Duration `mapstructure:"DeleteDelay"`
	SnapshotSchedule string   `mapstructure:"SnapshotSchedule"`
	BuildWorkers     int      `mapstructure:"BuildWorkers"`
	CreateWorkers    int      `mapstructure:"CreateWorkers"`

	DevelopmentMode        bool              `mapstructure:"DevelopmentMode"`
	CoerceUndefinedToFalse bool              `mapstructure:"CoerceUndefinedToFalse"`
	CacheBust              string            `mapstructure:"CacheBust"`
	Options                map[string]string `mapstructure:"Options"`
	AvailableLocales       []string          `mapstructure:"AvailableLocales"`
}

// ModuleConfig 对应一个 [[Module]] 表。
type ModuleConfig struct {
	Name     string   `mapstructure:"Name"`
	Path     string   `mapstructure:"Path"`
	Builder  string   `mapstructure:"Builder"`
	Features []string `mapstructure:"Features"`
	Locales  []string `mapstructure:"Locales"`
	Requires []string `mapstructure:"Requires"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Modules []ModuleConfig `mapstructure:"Module"`

	// Path 与 ModTime 记录配置来源，用于依赖图时间戳与重新加载。
	Path    string    `mapstructure:"-"`
	ModTime time.Time `mapstructure:"-"`
}

// ModuleNames 返回按声明顺序排列的模块名称，供日志字段使用。
func (c *Config) ModuleNames() []string {
	if c == nil || len(c.Modules) == 0 {
		return nil
	}
	names := make([]string, len(c.Modules))
	for i, mod := range c.Modules {
		names[i] = mod.Name
	}
	return names
}
