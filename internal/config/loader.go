package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/bundle-hub/bundle-hub/internal/builder"
	"github.com/bundle-hub/bundle-hub/internal/cachemgr"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Modules {
		applyModuleDefaults(&cfg.Modules[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base := filepath.Dir(path)
	cfg.Global.CacheDir = resolvePath(base, cfg.Global.CacheDir)
	cfg.Global.ModuleRoot = resolvePath(base, cfg.Global.ModuleRoot)

	if abs, err := filepath.Abs(path); err == nil {
		cfg.Path = abs
	} else {
		cfg.Path = path
	}
	if info, err := os.Stat(path); err == nil {
		cfg.ModTime = info.ModTime().UTC()
	}

	return &cfg, nil
}

// resolvePath 将相对路径解释为相对配置文件所在目录。
func resolvePath(base, p string) string {
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("ModuleRoot", ".")
	v.SetDefault("CacheDir", "./cache")
	v.SetDefault("MaxLayerEntries", 1000)
	v.SetDefault("DeleteDelay", "10m")
	v.SetDefault("SnapshotSchedule", cachemgr.DefaultSnapshotSchedule)
	v.SetDefault("BuildWorkers", 0)
	v.SetDefault("CreateWorkers", 2)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.BuildWorkers <= 0 {
		g.BuildWorkers = runtime.NumCPU()
	}
	if g.CreateWorkers <= 0 {
		g.CreateWorkers = 2
	}
	if g.DeleteDelay.DurationValue() == 0 {
		g.DeleteDelay = Duration(10 * time.Minute)
	}
	if strings.TrimSpace(g.SnapshotSchedule) == "" {
		g.SnapshotSchedule = cachemgr.DefaultSnapshotSchedule
	}
	g.CacheBust = strings.TrimSpace(g.CacheBust)
}

func applyModuleDefaults(m *ModuleConfig) {
	m.Name = strings.TrimSpace(m.Name)
	if trimmed := strings.TrimSpace(m.Builder); trimmed == "" {
		m.Builder = builder.DefaultKey()
	} else {
		m.Builder = strings.ToLower(trimmed)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
