package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.ListenPort != 5100 {
		t.Fatalf("ListenPort 应当被解析, got %d", cfg.Global.ListenPort)
	}
	if cfg.Global.DeleteDelay.DurationValue() != 30*time.Second {
		t.Fatalf("DeleteDelay 解析错误: %v", cfg.Global.DeleteDelay.DurationValue())
	}
	if cfg.Global.BuildWorkers <= 0 || cfg.Global.CreateWorkers <= 0 {
		t.Fatalf("worker 数量应该自动填充默认值")
	}
	if cfg.Global.SnapshotSchedule == "" {
		t.Fatalf("SnapshotSchedule 应该自动填充默认值")
	}
	wantCache, _ := filepath.Abs(filepath.Join("testdata", "cache"))
	if cfg.Global.CacheDir != wantCache {
		t.Fatalf("CacheDir 应相对配置文件解析: %s", cfg.Global.CacheDir)
	}
	if cfg.Global.Options["minify"] != "true" {
		t.Fatalf("Options 未解析: %v", cfg.Global.Options)
	}
	if cfg.Modules[0].Builder != "js" {
		t.Fatalf("Builder 应该被规范为小写: %s", cfg.Modules[0].Builder)
	}
	if cfg.Modules[3].Builder != "text" {
		t.Fatalf("未声明 Builder 时应使用默认构建器: %s", cfg.Modules[3].Builder)
	}
	if cfg.ModTime.IsZero() || cfg.Path == "" {
		t.Fatalf("应记录配置来源")
	}
}

func TestValidateRejectsBadModule(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestModuleValidation(t *testing.T) {
	testCases := []struct {
		name      string
		mutate    func(*ModuleConfig)
		shouldErr bool
	}{
		{"js ok", func(m *ModuleConfig) { m.Builder = "js" }, false},
		{"i18n ok", func(m *ModuleConfig) { m.Builder = "i18n" }, false},
		{"unknown builder", func(m *ModuleConfig) { m.Builder = "sass" }, true},
		{"comma in name", func(m *ModuleConfig) { m.Name = "a,b" }, true},
		{"missing path", func(m *ModuleConfig) { m.Path = "" }, true},
		{"unknown dependency", func(m *ModuleConfig) { m.Requires = []string{"ghost"} }, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg.Modules[0])
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for %s: %v", tc.name, err)
			}
		})
	}
}

func TestValidateRejectsDuplicateNames(t *testing.T) {
	cfg := validConfig()
	cfg.Modules = append(cfg.Modules, cfg.Modules[0])
	err := cfg.Validate()
	fieldErr, ok := err.(FieldError)
	if !ok {
		t.Fatalf("重复模块名应返回 FieldError, got %v", err)
	}
	if fieldErr.Field != "Module[app].Name" {
		t.Fatalf("字段路径错误: %s", fieldErr.Field)
	}
}

func TestValidateSnapshotSchedule(t *testing.T) {
	cfg := validConfig()
	cfg.Global.SnapshotSchedule = "every ten minutes"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("非法 crontab 表达式应报错")
	}
}

func TestRuntimeConversion(t *testing.T) {
	cfg, err := Load(testConfigPath(t, "valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}

	mods := cfg.BuildModules()
	if len(mods) != 4 || mods[0].ID != "app" || mods[0].Builder != "js" {
		t.Fatalf("模块转换错误: %+v", mods[0])
	}

	graph, err := cfg.DependencyGraph()
	if err != nil {
		t.Fatalf("DependencyGraph 返回错误: %v", err)
	}
	features := graph.DependentFeatures("app")
	if len(features) != 2 || features[0] != "ie" || features[1] != "touch" {
		t.Fatalf("依赖特性应包含传递依赖: %v", features)
	}

	settings := cfg.BuilderSettings(graph)
	if len(settings.AvailableLocales) != 2 {
		t.Fatalf("AvailableLocales 未传递: %v", settings.AvailableLocales)
	}

	fp1 := cfg.Fingerprints([]byte("a"), graph)
	fp2 := cfg.Fingerprints([]byte("b"), graph)
	if fp1 == fp2 {
		t.Fatalf("配置内容变化应改变指纹")
	}
	if opts := cfg.ManagerOptions(); opts.Dir != cfg.Global.CacheDir || opts.DeleteDelay != 30*time.Second {
		t.Fatalf("ManagerOptions 错误: %+v", opts)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:       5000,
			CacheDir:         "./cache",
			MaxLayerEntries:  10,
			DeleteDelay:      Duration(time.Minute),
			SnapshotSchedule: "*/10 * * * *",
		},
		Modules: []ModuleConfig{
			{
				Name:    "app",
				Path:    "app.js",
				Builder: "text",
			},
		},
	}
}
