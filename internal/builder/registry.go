package builder

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.trai.ch/zerr"

	"github.com/bundle-hub/bundle-hub/internal/build"
)

const defaultBuilderKey = "text"

// ErrUnknownBuilder 表示模块声明了未注册的构建器。
var ErrUnknownBuilder = zerr.New("unknown builder")

var globalRegistry = newRegistry()

// FeatureSource 提供模块依赖的特性名称，通常由 deps.Graph 实现。
type FeatureSource interface {
	DependentFeatures(id string) []string
}

// Settings 是构建器实例化时共享的运行参数。
type Settings struct {
	Features         FeatureSource
	CoerceUndefined  bool
	AvailableLocales []string
}

// Factory 根据运行参数创建构建器实例。
type Factory func(Settings) build.Builder

// Metadata 描述一个已注册的构建器。
type Metadata struct {
	Key         string   `json:"key"`
	Description string   `json:"description"`
	Generators  []string `json:"generators"`
	Factory     Factory  `json:"-"`
}

type registry struct {
	mu       sync.RWMutex
	builders map[string]Metadata
}

func newRegistry() *registry {
	return &registry{builders: make(map[string]Metadata)}
}

// Register 将构建器加入全局注册表，重复键会返回错误。
func Register(meta Metadata) error {
	return globalRegistry.register(meta)
}

// MustRegister 在注册失败时 panic，适合构建器 init() 中调用。
func MustRegister(meta Metadata) {
	if err := Register(meta); err != nil {
		panic(err)
	}
}

// Resolve 返回指定键的构建器元数据，空键回退到默认构建器。
func Resolve(key string) (Metadata, bool) {
	return globalRegistry.resolve(key)
}

// List 返回按键排序的构建器元数据列表。
func List() []Metadata {
	return globalRegistry.list()
}

// Keys 返回所有已注册构建器的键值。
func Keys() []string {
	items := List()
	result := make([]string, len(items))
	for i, meta := range items {
		result[i] = meta.Key
	}
	return result
}

// DefaultKey 返回未声明 Builder 的模块使用的构建器键。
func DefaultKey() string {
	return defaultBuilderKey
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (r *registry) register(meta Metadata) error {
	key := normalizeKey(meta.Key)
	if key == "" {
		return fmt.Errorf("builder key is required")
	}
	if meta.Factory == nil {
		return fmt.Errorf("builder %s has no factory", key)
	}
	meta.Key = key

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.builders[key]; exists {
		return fmt.Errorf("builder %s already registered", key)
	}
	r.builders[key] = meta
	return nil
}

func (r *registry) resolve(key string) (Metadata, bool) {
	normalized := normalizeKey(key)
	if normalized == "" {
		normalized = defaultBuilderKey
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	meta, ok := r.builders[normalized]
	return meta, ok
}

func (r *registry) list() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.builders) == 0 {
		return nil
	}

	keys := make([]string, 0, len(r.builders))
	for key := range r.builders {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]Metadata, 0, len(keys))
	for _, key := range keys {
		result = append(result, r.builders[key])
	}
	return result
}

// Resolver 实现 build.BuilderResolver，同一键的构建器只创建一次。
type Resolver struct {
	settings Settings
	reg      *registry

	mu        sync.Mutex
	instances map[string]build.Builder
}

// NewResolver 基于全局注册表创建解析器。
func NewResolver(settings Settings) *Resolver {
	return &Resolver{
		settings:  settings,
		reg:       globalRegistry,
		instances: make(map[string]build.Builder),
	}
}

func (r *Resolver) Builder(mod *build.Module) (build.Builder, error) {
	meta, ok := r.reg.resolve(mod.Builder)
	if !ok {
		return nil, zerr.Wrap(ErrUnknownBuilder, fmt.Sprintf("module %s builder %q", mod.ID, mod.Builder))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.instances[meta.Key]; ok {
		return b, nil
	}
	b := meta.Factory(r.settings)
	r.instances[meta.Key] = b
	return b, nil
}
