package cachemgr

import (
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Fingerprints 是决定缓存是否仍然有效的全局指纹。任一字段变化都会触发全量清空。
type Fingerprints struct {
	Config    uint64 `json:"config"`
	DepGraph  int64  `json:"dep_graph"`
	Options   uint64 `json:"options"`
	CacheBust string `json:"cache_bust"`
}

// ComputeFingerprints 由原始配置字节、依赖图时间戳、选项集合与 cache-bust 令牌计算指纹。
func ComputeFingerprints(rawConfig []byte, depGraph time.Time, options map[string]string, cacheBust string) Fingerprints {
	return Fingerprints{
		Config:    xxhash.Sum64(rawConfig),
		DepGraph:  depGraph.UnixNano(),
		Options:   OptionsSignature(options),
		CacheBust: cacheBust,
	}
}

// OptionsSignature 对选项按键排序后求摘要，插入顺序不影响结果。
func OptionsSignature(options map[string]string) uint64 {
	keys := make([]string, 0, len(options))
	for key := range options {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	digest := xxhash.New()
	for _, key := range keys {
		_, _ = digest.WriteString(key)
		_, _ = digest.WriteString("=")
		_, _ = digest.WriteString(options[key])
		_, _ = digest.WriteString("\n")
	}
	return digest.Sum64()
}
