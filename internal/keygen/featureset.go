package keygen

import (
	"sort"
	"strings"

	"github.com/bundle-hub/bundle-hub/internal/request"
)

const featureEyecatcher = "has"

// FeatureSet 将请求的完整特性表投影到模块声明依赖的特性上，渲染为 has{a,!b}。
type FeatureSet struct {
	features    []string
	provisional bool
	coerce      bool
}

// NewFeatureSet 构造特性集合生成器。coerceUndefined 为 true 时，请求中缺失的特性按 false 处理。
func NewFeatureSet(features []string, provisional, coerceUndefined bool) *FeatureSet {
	return &FeatureSet{
		features:    normalizeNames(features),
		provisional: provisional,
		coerce:      coerceUndefined,
	}
}

// Features returns a copy of the dependent feature names in sorted order.
func (g *FeatureSet) Features() []string {
	return append([]string(nil), g.features...)
}

func (g *FeatureSet) Key(req *request.Context) string {
	var b strings.Builder
	b.WriteString(featureEyecatcher)
	b.WriteByte('{')
	first := true
	for _, name := range g.features {
		value, ok := req.Feature(name)
		if !ok {
			if !g.coerce {
				continue
			}
			value = false
		}
		if !first {
			b.WriteByte(',')
		}
		first = false
		if !value {
			b.WriteByte('!')
		}
		b.WriteString(name)
	}
	b.WriteByte('}')
	return b.String()
}

func (g *FeatureSet) Combine(other Generator) Generator {
	if other == nil {
		return g
	}
	o := mustSameType(g, other)
	if o == g {
		return g
	}
	switch {
	case g.provisional && o.provisional:
		panicBothProvisional(g)
	case g.provisional:
		return o
	case o.provisional:
		return g
	}
	if containsAll(g.features, o.features) {
		return g
	}
	merged := append(append([]string(nil), g.features...), o.features...)
	return &FeatureSet{
		features: normalizeNames(merged),
		coerce:   g.coerce,
	}
}

func (g *FeatureSet) Provisional() bool {
	return g.provisional
}

func (g *FeatureSet) Constituents(*request.Context) []Generator {
	return []Generator{g}
}

func (g *FeatureSet) String() string {
	var b strings.Builder
	b.WriteString("FeatureSet")
	if g.provisional {
		b.WriteString("(provisional)")
	}
	b.WriteString("[")
	b.WriteString(strings.Join(g.features, ","))
	b.WriteString("]")
	return b.String()
}

func (g *FeatureSet) record() (Record, error) {
	return Record{
		Kind:        KindFeatureSet,
		Provisional: g.provisional,
		Coerce:      g.coerce,
		Features:    g.Features(),
	}, nil
}

// normalizeNames 去空、去重并排序，保证插入顺序不影响键。
func normalizeNames(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// containsAll reports whether sorted set a contains every element of sorted set b.
func containsAll(a, b []string) bool {
	i := 0
	for _, want := range b {
		for i < len(a) && a[i] < want {
			i++
		}
		if i == len(a) || a[i] != want {
			return false
		}
	}
	return true
}
