package keygen

import (
	"sort"
	"strings"

	"github.com/bundle-hub/bundle-hub/internal/request"
)

const (
	localeEyecatcher = "loc:"
	localeWildcard   = "*"
)

// LocaleSet 根据可用语言集合对请求语言做渐进回退：lang-COUNTRY-VARIANT → lang-COUNTRY → lang。
// available 为 nil 表示不受限，直接使用请求语言。
type LocaleSet struct {
	available   map[string]struct{}
	sorted      []string
	provisional bool
}

// NewLocaleSet 构造语言集合生成器；传入 nil 表示不限制可用语言。
func NewLocaleSet(available []string, provisional bool) *LocaleSet {
	g := &LocaleSet{provisional: provisional}
	if available == nil {
		return g
	}
	g.available = make(map[string]struct{}, len(available))
	for _, raw := range available {
		if loc := normalizeLocale(raw); loc != "" {
			g.available[loc] = struct{}{}
		}
	}
	g.sorted = make([]string, 0, len(g.available))
	for loc := range g.available {
		g.sorted = append(g.sorted, loc)
	}
	sort.Strings(g.sorted)
	return g
}

// Unrestricted reports whether the generator accepts any requested locale.
func (g *LocaleSet) Unrestricted() bool {
	return g.available == nil
}

// Available returns the normalised available locales in sorted order.
func (g *LocaleSet) Available() []string {
	return append([]string(nil), g.sorted...)
}

// Resolve 返回按请求顺序解析后的语言列表，遇到 "*" 时直接返回 ["*"]。
func (g *LocaleSet) Resolve(req *request.Context) []string {
	if req == nil || len(req.Locales) == 0 {
		return nil
	}
	for _, raw := range req.Locales {
		if strings.TrimSpace(raw) == localeWildcard {
			return []string{localeWildcard}
		}
	}

	seen := make(map[string]struct{}, len(req.Locales))
	out := make([]string, 0, len(req.Locales))
	for _, raw := range req.Locales {
		loc := normalizeLocale(raw)
		if loc == "" {
			continue
		}
		match := g.match(loc)
		if match == "" {
			continue
		}
		if _, dup := seen[match]; dup {
			continue
		}
		seen[match] = struct{}{}
		out = append(out, match)
	}
	return out
}

func (g *LocaleSet) match(loc string) string {
	if g.Unrestricted() {
		return loc
	}
	for _, candidate := range localeFallbacks(loc) {
		if _, ok := g.available[candidate]; ok {
			return candidate
		}
	}
	return ""
}

func (g *LocaleSet) Key(req *request.Context) string {
	return localeEyecatcher + strings.Join(g.Resolve(req), ",")
}

func (g *LocaleSet) Combine(other Generator) Generator {
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
	if g.Unrestricted() {
		return g
	}
	if o.Unrestricted() {
		return o
	}
	if containsAll(g.sorted, o.sorted) {
		return g
	}
	return NewLocaleSet(append(g.Available(), o.sorted...), false)
}

func (g *LocaleSet) Provisional() bool {
	return g.provisional
}

func (g *LocaleSet) Constituents(*request.Context) []Generator {
	return []Generator{g}
}

func (g *LocaleSet) String() string {
	state := ""
	if g.provisional {
		state = "(provisional)"
	}
	if g.Unrestricted() {
		return "LocaleSet" + state + "[*]"
	}
	return "LocaleSet" + state + "[" + strings.Join(g.sorted, ",") + "]"
}

func (g *LocaleSet) record() (Record, error) {
	return Record{
		Kind:         KindLocaleSet,
		Provisional:  g.provisional,
		Locales:      g.Available(),
		Unrestricted: g.Unrestricted(),
	}, nil
}

// normalizeLocale 统一小写并将 "_" 视为 "-"。
func normalizeLocale(raw string) string {
	loc := strings.ToLower(strings.TrimSpace(raw))
	return strings.ReplaceAll(loc, "_", "-")
}

func localeFallbacks(loc string) []string {
	parts := strings.Split(loc, "-")
	out := []string{loc}
	if len(parts) > 2 {
		out = append(out, parts[0]+"-"+parts[1])
	}
	if len(parts) > 1 {
		out = append(out, parts[0])
	}
	return out
}
