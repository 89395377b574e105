package keygen

import "github.com/bundle-hub/bundle-hub/internal/request"

// ExportNames 区分是否需要在构建结果中导出模块名。无状态，全局共享一个实例。
type ExportNames struct{}

var exportNames = &ExportNames{}

// NewExportNames returns the shared export-names generator.
func NewExportNames() *ExportNames {
	return exportNames
}

func (g *ExportNames) Key(req *request.Context) string {
	if req != nil && req.ExportNames {
		return "expn:1"
	}
	return "expn:0"
}

func (g *ExportNames) Combine(other Generator) Generator {
	if other == nil {
		return g
	}
	mustSameType(g, other)
	return g
}

func (g *ExportNames) Provisional() bool { return false }

func (g *ExportNames) Constituents(*request.Context) []Generator {
	return []Generator{g}
}

func (g *ExportNames) String() string { return "ExportNames" }

func (g *ExportNames) record() (Record, error) {
	return Record{Kind: KindExportNames}, nil
}
