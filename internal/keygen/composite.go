package keygen

import (
	"fmt"

	"github.com/bundle-hub/bundle-hub/internal/request"
)

// Composite 是基于集合的通用生成器，将成员生成器的键包裹在 eyecatcher 中。
type Composite struct {
	eyecatcher string
	members    List
}

// NewComposite 构造组合生成器，eyecatcher 用于诊断时识别来源。
func NewComposite(eyecatcher string, members ...Generator) *Composite {
	return &Composite{
		eyecatcher: eyecatcher,
		members:    append(List(nil), members...),
	}
}

func (g *Composite) Key(req *request.Context) string {
	inner := g.members.Key(req)
	if inner == "" {
		return ""
	}
	return g.eyecatcher + ":(" + inner + ")"
}

func (g *Composite) Combine(other Generator) Generator {
	if other == nil {
		return g
	}
	o := mustSameType(g, other)
	if o == g {
		return g
	}
	if o.eyecatcher != g.eyecatcher || len(o.members) != len(g.members) {
		panic(fmt.Sprintf("keygen: cannot combine %s with %s", g, o))
	}
	merged := CombineLists(g.members, o.members)
	if merged.Same(g.members) {
		return g
	}
	return &Composite{eyecatcher: g.eyecatcher, members: merged}
}

func (g *Composite) Provisional() bool {
	return g.members.Provisional()
}

// Constituents 递归展开成员，结果中不再包含组合生成器。
func (g *Composite) Constituents(req *request.Context) []Generator {
	return Constituents(g.members, req)
}

func (g *Composite) String() string {
	return g.eyecatcher + g.members.String()
}

func (g *Composite) record() (Record, error) {
	members, err := EncodeList(g.members)
	if err != nil {
		return Record{}, err
	}
	return Record{
		Kind:       KindComposite,
		Eyecatcher: g.eyecatcher,
		Members:    members,
	}, nil
}
