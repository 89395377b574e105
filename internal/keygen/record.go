package keygen

import (
	"fmt"

	"go.trai.ch/zerr"
)

// Record kinds.
const (
	KindFeatureSet  = "has"
	KindExportNames = "expn"
	KindLocaleSet   = "loc"
	KindComposite   = "composite"
)

var (
	// ErrUnknownKind is returned when decoding a record with an unsupported kind.
	ErrUnknownKind = zerr.New("unknown key generator kind")
	// ErrNotEncodable is returned for generators defined outside this package.
	ErrNotEncodable = zerr.New("key generator is not encodable")
)

// Record 是生成器的带标签序列化形式，用于元数据快照。Kind 作为判别字段。
type Record struct {
	Kind         string   `json:"kind"`
	Provisional  bool     `json:"provisional,omitempty"`
	Coerce       bool     `json:"coerce,omitempty"`
	Features     []string `json:"features,omitempty"`
	Locales      []string `json:"locales,omitempty"`
	Unrestricted bool     `json:"unrestricted,omitempty"`
	Eyecatcher   string   `json:"eyecatcher,omitempty"`
	Members      []Record `json:"members,omitempty"`
}

type recorder interface {
	record() (Record, error)
}

// Encode 将生成器转换为快照记录。
func Encode(g Generator) (Record, error) {
	r, ok := g.(recorder)
	if !ok {
		return Record{}, zerr.Wrap(ErrNotEncodable, fmt.Sprintf("encode %T", g))
	}
	return r.record()
}

// EncodeList encodes every element of the list, preserving order.
func EncodeList(l List) ([]Record, error) {
	if l == nil {
		return nil, nil
	}
	out := make([]Record, len(l))
	for i, g := range l {
		rec, err := Encode(g)
		if err != nil {
			return nil, err
		}
		out[i] = rec
	}
	return out, nil
}

// Decode 根据 Kind 还原生成器。ExportNames 还原为共享实例。
func Decode(rec Record) (Generator, error) {
	switch rec.Kind {
	case KindFeatureSet:
		return NewFeatureSet(rec.Features, rec.Provisional, rec.Coerce), nil
	case KindExportNames:
		return NewExportNames(), nil
	case KindLocaleSet:
		if rec.Unrestricted {
			return NewLocaleSet(nil, rec.Provisional), nil
		}
		locales := rec.Locales
		if locales == nil {
			locales = []string{}
		}
		return NewLocaleSet(locales, rec.Provisional), nil
	case KindComposite:
		members, err := DecodeList(rec.Members)
		if err != nil {
			return nil, err
		}
		return NewComposite(rec.Eyecatcher, members...), nil
	default:
		return nil, zerr.Wrap(ErrUnknownKind, fmt.Sprintf("decode kind %q", rec.Kind))
	}
}

// DecodeList decodes records into a generator list.
func DecodeList(recs []Record) (List, error) {
	if recs == nil {
		return nil, nil
	}
	out := make(List, len(recs))
	for i, rec := range recs {
		g, err := Decode(rec)
		if err != nil {
			return nil, err
		}
		out[i] = g
	}
	return out, nil
}
