// Package derived caches content derived from a source resource: compressed
// encodings and format conversions. Both are keyed by a logical id and
// fingerprinted by the source's modification time.
package derived

import (
	"bytes"
	"context"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.trai.ch/zerr"

	"github.com/bundle-hub/bundle-hub/internal/cache"
)

// 支持的内容编码。
const (
	EncodingGzip     = "gzip"
	EncodingZstd     = "zstd"
	EncodingIdentity = "identity"
)

// ErrUnsupportedEncoding is returned for encodings other than gzip and zstd.
var ErrUnsupportedEncoding = zerr.New("unsupported content encoding")

// Compressor 为每种编码维护一个派生缓存，同一 id + 源时间戳只压缩一次。
type Compressor struct {
	resources map[string]*cache.Resource
	encoder   *zstd.Encoder
}

// NewCompressor 接收 gzip 与 zstd 两个派生缓存。
func NewCompressor(gz, zs *cache.Resource) (*Compressor, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, zerr.Wrap(err, "create zstd encoder")
	}
	return &Compressor{
		resources: map[string]*cache.Resource{
			EncodingGzip: gz,
			EncodingZstd: zs,
		},
		encoder: encoder,
	}, nil
}

// Compress 返回 source 在 encoding 下的压缩结果。fingerprint 标识源内容的版本，
// source 仅在未命中时被调用。
func (c *Compressor) Compress(ctx context.Context, encoding, id, fingerprint string, source func() ([]byte, error)) ([]byte, error) {
	res, ok := c.resources[encoding]
	if !ok || res == nil {
		return nil, zerr.Wrap(ErrUnsupportedEncoding, encoding)
	}
	return res.Fetch(ctx, encoding+":"+id, fingerprint, func(context.Context) ([]byte, error) {
		data, err := source()
		if err != nil {
			return nil, err
		}
		return c.encode(encoding, data)
	})
}

func (c *Compressor) encode(encoding string, data []byte) ([]byte, error) {
	switch encoding {
	case EncodingZstd:
		return c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	case EncodingGzip:
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, zerr.Wrap(ErrUnsupportedEncoding, encoding)
	}
}

// Negotiate 根据 Accept-Encoding 选择编码，优先 zstd，其次 gzip；q=0 表示拒绝。
func Negotiate(acceptEncoding string) string {
	best, bestQ := EncodingIdentity, 0.0
	for _, part := range strings.Split(acceptEncoding, ",") {
		name, q := parseCoding(part)
		if q <= 0 {
			continue
		}
		if name != EncodingZstd && name != EncodingGzip {
			continue
		}
		if q > bestQ || (q == bestQ && name == EncodingZstd) {
			best, bestQ = name, q
		}
	}
	return best
}

func parseCoding(part string) (string, float64) {
	fields := strings.Split(part, ";")
	name := strings.ToLower(strings.TrimSpace(fields[0]))
	q := 1.0
	for _, param := range fields[1:] {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || strings.TrimSpace(key) != "q" {
			continue
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return name, 0
		}
		q = parsed
	}
	return name, q
}
