package builder

import (
	"io"

	"go.trai.ch/zerr"

	"github.com/bundle-hub/bundle-hub/internal/build"
)

// ReadSource 读取模块源文件全部内容。
func ReadSource(res build.Resource) ([]byte, error) {
	rc, err := res.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, zerr.Wrap(err, "read "+res.URI())
	}
	return data, nil
}
