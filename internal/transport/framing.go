package transport

import (
	"fmt"
	"strings"

	"github.com/bundle-hub/bundle-hub/internal/request"
)

const frameVersion = "frame:1"

// Framing 是脚本层的默认分帧：层头部列出模块，每个模块前加注释头。
// 带 expn 的请求中模块已自带名称，省略模块注释头。
type Framing struct{}

func (Framing) KeyFragment(req *request.Context) string {
	if req != nil && req.ExportNames {
		return frameVersion + ",named"
	}
	return frameVersion
}

func (Framing) LayerPrologue(_ *request.Context, ids []string) []byte {
	return []byte(fmt.Sprintf("/* bundle-hub layer: %s */\n", strings.Join(ids, ",")))
}

func (Framing) LayerEpilogue(*request.Context) []byte {
	return nil
}

func (Framing) ModuleFraming(id string, req *request.Context) (prefix, suffix []byte) {
	if req != nil && req.ExportNames {
		return nil, []byte("\n")
	}
	return []byte(fmt.Sprintf("/* module: %s */\n", id)), []byte("\n")
}
