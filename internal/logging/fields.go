package logging

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供请求 ID、路由与模块列表字段，供 HTTP 请求日志复用。
func RequestFields(requestID, route string, modules []string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"request_id": requestID,
		"route":      route,
		"modules":    strings.Join(modules, ","),
		"cache_hit":  cacheHit,
	}
}

// BuildFields 描述一次缓存查找：kind 为 module/layer/derived，id 为模块或层标识。
func BuildFields(kind, id, key string, hit bool) logrus.Fields {
	return logrus.Fields{
		"kind":      kind,
		"id":        id,
		"cache_key": key,
		"cache_hit": hit,
	}
}

// Component 返回带 component 字段的子 logger。
func Component(logger logrus.FieldLogger, name string) *logrus.Entry {
	return logger.WithField("component", name)
}
