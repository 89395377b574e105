package routes

import (
	"bytes"
	"io"
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/bundle-hub/bundle-hub/internal/server"
)

// CacheAdmin 是缓存管理器对诊断接口暴露的能力。
type CacheAdmin interface {
	Dump(w io.Writer, filter *regexp.Regexp) error
	Reset() error
}

// RegisterCacheRoutes 暴露 /-/cache 转储与 /-/cache/clear 全量清空。
func RegisterCacheRoutes(app *fiber.App, admin CacheAdmin, logger *logrus.Logger) {
	if app == nil || admin == nil {
		return
	}

	app.Get("/-/cache", func(c fiber.Ctx) error {
		var filter *regexp.Regexp
		if raw := strings.TrimSpace(c.Query("filter")); raw != "" {
			re, err := regexp.Compile(raw)
			if err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_filter"})
			}
			filter = re
		}
		var buf bytes.Buffer
		if err := admin.Dump(&buf, filter); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "dump_failed"})
		}
		c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
		return c.Send(buf.Bytes())
	})

	app.Post("/-/cache/clear", func(c fiber.Ctx) error {
		fields := logrus.Fields{
			"action":     "cache_clear",
			"request_id": server.RequestID(c),
		}
		if err := admin.Reset(); err != nil {
			if logger != nil {
				logger.WithFields(fields).WithError(err).Error("cache_clear_failed")
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "clear_failed"})
		}
		if logger != nil {
			logger.WithFields(fields).Info("cache_clear_requested")
		}
		return c.JSON(fiber.Map{"cleared": true})
	})
}
