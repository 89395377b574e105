// Package handler 将 HTTP 请求翻译为构建缓存查询，并负责内容协商与结构化日志。
package handler

import (
	"context"
	"errors"
	"io/fs"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/bundle-hub/bundle-hub/internal/build"
	"github.com/bundle-hub/bundle-hub/internal/cache"
	"github.com/bundle-hub/bundle-hub/internal/derived"
	"github.com/bundle-hub/bundle-hub/internal/logging"
	"github.com/bundle-hub/bundle-hub/internal/request"
	"github.com/bundle-hub/bundle-hub/internal/resource"
	"github.com/bundle-hub/bundle-hub/internal/server"
	"github.com/bundle-hub/bundle-hub/internal/transport"
)

const (
	// HeaderCacheHit 标记响应是否直接来自缓存。
	HeaderCacheHit = "X-Bundle-Hub-Cache-Hit"

	minCompressSize = 256
)

// CacheSource 提供当前生效的构建缓存容器，通常由 cachemgr.Manager 实现。
type CacheSource interface {
	Cache() *build.Cache
}

// Options 描述 Handler 的依赖。
type Options struct {
	Caches      CacheSource
	Compressor  *derived.Compressor
	Converter   *derived.Converter
	Resources   *resource.Factory
	Development bool
	Logger      *logrus.Logger
}

// Handler 实现 server.BundleHandler。
type Handler struct {
	caches     CacheSource
	compressor *derived.Compressor
	converter  *derived.Converter
	resources  *resource.Factory
	dev        bool
	logger     *logrus.Logger
}

// New 构造 Handler。
func New(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		caches:     opts.Caches,
		compressor: opts.Compressor,
		converter:  opts.Converter,
		resources:  opts.Resources,
		dev:        opts.Development,
		logger:     logger,
	}
}

// Layer 处理 GET /layer?modules=a,b。
func (h *Handler) Layer(c fiber.Ctx) error {
	started := time.Now()
	ids := transport.ModuleIDs(c)
	if len(ids) == 0 {
		return h.writeError(c, fiber.StatusBadRequest, "modules_required")
	}
	req := transport.FromFiber(c, transport.ParseOptions{Development: h.dev})
	bc := h.caches.Cache()

	r, err := bc.LayerBuild(c.Context(), ids, req).Wait(c.Context())
	if err != nil {
		h.logResult(c, "layer", build.LayerID(ids), "", ids, false, started, err)
		return h.renderBuildError(c, err)
	}
	lastModified := h.layerModified(bc, ids, req)
	id := "layer:" + build.LayerID(ids) + "|" + r.Key
	h.logResult(c, "layer", build.LayerID(ids), r.Key, ids, r.Hit, started, nil)
	return h.serve(c, r, id, lastModified, ".js", req.NoCache)
}

// Module 处理 GET /module/:id。
func (h *Handler) Module(c fiber.Ctx) error {
	started := time.Now()
	id := strings.TrimSpace(c.Params("id"))
	if id == "" {
		return h.writeError(c, fiber.StatusBadRequest, "module_id_required")
	}
	req := transport.FromFiber(c, transport.ParseOptions{Development: h.dev})
	bc := h.caches.Cache()

	mod, err := bc.Module(id)
	if err != nil {
		h.logResult(c, "module", id, "", []string{id}, false, started, err)
		return h.renderBuildError(c, err)
	}
	r, err := mod.Get(c.Context(), req).Wait(c.Context())
	if err != nil {
		h.logResult(c, "module", id, "", []string{id}, false, started, err)
		return h.renderBuildError(c, err)
	}
	_, _, lastModified, _ := mod.Key(req)
	h.logResult(c, "module", id, r.Key, []string{id}, r.Hit, started, nil)
	return h.serve(c, r, "module:"+id+"|"+r.Key, lastModified, moduleExtension(mod.Module()), req.NoCache)
}

// Resource 处理 GET /res/*：将模块目录下的 json/txt/html 文件转换为脚本模块。
func (h *Handler) Resource(c fiber.Ctx) error {
	started := time.Now()
	name := strings.TrimPrefix(path.Clean("/"+c.Params("*")), "/")
	if name == "" || name == "." {
		return h.writeError(c, fiber.StatusBadRequest, "resource_required")
	}
	if !h.converter.Supports(name) {
		c.Set(fiber.HeaderCacheControl, "no-store")
		return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
			"error":     "unsupported_conversion",
			"supported": h.converter.Extensions(),
		})
	}
	full, err := h.resources.Path(name)
	if err != nil {
		return h.writeError(c, fiber.StatusBadRequest, "invalid_resource_path")
	}
	src := resource.NewFile(full)
	lastModified, err := src.LastModified()
	if err != nil {
		h.logResult(c, "derived", name, "", nil, false, started, err)
		return h.writeError(c, fiber.StatusNotFound, "resource_not_found")
	}

	content, err := h.converter.Convert(c.Context(), "res:"+name, name, src)
	if err != nil {
		h.logResult(c, "derived", name, "", nil, false, started, err)
		if errors.Is(err, derived.ErrInvalidSource) {
			return h.writeError(c, fiber.StatusUnprocessableEntity, "invalid_resource")
		}
		return h.writeError(c, fiber.StatusInternalServerError, "conversion_failed")
	}
	h.logResult(c, "derived", name, "res:"+name, nil, false, started, nil)
	r := &build.Reader{
		Key:         "res:" + name,
		Fingerprint: cache.ModTimeFingerprint(lastModified),
		Size:        int64(len(content)),
	}
	noCache := transport.FromFiber(c, transport.ParseOptions{}).NoCache
	return h.serveBytes(c, r, content, "res:"+name, lastModified, ".js", noCache)
}

func (h *Handler) serve(c fiber.Ctx, r *build.Reader, id string, lastModified time.Time, ext string, noCache bool) error {
	content, err := r.Bytes()
	if err != nil {
		h.logger.WithError(err).WithField("cache_key", r.Key).Warn("cache_read_failed")
		return h.writeError(c, fiber.StatusInternalServerError, "cache_read_failed")
	}
	return h.serveBytes(c, r, content, id, lastModified, ext, noCache)
}

// serveBytes 写出响应。压缩结果按 r.Fingerprint 缓存，即产生该内容的源版本；
// nocache 请求不写派生缓存，直接返回原文。
func (h *Handler) serveBytes(c fiber.Ctx, r *build.Reader, content []byte, id string, lastModified time.Time, ext string, noCache bool) error {
	c.Type(strings.TrimPrefix(ext, "."))
	c.Set(HeaderCacheHit, strconv.FormatBool(r.Hit))
	c.Set(fiber.HeaderVary, fiber.HeaderAcceptEncoding)
	if r.IsError {
		c.Set(fiber.HeaderCacheControl, "no-store")
		return c.Send(content)
	}
	if !lastModified.IsZero() {
		c.Set(fiber.HeaderLastModified, lastModified.UTC().Format(time.RFC1123))
	}

	encoding := derived.Negotiate(c.Get(fiber.HeaderAcceptEncoding))
	if encoding == derived.EncodingIdentity || noCache || len(content) < minCompressSize || h.compressor == nil {
		return c.Send(content)
	}
	compressed, err := h.compressor.Compress(context.WithoutCancel(c.Context()), encoding, id, r.Fingerprint, func() ([]byte, error) {
		return content, nil
	})
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{"encoding": encoding, "id": id}).Warn("compress_failed")
		return c.Send(content)
	}
	c.Set(fiber.HeaderContentEncoding, encoding)
	return c.Send(compressed)
}

// layerModified 返回层内模块最新的源文件时间，仅用于 Last-Modified 响应头。
func (h *Handler) layerModified(bc *build.Cache, ids []string, req *request.Context) time.Time {
	var newest time.Time
	for _, id := range ids {
		mod, err := bc.Module(id)
		if err != nil {
			continue
		}
		if _, _, lm, err := mod.Key(req); err == nil && lm.After(newest) {
			newest = lm
		}
	}
	return newest
}

func (h *Handler) renderBuildError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, build.ErrModuleNotFound):
		return h.writeError(c, fiber.StatusNotFound, "module_not_found")
	case errors.Is(err, fs.ErrNotExist):
		return h.writeError(c, fiber.StatusNotFound, "module_source_missing")
	case errors.Is(err, build.ErrEmptyLayer):
		return h.writeError(c, fiber.StatusBadRequest, "modules_required")
	case errors.Is(err, build.ErrCapacityExceeded):
		return h.writeError(c, fiber.StatusServiceUnavailable, "layer_capacity_exceeded")
	case errors.Is(err, build.ErrBuildFailed):
		return h.writeError(c, fiber.StatusInternalServerError, "build_failed")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return h.writeError(c, fiber.StatusGatewayTimeout, "request_cancelled")
	case errors.Is(err, cache.ErrNotFound):
		return h.writeError(c, fiber.StatusInternalServerError, "cache_read_failed")
	default:
		return h.writeError(c, fiber.StatusInternalServerError, "internal_error")
	}
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(c fiber.Ctx, kind, id, key string, modules []string, hit bool, started time.Time, err error) {
	fields := logging.RequestFields(server.RequestID(c), c.Path(), modules, hit)
	for k, v := range logging.BuildFields(kind, id, key, hit) {
		fields[k] = v
	}
	fields["action"] = "serve"
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("serve_failed")
		return
	}
	h.logger.WithFields(fields).Info("serve_complete")
}

func moduleExtension(mod *build.Module) string {
	switch mod.Builder {
	case "js":
		return ".js"
	case "i18n":
		return ".json"
	}
	if ext := filepath.Ext(mod.Path); ext != "" {
		return ext
	}
	return ".txt"
}
