package routes

import (
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/bundle-hub/bundle-hub/internal/builder"
	"github.com/bundle-hub/bundle-hub/internal/server"
)

// RegistrySource 返回当前生效的模块表；配置重新加载后返回新表。
type RegistrySource func() *server.ModuleRegistry

// RegisterBuilderRoutes 暴露 /-/builders 诊断接口，查询构建器与模块绑定关系。
func RegisterBuilderRoutes(app *fiber.App, registry RegistrySource) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/builders", func(c fiber.Ctx) error {
		payload := fiber.Map{
			"builders": encodeBuilders(builder.List()),
			"modules":  encodeModuleBindings(registry().List()),
		}
		return c.JSON(payload)
	})

	app.Get("/-/builders/:key", func(c fiber.Ctx) error {
		key := strings.ToLower(strings.TrimSpace(c.Params("key")))
		if key == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "builder_key_required"})
		}
		meta, ok := builder.Resolve(key)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "builder_not_found"})
		}
		return c.JSON(encodeBuilder(meta))
	})
}

type builderPayload struct {
	Key         string   `json:"key"`
	Description string   `json:"description"`
	Generators  []string `json:"generators"`
}

type moduleBindingPayload struct {
	Module   string   `json:"module"`
	Builder  string   `json:"builder"`
	Path     string   `json:"path"`
	Features []string `json:"features"`
	Requires []string `json:"requires,omitempty"`
}

func encodeBuilders(items []builder.Metadata) []builderPayload {
	if len(items) == 0 {
		return nil
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Key < items[j].Key
	})
	result := make([]builderPayload, 0, len(items))
	for _, meta := range items {
		result = append(result, encodeBuilder(meta))
	}
	return result
}

func encodeBuilder(meta builder.Metadata) builderPayload {
	gens := append([]string(nil), meta.Generators...)
	if gens == nil {
		gens = []string{}
	}
	return builderPayload{
		Key:         meta.Key,
		Description: meta.Description,
		Generators:  gens,
	}
}

func encodeModuleBindings(routes []server.ModuleRoute) []moduleBindingPayload {
	if len(routes) == 0 {
		return nil
	}
	result := make([]moduleBindingPayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, moduleBindingPayload{
			Module:   route.Config.Name,
			Builder:  route.Builder.Key,
			Path:     route.Config.Path,
			Features: append([]string{}, route.Features...),
			Requires: append([]string(nil), route.Config.Requires...),
		})
	}
	return result
}
