package routes

import (
	"context"

	"github.com/gofiber/fiber/v3"

	"github.com/atlas-ai/atlas-cache/internal/server"
	"github.com/atlas-ai/atlas-cache/internal/worker"
)

// StatusSource 提供 worker 生命周期与分区信息，*worker.Worker 即满足该接口。
type StatusSource interface {
	Status() worker.Status
	Partitions(ctx context.Context) ([]worker.PartitionInfo, error)
}

// RegisterStatusRoutes 暴露 /-/status 诊断接口，供运维确认当前版本分区与 Host 映射。
func RegisterStatusRoutes(app *fiber.App, registry *server.TargetRegistry, source StatusSource) {
	if app == nil || registry == nil || source == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		partitions, err := source.Partitions(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "partitions_unavailable",
			})
		}
		return c.JSON(statusPayload{
			Worker:     source.Status(),
			Partitions: partitions,
			Targets:    encodeTargets(registry.List()),
		})
	})

	app.Get("/-/status/partitions", func(c fiber.Ctx) error {
		partitions, err := source.Partitions(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "partitions_unavailable",
			})
		}
		return c.JSON(fiber.Map{"partitions": partitions})
	})
}

type statusPayload struct {
	Worker     worker.Status          `json:"worker"`
	Partitions []worker.PartitionInfo `json:"partitions"`
	Targets    []targetPayload        `json:"targets"`
}

type targetPayload struct {
	Host     string `json:"host"`
	Kind     string `json:"kind"`
	Upstream string `json:"upstream"`
	Port     int    `json:"port"`
}

func encodeTargets(targets []server.Target) []targetPayload {
	if len(targets) == 0 {
		return nil
	}
	result := make([]targetPayload, 0, len(targets))
	for _, target := range targets {
		result = append(result, targetPayload{
			Host:     target.Host,
			Kind:     string(target.Kind),
			Upstream: target.BaseURL.String(),
			Port:     target.ListenPort,
		})
	}
	return result
}
