package routes

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/sirupsen/logrus"

	"github.com/issue-hub/issue-hub/internal/agent"
	"github.com/issue-hub/issue-hub/internal/cache"
	"github.com/issue-hub/issue-hub/internal/connectivity"
	"github.com/issue-hub/issue-hub/internal/logging"
	"github.com/issue-hub/issue-hub/internal/metrics"
	"github.com/issue-hub/issue-hub/internal/queue"
	"github.com/issue-hub/issue-hub/internal/server"
	"github.com/issue-hub/issue-hub/internal/syncloop"
)

// ControlDeps 是 /-/ 诊断与控制接口依赖的组件。
type ControlDeps struct {
	Registry *server.OriginRegistry
	Queue    *queue.Store
	Loop     *syncloop.Loop
	Monitor  *connectivity.Monitor
	Logger   *logrus.Logger
}

// RegisterControlRoutes 暴露 /-/status、/-/queue、/-/submissions、/-/sync、/-/connectivity、
// /-/origins/:name/generation 与 /-/metrics。
func RegisterControlRoutes(app *fiber.App, deps ControlDeps) {
	if app == nil || deps.Registry == nil || deps.Queue == nil || deps.Loop == nil || deps.Monitor == nil {
		return
	}
	h := &controlHandlers{deps: deps, logger: logging.Component(deps.Logger, "control")}

	app.Get("/-/status", h.status)
	app.Get("/-/metrics", adaptor.HTTPHandler(metrics.Handler()))

	app.Get("/-/queue", h.listQueue)
	app.Post("/-/queue/requeue", h.requeueParked)
	app.Post("/-/queue/:id/requeue", h.requeueOne)

	app.Post("/-/submissions", h.submit)
	app.Post("/-/sync", h.sync)
	app.Put("/-/connectivity", h.setConnectivity)
	app.Post("/-/origins/:name/generation", h.deployGeneration)
}

type controlHandlers struct {
	deps   ControlDeps
	logger *logrus.Entry
}

type connectivityPayload struct {
	State     string    `json:"state"`
	ChangedAt time.Time `json:"changed_at,omitempty"`
}

type statusPayload struct {
	Origins      []agent.Status       `json:"origins"`
	Connectivity connectivityPayload  `json:"connectivity"`
	Queue        queue.Counts         `json:"queue"`
	LastPass     *syncloop.PassReport `json:"last_pass,omitempty"`
}

func (h *controlHandlers) status(c fiber.Ctx) error {
	counts, err := h.deps.Queue.Count(c.Context())
	if err != nil {
		return h.fail(c, "queue_unavailable", err)
	}

	payload := statusPayload{
		Connectivity: h.connectivity(),
		Queue:        counts,
	}
	for _, route := range h.deps.Registry.List() {
		payload.Origins = append(payload.Origins, route.Controller.Status())
	}
	if last := h.deps.Loop.LastPass(); !last.StartedAt.IsZero() {
		payload.LastPass = &last
	}
	return c.JSON(payload)
}

func (h *controlHandlers) connectivity() connectivityPayload {
	return connectivityPayload{
		State:     h.deps.Monitor.State().String(),
		ChangedAt: h.deps.Monitor.ChangedAt(),
	}
}

func (h *controlHandlers) listQueue(c fiber.Ctx) error {
	ctx := c.Context()
	items, err := h.deps.Queue.ListUnsynced(ctx)
	if err != nil {
		return h.fail(c, "queue_unavailable", err)
	}
	counts, err := h.deps.Queue.Count(ctx)
	if err != nil {
		return h.fail(c, "queue_unavailable", err)
	}
	if items == nil {
		items = []queue.Submission{}
	}
	return c.JSON(fiber.Map{"counts": counts, "submissions": items})
}

func (h *controlHandlers) requeueParked(c fiber.Ctx) error {
	n, err := h.deps.Queue.RequeueParked(c.Context())
	if err != nil {
		return h.fail(c, "queue_unavailable", err)
	}
	return c.JSON(fiber.Map{"requeued": n})
}

func (h *controlHandlers) requeueOne(c fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	err := h.deps.Queue.Requeue(c.Context(), id)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "submission_not_found"})
	case err != nil:
		return h.fail(c, "queue_unavailable", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// submit 是 UI 提交入口：201 表示已直接投递，202 表示已入队等待同步，500 表示未能保存。
func (h *controlHandlers) submit(c fiber.Ctx) error {
	var payload queue.Payload
	if err := json.Unmarshal(c.Body(), &payload); err != nil || len(payload.Record) == 0 || !json.Valid(payload.Record) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}

	result, err := h.deps.Loop.Submit(c.Context(), payload)
	if err != nil {
		return h.fail(c, "capture_failed", err)
	}
	status := fiber.StatusAccepted
	if result.Status == syncloop.StatusDelivered {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(result)
}

func (h *controlHandlers) sync(c fiber.Ctx) error {
	mode := syncloop.ModeAll
	if strings.EqualFold(c.Query("mode"), "one") {
		mode = syncloop.ModeOne
	}
	report, err := h.deps.Loop.Trigger(c.Context(), syncloop.TriggerManual, mode)
	if err != nil {
		return h.fail(c, "sync_failed", err)
	}
	return c.JSON(report)
}

func (h *controlHandlers) setConnectivity(c fiber.Ctx) error {
	var body struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_state"})
	}
	state, ok := connectivity.ParseState(body.State)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_state"})
	}
	changed := h.deps.Monitor.Notify(state)
	payload := h.connectivity()
	return c.JSON(fiber.Map{"state": payload.State, "changed_at": payload.ChangedAt, "changed": changed})
}

func (h *controlHandlers) deployGeneration(c fiber.Ctx) error {
	route, ok := h.deps.Registry.ByName(c.Params("name"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "origin_not_found"})
	}
	var body struct {
		Namespace string `json:"namespace"`
	}
	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
	}
	namespace := strings.TrimSpace(body.Namespace)
	if namespace == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "namespace_required"})
	}
	if err := cache.ValidateNamespace(namespace); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_namespace"})
	}

	report, err := route.Controller.Deploy(c.Context(), namespace)
	if err != nil {
		return h.fail(c, "deploy_failed", err)
	}
	return c.JSON(report)
}

func (h *controlHandlers) fail(c fiber.Ctx, code string, err error) error {
	h.logger.WithFields(logrus.Fields{
		"action":     code,
		"path":       c.Path(),
		"request_id": server.RequestID(c),
	}).WithError(err).Error("control request failed")
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": code})
}
