// Package apiserver is the reference server side: an idempotent create-issue
// endpoint keyed by the client's localId, and the durable staging collection
// that mirrors client submission state.
package apiserver

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/sirupsen/logrus"

	"github.com/issue-hub/issue-hub/internal/delivery"
	"github.com/issue-hub/issue-hub/internal/issues"
	"github.com/issue-hub/issue-hub/internal/logging"
	"github.com/issue-hub/issue-hub/internal/metrics"
	"github.com/issue-hub/issue-hub/internal/server"
	"github.com/issue-hub/issue-hub/internal/staging"
)

// Options 描述 API 服务依赖。
type Options struct {
	Logger  *logrus.Logger
	Issues  *issues.Store
	Staging *staging.Store
}

// NewApp 构建 API 服务的 Fiber 应用。
func NewApp(opts Options) (*fiber.App, error) {
	if opts.Issues == nil {
		return nil, errors.New("issue store is required")
	}
	if opts.Staging == nil {
		return nil, errors.New("staging store is required")
	}

	h := &handlers{
		issues:  opts.Issues,
		staging: opts.Staging,
		logger:  logging.Component(opts.Logger, "apiserver"),
	}

	app := fiber.New(fiber.Config{CaseSensitive: true})
	app.Use(recover.New())
	app.Use(server.RequestIDMiddleware())

	app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/-/metrics", adaptor.HTTPHandler(metrics.Handler()))

	api := app.Group("/api")
	api.Post("/issues", h.createIssue)
	api.Get("/issues/:id", h.getIssue)
	api.Post("/offline-submissions", h.reportSubmission)
	api.Get("/offline-submissions", h.listSubmissions)
	api.Get("/offline-submissions/stuck", h.stuckSubmissions)

	return app, nil
}

type handlers struct {
	issues  *issues.Store
	staging *staging.Store
	logger  *logrus.Entry
}

// createIssue 以 Idempotency-Key 去重：首次创建返回 201，重放返回 200 与同一条记录。
// 带 X-Owner-ID 的请求同时把暂存集合中的对应记录标记为已同步。
func (h *handlers) createIssue(c fiber.Ctx) error {
	key := strings.TrimSpace(c.Get(delivery.HeaderIdempotencyKey))
	ownerID := strings.TrimSpace(c.Get(delivery.HeaderOwnerID))
	body := append([]byte(nil), c.Body()...)

	issue, created, err := h.issues.Create(c.Context(), issues.NewIssue{
		IdempotencyKey: key,
		OwnerID:        ownerID,
		Payload:        body,
		AttachmentRef:  c.Get(delivery.HeaderAttachmentRef),
	})
	switch {
	case errors.Is(err, issues.ErrMissingKey):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "idempotency_key_required"})
	case errors.Is(err, issues.ErrInvalidPayload):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "invalid_payload"})
	case err != nil:
		return h.fail(c, "create_issue_failed", err)
	}

	if ownerID != "" {
		attempts, _ := strconv.Atoi(c.Get(delivery.HeaderSyncAttempt))
		now := time.Now().UTC()
		if _, err := h.staging.Upsert(c.Context(), staging.Report{
			OwnerID:         ownerID,
			LocalID:         key,
			Payload:         body,
			Synced:          true,
			SyncAttempts:    attempts,
			LastSyncAttempt: &now,
		}); err != nil {
			// 问题已创建，暂存镜像失败只记录。
			h.logger.WithFields(logging.SubmissionFields("staging_mirror", key, attempts)).
				WithError(err).Warn("mirror created issue into staging failed")
		}
	}

	h.logger.WithFields(logrus.Fields{
		"action":     "create_issue",
		"local_id":   key,
		"owner_id":   ownerID,
		"created":    created,
		"request_id": server.RequestID(c),
	}).Info("issue accepted")

	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(issue)
}

func (h *handlers) getIssue(c fiber.Ctx) error {
	issue, err := h.issues.Get(c.Context(), c.Params("id"))
	if errors.Is(err, issues.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "issue_not_found"})
	}
	if err != nil {
		return h.fail(c, "get_issue_failed", err)
	}
	return c.JSON(issue)
}

func (h *handlers) reportSubmission(c fiber.Ctx) error {
	var report staging.Report
	if err := json.Unmarshal(c.Body(), &report); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_report"})
	}
	record, err := h.staging.Upsert(c.Context(), report)
	if errors.Is(err, staging.ErrInvalidReport) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_report", "detail": err.Error()})
	}
	if err != nil {
		return h.fail(c, "staging_upsert_failed", err)
	}
	return c.JSON(record)
}

func (h *handlers) listSubmissions(c fiber.Ctx) error {
	owner := strings.TrimSpace(c.Query("owner_id"))
	if owner == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "owner_id_required"})
	}
	filter := staging.ListFilter{Limit: queryInt(c, "limit", 0)}
	if raw := c.Query("synced"); raw != "" {
		synced, err := strconv.ParseBool(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_synced"})
		}
		filter.Synced = &synced
	}

	records, err := h.staging.ListByOwner(c.Context(), owner, filter)
	if err != nil {
		return h.fail(c, "staging_list_failed", err)
	}
	if records == nil {
		records = []staging.Record{}
	}
	return c.JSON(fiber.Map{"records": records})
}

func (h *handlers) stuckSubmissions(c fiber.Ctx) error {
	records, err := h.staging.Stuck(c.Context(), queryInt(c, "min_attempts", 3), queryInt(c, "limit", 100))
	if err != nil {
		return h.fail(c, "staging_list_failed", err)
	}
	if records == nil {
		records = []staging.Record{}
	}
	return c.JSON(fiber.Map{"records": records})
}

func (h *handlers) fail(c fiber.Ctx, code string, err error) error {
	h.logger.WithFields(logrus.Fields{
		"action":     code,
		"path":       c.Path(),
		"request_id": server.RequestID(c),
	}).WithError(err).Error("api request failed")
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": code})
}

func queryInt(c fiber.Ctx, key string, fallback int) int {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
