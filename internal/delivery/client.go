package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/issue-hub/issue-hub/internal/logging"
	"github.com/issue-hub/issue-hub/internal/queue"
	"github.com/issue-hub/issue-hub/internal/version"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderOwnerID        = "X-Owner-ID"
	HeaderSyncAttempt    = "X-Sync-Attempt"
	HeaderAttachmentRef  = "X-Attachment-Ref"

	maxErrorBody = 512
)

// ErrPermanent 标记不会因重试而成功的投递失败（除 408/425/429 外的 4xx）。
var ErrPermanent = errors.New("permanent delivery failure")

// StatusError 描述服务端返回的非 2xx 响应。
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("create-issue endpoint returned %d", e.StatusCode)
	}
	return fmt.Sprintf("create-issue endpoint returned %d: %s", e.StatusCode, e.Body)
}

// Is 让 errors.Is(err, ErrPermanent) 对永久性状态码成立。
func (e *StatusError) Is(target error) bool {
	return target == ErrPermanent && permanentStatus(e.StatusCode)
}

// IsPermanent 判断错误是否不应再自动重试。
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

func permanentStatus(code int) bool {
	if code < 400 || code >= 500 {
		return false
	}
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	}
	return true
}

// Options 配置投递客户端。
type Options struct {
	Endpoint        string
	StagingEndpoint string
	OwnerID         string
	Timeout         time.Duration
	HTTPClient      *http.Client
	Logger          *logrus.Logger
}

// Client 把待同步提交投递到服务端 create-issue 接口，localId 作为幂等键。
type Client struct {
	endpoint string
	staging  string
	ownerID  string
	timeout  time.Duration
	http     *http.Client
	logger   *logrus.Entry
}

// New 构造 Client；Timeout 为每次投递的显式上限。
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, errors.New("delivery endpoint is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		endpoint: opts.Endpoint,
		staging:  opts.StagingEndpoint,
		ownerID:  opts.OwnerID,
		timeout:  timeout,
		http:     client,
		logger:   logging.Component(opts.Logger, "delivery"),
	}, nil
}

// Deliver 发送一次投递。attempt 从 1 开始。2xx 返回 nil。
func (c *Client) Deliver(ctx context.Context, sub queue.Submission, attempt int) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body := sub.Payload.Record
	if len(body) == 0 {
		body = json.RawMessage("null")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set(HeaderIdempotencyKey, sub.LocalID)
	req.Header.Set(HeaderSyncAttempt, strconv.Itoa(attempt))
	if c.ownerID != "" {
		req.Header.Set(HeaderOwnerID, c.ownerID)
	}
	if sub.Payload.AttachmentRef != "" {
		req.Header.Set(HeaderAttachmentRef, sub.Payload.AttachmentRef)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("deliver %s: %w", sub.LocalID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	c.logger.WithFields(logging.SubmissionFields("delivery_rejected", sub.LocalID, attempt)).
		WithField("status", resp.StatusCode).
		WithField("permanent", IsPermanent(statusErr)).
		Debug("create-issue endpoint rejected submission")
	return statusErr
}

// StagingReport 是发往服务端暂存集合的镜像记录。
type StagingReport struct {
	OwnerID         string          `json:"owner_id"`
	LocalID         string          `json:"local_id"`
	Payload         json.RawMessage `json:"payload"`
	Synced          bool            `json:"synced"`
	SyncAttempts    int             `json:"sync_attempts"`
	LastSyncAttempt *time.Time      `json:"last_sync_attempt,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// StagingEnabled 表示是否配置了暂存集合端点。
func (c *Client) StagingEnabled() bool {
	return c.staging != ""
}

// Report 尽力同步一条暂存记录；未配置端点时直接返回。
func (c *Client) Report(ctx context.Context, sub queue.Submission) error {
	if !c.StagingEnabled() {
		return nil
	}
	report := StagingReport{
		OwnerID:         c.ownerID,
		LocalID:         sub.LocalID,
		Payload:         sub.Payload.Record,
		Synced:          sub.Synced,
		SyncAttempts:    sub.SyncAttempts,
		LastSyncAttempt: sub.LastSyncAttempt,
		Error:           sub.LastError,
	}
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.staging, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("report staging %s: %w", sub.LocalID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}
