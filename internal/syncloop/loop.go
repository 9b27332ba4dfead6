package syncloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/issue-hub/issue-hub/internal/connectivity"
	"github.com/issue-hub/issue-hub/internal/delivery"
	"github.com/issue-hub/issue-hub/internal/logging"
	"github.com/issue-hub/issue-hub/internal/metrics"
	"github.com/issue-hub/issue-hub/internal/queue"
)

// Mode 决定一次同步处理多少条提交。
type Mode int

const (
	// ModeOne 只处理一条可投递的提交（周期兜底，避免重连瞬间打满网络）。
	ModeOne Mode = iota
	// ModeAll 处理全部未同步提交（联网事件、手动触发）。
	ModeAll
)

func (m Mode) String() string {
	if m == ModeAll {
		return "all"
	}
	return "one"
}

// Trigger 标识触发来源。
type Trigger string

const (
	TriggerOnline   Trigger = "online"
	TriggerPeriodic Trigger = "periodic"
	TriggerManual   Trigger = "manual"
)

const flightKey = "drain"

// Deliverer 投递提交并可选地同步暂存镜像。
type Deliverer interface {
	Deliver(ctx context.Context, sub queue.Submission, attempt int) error
	Report(ctx context.Context, sub queue.Submission) error
}

// Options 配置同步循环。
type Options struct {
	Queue     *queue.Store
	Deliverer Deliverer
	Monitor   *connectivity.Monitor
	Interval  time.Duration
	Policy    RetryPolicy
	Logger    *logrus.Logger
}

// PassReport 汇总一次同步。
type PassReport struct {
	Trigger    Trigger   `json:"trigger"`
	Mode       string    `json:"mode"`
	Offline    bool      `json:"offline,omitempty"`
	Delivered  int       `json:"delivered"`
	Failed     int       `json:"failed"`
	Parked     int       `json:"parked"`
	Deferred   int       `json:"deferred"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Loop 负责把本地队列投递到服务端。同一时刻最多运行一次同步（single-flight）。
type Loop struct {
	queue     *queue.Store
	deliverer Deliverer
	monitor   *connectivity.Monitor
	interval  time.Duration
	policy    RetryPolicy
	logger    *logrus.Entry
	now       func() time.Time

	flight singleflight.Group

	mu          sync.Mutex
	last        *PassReport
	cron        *cron.Cron
	unsubscribe func()
	running     bool
	triggers    sync.WaitGroup
}

// New 构造同步循环。
func New(opts Options) (*Loop, error) {
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if opts.Deliverer == nil {
		return nil, errors.New("deliverer is required")
	}
	if opts.Monitor == nil {
		return nil, errors.New("connectivity monitor is required")
	}
	return &Loop{
		queue:     opts.Queue,
		deliverer: opts.Deliverer,
		monitor:   opts.Monitor,
		interval:  opts.Interval,
		policy:    opts.Policy,
		logger:    logging.Component(opts.Logger, "syncloop"),
		now:       time.Now,
	}, nil
}

// Trigger 运行一次同步；与进行中的同步合并。若 ModeAll 调用方合并到了 ModeOne 的同步，
// 会在其结束后再补跑一次 ModeAll。
func (l *Loop) Trigger(ctx context.Context, trigger Trigger, mode Mode) (PassReport, error) {
	for i := 0; i < 3; i++ {
		value, err, _ := l.flight.Do(flightKey, func() (any, error) {
			return l.drain(context.WithoutCancel(ctx), trigger, mode)
		})
		report, _ := value.(PassReport)
		if err != nil {
			return report, err
		}
		if mode == ModeOne || report.Mode == ModeAll.String() {
			return report, nil
		}
	}
	return l.LastPass(), nil
}

// LastPass 返回最近一次同步结果。
func (l *Loop) LastPass() PassReport {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last == nil {
		return PassReport{}
	}
	return *l.last
}

func (l *Loop) drain(ctx context.Context, trigger Trigger, mode Mode) (PassReport, error) {
	report := PassReport{Trigger: trigger, Mode: mode.String(), StartedAt: l.now().UTC()}
	defer func() {
		report.FinishedAt = l.now().UTC()
		l.mu.Lock()
		snapshot := report
		l.last = &snapshot
		l.mu.Unlock()
	}()
	metrics.RecordSyncPass(string(trigger))

	if l.monitor.Recheck(ctx) != connectivity.Online {
		report.Offline = true
		return report, nil
	}

	items, err := l.queue.ListUnsynced(ctx)
	if err != nil {
		return report, err
	}

	// 联网与手动触发时上一轮失败多半由断网造成，忽略退避；周期触发遵守退避。
	honourBackoff := trigger == TriggerPeriodic
	for _, item := range items {
		if item.Parked() {
			continue
		}
		if honourBackoff && !l.policy.Eligible(item, l.now()) {
			report.Deferred++
			continue
		}

		outcome, err := l.deliverOne(ctx, item)
		if err != nil {
			return report, err
		}
		switch outcome {
		case outcomeDelivered:
			report.Delivered++
		case outcomeParked:
			report.Failed++
			report.Parked++
		case outcomeFailed, outcomeNetwork:
			report.Failed++
		}

		if mode == ModeOne {
			break
		}
		if outcome == outcomeNetwork && l.monitor.Recheck(ctx) != connectivity.Online {
			report.Offline = true
			break
		}
	}

	l.publishDepth(ctx)
	l.logger.WithFields(logrus.Fields{
		"action":    "sync_pass",
		"trigger":   string(trigger),
		"mode":      mode.String(),
		"delivered": report.Delivered,
		"failed":    report.Failed,
		"parked":    report.Parked,
		"deferred":  report.Deferred,
	}).Info("sync pass finished")
	return report, nil
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeFailed
	outcomeNetwork
	outcomeParked
)

// deliverOne 投递单条提交。只有本地队列的持久化错误才会返回 error。
func (l *Loop) deliverOne(ctx context.Context, item queue.Submission) (outcome, error) {
	attempt := item.SyncAttempts + 1
	start := l.now()
	deliverErr := l.deliverer.Deliver(ctx, item, attempt)
	elapsed := l.now().Sub(start)

	if deliverErr == nil {
		if err := l.queue.MarkSynced(ctx, item.LocalID); err != nil {
			return outcomeFailed, err
		}
		if err := l.queue.Remove(ctx, item.LocalID); err != nil {
			return outcomeFailed, err
		}
		metrics.RecordDelivery("delivered", elapsed)
		item.Synced = true
		item.SyncAttempts = attempt
		at := l.now().UTC()
		item.LastSyncAttempt = &at
		item.LastError = ""
		l.report(ctx, item)
		l.logger.WithFields(logging.SubmissionFields("sync_delivered", item.LocalID, attempt)).Info("submission delivered")
		return outcomeDelivered, nil
	}

	updated, err := l.queue.RecordFailure(ctx, item.LocalID, deliverErr.Error(), l.now())
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			// 其他进程已经处理并删除了该提交。
			return outcomeFailed, nil
		}
		return outcomeFailed, err
	}

	result := outcomeFailed
	var statusErr *delivery.StatusError
	if !errors.As(deliverErr, &statusErr) {
		result = outcomeNetwork
	}
	if delivery.IsPermanent(deliverErr) || l.policy.Exhausted(updated.SyncAttempts) {
		reason := fmt.Sprintf("parked after %d attempts: %s", updated.SyncAttempts, deliverErr.Error())
		if err := l.queue.Park(ctx, item.LocalID, reason, l.now()); err != nil && !errors.Is(err, queue.ErrNotFound) {
			return outcomeFailed, err
		}
		result = outcomeParked
		updated.LastError = reason
		metrics.RecordDelivery("parked", elapsed)
	} else {
		metrics.RecordDelivery("failed", elapsed)
	}

	l.report(ctx, updated)
	l.logger.WithFields(logging.SubmissionFields("sync_failed", item.LocalID, updated.SyncAttempts)).
		WithField("parked", result == outcomeParked).
		WithError(deliverErr).
		Warn("submission delivery failed")
	return result, nil
}

// report 尽力更新服务端暂存镜像，失败只记录日志。
func (l *Loop) report(ctx context.Context, sub queue.Submission) {
	if err := l.deliverer.Report(ctx, sub); err != nil {
		l.logger.WithFields(logging.SubmissionFields("staging_report", sub.LocalID, sub.SyncAttempts)).
			WithError(err).Debug("staging report failed")
	}
}

func (l *Loop) publishDepth(ctx context.Context) {
	counts, err := l.queue.Count(ctx)
	if err != nil {
		return
	}
	metrics.SetQueueDepth(counts.Pending, counts.Parked)
}

// SubmitResult 描述一次提交入口调用的结果。
type SubmitResult struct {
	Status  string `json:"status"`
	LocalID string `json:"local_id"`
}

const (
	StatusDelivered = "delivered"
	StatusQueued    = "queued"
)

// Submit 是 UI 提交入口：在线时直接投递，失败或离线时以同一 localId 入队。
// 入队失败会返回错误，调用方必须告知用户提交未被保存。
func (l *Loop) Submit(ctx context.Context, payload queue.Payload) (SubmitResult, error) {
	localID, err := queue.NewLocalID()
	if err != nil {
		return SubmitResult{}, err
	}

	if l.monitor.Online() {
		sub := queue.Submission{LocalID: localID, Payload: payload, CreatedAt: l.now().UTC()}
		start := l.now()
		deliverErr := l.deliverer.Deliver(ctx, sub, 1)
		if deliverErr == nil {
			metrics.RecordDelivery("delivered", l.now().Sub(start))
			l.logger.WithFields(logging.SubmissionFields("submit_direct", localID, 1)).Info("submission delivered directly")
			return SubmitResult{Status: StatusDelivered, LocalID: localID}, nil
		}
		l.logger.WithFields(logging.SubmissionFields("submit_direct", localID, 1)).
			WithError(deliverErr).Warn("direct delivery failed, queueing")
	}

	if err := l.queue.EnqueueWithID(ctx, localID, payload); err != nil {
		return SubmitResult{}, fmt.Errorf("capture submission: %w", err)
	}
	l.publishDepth(ctx)
	l.logger.WithFields(logging.SubmissionFields("submit_queued", localID, 0)).Info("submission queued")
	return SubmitResult{Status: StatusQueued, LocalID: localID}, nil
}

// Start 订阅联网事件（ModeAll），并按 Interval 周期触发 ModeOne。
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cron != nil {
		return errors.New("sync loop already started")
	}

	l.unsubscribe = l.monitor.OnOnline(func() {
		// Notify 可能在 Stop 取消订阅前已拷贝订阅列表，停止后到达的回调直接丢弃。
		l.mu.Lock()
		if !l.running {
			l.mu.Unlock()
			return
		}
		l.triggers.Add(1)
		l.mu.Unlock()
		go func() {
			defer l.triggers.Done()
			if _, err := l.Trigger(ctx, TriggerOnline, ModeAll); err != nil {
				l.logger.WithField("action", "sync_trigger").WithError(err).Error("online sync failed")
			}
		}()
	})

	c := cron.New(
		cron.WithLogger(cron.PrintfLogger(l.logger)),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(l.logger))),
	)
	if l.interval > 0 {
		spec := fmt.Sprintf("@every %s", l.interval)
		if _, err := c.AddFunc(spec, func() {
			if _, err := l.Trigger(ctx, TriggerPeriodic, ModeOne); err != nil {
				l.logger.WithField("action", "sync_trigger").WithError(err).Error("periodic sync failed")
			}
		}); err != nil {
			l.unsubscribe()
			return fmt.Errorf("schedule periodic sync: %w", err)
		}
	}
	c.Start()
	l.cron = c
	l.running = true

	l.logger.WithFields(logrus.Fields{
		"action":   "sync_start",
		"interval": l.interval.String(),
	}).Info("sync loop started")
	return nil
}

// Stop 取消订阅并等待进行中的同步结束。
func (l *Loop) Stop() {
	l.mu.Lock()
	c := l.cron
	unsubscribe := l.unsubscribe
	l.cron = nil
	l.unsubscribe = nil
	l.running = false
	l.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if c != nil {
		<-c.Stop().Done()
	}
	l.triggers.Wait()
}
