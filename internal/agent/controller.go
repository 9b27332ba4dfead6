package agent

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/issue-hub/issue-hub/internal/cache"
	"github.com/issue-hub/issue-hub/internal/logging"
)

// ErrNotInstalled 表示 Origin 还没有任何激活的缓存代。
var ErrNotInstalled = errors.New("no active cache agent")

// ControllerOptions 描述一个 Origin 的代理部署参数。
type ControllerOptions struct {
	Origin           string
	Manifest         []string
	Store            cache.Store
	Network          http.RoundTripper
	Classifier       Classifier
	MaxEntrySize     int64
	RefreshPerSecond float64
	Logger           *logrus.Logger
}

// Controller 持有某个 Origin 当前生效的代理。部署新代会先安装、激活（淘汰旧代），
// 再原子替换当前代理，之后所有拦截都由新代处理，无需客户端重新加载。
type Controller struct {
	opts    ControllerOptions
	logger  *logrus.Entry
	current atomic.Pointer[Agent]
	deploy  sync.Mutex
}

// DeployReport 汇总一次部署。
type DeployReport struct {
	Origin    string        `json:"origin"`
	Namespace string        `json:"namespace"`
	Install   InstallReport `json:"install"`
	Evicted   []string      `json:"evicted,omitempty"`
}

// Status 是诊断端输出的代理状态。
type Status struct {
	Origin      string    `json:"origin"`
	Namespace   string    `json:"namespace,omitempty"`
	Phase       string    `json:"phase"`
	InstalledAt time.Time `json:"installed_at,omitempty"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
}

// NewController 构造控制器，此时尚无激活代理。
func NewController(opts ControllerOptions) *Controller {
	return &Controller{
		opts:   opts,
		logger: logging.Component(opts.Logger, "agent").WithField("origin", opts.Origin),
	}
}

// Origin 返回控制器负责的 Origin 名称。
func (c *Controller) Origin() string {
	return c.opts.Origin
}

// Deploy 安装并激活 namespace 对应的缓存代，然后接管全部后续请求。
func (c *Controller) Deploy(ctx context.Context, namespace string) (DeployReport, error) {
	c.deploy.Lock()
	defer c.deploy.Unlock()

	report := DeployReport{Origin: c.opts.Origin, Namespace: namespace}
	next, err := New(Options{
		Origin:           c.opts.Origin,
		Namespace:        namespace,
		Store:            c.opts.Store,
		Network:          c.opts.Network,
		Classifier:       c.opts.Classifier,
		MaxEntrySize:     c.opts.MaxEntrySize,
		RefreshPerSecond: c.opts.RefreshPerSecond,
		Logger:           c.opts.Logger,
	})
	if err != nil {
		return report, err
	}

	report.Install, err = next.Install(ctx, c.opts.Manifest)
	if err != nil {
		return report, err
	}
	report.Evicted, err = next.Activate(ctx)
	if err != nil {
		// 淘汰失败不影响新代生效，残留目录会在下次激活时再次清理。
		c.logger.WithError(err).Warn("stale namespaces remain after activation")
	}

	if prev := c.current.Swap(next); prev != nil {
		prev.Supersede()
	}
	c.logger.WithFields(logrus.Fields{
		"action":    "deploy",
		"namespace": namespace,
		"cached":    report.Install.Cached,
		"evicted":   report.Evicted,
	}).Info("cache generation deployed")
	return report, nil
}

// Current 返回当前激活代理，可能为 nil。
func (c *Controller) Current() *Agent {
	return c.current.Load()
}

// Intercept 把请求交给当前代理。
func (c *Controller) Intercept(req *http.Request) (*Result, error) {
	current := c.current.Load()
	if current == nil {
		return nil, ErrNotInstalled
	}
	return current.Intercept(req)
}

// RoundTrip 让控制器可以作为 http.Client 的 Transport 使用。
func (c *Controller) RoundTrip(req *http.Request) (*http.Response, error) {
	result, err := c.Intercept(req)
	if err != nil {
		return nil, err
	}
	return result.Response, nil
}

// Status 返回当前代理的生命周期信息。
func (c *Controller) Status() Status {
	current := c.current.Load()
	if current == nil {
		return Status{Origin: c.opts.Origin, Phase: PhaseNew.String()}
	}
	installedAt, activatedAt := current.Times()
	return Status{
		Origin:      c.opts.Origin,
		Namespace:   current.Namespace(),
		Phase:       current.Phase().String(),
		InstalledAt: installedAt,
		ActivatedAt: activatedAt,
	}
}

// Close 停止当前代理的后台刷新并等待其退出。
func (c *Controller) Close() {
	if current := c.current.Load(); current != nil {
		current.Supersede()
		current.Wait()
	}
}
