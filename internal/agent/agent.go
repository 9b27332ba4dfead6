package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/issue-hub/issue-hub/internal/cache"
	"github.com/issue-hub/issue-hub/internal/logging"
	"github.com/issue-hub/issue-hub/internal/metrics"
)

// Phase 是代理生命周期状态：installing → installed → active → superseded。
type Phase int

const (
	PhaseNew Phase = iota
	PhaseInstalling
	PhaseInstalled
	PhaseActive
	PhaseSuperseded
)

func (p Phase) String() string {
	switch p {
	case PhaseInstalling:
		return "installing"
	case PhaseInstalled:
		return "installed"
	case PhaseActive:
		return "active"
	case PhaseSuperseded:
		return "superseded"
	default:
		return "new"
	}
}

// Source 描述一次拦截的结果来源。
type Source string

const (
	SourceCache   Source = "hit"
	SourceNetwork Source = "miss"
	SourceBypass  Source = "bypass"
)

var (
	// ErrNotActive 表示代理尚未激活，不能处理拦截。
	ErrNotActive = errors.New("cache agent is not active")
	// ErrInvalidPhase 表示生命周期调用顺序错误。
	ErrInvalidPhase = errors.New("cache agent lifecycle out of order")
)

// Options 配置单个缓存代。
type Options struct {
	Origin           string
	Namespace        string
	Store            cache.Store
	Network          http.RoundTripper
	Classifier       Classifier
	MaxEntrySize     int64
	RefreshPerSecond float64
	Logger           *logrus.Logger
}

// Result 是一次拦截的输出。
type Result struct {
	Response *http.Response
	Source   Source
	Bypass   string
}

// InstallFailure 记录安装阶段单个资源的失败原因。
type InstallFailure struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// InstallReport 汇总安装结果；部分失败不会中断安装。
type InstallReport struct {
	Cached int              `json:"cached"`
	Failed []InstallFailure `json:"failed,omitempty"`
}

// Agent 持有一个命名空间（缓存代），拦截请求并执行缓存优先策略。
type Agent struct {
	gen        cache.Generation
	network    http.RoundTripper
	classifier Classifier
	maxEntry   int64
	limiter    *rate.Limiter
	refresh    singleflight.Group
	logger     *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	mu          sync.RWMutex
	phase       Phase
	installedAt time.Time
	activatedAt time.Time
}

// New 构造处于 new 状态的代理。
func New(opts Options) (*Agent, error) {
	if opts.Store == nil {
		return nil, cache.ErrStoreUnavailable
	}
	if opts.Origin == "" || opts.Namespace == "" {
		return nil, errors.New("origin and namespace are required")
	}
	network := opts.Network
	if network == nil {
		network = http.DefaultTransport
	}

	limit := rate.Inf
	burst := 1
	if opts.RefreshPerSecond > 0 {
		limit = rate.Limit(opts.RefreshPerSecond)
		if b := int(opts.RefreshPerSecond); b > burst {
			burst = b
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		gen:        cache.NewGeneration(opts.Store, opts.Origin, opts.Namespace),
		network:    network,
		classifier: opts.Classifier,
		maxEntry:   opts.MaxEntrySize,
		limiter:    rate.NewLimiter(limit, burst),
		logger: logging.Component(opts.Logger, "agent").WithFields(logrus.Fields{
			"origin":    opts.Origin,
			"namespace": opts.Namespace,
		}),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (a *Agent) Origin() string    { return a.gen.Origin() }
func (a *Agent) Namespace() string { return a.gen.Namespace() }

// Phase 返回当前生命周期状态。
func (a *Agent) Phase() Phase {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.phase
}

// Times 返回安装与激活时间。
func (a *Agent) Times() (installedAt, activatedAt time.Time) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.installedAt, a.activatedAt
}

// Install 拉取 manifest 中的资源填充当前命名空间。单个资源失败只记录日志。
func (a *Agent) Install(ctx context.Context, manifest []string) (InstallReport, error) {
	var report InstallReport
	if err := a.transition(PhaseNew, PhaseInstalling); err != nil {
		return report, err
	}
	if err := a.gen.Prepare(ctx); err != nil {
		a.setPhase(PhaseNew)
		return report, fmt.Errorf("prepare namespace: %w", err)
	}

	for _, target := range manifest {
		if err := a.precache(ctx, target); err != nil {
			report.Failed = append(report.Failed, InstallFailure{URL: target, Reason: err.Error()})
			a.logger.WithFields(logrus.Fields{
				"action": "install_resource",
				"url":    target,
			}).WithError(err).Warn("precache failed")
			continue
		}
		report.Cached++
	}

	a.mu.Lock()
	a.phase = PhaseInstalled
	a.installedAt = time.Now().UTC()
	a.mu.Unlock()

	a.logger.WithFields(logrus.Fields{
		"action": "install",
		"cached": report.Cached,
		"failed": len(report.Failed),
	}).Info("cache generation installed")
	return report, nil
}

// Activate 删除本 Origin 下除当前命名空间外的所有缓存代，随后进入 active。
func (a *Agent) Activate(ctx context.Context) ([]string, error) {
	if err := a.transition(PhaseInstalled, PhaseActive); err != nil {
		return nil, err
	}
	evicted, err := a.gen.EvictOthers(ctx)
	metrics.RecordEvictions(a.Origin(), len(evicted))

	a.mu.Lock()
	a.activatedAt = time.Now().UTC()
	a.mu.Unlock()

	entry := a.logger.WithFields(logrus.Fields{
		"action":  "activate",
		"evicted": evicted,
	})
	if err != nil {
		entry.WithError(err).Warn("cache generation activated with eviction errors")
		return evicted, fmt.Errorf("evict stale namespaces: %w", err)
	}
	entry.Info("cache generation activated")
	return evicted, nil
}

// Supersede 标记代理已被新一代取代：停止后台刷新并不再写缓存，进行中的请求照常完成。
func (a *Agent) Supersede() {
	a.setPhase(PhaseSuperseded)
	a.cancel()
	a.logger.WithField("action", "supersede").Info("cache generation superseded")
}

// Wait 等待后台刷新结束。
func (a *Agent) Wait() {
	a.bg.Wait()
}

// Intercept 处理一次出站请求：bypass 直接走网络；GET 命中返回快照并后台刷新；
// 未命中阻塞拉取，失败原样返回给调用方。
func (a *Agent) Intercept(req *http.Request) (*Result, error) {
	phase := a.Phase()
	if phase != PhaseActive && phase != PhaseSuperseded {
		return nil, ErrNotActive
	}

	if reason := a.classifier.Classify(req); reason != BypassNone {
		resp, err := a.network.RoundTrip(req)
		if err != nil {
			metrics.RecordCacheResult(a.Origin(), "error")
			return nil, err
		}
		metrics.RecordCacheResult(a.Origin(), string(SourceBypass))
		return &Result{Response: resp, Source: SourceBypass, Bypass: reason}, nil
	}

	key := req.URL.String()
	if entry, err := a.gen.Get(req.Context(), http.MethodGet, key); err == nil {
		a.scheduleRefresh(req)
		metrics.RecordCacheResult(a.Origin(), string(SourceCache))
		return &Result{Response: snapshotResponse(entry.Snapshot, req), Source: SourceCache}, nil
	} else if !errors.Is(err, cache.ErrNotFound) {
		a.logger.WithFields(logrus.Fields{"action": "cache_read", "url": key}).WithError(err).Warn("cache read failed")
	}

	resp, err := a.network.RoundTrip(req)
	if err != nil {
		metrics.RecordCacheResult(a.Origin(), "error")
		return nil, err
	}
	resp = a.storeResponse(req.Context(), key, resp)
	metrics.RecordCacheResult(a.Origin(), string(SourceNetwork))
	return &Result{Response: resp, Source: SourceNetwork}, nil
}

// RoundTrip 让代理可以作为 http.Client 的 Transport 使用。
func (a *Agent) RoundTrip(req *http.Request) (*http.Response, error) {
	result, err := a.Intercept(req)
	if err != nil {
		return nil, err
	}
	return result.Response, nil
}

// scheduleRefresh 在不阻塞响应的前提下重新拉取资源；同一 URL 的刷新合并，整体限速。
func (a *Agent) scheduleRefresh(orig *http.Request) {
	if a.ctx.Err() != nil {
		return
	}
	if !a.limiter.Allow() {
		metrics.RecordRefresh(a.Origin(), "throttled")
		return
	}

	key := orig.URL.String()
	header := orig.Header.Clone()
	for _, h := range []string{"If-None-Match", "If-Modified-Since", "Range", "If-Range"} {
		header.Del(h)
	}

	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		_, _, _ = a.refresh.Do(key, func() (any, error) {
			req, err := http.NewRequestWithContext(a.ctx, http.MethodGet, key, nil)
			if err != nil {
				return nil, err
			}
			req.Header = header
			resp, err := a.network.RoundTrip(req)
			if err != nil {
				metrics.RecordRefresh(a.Origin(), "failed")
				a.logger.WithFields(logrus.Fields{"action": "refresh", "url": key}).WithError(err).Debug("background refresh failed")
				return nil, err
			}
			resp = a.storeResponse(a.ctx, key, resp)
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			metrics.RecordRefresh(a.Origin(), "stored")
			return nil, nil
		})
	}()
}

func (a *Agent) precache(ctx context.Context, target string) error {
	if _, err := url.ParseRequestURI(target); err != nil {
		return fmt.Errorf("invalid manifest url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := a.network.RoundTrip(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, fits, err := readLimited(resp.Body, a.maxEntry)
	if err != nil {
		return err
	}
	if !fits {
		return errors.New("resource exceeds max entry size")
	}
	_, err = a.gen.Put(ctx, cache.Snapshot{
		Method:     http.MethodGet,
		URL:        target,
		StatusCode: resp.StatusCode,
		Header:     storableHeader(resp.Header),
		Body:       body,
	})
	return err
}

// storeResponse 在响应可缓存时写入快照，返回可继续读取的响应。写失败只记录日志。
func (a *Agent) storeResponse(ctx context.Context, key string, resp *http.Response) *http.Response {
	if resp.StatusCode != http.StatusOK || a.Phase() == PhaseSuperseded {
		return resp
	}
	if resp.ContentLength > 0 && a.maxEntry > 0 && resp.ContentLength > a.maxEntry {
		return resp
	}

	original := resp.Body
	body, fits, err := readLimited(original, a.maxEntry)
	if err != nil {
		original.Close()
		resp.Body = io.NopCloser(errReader{err})
		return resp
	}
	if !fits {
		// 超过上限：把已读部分拼回去继续透传，不缓存。
		resp.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(body), original), Closer: original}
		return resp
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	if _, err := a.gen.Put(ctx, cache.Snapshot{
		Method:     http.MethodGet,
		URL:        key,
		StatusCode: resp.StatusCode,
		Header:     storableHeader(resp.Header),
		Body:       body,
	}); err != nil {
		a.logger.WithFields(logrus.Fields{"action": "cache_write", "url": key}).WithError(err).Debug("cache write skipped")
	}
	return resp
}

func (a *Agent) transition(from, to Phase) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase != from {
		return fmt.Errorf("%w: %s -> %s while %s", ErrInvalidPhase, from, to, a.phase)
	}
	a.phase = to
	return nil
}

func (a *Agent) setPhase(p Phase) {
	a.mu.Lock()
	a.phase = p
	a.mu.Unlock()
}

func snapshotResponse(snap cache.Snapshot, req *http.Request) *http.Response {
	header := snap.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(snap.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", snap.StatusCode, http.StatusText(snap.StatusCode)),
		StatusCode:    snap.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(snap.Body)),
		ContentLength: int64(len(snap.Body)),
		Request:       req,
	}
}

// storedHeaderExclusions 不进入快照的头：逐跳头与会话相关头。
var storedHeaderExclusions = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {},
	"Set-Cookie":          {},
	"Content-Length":      {},
}

func storableHeader(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, values := range src {
		if _, skip := storedHeaderExclusions[http.CanonicalHeaderKey(key)]; skip {
			continue
		}
		dst[http.CanonicalHeaderKey(key)] = append([]string(nil), values...)
	}
	return dst
}

// readLimited 读取至多 limit 字节（limit<=0 不限）；超限时 fits=false，body 为已读前缀。
func readLimited(r io.Reader, limit int64) (body []byte, fits bool, err error) {
	if limit <= 0 {
		body, err = io.ReadAll(r)
		return body, err == nil, err
	}
	body, err = io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	return body, int64(len(body)) <= limit, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }
