package connectivity

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/issue-hub/issue-hub/internal/logging"
	"github.com/issue-hub/issue-hub/internal/version"
)

// Prober 通过一次 HTTP HEAD 判断网络是否可达；收到任意 HTTP 响应即视为 online。
type Prober struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

// NewProber 构造探测器；client 为空时使用 http.DefaultClient。
func NewProber(url string, timeout time.Duration, client *http.Client) *Prober {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{url: url, timeout: timeout, client: client}
}

// Probe 实现 Checker。
func (p *Prober) Probe(ctx context.Context) State {
	if p == nil || p.url == "" {
		return Online
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return Offline
	}
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := p.client.Do(req)
	if err != nil {
		return Offline
	}
	resp.Body.Close()
	return Online
}

// Watch 是平台通知缺失时的兜底轮询：每个 interval 探测一次并 Notify，直到 ctx 结束。
func Watch(ctx context.Context, m *Monitor, checker Checker, interval time.Duration, logger *logrus.Logger) {
	if checker == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := logging.Component(logger, "connectivity").WithField("action", "connectivity_watch")
	log.WithField("interval", interval.String()).Debug("connectivity watch started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Notify(checker.Probe(ctx))
		}
	}
}
