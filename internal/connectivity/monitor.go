package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/issue-hub/issue-hub/internal/logging"
	"github.com/issue-hub/issue-hub/internal/metrics"
)

// State 表示设备网络状态。
type State int

const (
	Offline State = iota
	Online
)

func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// ParseState 解析 "online"/"offline"。
func ParseState(raw string) (State, bool) {
	switch raw {
	case "online":
		return Online, true
	case "offline":
		return Offline, true
	}
	return Offline, false
}

// Checker 主动探测当前网络是否可用。
type Checker interface {
	Probe(ctx context.Context) State
}

// Options 控制 Monitor 的初始状态与可选探测器。
type Options struct {
	Initial State
	Checker Checker
	Logger  *logrus.Logger
}

// Monitor 是两态观察者：状态只由 Notify 改变，每次真实跃迁恰好通知订阅者一次。
type Monitor struct {
	// dispatch 串行化“跃迁 + 回调”，保证订阅者按跃迁顺序收到通知。
	dispatch sync.Mutex

	mu        sync.Mutex
	state     State
	changedAt time.Time
	subs      []subscriber
	nextID    int

	checker Checker
	logger  *logrus.Entry
}

type subscriber struct {
	id int
	fn func(State)
}

// NewMonitor 创建监视器。
func NewMonitor(opts Options) *Monitor {
	m := &Monitor{
		state:     opts.Initial,
		changedAt: time.Now().UTC(),
		checker:   opts.Checker,
		logger:    logging.Component(opts.Logger, "connectivity"),
	}
	metrics.SetOnline(opts.Initial == Online)
	return m
}

// State 返回当前状态。
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online 是 State() == Online 的简写。
func (m *Monitor) Online() bool {
	return m.State() == Online
}

// ChangedAt 返回最近一次跃迁时间。
func (m *Monitor) ChangedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changedAt
}

// Subscribe 注册跃迁回调，返回取消函数。回调在 Notify 的调用方 goroutine 中同步执行，
// 不得在回调内再次调用 Notify。
func (m *Monitor) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.subs {
			if sub.id == id {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

// OnOnline 仅在跃迁到 online 时回调。
func (m *Monitor) OnOnline(fn func()) func() {
	return m.Subscribe(func(s State) {
		if s == Online {
			fn()
		}
	})
}

// Notify 接收平台网络变化通知。状态未变化时返回 false 且不触发任何回调。
func (m *Monitor) Notify(state State) bool {
	m.dispatch.Lock()
	defer m.dispatch.Unlock()

	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return false
	}
	prev := m.state
	m.state = state
	m.changedAt = time.Now().UTC()
	subs := append([]subscriber(nil), m.subs...)
	m.mu.Unlock()

	metrics.SetOnline(state == Online)
	m.logger.WithFields(logrus.Fields{
		"action": "connectivity_transition",
		"from":   prev.String(),
		"to":     state.String(),
	}).Info("connectivity changed")

	for _, sub := range subs {
		sub.fn(state)
	}
	return true
}

// Recheck 在配置了探测器时主动探测并同步状态；否则返回当前状态。
func (m *Monitor) Recheck(ctx context.Context) State {
	if m.checker == nil {
		return m.State()
	}
	state := m.checker.Probe(ctx)
	m.Notify(state)
	return state
}
