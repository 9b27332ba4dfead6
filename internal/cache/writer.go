package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrStoreUnavailable 表示当前代理未注入缓存存储实例。
var ErrStoreUnavailable = errors.New("cache store unavailable")

// Generation 将 Store 绑定到某个 Origin 的单一命名空间，代理只通过它读写自己的缓存代。
type Generation struct {
	store     Store
	origin    string
	namespace string
	now       func() time.Time
}

// NewGeneration 构造命名空间视图，默认使用 time.Now 作为时钟。
func NewGeneration(store Store, origin, namespace string) Generation {
	return Generation{
		store:     store,
		origin:    origin,
		namespace: namespace,
		now:       time.Now,
	}
}

// Enabled 返回当前是否具备缓存能力。
func (g Generation) Enabled() bool {
	return g.store != nil
}

func (g Generation) Origin() string    { return g.origin }
func (g Generation) Namespace() string { return g.namespace }

// Locator 为请求身份生成定位信息。
func (g Generation) Locator(method, rawURL string) Locator {
	if method == "" {
		method = http.MethodGet
	}
	return Locator{
		Origin:    g.origin,
		Namespace: g.namespace,
		Method:    method,
		URL:       rawURL,
	}
}

// Prepare 创建命名空间目录。
func (g Generation) Prepare(ctx context.Context) error {
	if g.store == nil {
		return ErrStoreUnavailable
	}
	return g.store.Prepare(ctx, g.origin, g.namespace)
}

// Get 读取命名空间内的快照。
func (g Generation) Get(ctx context.Context, method, rawURL string) (*Entry, error) {
	if g.store == nil {
		return nil, ErrStoreUnavailable
	}
	return g.store.Get(ctx, g.Locator(method, rawURL))
}

// Put 写入快照，StoredAt 为空时使用当前时钟。
func (g Generation) Put(ctx context.Context, snapshot Snapshot) (*Entry, error) {
	if g.store == nil {
		return nil, ErrStoreUnavailable
	}
	if snapshot.StoredAt.IsZero() {
		snapshot.StoredAt = g.now().UTC()
	}
	return g.store.Put(ctx, g.Locator(snapshot.Method, snapshot.URL), snapshot)
}

// Stats 返回命名空间统计。
func (g Generation) Stats(ctx context.Context) (NamespaceStats, error) {
	if g.store == nil {
		return NamespaceStats{}, ErrStoreUnavailable
	}
	return g.store.Stats(ctx, g.origin, g.namespace)
}

// EvictOthers 删除同一 Origin 下除自身以外的所有命名空间，返回被删除的名称。
func (g Generation) EvictOthers(ctx context.Context) ([]string, error) {
	if g.store == nil {
		return nil, ErrStoreUnavailable
	}
	names, err := g.store.Namespaces(ctx, g.origin)
	if err != nil {
		return nil, err
	}
	var evicted []string
	var errs []error
	for _, name := range names {
		if name == g.namespace {
			continue
		}
		if err := g.store.DeleteNamespace(ctx, g.origin, name); err != nil {
			errs = append(errs, err)
			continue
		}
		evicted = append(evicted, name)
	}
	return evicted, errors.Join(errs...)
}
