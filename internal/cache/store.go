package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Store 负责管理资源快照缓存的读写。磁盘布局遵循：
//
//	<StoragePath>/<Origin>/<Namespace>/<key[:2]>/<key>.body   # 响应正文
//	<StoragePath>/<Origin>/<Namespace>/<key[:2]>/<key>.meta   # 状态码/头部
//
// key = sha256(METHOD + " " + URL)。meta 文件最后写入，作为条目提交标记。
type Store interface {
	// Get 返回完整快照；不存在或命名空间已被淘汰时返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*Entry, error)

	// Put 写入或覆盖快照。正文与 meta 均通过临时文件 + rename 保证原子性；
	// 命名空间已被淘汰时返回 ErrNamespaceEvicted。
	Put(ctx context.Context, locator Locator, snapshot Snapshot) (*Entry, error)

	// Remove 删除单个条目。
	Remove(ctx context.Context, locator Locator) error

	// Prepare 创建命名空间目录，并清除该命名空间此前的淘汰标记。
	Prepare(ctx context.Context, origin, namespace string) error

	// Namespaces 列出某个 Origin 下现存的全部命名空间（按名称排序）。
	Namespaces(ctx context.Context, origin string) ([]string, error)

	// DeleteNamespace 整代删除命名空间；删除期间阻塞该命名空间的写入。
	DeleteNamespace(ctx context.Context, origin, namespace string) error

	// Stats 汇总命名空间内的条目数量与正文大小，供诊断端使用。
	Stats(ctx context.Context, origin, namespace string) (NamespaceStats, error)
}

// Locator 唯一定位一个缓存条目：Origin + 命名空间 + 请求身份（方法 + URL）。
type Locator struct {
	Origin    string
	Namespace string
	Method    string
	URL       string
}

// Key 返回请求身份的摘要，作为文件名使用。
func (l Locator) Key() string {
	method := strings.ToUpper(strings.TrimSpace(l.Method))
	if method == "" {
		method = http.MethodGet
	}
	sum := sha256.Sum256([]byte(method + " " + l.URL))
	return hex.EncodeToString(sum[:])
}

// Snapshot 是一次成功响应的不可变副本。
type Snapshot struct {
	Method     string      `json:"method"`
	URL        string      `json:"url"`
	StatusCode int         `json:"status"`
	Header     http.Header `json:"header"`
	StoredAt   time.Time   `json:"stored_at"`
	SizeBytes  int64       `json:"size_bytes"`
	Body       []byte      `json:"-"`
}

// Clone 返回深拷贝，调用方可以安全修改返回值。
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Header = s.Header.Clone()
	out.Body = append([]byte(nil), s.Body...)
	return out
}

// Entry 表示一次缓存命中结果。
type Entry struct {
	Locator  Locator
	Snapshot Snapshot
	FilePath string
}

// NamespaceStats 汇总命名空间内容。
type NamespaceStats struct {
	Entries   int   `json:"entries"`
	SizeBytes int64 `json:"size_bytes"`
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrNamespaceEvicted 表示命名空间已被整代淘汰，不再接受写入。
	ErrNamespaceEvicted = errors.New("cache namespace evicted")
)
