package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	bodySuffix     = ".body"
	metaSuffix     = ".meta"
	evictingPrefix = ".evicting-"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
		spaces:   make(map[string]*sync.RWMutex),
		evicted:  make(map[string]struct{}),
	}, nil
}

// fileStore 通过 entryLock 避免同一 Locator 并发写入；命名空间锁保证整代删除
// 与写入互斥，evicted 记录已淘汰命名空间，阻止被取代的代理继续写入。
type fileStore struct {
	basePath string

	mu      sync.Mutex
	locks   map[string]*entryLock
	spaces  map[string]*sync.RWMutex
	evicted map[string]struct{}
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Get(ctx context.Context, locator Locator) (*Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if s.isEvicted(locator.Origin, locator.Namespace) {
		return nil, ErrNotFound
	}

	base, err := s.entryBase(locator)
	if err != nil {
		return nil, err
	}

	unlock := s.lockEntry(locator)
	defer unlock()

	meta, err := readMeta(base + metaSuffix)
	if err != nil {
		return nil, err
	}
	body, err := os.ReadFile(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if int64(len(body)) != meta.SizeBytes {
		// 正文与 meta 不一致时视为未命中，等待下一次写入覆盖。
		return nil, ErrNotFound
	}
	meta.Body = body

	return &Entry{
		Locator:  locator,
		Snapshot: meta,
		FilePath: base + bodySuffix,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, locator Locator, snapshot Snapshot) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	base, err := s.entryBase(locator)
	if err != nil {
		return nil, err
	}

	space := s.namespaceLock(locator.Origin, locator.Namespace)
	space.RLock()
	defer space.RUnlock()

	if s.isEvicted(locator.Origin, locator.Namespace) {
		return nil, ErrNamespaceEvicted
	}

	unlock := s.lockEntry(locator)
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return nil, err
	}

	snap := snapshot.Clone()
	if snap.Method == "" {
		snap.Method = locator.Method
	}
	if snap.URL == "" {
		snap.URL = locator.URL
	}
	if snap.StoredAt.IsZero() {
		snap.StoredAt = time.Now().UTC()
	}
	snap.SizeBytes = int64(len(snap.Body))

	if err := writeAtomic(base+bodySuffix, snap.Body); err != nil {
		return nil, err
	}
	metaBytes, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(base+metaSuffix, metaBytes); err != nil {
		return nil, err
	}

	return &Entry{
		Locator:  locator,
		Snapshot: snap,
		FilePath: base + bodySuffix,
	}, nil
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	base, err := s.entryBase(locator)
	if err != nil {
		return err
	}

	unlock := s.lockEntry(locator)
	defer unlock()

	// 先删 meta，条目立即不可见。
	for _, suffix := range []string{metaSuffix, bodySuffix} {
		if err := os.Remove(base + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *fileStore) Prepare(ctx context.Context, origin, namespace string) error {
	dir, err := s.namespaceDir(origin, namespace)
	if err != nil {
		return err
	}

	space := s.namespaceLock(origin, namespace)
	space.Lock()
	defer space.Unlock()

	s.mu.Lock()
	delete(s.evicted, spaceKey(origin, namespace))
	s.mu.Unlock()

	return os.MkdirAll(dir, 0o755)
}

func (s *fileStore) Namespaces(ctx context.Context, origin string) ([]string, error) {
	if err := validateSegment("origin", origin); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.basePath, origin))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if s.isEvicted(origin, entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) DeleteNamespace(ctx context.Context, origin, namespace string) error {
	dir, err := s.namespaceDir(origin, namespace)
	if err != nil {
		return err
	}

	space := s.namespaceLock(origin, namespace)
	space.Lock()
	defer space.Unlock()

	s.mu.Lock()
	s.evicted[spaceKey(origin, namespace)] = struct{}{}
	s.mu.Unlock()

	// 先整体改名再删除，避免读到半删除的目录。
	trash := filepath.Join(s.basePath, origin, fmt.Sprintf("%s%s-%d", evictingPrefix, namespace, time.Now().UnixNano()))
	if err := os.Rename(dir, trash); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return os.RemoveAll(trash)
}

func (s *fileStore) Stats(ctx context.Context, origin, namespace string) (NamespaceStats, error) {
	var stats NamespaceStats
	dir, err := s.namespaceDir(origin, namespace)
	if err != nil {
		return stats, err
	}
	if s.isEvicted(origin, namespace) {
		return stats, nil
	}

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), metaSuffix) {
			return nil
		}
		meta, err := readMeta(path)
		if err != nil {
			return nil
		}
		stats.Entries++
		stats.SizeBytes += meta.SizeBytes
		return ctx.Err()
	})
	if errors.Is(err, fs.ErrNotExist) {
		return stats, nil
	}
	return stats, err
}

func (s *fileStore) lockEntry(locator Locator) func() {
	key := locatorKey(locator)
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) namespaceLock(origin, namespace string) *sync.RWMutex {
	key := spaceKey(origin, namespace)
	s.mu.Lock()
	defer s.mu.Unlock()
	lock := s.spaces[key]
	if lock == nil {
		lock = &sync.RWMutex{}
		s.spaces[key] = lock
	}
	return lock
}

func (s *fileStore) isEvicted(origin, namespace string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.evicted[spaceKey(origin, namespace)]
	return ok
}

func (s *fileStore) namespaceDir(origin, namespace string) (string, error) {
	if err := validateSegment("origin", origin); err != nil {
		return "", err
	}
	if err := validateSegment("namespace", namespace); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, origin, namespace), nil
}

// entryBase 返回不含后缀的条目路径。
func (s *fileStore) entryBase(locator Locator) (string, error) {
	dir, err := s.namespaceDir(locator.Origin, locator.Namespace)
	if err != nil {
		return "", err
	}
	if locator.URL == "" {
		return "", errors.New("cache url required")
	}
	key := locator.Key()
	return filepath.Join(dir, key[:2], key), nil
}

// ValidateNamespace 检查命名空间能否作为单级目录名使用。
func ValidateNamespace(namespace string) error {
	return validateSegment("namespace", namespace)
}

func validateSegment(field, value string) error {
	switch {
	case value == "":
		return fmt.Errorf("%s required", field)
	case value == "." || value == "..", strings.HasPrefix(value, "."):
		return fmt.Errorf("invalid %s %q", field, value)
	case strings.ContainsAny(value, `/\`):
		return fmt.Errorf("invalid %s %q", field, value)
	}
	return nil
}

func readMeta(path string) (Snapshot, error) {
	var meta Snapshot
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return meta, ErrNotFound
		}
		return meta, err
	}
	if info.IsDir() {
		return meta, ErrNotFound
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return meta, ErrNotFound
		}
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, ErrNotFound
	}
	return meta, nil
}

func writeAtomic(target string, data []byte) error {
	tempFile, err := os.CreateTemp(filepath.Dir(target), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func spaceKey(origin, namespace string) string {
	return origin + "::" + namespace
}

func locatorKey(locator Locator) string {
	return spaceKey(locator.Origin, locator.Namespace) + "::" + locator.Key()
}
