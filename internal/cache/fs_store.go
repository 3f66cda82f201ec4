package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
)

const indexFileName = "namespaces.json"

// Option 调整磁盘存储的可选行为。
type Option func(*fileStore)

// WithFetchConcurrency 限制 AddAll 同时发起的回源请求数，n <= 0 表示不限制。
func WithFetchConcurrency(n int) Option {
	return func(s *fileStore) {
		s.fetchConcurrency = n
	}
}

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string, opts ...Option) (Storage, error) {
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

	s := &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}
	for _, opt := range opts {
		opt(s)
	}

	names, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	s.names = names
	return s, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入；mu 保护命名空间索引。
type fileStore struct {
	basePath         string
	fetchConcurrency int

	mu    sync.Mutex
	names []string

	// commitMu 串行化条目提交，回滚时不会覆盖其他提交放置的文件。
	commitMu sync.Mutex

	lockMu sync.Mutex
	locks  map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type indexFile struct {
	Namespaces []string `json:"namespaces"`
}

func (s *fileStore) Open(ctx context.Context, name string) (Namespace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.namespaceDir(name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create namespace %s: %w", name, err)
	}
	if !slices.Contains(s.names, name) {
		next := append(slices.Clone(s.names), name)
		if err := s.writeIndex(next); err != nil {
			return nil, err
		}
		s.names = next
	}

	return &namespace{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Match(ctx context.Context, req *http.Request) (*http.Response, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		dir, err := s.namespaceDir(name)
		if err != nil {
			continue
		}
		ns := &namespace{store: s, name: name, dir: dir}
		resp, err := ns.Match(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func (s *fileStore) Lookup(ctx context.Context, name string) (Namespace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.namespaceDir(name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.names, name) {
		return nil, fmt.Errorf("%w: namespace %s", ErrNotFound, name)
	}
	return &namespace{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.names, name), nil
}

func (s *fileStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.names), nil
}

func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.namespaceDir(name)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.Index(s.names, name)
	if idx < 0 {
		return false, nil
	}

	// 先把目录移出命名空间路径，再更新索引，避免删除中途被 Match 读到半个命名空间。
	trash, err := os.MkdirTemp(s.basePath, ".trash-*")
	if err != nil {
		return false, fmt.Errorf("delete namespace %s: %w", name, err)
	}
	moved := filepath.Join(trash, "ns")
	if err := os.Rename(dir, moved); err != nil && !errors.Is(err, fs.ErrNotExist) {
		os.Remove(trash)
		return false, fmt.Errorf("delete namespace %s: %w", name, err)
	}

	next := slices.Delete(slices.Clone(s.names), idx, idx+1)
	if err := s.writeIndex(next); err != nil {
		return false, err
	}
	s.names = next

	if err := os.RemoveAll(trash); err != nil {
		return true, fmt.Errorf("purge namespace %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStore) namespaceDir(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidNamespace)
	}
	escaped := escapeNamespace(name)
	if escaped == indexFileName {
		return "", fmt.Errorf("%w: %s is reserved", ErrInvalidNamespace, name)
	}
	return filepath.Join(s.basePath, escaped), nil
}

// loadIndex 读取命名空间索引；索引缺失时按目录名排序重建。
func (s *fileStore) loadIndex() ([]string, error) {
	raw, err := os.ReadFile(filepath.Join(s.basePath, indexFileName))
	switch {
	case err == nil:
		var idx indexFile
		if err := json.Unmarshal(raw, &idx); err != nil {
			return nil, fmt.Errorf("decode namespace index: %w", err)
		}
		return idx.Namespaces, nil
	case errors.Is(err, fs.ErrNotExist):
		return s.scanNamespaces()
	default:
		return nil, fmt.Errorf("read namespace index: %w", err)
	}
}

func (s *fileStore) scanNamespaces() ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("scan storage path: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		name, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) writeIndex(names []string) error {
	payload, err := json.MarshalIndent(indexFile{Namespaces: names}, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.basePath, indexFileName), payload)
}

func (s *fileStore) lockEntry(key string) func() {
	s.lockMu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.lockMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.lockMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.lockMu.Unlock()
	}
}

// escapeNamespace 将命名空间转换为安全的目录名；以 . 开头的名称会被转义，避免与临时目录冲突。
func escapeNamespace(name string) string {
	escaped := url.PathEscape(name)
	if strings.HasPrefix(escaped, ".") {
		escaped = "%2E" + escaped[1:]
	}
	return escaped
}

func writeFileAtomic(path string, payload []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
