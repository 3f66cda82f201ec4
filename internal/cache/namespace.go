package cache

import (
	"context"
	_ "crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
)

const (
	metaSuffix = ".meta.json"
	bodySuffix = ".body.zst"
)

// namespace 是 fileStore 下的单个命名空间目录。
type namespace struct {
	store *fileStore
	name  string
	dir   string
}

// entryMeta 是 <digest>.meta.json 的内容。
type entryMeta struct {
	Method     string      `json:"method"`
	URL        string      `json:"url"`
	StatusCode int         `json:"status_code"`
	Status     string      `json:"status"`
	Header     http.Header `json:"header"`
	SizeBytes  int64       `json:"size_bytes"`
	StoredAt   time.Time   `json:"stored_at"`
}

// stagedEntry 是已写入临时文件、尚未 rename 到位的条目。
type stagedEntry struct {
	base     string
	metaTemp string
	bodyTemp string
}

func (n *namespace) Name() string {
	return n.name
}

func (n *namespace) Match(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := RequestKey(req)
	if err != nil {
		return nil, ErrNotFound
	}
	base := n.entryBase(key)

	unlock := n.store.lockEntry(base)
	defer unlock()

	raw, err := os.ReadFile(base + metaSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode cache metadata: %w", err)
	}

	f, err := os.Open(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open cache body: %w", err)
	}

	return meta.response(req, &bodyReader{dec: dec, file: f}), nil
}

func (n *namespace) Put(ctx context.Context, req *http.Request, resp *http.Response) error {
	if resp == nil {
		return errors.New("response required")
	}
	defer closeBody(resp)

	staged, err := n.stage(ctx, req, resp)
	if err != nil {
		return err
	}
	return n.commit([]*stagedEntry{staged})
}

func (n *namespace) AddAll(ctx context.Context, fetcher Fetcher, urls []string) error {
	if fetcher == nil {
		return errors.New("fetcher required")
	}

	staged := make([]*stagedEntry, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	if n.store.fetchConcurrency > 0 {
		g.SetLimit(n.store.fetchConcurrency)
	}
	for i, rawURL := range urls {
		g.Go(func() error {
			entry, err := n.fetchAndStage(gctx, fetcher, rawURL)
			if err != nil {
				return err
			}
			staged[i] = entry
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		discard(staged)
		return err
	}
	return n.commit(staged)
}

func (n *namespace) fetchAndStage(ctx context.Context, fetcher Fetcher, rawURL string) (*stagedEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	resp, err := fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	defer closeBody(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	entry, err := n.stage(ctx, req, resp)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	return entry, nil
}

// stage 把响应写入命名空间目录中的临时文件，body 使用 zstd 压缩。
func (n *namespace) stage(ctx context.Context, req *http.Request, resp *http.Response) (*stagedEntry, error) {
	key, err := RequestKey(req)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(n.dir, 0o755); err != nil {
		return nil, err
	}

	bodyTemp, err := os.CreateTemp(n.dir, ".body-*")
	if err != nil {
		return nil, err
	}
	bodyName := bodyTemp.Name()

	written, err := compressBody(ctx, bodyTemp, resp.Body)
	closeErr := bodyTemp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(bodyName)
		return nil, err
	}

	meta := entryMeta{
		Method:     http.MethodGet,
		URL:        strings.TrimPrefix(key, http.MethodGet+" "),
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     storableHeader(resp.Header),
		SizeBytes:  written,
		StoredAt:   time.Now().UTC(),
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		os.Remove(bodyName)
		return nil, err
	}
	metaTemp, err := os.CreateTemp(n.dir, ".meta-*")
	if err != nil {
		os.Remove(bodyName)
		return nil, err
	}
	metaName := metaTemp.Name()
	_, err = metaTemp.Write(payload)
	closeErr = metaTemp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(bodyName)
		os.Remove(metaName)
		return nil, err
	}

	return &stagedEntry{
		base:     n.entryBase(key),
		metaTemp: metaName,
		bodyTemp: bodyName,
	}, nil
}

// commit 将暂存条目 rename 到位。body 先于 meta，meta 存在即代表条目完整。
// commit 把暂存条目 rename 到位。任一条目失败时回滚本次已提交的条目并恢复被覆盖的旧文件。
func (n *namespace) commit(entries []*stagedEntry) error {
	n.store.commitMu.Lock()
	defer n.store.commitMu.Unlock()

	done := make([]*commitRecord, 0, len(entries))
	for i, entry := range entries {
		if entry == nil {
			continue
		}
		rec, err := n.commitOne(entry)
		if err != nil {
			discard(entries[i:])
			for j := len(done) - 1; j >= 0; j-- {
				n.rollback(done[j])
			}
			return fmt.Errorf("commit entry: %w", err)
		}
		done = append(done, rec)
	}
	for _, rec := range done {
		for _, backup := range rec.backups {
			os.Remove(backup)
		}
	}
	return nil
}

// commitRecord 记录一次提交放置的新文件以及被移开的旧文件，用于回滚。
type commitRecord struct {
	base    string
	placed  []string
	backups map[string]string
}

func (n *namespace) commitOne(entry *stagedEntry) (*commitRecord, error) {
	unlock := n.store.lockEntry(entry.base)
	defer unlock()

	rec := &commitRecord{base: entry.base, backups: make(map[string]string, 2)}
	metaPath, bodyPath := entry.base+metaSuffix, entry.base+bodySuffix

	// 旧 meta 先移开、新 meta 最后到位，读者只会看到未命中或成对的新文件。
	for _, final := range []string{metaPath, bodyPath} {
		backup, err := n.moveAside(final)
		if err != nil {
			n.restore(rec)
			return nil, err
		}
		if backup != "" {
			rec.backups[final] = backup
		}
	}
	for _, step := range [][2]string{{entry.bodyTemp, bodyPath}, {entry.metaTemp, metaPath}} {
		if err := os.Rename(step[0], step[1]); err != nil {
			n.restore(rec)
			return nil, err
		}
		rec.placed = append(rec.placed, step[1])
	}
	return rec, nil
}

func (n *namespace) rollback(rec *commitRecord) {
	unlock := n.store.lockEntry(rec.base)
	defer unlock()
	n.restore(rec)
}

// restore 需在持有条目锁时调用。
func (n *namespace) restore(rec *commitRecord) {
	for _, placed := range rec.placed {
		os.Remove(placed)
	}
	// body 先于 meta 恢复。
	for _, final := range []string{rec.base + bodySuffix, rec.base + metaSuffix} {
		if backup, ok := rec.backups[final]; ok {
			os.Rename(backup, final)
		}
	}
	rec.placed = nil
	rec.backups = map[string]string{}
}

// moveAside 把已存在的文件移到隐藏的备份路径，文件不存在时返回空字符串。
func (n *namespace) moveAside(final string) (string, error) {
	if _, err := os.Lstat(final); errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	tmp, err := os.CreateTemp(n.dir, ".prev-*")
	if err != nil {
		return "", err
	}
	backup := tmp.Name()
	tmp.Close()
	if err := os.Rename(final, backup); err != nil {
		os.Remove(backup)
		return "", err
	}
	return backup, nil
}

func (n *namespace) Requests(ctx context.Context) ([]RequestInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(n.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var infos []RequestInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(n.dir, entry.Name()))
		if err != nil {
			continue
		}
		var meta entryMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		infos = append(infos, RequestInfo{
			Method:     meta.Method,
			URL:        meta.URL,
			StatusCode: meta.StatusCode,
			SizeBytes:  meta.SizeBytes,
			StoredAt:   meta.StoredAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].URL < infos[j].URL
	})
	return infos, nil
}

func (n *namespace) Delete(ctx context.Context, req *http.Request) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key, err := RequestKey(req)
	if err != nil {
		return false, nil
	}
	base := n.entryBase(key)

	unlock := n.store.lockEntry(base)
	defer unlock()

	err = os.Remove(base + metaSuffix)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := os.Remove(base + bodySuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return true, err
	}
	return true, nil
}

func (n *namespace) entryBase(key string) string {
	return filepath.Join(n.dir, digest.FromString(key).Encoded())
}

func (m entryMeta) response(req *http.Request, body io.ReadCloser) *http.Response {
	status := m.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", m.StatusCode, http.StatusText(m.StatusCode))
	}
	header := m.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        status,
		StatusCode:    m.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          body,
		ContentLength: m.SizeBytes,
		Request:       req,
	}
}

// bodyReader 串联 zstd 解码器与底层文件的生命周期。
type bodyReader struct {
	dec  *zstd.Decoder
	file *os.File
}

func (r *bodyReader) Read(p []byte) (int, error) {
	return r.dec.Read(p)
}

func (r *bodyReader) Close() error {
	r.dec.Close()
	return r.file.Close()
}

// compressBody 流式压缩 src 并返回未压缩的字节数。
func compressBody(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	enc, err := zstd.NewWriter(dst, zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true))
	if err != nil {
		return 0, err
	}
	if src == nil {
		src = http.NoBody
	}
	written, err := copyWithContext(ctx, enc, src)
	closeErr := enc.Close()
	if err == nil {
		err = closeErr
	}
	return written, err
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

// storableHeader 去掉与传输相关、落盘后失效的头部。
func storableHeader(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, values := range src {
		switch http.CanonicalHeaderKey(key) {
		case "Connection", "Keep-Alive", "Transfer-Encoding", "Content-Length", "Trailer", "Upgrade":
			continue
		}
		dst[http.CanonicalHeaderKey(key)] = append([]string(nil), values...)
	}
	return dst
}

func discard(entries []*stagedEntry) {
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		os.Remove(entry.bodyTemp)
		os.Remove(entry.metaTemp)
	}
}

func closeBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
}
