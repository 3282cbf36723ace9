package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// 磁盘布局：
//
//	<StoragePath>/<partition>/.partition        # 创建时间（UnixNano）
//	<StoragePath>/<partition>/<sha1(key)>.entry # zstd 压缩后的 key 行 + HTTP 报文
const (
	partitionMarker = ".partition"
	entrySuffix     = ".entry"
)

// NewFileStorage 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewFileStorage(basePath string) (Storage, error) {
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

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
		encoder:  encoder,
		decoder:  decoder,
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入，EncodeAll/DecodeAll 可并发调用。
type fileStore struct {
	basePath string

	// dirMu 串行化分区目录的创建与删除。
	dirMu     sync.Mutex
	lastStamp int64

	mu    sync.Mutex
	locks map[string]*entryLock

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type filePartition struct {
	store *fileStore
	name  string
	dir   string
}

func (s *fileStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidatePartitionName(name); err != nil {
		return nil, err
	}

	dir := filepath.Join(s.basePath, name)

	s.dirMu.Lock()
	defer s.dirMu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	marker := filepath.Join(dir, partitionMarker)
	if _, err := os.Stat(marker); errors.Is(err, fs.ErrNotExist) {
		stamp := strconv.FormatInt(s.nextStamp(), 10)
		if err := os.WriteFile(marker, []byte(stamp), 0o644); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	return &filePartition{store: s, name: name, dir: dir}, nil
}

// nextStamp 返回单调递增的创建时间，保证同一纳秒内创建的分区仍有序。调用方持有 dirMu。
func (s *fileStore) nextStamp() int64 {
	now := time.Now().UnixNano()
	if now <= s.lastStamp {
		now = s.lastStamp + 1
	}
	s.lastStamp = now
	return now
}

func (s *fileStore) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.dirMu.Lock()
	defer s.dirMu.Unlock()

	dirEntries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}

	type named struct {
		name    string
		created int64
	}
	found := make([]named, 0, len(dirEntries))
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.basePath, de.Name(), partitionMarker))
		if err != nil {
			// 没有标记文件的目录不是分区
			continue
		}
		created, _ := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
		found = append(found, named{name: de.Name(), created: created})
	}
	sort.SliceStable(found, func(i, j int) bool {
		if found[i].created != found[j].created {
			return found[i].created < found[j].created
		}
		return found[i].name < found[j].name
	})

	names := make([]string, len(found))
	for i, n := range found {
		names[i] = n.name
	}
	return names, nil
}

func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := ValidatePartitionName(name); err != nil {
		return false, err
	}

	s.dirMu.Lock()
	defer s.dirMu.Unlock()

	dir := filepath.Join(s.basePath, name)
	if _, err := os.Stat(filepath.Join(dir, partitionMarker)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) Match(ctx context.Context, key Key) (*Response, error) {
	return matchAll(ctx, s, key)
}

func (s *fileStore) Close() error {
	s.encoder.Close()
	s.decoder.Close()
	return nil
}

func (p *filePartition) Name() string {
	return p.name
}

func (p *filePartition) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(p.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	storedKey, resp, err := p.store.decode(raw)
	if err != nil {
		return nil, err
	}
	// sha1 冲突时 key 行不一致，按未命中处理
	if storedKey != key {
		return nil, ErrNotFound
	}
	return resp, nil
}

func (p *filePartition) Put(ctx context.Context, key Key, resp *Response) error {
	return p.PutAll(ctx, []Entry{{Key: key, Response: resp}})
}

func (p *filePartition) PutAll(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, entry := range entries {
		if err := validateEntry(entry.Key, entry.Response); err != nil {
			return err
		}
	}

	unlock := p.store.lockEntries(p.name, entries)
	defer unlock()

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return err
	}

	// 先全部写入临时文件，再逐个 rename，失败时清理所有临时文件。
	temps := make([]string, 0, len(entries))
	cleanup := func() {
		for _, name := range temps {
			os.Remove(name)
		}
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			cleanup()
			return err
		}
		payload, err := p.store.encode(entry.Key, entry.Response)
		if err != nil {
			cleanup()
			return err
		}
		tempName, err := writeTemp(p.dir, payload)
		if err != nil {
			cleanup()
			return err
		}
		temps = append(temps, tempName)
	}

	// rename 阶段中途失败时，把已替换的条目恢复成原内容（或删除新建的条目）。
	// 并发读者在 rename 阶段可能看到部分新条目，但单个条目不会读到半截内容。
	applied := make([]appliedRename, 0, len(entries))
	for i, entry := range entries {
		dst := p.entryPath(entry.Key)
		step, err := replaceEntry(temps[i], dst)
		if err != nil {
			temps = temps[i:]
			cleanup()
			rollbackRenames(applied)
			return err
		}
		applied = append(applied, step)
	}
	for _, step := range applied {
		if step.backup != "" {
			os.Remove(step.backup)
		}
	}
	return nil
}

type appliedRename struct {
	dst    string
	backup string
}

// renameFile 便于测试注入 rename 失败。
var renameFile = os.Rename

// replaceEntry 先把已有条目挪到 .prev，再把临时文件移到目标位置。
func replaceEntry(temp, dst string) (appliedRename, error) {
	step := appliedRename{dst: dst}
	backup := dst + ".prev"
	if err := renameFile(dst, backup); err == nil {
		step.backup = backup
	} else if !errors.Is(err, fs.ErrNotExist) {
		return step, err
	}
	if err := renameFile(temp, dst); err != nil {
		if step.backup != "" {
			renameFile(step.backup, dst)
		}
		return step, err
	}
	return step, nil
}

func rollbackRenames(applied []appliedRename) {
	for i := len(applied) - 1; i >= 0; i-- {
		step := applied[i]
		if step.backup != "" {
			renameFile(step.backup, step.dst)
			continue
		}
		os.Remove(step.dst)
	}
}

func (p *filePartition) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(p.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]Key, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), entrySuffix) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(p.dir, de.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		key, _, err := p.store.decode(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", de.Name(), err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (p *filePartition) entryPath(key Key) string {
	sum := sha1.Sum([]byte(key.String()))
	return filepath.Join(p.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func (s *fileStore) encode(key Key, resp *Response) ([]byte, error) {
	plain, err := encodeEntry(key, resp)
	if err != nil {
		return nil, err
	}
	return s.encoder.EncodeAll(plain, nil), nil
}

func (s *fileStore) decode(raw []byte) (Key, *Response, error) {
	plain, err := s.decoder.DecodeAll(raw, nil)
	if err != nil {
		return Key{}, nil, fmt.Errorf("decompress cache entry: %w", err)
	}
	return decodeEntry(plain)
}

func writeTemp(dir string, payload []byte) (string, error) {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return "", err
	}
	tempName := tempFile.Name()
	_, err = tempFile.Write(payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return "", err
	}
	return tempName, nil
}

// lockEntries 按排序后的 key 依次加锁，避免批量写入之间互相死锁。
func (s *fileStore) lockEntries(partition string, entries []Entry) func() {
	keys := make([]string, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		k := partition + "::" + entry.Key.String()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	unlocks := make([]func(), 0, len(keys))
	for _, k := range keys {
		unlocks = append(unlocks, s.lockEntry(k))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func (s *fileStore) lockEntry(key string) func() {
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
