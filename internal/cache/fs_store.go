package cache

import (
	"bufio"
	"bytes"
	"context"
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
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// 磁盘布局：
//
//	<basePath>/g-<xxhash(name)>/generation.json      # 缓存代描述（名称 + 创建时间）
//	<basePath>/g-<xxhash(name)>/<xxhash(key)>.entry  # JSON 头部一行 + 原始正文
//
// 条目按 key 的哈希寻址，读取时校验头部中的 key，避免哈希碰撞返回错误内容。
const (
	generationDirPrefix = "g-"
	descriptorName      = "generation.json"
	entrySuffix         = ".entry"
)

// NewFSStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewFSStore(basePath string) (Store, error) {
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
		now:      time.Now,
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入，genMu 串行化缓存代的创建与删除。
type fileStore struct {
	basePath string
	now      func() time.Time

	genMu sync.Mutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type generationDescriptor struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type entryHeader struct {
	Key       string      `json:"key"`
	Status    int         `json:"status"`
	Header    http.Header `json:"header"`
	StoredAt  time.Time   `json:"stored_at"`
	SizeBytes int64       `json:"size_bytes"`
}

type fsGeneration struct {
	store *fileStore
	name  string
}

func (s *fileStore) Open(ctx context.Context, name string) (Generation, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := s.ensureGeneration(name); err != nil {
		return nil, err
	}
	return &fsGeneration{store: s, name: name}, nil
}

func (s *fileStore) Match(ctx context.Context, key string) (*Snapshot, error) {
	descriptors, err := s.descriptors()
	if err != nil {
		return nil, err
	}
	for _, desc := range descriptors {
		snapshot, err := s.readEntry(ctx, desc.Name, key)
		if err == nil {
			return snapshot, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func (s *fileStore) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	descriptors, err := s.descriptors()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(descriptors))
	for i, desc := range descriptors {
		names[i] = desc.Name
	}
	return names, nil
}

// Delete 先把目录重命名为隐藏的回收目录再删除，读者不会看到半删除的缓存代。
func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	s.genMu.Lock()
	defer s.genMu.Unlock()

	dir := s.generationDir(name)
	if _, err := os.Stat(filepath.Join(dir, descriptorName)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	trash, err := os.MkdirTemp(s.basePath, ".trash-*")
	if err != nil {
		return false, err
	}
	target := filepath.Join(trash, filepath.Base(dir))
	if err := os.Rename(dir, target); err != nil {
		os.RemoveAll(trash)
		return false, err
	}
	if err := os.RemoveAll(trash); err != nil {
		return true, err
	}
	return true, nil
}

func (s *fileStore) Close() error {
	return nil
}

func (g *fsGeneration) Name() string {
	return g.name
}

func (g *fsGeneration) Match(ctx context.Context, key string) (*Snapshot, error) {
	return g.store.readEntry(ctx, g.name, key)
}

func (g *fsGeneration) Put(ctx context.Context, snapshot Snapshot) error {
	if err := g.store.ensureGeneration(g.name); err != nil {
		return err
	}
	staged, err := g.store.stageEntry(ctx, g.name, snapshot)
	if err != nil {
		return err
	}
	return g.store.commitEntry(staged)
}

// PutAll 先把整批条目写入临时文件，全部成功后才逐个 rename 到位；
// 任一条目失败时丢弃整批临时文件，已有条目保持不变。
func (g *fsGeneration) PutAll(ctx context.Context, snapshots []Snapshot) error {
	if err := g.store.ensureGeneration(g.name); err != nil {
		return err
	}
	staged := make([]stagedEntry, 0, len(snapshots))
	for _, snapshot := range snapshots {
		entry, err := g.store.stageEntry(ctx, g.name, snapshot)
		if err != nil {
			discardStaged(staged)
			return err
		}
		staged = append(staged, entry)
	}
	for i, entry := range staged {
		if err := g.store.commitEntry(entry); err != nil {
			discardStaged(staged[i+1:])
			return err
		}
	}
	return nil
}

func (s *fileStore) ensureGeneration(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("generation name required")
	}
	s.genMu.Lock()
	defer s.genMu.Unlock()

	dir := s.generationDir(name)
	descPath := filepath.Join(dir, descriptorName)
	if _, err := os.Stat(descPath); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	payload, err := json.Marshal(generationDescriptor{Name: name, CreatedAt: s.now().UTC()})
	if err != nil {
		return err
	}
	return writeFileAtomic(dir, descPath, bytes.NewReader(payload))
}

func (s *fileStore) descriptors() ([]generationDescriptor, error) {
	dirents, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	result := make([]generationDescriptor, 0, len(dirents))
	for _, dirent := range dirents {
		if !dirent.IsDir() || !strings.HasPrefix(dirent.Name(), generationDirPrefix) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.basePath, dirent.Name(), descriptorName))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		var desc generationDescriptor
		if err := json.Unmarshal(raw, &desc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", dirent.Name(), err)
		}
		result = append(result, desc)
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].Name < result[j].Name
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *fileStore) readEntry(ctx context.Context, name, key string) (*Snapshot, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	filePath := s.entryPath(name, key)
	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read entry header: %w", err)
	}
	var header entryHeader
	if err := json.Unmarshal(line, &header); err != nil {
		return nil, fmt.Errorf("decode entry header: %w", err)
	}
	if header.Key != key {
		return nil, ErrNotFound
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read entry body: %w", err)
	}
	if header.Header == nil {
		header.Header = http.Header{}
	}
	return &Snapshot{
		Key:      header.Key,
		Status:   header.Status,
		Header:   header.Header,
		Body:     body,
		StoredAt: header.StoredAt,
	}, nil
}

// stagedEntry 是已写入临时文件、尚未 rename 到位的条目。
type stagedEntry struct {
	temp   string
	target string
}

func (s *fileStore) stageEntry(ctx context.Context, name string, snapshot Snapshot) (stagedEntry, error) {
	if err := checkContext(ctx); err != nil {
		return stagedEntry{}, err
	}
	if snapshot.Key == "" {
		return stagedEntry{}, errors.New("snapshot key required")
	}

	filePath := s.entryPath(name, snapshot.Key)
	storedAt := snapshot.StoredAt
	if storedAt.IsZero() {
		storedAt = s.now().UTC()
	}
	header, err := json.Marshal(entryHeader{
		Key:       snapshot.Key,
		Status:    snapshot.Status,
		Header:    snapshot.Header,
		StoredAt:  storedAt,
		SizeBytes: int64(len(snapshot.Body)),
	})
	if err != nil {
		return stagedEntry{}, err
	}

	payload := io.MultiReader(bytes.NewReader(header), strings.NewReader("\n"), bytes.NewReader(snapshot.Body))
	temp, err := writeTempFile(filepath.Dir(filePath), payload)
	if err != nil {
		return stagedEntry{}, err
	}
	return stagedEntry{temp: temp, target: filePath}, nil
}

func (s *fileStore) commitEntry(entry stagedEntry) error {
	unlock := s.lockEntry(entry.target)
	defer unlock()
	if err := os.Rename(entry.temp, entry.target); err != nil {
		os.Remove(entry.temp)
		return err
	}
	return nil
}

func discardStaged(entries []stagedEntry) {
	for _, entry := range entries {
		os.Remove(entry.temp)
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

func (s *fileStore) generationDir(name string) string {
	return filepath.Join(s.basePath, generationDirPrefix+hashString(name))
}

func (s *fileStore) entryPath(name, key string) string {
	return filepath.Join(s.generationDir(name), hashString(key)+entrySuffix)
}

func hashString(value string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(value))
}

// writeFileAtomic 通过临时文件 + rename 写入，失败时清理临时文件。
func writeFileAtomic(dir, target string, body io.Reader) error {
	tempName, err := writeTempFile(dir, body)
	if err != nil {
		return err
	}
	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

// writeTempFile 把 body 写入 dir 下的临时文件并返回其路径，失败时不留残余。
func writeTempFile(dir string, body io.Reader) (string, error) {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return "", err
	}
	tempName := tempFile.Name()

	_, err = io.Copy(tempFile, body)
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
