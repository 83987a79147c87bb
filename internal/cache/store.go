package cache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// Resource 是一条完整缓存条目。只有上游 200 的全量响应才会被写入；
// 206 永远不会直接入库，只在读取时切片重建。
type Resource struct {
	Key       string
	Status    int
	Headers   map[string]string
	Body      []byte
	SizeBytes int64
	StoredAt  time.Time
}

// resourceMeta 是与正文分开存储的元数据，枚举与体积统计不必解码正文。
type resourceMeta struct {
	Status    int
	Headers   map[string]string
	SizeBytes int64
	StoredAt  time.Time
}

// Store 管理单个命名空间内的缓存条目，体积索引增量维护，
// 避免每次写入都重新扫描正文。
type Store struct {
	db     *leveldb.DB
	prefix string
	// maxBytes <= 0 表示不设预算（static/dynamic 命名空间）。
	maxBytes int64

	mu        sync.Mutex
	index     map[string]int64
	totalSize int64
}

func newStore(db *leveldb.DB, prefix string, maxBytes int64) (*Store, error) {
	s := &Store{
		db:       db,
		prefix:   prefix,
		maxBytes: maxBytes,
		index:    map[string]int64{},
	}
	if err := s.loadIndex(); err != nil {
		return nil, fmt.Errorf("load cache index: %w", err)
	}
	return s, nil
}

func (s *Store) metaKey(key string) []byte {
	return []byte("ns:" + s.prefix + ":m:" + key)
}

func (s *Store) bodyKey(key string) []byte {
	return []byte("ns:" + s.prefix + ":b:" + key)
}

// loadIndex 在进程启动时用前缀迭代重建体积索引。
func (s *Store) loadIndex() error {
	it := s.db.NewIterator(prefixRange("ns:"+s.prefix+":m:"), nil)
	defer it.Release()

	prefixLen := len("ns:" + s.prefix + ":m:")
	idx := map[string]int64{}
	var total int64
	for it.Next() {
		key := string(it.Key()[prefixLen:])
		var meta resourceMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta.SizeBytes
		total += meta.SizeBytes
	}
	if err := it.Error(); err != nil {
		return err
	}

	s.mu.Lock()
	s.index = idx
	s.totalSize = total
	s.mu.Unlock()
	return nil
}

// Put 存储一条完整响应并随后检查体积预算。非 200 响应直接拒绝，
// 这是保证范围重建正确性的前提。
func (s *Store) Put(key string, status int, headers map[string]string, body []byte) error {
	if status != http.StatusOK {
		return fmt.Errorf("refusing to cache partial response: status %d", status)
	}

	meta := resourceMeta{
		Status:    status,
		Headers:   cloneHeaders(headers),
		SizeBytes: int64(len(body)),
		StoredAt:  time.Now().UTC(),
	}
	encoded, err := encodeGob(meta)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put(s.metaKey(key), encoded)
	batch.Put(s.bodyKey(key), body)
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}

	s.mu.Lock()
	if prev, ok := s.index[key]; ok {
		s.totalSize -= prev
	}
	s.index[key] = meta.SizeBytes
	s.totalSize += meta.SizeBytes
	s.mu.Unlock()

	return s.evictIfNeeded()
}

// Get 返回完整缓存条目，未命中时返回 ErrNotFound。
func (s *Store) Get(key string) (*Resource, error) {
	rawMeta, err := s.db.Get(s.metaKey(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta resourceMeta
	if err := decodeGob(rawMeta, &meta); err != nil {
		return nil, err
	}

	body, err := s.db.Get(s.bodyKey(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &Resource{
		Key:       key,
		Status:    meta.Status,
		Headers:   meta.Headers,
		Body:      body,
		SizeBytes: meta.SizeBytes,
		StoredAt:  meta.StoredAt,
	}, nil
}

// Delete 移除单条缓存；键不存在时视为成功。
func (s *Store) Delete(key string) error {
	batch := new(leveldb.Batch)
	batch.Delete(s.metaKey(key))
	batch.Delete(s.bodyKey(key))
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}

	s.mu.Lock()
	if prev, ok := s.index[key]; ok {
		s.totalSize -= prev
		delete(s.index, key)
	}
	s.mu.Unlock()
	return nil
}

// Keys 按枚举序（LevelDB 的字典序）返回全部键。
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.index))
	for k := range s.index {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// TotalSize 返回命名空间当前的正文总字节数。
func (s *Store) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

// Len 返回条目数。
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// Clear 删除命名空间内所有条目。
func (s *Store) Clear() error {
	if err := deletePrefix(s.db, "ns:"+s.prefix+":"); err != nil {
		return err
	}
	s.mu.Lock()
	s.index = map[string]int64{}
	s.totalSize = 0
	s.mu.Unlock()
	return nil
}

// evictIfNeeded 在总体积超出预算时按枚举序淘汰约 30% 的条目，
// 条目体积悬殊时一轮可能不够，循环直到回到预算之内。
// 这是按条数而非体积计算的近似策略，不是严格 LRU。
func (s *Store) evictIfNeeded() error {
	if s.maxBytes <= 0 {
		return nil
	}

	for {
		s.mu.Lock()
		over := s.totalSize > s.maxBytes && len(s.index) > 0
		s.mu.Unlock()
		if !over {
			return nil
		}

		keys := s.Keys()
		for _, key := range keys[:victimCount(len(keys))] {
			if err := s.Delete(key); err != nil {
				return err
			}
		}
	}
}

// victimCount 对条目数向上取整 30%。
func victimCount(n int) int {
	if n == 0 {
		return 0
	}
	count := (n*3 + 9) / 10
	if count > n {
		count = n
	}
	return count
}

func cloneHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	return out
}

func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
