package cache

import (
	"fmt"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// 命名空间的逻辑名，世代后缀由 Namespaces 统一拼接。
const (
	NamespaceStatic  = "static"
	NamespaceDynamic = "dynamic"
	NamespaceAudio   = "audio"
)

const namespaceListPrefix = "nslist:"

// Namespaces 管理一个 LevelDB 实例内按部署世代分组的命名空间。
// generation 在构造时注入一次，之后不可变；Activate 做的是
// 全量切换——旧世代的命名空间整体删除，从不迁移或合并。
type Namespaces struct {
	db         *leveldb.DB
	generation string

	mu     sync.Mutex
	opened map[string]*Store
}

// OpenNamespaces 打开（必要时创建）StoragePath 下的缓存数据库。
func OpenNamespaces(path, generation string) (*Namespaces, error) {
	if generation == "" {
		return nil, fmt.Errorf("cache generation required")
	}
	if strings.Contains(generation, ":") {
		return nil, fmt.Errorf("cache generation must not contain ':': %s", generation)
	}

	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}

	return &Namespaces{
		db:         db,
		generation: generation,
		opened:     map[string]*Store{},
	}, nil
}

// Generation 返回当前部署世代标识。
func (n *Namespaces) Generation() string {
	return n.generation
}

// Open 返回逻辑名对应的当前世代 Store，并把完整名登记到持久化名单，
// 供下一次 Activate 枚举。同名重复打开返回同一实例。
func (n *Namespaces) Open(name string, maxBytes int64) (*Store, error) {
	full := name + "-" + n.generation

	n.mu.Lock()
	defer n.mu.Unlock()

	if store, ok := n.opened[full]; ok {
		return store, nil
	}

	// 名单的值记录世代标识：世代之间可能互为后缀（如 "v1" 与 "1"），
	// 从键名反推会误判，比较必须基于存下来的原值。
	if err := n.db.Put([]byte(namespaceListPrefix+full), []byte(n.generation), nil); err != nil {
		return nil, fmt.Errorf("register namespace %s: %w", full, err)
	}

	store, err := newStore(n.db, full, maxBytes)
	if err != nil {
		return nil, err
	}
	n.opened[full] = store
	return store, nil
}

// Activate 枚举持久化的命名空间名单，删除所有世代不匹配的命名空间。
// 没有宽限期：切换是原子的，旧世代数据一次性消失。重复调用无副作用。
func (n *Namespaces) Activate() (removed []string, err error) {
	it := n.db.NewIterator(util.BytesPrefix([]byte(namespaceListPrefix)), nil)
	defer it.Release()

	var stale []string
	for it.Next() {
		if string(it.Value()) == n.generation {
			continue
		}
		stale = append(stale, string(it.Key()[len(namespaceListPrefix):]))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}

	for _, full := range stale {
		if err := deletePrefix(n.db, "ns:"+full+":"); err != nil {
			return removed, fmt.Errorf("drop namespace %s: %w", full, err)
		}
		if err := n.db.Delete([]byte(namespaceListPrefix+full), nil); err != nil {
			return removed, err
		}
		removed = append(removed, full)
	}
	return removed, nil
}

// ClearAll 清空所有已打开命名空间的条目，对应用户手动触发的全量清理。
func (n *Namespaces) ClearAll() error {
	n.mu.Lock()
	stores := make([]*Store, 0, len(n.opened))
	for _, s := range n.opened {
		stores = append(stores, s)
	}
	n.mu.Unlock()

	for _, s := range stores {
		if err := s.Clear(); err != nil {
			return err
		}
	}
	return nil
}

// Close 关闭底层数据库。
func (n *Namespaces) Close() error {
	return n.db.Close()
}

// deletePrefix 批量删除某个键前缀下的全部记录。
func deletePrefix(db *leveldb.DB, prefix string) error {
	it := db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()

	batch := new(leveldb.Batch)
	for it.Next() {
		key := make([]byte, len(it.Key()))
		copy(key, it.Key())
		batch.Delete(key)
	}
	if err := it.Error(); err != nil {
		return err
	}
	return db.Write(batch, nil)
}

// prefixRange 是 util.BytesPrefix 的轻量包装，统一字符串入口。
func prefixRange(prefix string) *util.Range {
	return util.BytesPrefix([]byte(prefix))
}
