// Package queue persists mutating requests that failed with a transport
// error and replays them once connectivity returns. Records survive process
// restarts and are replayed in enqueue order; delivery is at-least-once, so
// the origin must tolerate duplicates.
package queue

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	seqKey       = "seq"
	recordPrefix = "q:"
)

// Mutation 是一条待重放的写请求。Body 在入队时已经读完，
// 重放时按原样重新发送。
type Mutation struct {
	ID         uint64
	URL        string
	Method     string
	Headers    map[string]string
	Body       []byte
	EnqueuedAt time.Time
}

// Queue 是 LevelDB 支撑的持久化 FIFO 队列。id 用大端序编码进键，
// 使 LevelDB 的字典序枚举天然等于入队顺序。
type Queue struct {
	db     *leveldb.DB
	logger *logrus.Logger

	mu sync.Mutex
}

// Open 打开（必要时创建）QueuePath 下的队列数据库。
func Open(path string, logger *logrus.Logger) (*Queue, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open offline queue: %w", err)
	}
	return &Queue{db: db, logger: logger}, nil
}

// Close 关闭底层数据库。
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue 持久化一条失败的写请求。计数器与记录在同一个 Batch 内落盘，
// 保证单条记录的原子性。
func (q *Queue) Enqueue(m Mutation) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id, err := q.nextID()
	if err != nil {
		return 0, err
	}

	m.ID = id
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now().UTC()
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return 0, err
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(seqKey), encodeID(id))
	batch.Put(recordKey(id), buf.Bytes())
	if err := q.db.Write(batch, nil); err != nil {
		return 0, err
	}
	return id, nil
}

// All 按入队顺序返回全部记录。
func (q *Queue) All() ([]Mutation, error) {
	it := q.db.NewIterator(util.BytesPrefix([]byte(recordPrefix)), nil)
	defer it.Release()

	var out []Mutation
	for it.Next() {
		var m Mutation
		if err := gob.NewDecoder(bytes.NewReader(it.Value())).Decode(&m); err != nil {
			return nil, fmt.Errorf("decode queued mutation: %w", err)
		}
		out = append(out, m)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete 移除单条记录；仅在重放确认成功后调用。
func (q *Queue) Delete(id uint64) error {
	return q.db.Delete(recordKey(id), nil)
}

// Len 返回当前排队的记录数。
func (q *Queue) Len() (int, error) {
	it := q.db.NewIterator(util.BytesPrefix([]byte(recordPrefix)), nil)
	defer it.Release()

	count := 0
	for it.Next() {
		count++
	}
	return count, it.Error()
}

// ReplayAll 逐条重放排队的写请求。任何 HTTP 响应（包括 4xx/5xx）都算
// 服务器给出了答案，记录随即删除；只有传输级失败才把记录留待下次重放。
// 连续传输失败之间按指数退避暂停，避免在断网时空转。
func (q *Queue) ReplayAll(ctx context.Context, client *http.Client) error {
	mutations, err := q.All()
	if err != nil {
		return err
	}
	if len(mutations) == 0 {
		return nil
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	policy.Reset()

	replayed := 0
	for _, m := range mutations {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := q.replayOne(ctx, client, m); err != nil {
			if q.logger != nil {
				q.logger.WithFields(logrus.Fields{
					"action": "replay_mutation",
					"id":     m.ID,
					"url":    m.URL,
					"method": m.Method,
				}).Warn(err.Error())
			}

			wait := policy.NextBackOff()
			if wait == backoff.Stop {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		policy.Reset()
		if err := q.Delete(m.ID); err != nil {
			return err
		}
		replayed++
	}

	if q.logger != nil {
		q.logger.WithFields(logrus.Fields{
			"action":   "replay_done",
			"replayed": replayed,
			"queued":   len(mutations),
		}).Info("offline replay finished")
	}
	return nil
}

// replayOne 重新发出请求。返回 error 仅代表传输失败；
// 上游的任何状态码都视为投递成功。
func (q *Queue) replayOne(ctx context.Context, client *http.Client, m Mutation) error {
	var body io.Reader
	if len(m.Body) > 0 {
		body = bytes.NewReader(m.Body)
	}

	req, err := http.NewRequestWithContext(ctx, m.Method, m.URL, body)
	if err != nil {
		return err
	}
	for k, v := range m.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (q *Queue) nextID() (uint64, error) {
	raw, err := q.db.Get([]byte(seqKey), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return 1, nil
		}
		return 0, err
	}
	return binary.BigEndian.Uint64(raw) + 1, nil
}

func recordKey(id uint64) []byte {
	return append([]byte(recordPrefix), encodeID(id)...)
}

func encodeID(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}
