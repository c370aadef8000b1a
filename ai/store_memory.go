package ai

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSessionCapacity is used when MemoryStore is created with capacity <= 0.
const DefaultSessionCapacity = 10000

// sessionEntry 是单个会话的上下文，持有独立的锁，
// 使同一会话的写操作串行化而不同会话互不阻塞。
type sessionEntry struct {
	mu       sync.Mutex
	messages []Message
	evicted  atomic.Bool
}

// MemoryStore 是基于 LRU 的内存 SessionStore。
// 会话数量达到容量上限时淘汰最久未访问的会话；进程重启即丢失。
type MemoryStore struct {
	cache       *lru.Cache[string, *sessionEntry]
	maxMessages int
}

// NewMemoryStore creates a MemoryStore holding at most capacity sessions,
// each trimmed to its newest maxMessages messages (0 keeps all).
func NewMemoryStore(capacity, maxMessages int) (*MemoryStore, error) {
	if capacity <= 0 {
		capacity = DefaultSessionCapacity
	}
	cache, err := lru.NewWithEvict(capacity, func(_ string, entry *sessionEntry) {
		entry.evicted.Store(true)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}
	return &MemoryStore{cache: cache, maxMessages: maxMessages}, nil
}

// entry 获取会话条目；不存在时原子地创建。
// Get 命中会刷新 LRU 顺序，PeekOrAdd 保证并发首次访问只创建一个条目。
func (s *MemoryStore) entry(sessionID string) *sessionEntry {
	if e, ok := s.cache.Get(sessionID); ok {
		return e
	}
	fresh := &sessionEntry{}
	if prev, ok, _ := s.cache.PeekOrAdd(sessionID, fresh); ok {
		return prev
	}
	return fresh
}

// Extend 追加消息并返回完整历史快照。
func (s *MemoryStore) Extend(ctx context.Context, sessionID string, messages []Message) ([]Message, error) {
	if sessionID == "" {
		return nil, ErrEmptySession
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e := s.entry(sessionID)
		e.mu.Lock()
		if e.evicted.Load() {
			// 条目在获取与加锁之间被淘汰或清空，重新获取
			e.mu.Unlock()
			continue
		}
		e.messages = TrimHistory(append(e.messages, messages...), s.maxMessages)
		snapshot := cloneMessages(e.messages)
		e.mu.Unlock()
		return snapshot, nil
	}
}

// History 返回会话历史快照，不存在的会话返回空切片。
func (s *MemoryStore) History(ctx context.Context, sessionID string) ([]Message, error) {
	e, ok := s.cache.Get(sessionID)
	if !ok {
		return []Message{}, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneMessages(e.messages), nil
}

// Clear 删除会话。
func (s *MemoryStore) Clear(ctx context.Context, sessionID string) error {
	s.cache.Remove(sessionID)
	return nil
}

// Len 返回当前持有的会话数。
func (s *MemoryStore) Len(ctx context.Context) (int, error) {
	return s.cache.Len(), nil
}
