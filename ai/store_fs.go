package ai

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// fileLockStripes is the number of lock stripes guarding session files.
const fileLockStripes = 64

// FileStore 实现了基于文件系统的 SessionStore (JSONL 格式)。
// 每个 Session 的历史记录存储在单独的文件中，每行一个 JSON 对象。
// 同一会话的操作通过分段锁串行化，不同会话大概率落在不同分段上并行执行。
type FileStore struct {
	baseDir     string
	maxMessages int
	logger      *slog.Logger
	stripes     [fileLockStripes]sync.Mutex
}

// NewFileStore 创建一个新的 FileStore。
// baseDir: 存储历史记录的目录路径。
func NewFileStore(baseDir string, maxMessages int, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FileStore{
		baseDir:     baseDir,
		maxMessages: maxMessages,
		logger:      logger,
	}, nil
}

func (s *FileStore) lock(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return &s.stripes[h.Sum32()%fileLockStripes]
}

// getFilePath 返回指定 SessionID 的文件路径。
// SessionID 经 base64url 编码，避免路径遍历与文件名冲突。
func (s *FileStore) getFilePath(sessionID string) string {
	safeID := base64.RawURLEncoding.EncodeToString([]byte(sessionID))
	return filepath.Join(s.baseDir, safeID+".jsonl")
}

// appendToFile 追加多行 JSON 记录到文件
func (s *FileStore) appendToFile(path string, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}

	// 以追加模式打开文件，如果不存在则创建
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	// json.Encoder 默认会在末尾加 \n，符合 JSONL 规范
	encoder := json.NewEncoder(f)
	encoder.SetEscapeHTML(false) // 保持原始字符，不转义 <, >, &
	for _, msg := range messages {
		if err := encoder.Encode(msg); err != nil {
			return err
		}
	}
	return nil
}

// readFile 逐行读取文件获取历史记录
func (s *FileStore) readFile(path string) ([]Message, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return []Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	messages := []Message{}
	scanner := bufio.NewScanner(f)

	// 增加 Buffer 大小以支持超长单行（默认 64KB 可能不够）
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 5*1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			// 遇到坏行，记录警告并跳过，保证最大容错性
			s.logger.Warn("skipping malformed history line", "path", path, "line", lineNum, "error", err)
			continue
		}
		if msg.Role == "ai" {
			msg.Role = RoleAssistant
		}
		messages = append(messages, msg)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning history file: %w", err)
	}

	return TrimHistory(messages, s.maxMessages), nil
}

// Extend 追加写入并读回完整历史
func (s *FileStore) Extend(ctx context.Context, sessionID string, messages []Message) ([]Message, error) {
	if sessionID == "" {
		return nil, ErrEmptySession
	}
	mu := s.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	path := s.getFilePath(sessionID)
	if err := s.appendToFile(path, messages); err != nil {
		return nil, fmt.Errorf("failed to append history: %w", err)
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		// 空批次也要让会话变为存在状态
		if err := os.WriteFile(path, nil, 0644); err != nil {
			return nil, fmt.Errorf("failed to create history file: %w", err)
		}
	}
	return s.readFile(path)
}

// History 读取会话历史
func (s *FileStore) History(ctx context.Context, sessionID string) ([]Message, error) {
	mu := s.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()
	return s.readFile(s.getFilePath(sessionID))
}

// Clear 清空会话历史（删除文件）
func (s *FileStore) Clear(ctx context.Context, sessionID string) error {
	mu := s.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	err := os.Remove(s.getFilePath(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Len 统计目录下的会话文件数量
func (s *FileStore) Len(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return 0, fmt.Errorf("failed to list history directory: %w", err)
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".jsonl") {
			n++
		}
	}
	return n, nil
}
