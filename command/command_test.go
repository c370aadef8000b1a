package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/IMBotPlatform/OpenAIService/ai"
	"github.com/IMBotPlatform/OpenAIService/config"
	"github.com/IMBotPlatform/OpenAIService/storage"
)

func TestParser(t *testing.T) {
	p := NewParser()
	tests := []struct {
		in      string
		command bool
		tokens  []string
		argRaw  string
	}{
		{"/reset", true, []string{"reset"}, ""},
		{"  /Model   gpt-4o  ", true, []string{"model", "gpt-4o"}, "gpt-4o"},
		{"/session  a  b", true, []string{"session", "a", "b"}, "a  b"},
		{"hello /reset", false, nil, ""},
		{"/", false, nil, ""},
		{"/ reset", false, nil, ""},
		{"//not a command", false, nil, ""},
		{"", false, nil, ""},
	}
	for _, tt := range tests {
		got := p.Parse(tt.in)
		if got.IsCommand != tt.command {
			t.Errorf("Parse(%q).IsCommand = %v, want %v", tt.in, got.IsCommand, tt.command)
			continue
		}
		if got.Raw != tt.in {
			t.Errorf("Parse(%q).Raw = %q", tt.in, got.Raw)
		}
		if !tt.command {
			continue
		}
		if !reflect.DeepEqual(got.Tokens, tt.tokens) {
			t.Errorf("Parse(%q).Tokens = %q, want %q", tt.in, got.Tokens, tt.tokens)
		}
		if got.ArgumentRaw != tt.argRaw {
			t.Errorf("Parse(%q).ArgumentRaw = %q, want %q", tt.in, got.ArgumentRaw, tt.argRaw)
		}
	}

	custom := Parser{Prefix: "!"}
	if got := custom.Parse("!exit"); !got.IsCommand || got.Tokens[0] != "exit" {
		t.Errorf("custom prefix: %+v", got)
	}
}

func TestNewLoggerTee(t *testing.T) {
	var console, persisted bytes.Buffer
	sink := slog.NewJSONHandler(&persisted, &slog.HandlerOptions{Level: slog.LevelError})

	logger, err := newLogger(config.LogConfig{Level: "debug", Format: "text"}, &console, sink)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger = logger.With("component", "test")
	logger.Debug("debug line")
	logger.Error("boom", "code", 7)

	if !strings.Contains(console.String(), "debug line") || !strings.Contains(console.String(), "boom") {
		t.Errorf("console = %q", console.String())
	}
	if strings.Contains(persisted.String(), "debug line") {
		t.Errorf("sink received debug record: %q", persisted.String())
	}
	if !strings.Contains(persisted.String(), `"component":"test"`) || !strings.Contains(persisted.String(), `"code":7`) {
		t.Errorf("sink = %q", persisted.String())
	}

	if _, err := newLogger(config.LogConfig{Level: "loud", Format: "text"}, &console, nil); err == nil {
		t.Error("unknown level accepted")
	}

	var jsonOut bytes.Buffer
	logger, _ = newLogger(config.LogConfig{Level: "info", Format: "json"}, &jsonOut, nil)
	logger.Info("hello")
	if !json.Valid(bytes.TrimSpace(jsonOut.Bytes())) {
		t.Errorf("json format produced %q", jsonOut.String())
	}
}

func TestSweepInterval(t *testing.T) {
	tests := map[time.Duration]time.Duration{
		0:                  time.Minute,
		2 * time.Minute:    time.Minute,
		20 * time.Minute:   5 * time.Minute,
		24 * time.Hour:     time.Hour,
		7 * 24 * time.Hour: time.Hour,
	}
	for retention, want := range tests {
		if got := sweepInterval(retention); got != want {
			t.Errorf("sweepInterval(%s) = %s, want %s", retention, got, want)
		}
	}
}

// fakeStreamer 回显最后一条消息。
type fakeStreamer struct {
	mu     sync.Mutex
	calls  [][]ai.Message
	models []string
	fail   error
}

func (f *fakeStreamer) Stream(ctx context.Context, model string, messages []ai.Message, opts ...ai.ChatOption) (<-chan ai.Chunk, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]ai.Message(nil), messages...))
	f.models = append(f.models, model)
	f.mu.Unlock()

	ch := make(chan ai.Chunk, 3)
	ch <- ai.Chunk{Content: "echo: "}
	if f.fail != nil {
		ch <- ai.Chunk{Err: f.fail}
	} else {
		ch <- ai.Chunk{Content: messages[len(messages)-1].Content}
	}
	close(ch)
	return ch, nil
}

type fakeRecorder struct {
	records []*storage.Record
}

func (f *fakeRecorder) Upsert(ctx context.Context, rec *storage.Record) error {
	f.records = append(f.records, rec)
	return nil
}

func newTestChat(t *testing.T, sessionID string, opts ...ai.ContextOption) (*chatSession, *fakeStreamer, *fakeRecorder, *bytes.Buffer) {
	t.Helper()
	store, err := ai.NewMemoryStore(10, 0)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	streamer := &fakeStreamer{}
	rec := &fakeRecorder{}
	out := &bytes.Buffer{}
	return &chatSession{
		chat:      streamer,
		contexts:  ai.NewContextManager(store, nil, opts...),
		history:   rec,
		fallback:  "gpt-4o-mini",
		sessionID: sessionID,
		parser:    NewParser(),
		out:       out,
	}, streamer, rec, out
}

func TestChatREPL(t *testing.T) {
	c, streamer, rec, out := newTestChat(t, "s1")
	input := strings.Join([]string{
		"hello",
		"/model gpt-x",
		"second",
		"/history",
		"/unknown",
		"/reset",
		"",
		"/exit",
		"never sent",
	}, "\n")

	if err := c.repl(context.Background(), strings.NewReader(input)); err != nil {
		t.Fatalf("repl: %v", err)
	}

	if len(streamer.calls) != 2 {
		t.Fatalf("provider calls = %d, want 2", len(streamer.calls))
	}
	second := streamer.calls[1]
	want := []ai.Message{
		ai.NewMessage(ai.RoleUser, "hello"),
		ai.NewMessage(ai.RoleAssistant, "echo: hello"),
		ai.NewMessage(ai.RoleUser, "second"),
	}
	if !reflect.DeepEqual(second, want) {
		t.Errorf("second call messages = %v, want %v", second, want)
	}
	if streamer.models[0] != "" || streamer.models[1] != "gpt-x" {
		t.Errorf("models = %q", streamer.models)
	}

	got := out.String()
	for _, s := range []string{
		"echo: hello\n",
		"model gpt-x\n",
		"[user] hello\n",
		"[assistant] echo: second\n",
		"error: command not found: /unknown\n",
		"session cleared\n",
	} {
		if !strings.Contains(got, s) {
			t.Errorf("output lacks %q:\n%s", s, got)
		}
	}

	if len(rec.records) != 2 {
		t.Fatalf("recorded %d exchanges, want 2", len(rec.records))
	}
	if rec.records[0].Model != "gpt-4o-mini" || rec.records[1].Model != "gpt-x" || rec.records[1].SessionID != "s1" {
		t.Errorf("records = %+v, %+v", rec.records[0], rec.records[1])
	}

	history, _ := c.contexts.Store().History(context.Background(), "s1")
	if len(history) != 0 {
		t.Errorf("history after /reset = %v", history)
	}
}

func TestChatREPL_SwitchSession(t *testing.T) {
	c, streamer, _, out := newTestChat(t, "s1")
	input := "a\n/session other\nb\n/new\nc\n"
	if err := c.repl(context.Background(), strings.NewReader(input)); err != nil {
		t.Fatalf("repl: %v", err)
	}
	for i, call := range streamer.calls {
		if len(call) != 1 {
			t.Errorf("call %d carried %d messages, want a fresh session", i, len(call))
		}
	}
	if c.sessionID == "s1" || c.sessionID == "other" {
		t.Errorf("/new kept session %q", c.sessionID)
	}
	if !strings.Contains(out.String(), "session other\n") {
		t.Errorf("output = %q", out.String())
	}
}

func TestChatOneShot(t *testing.T) {
	c, streamer, rec, out := newTestChat(t, "")
	if err := c.send(context.Background(), "ping"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if out.String() != "echo: ping\n" {
		t.Errorf("output = %q", out.String())
	}
	if len(streamer.calls[0]) != 1 {
		t.Errorf("messages = %v", streamer.calls[0])
	}
	if n, _ := c.contexts.Store().Len(context.Background()); n != 0 {
		t.Errorf("one-shot chat created %d sessions", n)
	}
	if len(rec.records) != 1 || rec.records[0].SessionID != "" {
		t.Errorf("records = %v", rec.records)
	}
}

func TestChatStreamFailure(t *testing.T) {
	c, streamer, rec, _ := newTestChat(t, "s1")
	streamer.fail = &ai.CompletionError{Kind: ai.KindProvider, Err: errors.New("upstream")}

	err := c.send(context.Background(), "hi")
	if ai.KindOf(err) != ai.KindProvider {
		t.Fatalf("err = %v, want provider failure", err)
	}
	history, _ := c.contexts.Store().History(context.Background(), "s1")
	if len(history) != 1 || history[0].Role != ai.RoleUser {
		t.Errorf("history = %v, want only the user message", history)
	}
	if len(rec.records) != 0 {
		t.Errorf("failed exchange recorded")
	}
}

func TestChatContextBudget(t *testing.T) {
	c, streamer, rec, _ := newTestChat(t, "s1",
		ai.WithMaxContextTokens(5),
		ai.WithContextTokenCounter(func(_, text string) int { return len(text) }),
	)

	err := c.send(context.Background(), "too long")
	if ai.KindOf(err) != ai.KindContextTooLong {
		t.Fatalf("err = %v, want context_too_long", err)
	}
	if len(streamer.calls) != 0 {
		t.Errorf("provider called %d times", len(streamer.calls))
	}
	if len(rec.records) != 0 {
		t.Errorf("rejected exchange recorded")
	}
}

func TestChatRecordRepliesOnce(t *testing.T) {
	c, _, _, _ := newTestChat(t, "s1", ai.WithRecordReplies(true))
	if err := c.send(context.Background(), "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}

	history, _ := c.contexts.Store().History(context.Background(), "s1")
	want := []ai.Message{
		ai.NewMessage(ai.RoleUser, "hi"),
		ai.NewMessage(ai.RoleAssistant, "echo: hi"),
	}
	if !reflect.DeepEqual(history, want) {
		t.Errorf("history = %v, want %v", history, want)
	}
}

func TestOpenSessionStore(t *testing.T) {
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "s.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	tests := []struct {
		cfg  ai.ContextConfig
		want string
	}{
		{ai.ContextConfig{}, "*ai.MemoryStore"},
		{ai.ContextConfig{Backend: "memory", Capacity: 5}, "*ai.MemoryStore"},
		{ai.ContextConfig{Backend: "file", Dir: t.TempDir()}, "*ai.FileStore"},
		{ai.ContextConfig{Backend: "sqlite"}, "*storage.SessionStore"},
	}
	for _, tt := range tests {
		store, err := openSessionStore(tt.cfg, db, nil)
		if err != nil {
			t.Fatalf("openSessionStore(%q): %v", tt.cfg.Backend, err)
		}
		if got := fmt.Sprintf("%T", store); got != tt.want {
			t.Errorf("backend %q: got %s, want %s", tt.cfg.Backend, got, tt.want)
		}
	}
	if _, err := openSessionStore(ai.ContextConfig{Backend: "redis"}, db, nil); err == nil {
		t.Error("unknown backend accepted")
	}
}

// writeConfig 在临时目录写入配置文件，返回配置路径与数据库路径。
func writeConfig(t *testing.T, backend string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "service.db")
	body := fmt.Sprintf(`
server:
  addr: "127.0.0.1:0"
  shutdown_timeout: 5s
database:
  path: %q
log:
  level: error
  persist_level: error
ai:
  context:
    backend: %s
    retention: 1h
`, dbPath, backend)
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path, dbPath
}

func openDB(t *testing.T, path string) *storage.DB {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: path, PoolSize: 1})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	return db
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := Execute(context.Background(), args, &out, io.Discard)
	return out.String(), err
}

func seedHistory(t *testing.T, dbPath string) {
	t.Helper()
	db := openDB(t, dbPath)
	defer db.Close()
	h := storage.NewHistoryStore(db)
	for i, model := range []string{"gpt-4o-mini", "claude", "gpt-4o-mini"} {
		err := h.Upsert(context.Background(), &storage.Record{
			ID:             fmt.Sprintf("rec-%d", i),
			Model:          model,
			Request:        `[{"role":"user","content":"q"}]`,
			Response:       "answer\nline two",
			TokensUsed:     10 * (i + 1),
			ResponseTimeMS: 100,
		})
		if err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
}

func TestStatsCommand(t *testing.T) {
	cfgPath, dbPath := writeConfig(t, "memory")
	seedHistory(t, dbPath)

	out, err := run(t, "--config", cfgPath, "stats", "--json")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var stats storage.Statistics
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if stats.TotalRequests != 3 || stats.TotalTokens != 60 || stats.RequestsByModel["gpt-4o-mini"] != 2 {
		t.Errorf("stats = %+v", stats)
	}

	out, err = run(t, "--config", cfgPath, "stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out, "total requests") || !strings.Contains(out, "claude") {
		t.Errorf("table output = %q", out)
	}
}

func TestHistoryCommands(t *testing.T) {
	cfgPath, dbPath := writeConfig(t, "memory")
	seedHistory(t, dbPath)

	out, err := run(t, "--config", cfgPath, "history", "list", "--model", "gpt-4o-mini", "--json")
	if err != nil {
		t.Fatalf("history list: %v", err)
	}
	var page struct {
		Total   int              `json:"total"`
		Records []storage.Record `json:"records"`
	}
	if err := json.Unmarshal([]byte(out), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 2 || len(page.Records) != 2 {
		t.Errorf("page = %+v", page)
	}

	out, err = run(t, "--config", cfgPath, "history", "list")
	if err != nil {
		t.Fatalf("history list: %v", err)
	}
	if !strings.Contains(out, "answer line two") || !strings.Contains(out, "3 of 3 records") {
		t.Errorf("table output = %q", out)
	}

	if _, err := run(t, "--config", cfgPath, "history", "list", "--page-size", "500"); !errors.Is(err, storage.ErrInvalidPage) {
		t.Errorf("oversized page err = %v", err)
	}
	if _, err := run(t, "--config", cfgPath, "history", "list", "--since", "last week"); err == nil {
		t.Error("bad --since accepted")
	}

	out, err = run(t, "--config", cfgPath, "history", "show", "rec-1")
	if err != nil || !strings.Contains(out, `"model": "claude"`) {
		t.Errorf("show: %v %q", err, out)
	}
	if _, err := run(t, "--config", cfgPath, "history", "delete", "rec-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := run(t, "--config", cfgPath, "history", "show", "rec-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("show after delete err = %v", err)
	}
}

func TestSessionsCommands(t *testing.T) {
	cfgPath, dbPath := writeConfig(t, "sqlite")
	db := openDB(t, dbPath)
	store := storage.NewSessionStore(db, 0)
	for _, id := range []string{"s1", "s2"} {
		if _, err := store.Extend(context.Background(), id, []ai.Message{ai.NewMessage(ai.RoleUser, "hi")}); err != nil {
			t.Fatalf("Extend: %v", err)
		}
	}
	db.Close()

	out, err := run(t, "--config", cfgPath, "sessions", "count")
	if err != nil || strings.TrimSpace(out) != "2" {
		t.Fatalf("count = %q, %v", out, err)
	}
	if _, err := run(t, "--config", cfgPath, "sessions", "clear", "s1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	out, _ = run(t, "--config", cfgPath, "sessions", "count")
	if strings.TrimSpace(out) != "1" {
		t.Errorf("count after clear = %q", out)
	}
	out, err = run(t, "--config", cfgPath, "sessions", "sweep")
	if err != nil || !strings.Contains(out, "removed 0 sessions") {
		t.Errorf("sweep = %q, %v", out, err)
	}

	memCfg, _ := writeConfig(t, "memory")
	if _, err := run(t, "--config", memCfg, "sessions", "count"); !errors.Is(err, ErrInProcessStore) {
		t.Errorf("memory backend err = %v", err)
	}
}

func TestLogsCommand(t *testing.T) {
	cfgPath, dbPath := writeConfig(t, "memory")
	db := openDB(t, dbPath)
	logger := slog.New(storage.NewLogSink(db, slog.LevelError))
	logger.Error("upstream failed", "model", "gpt-4o-mini")
	db.Close()

	out, err := run(t, "--config", cfgPath, "logs", "-n", "5")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if !strings.Contains(out, "upstream failed") || !strings.Contains(out, `"model":"gpt-4o-mini"`) {
		t.Errorf("logs output = %q", out)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	cfgPath, _ := writeConfig(t, "sqlite")
	a, err := openApp(&rootOptions{configPath: cfgPath}, io.Discard)
	if err != nil {
		t.Fatalf("openApp: %v", err)
	}
	defer a.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		cancel()
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}

func TestUnknownConfigFile(t *testing.T) {
	if _, err := run(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "stats"); err == nil {
		t.Error("missing config file accepted")
	}
}
