package command

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/IMBotPlatform/OpenAIService/ai"
	"github.com/IMBotPlatform/OpenAIService/config"
	"github.com/IMBotPlatform/OpenAIService/storage"
)

// app 聚合一次命令执行所需的依赖。
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *storage.DB
	sessions ai.SessionStore
	service  *ai.Service
	contexts *ai.ContextManager
	history  *storage.HistoryStore
}

// openApp 加载配置并按以下顺序初始化依赖：
//
//	config -> logger -> sqlite -> logger(+LogSink) -> session store -> ai.Service -> ContextManager
func openApp(opts *rootOptions, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Log.Format = opts.logFormat
	}

	logger, err := newLogger(cfg.Log, stderr, nil)
	if err != nil {
		return nil, err
	}

	db, err := storage.Open(storage.Config{
		Path:     cfg.Database.Path,
		PoolSize: cfg.Database.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Log.PersistLevel != "" {
		level, err := config.ParseLevel(cfg.Log.PersistLevel)
		if err != nil {
			db.Close()
			return nil, err
		}
		if logger, err = newLogger(cfg.Log, stderr, storage.NewLogSink(db, level)); err != nil {
			db.Close()
			return nil, err
		}
	}

	sessions, err := openSessionStore(cfg.AI.Context, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	service := ai.NewService(&cfg.AI, ai.WithLogger(logger))
	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		sessions: sessions,
		service:  service,
		contexts: ai.NewContextManagerFromConfig(cfg.AI.Context, sessions, service, ai.WithContextLogger(logger)),
		history:  storage.NewHistoryStore(db),
	}, nil
}

// Close 释放数据库连接。
func (a *app) Close() error {
	return a.db.Close()
}

// openSessionStore 按 context.backend 选择会话存储。
func openSessionStore(cfg ai.ContextConfig, db *storage.DB, logger *slog.Logger) (ai.SessionStore, error) {
	switch cfg.Backend {
	case "", "memory":
		store, err := ai.NewMemoryStore(cfg.Capacity, cfg.MaxMessages)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "file":
		store, err := ai.NewFileStore(cfg.Dir, cfg.MaxMessages, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "sqlite":
		return storage.NewSessionStore(db, cfg.MaxMessages), nil
	default:
		return nil, fmt.Errorf("unknown context backend %q", cfg.Backend)
	}
}
