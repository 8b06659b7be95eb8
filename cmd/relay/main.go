package main

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"listrelay/backend/internal/config"
	"listrelay/backend/internal/lock"
	"listrelay/backend/internal/logger"
	"listrelay/backend/internal/mailbox"
	"listrelay/backend/internal/mailer"
	"listrelay/backend/internal/monitoring"
	"listrelay/backend/internal/pipeline"
	"listrelay/backend/internal/storage"
	"listrelay/backend/internal/storage/memory"
	sqlstore "listrelay/backend/internal/storage/sql"
)

// main 是 cron 调度的一次性入口：跑一轮流水线然后退出。
//
// 退出码：0 正常完成（含因锁被占而跳过），1 配置或运行故障。
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting relay run",
		zap.String("list_address", cfg.Relay.ListAddress),
		zap.String("log_level", cfg.Log.Level),
	)

	store, err := openStore(cfg, log)
	if err != nil {
		log.Error("failed to initialize storage", zap.Error(err))
		os.Exit(1)
	}
	defer store.Close()

	metrics := monitoring.NewMetrics()
	mutex := lock.New(cfg.Relay.LockDir, cfg.Relay.LockTTL, log)
	opener := mailbox.NewIMAPOpener(mailbox.IMAPConfig{
		URI:      cfg.Mailbox.URI,
		Username: cfg.Mailbox.Username,
		Password: cfg.Mailbox.Password,
		Folder:   cfg.Mailbox.Folder,
	}, log)
	sender := mailer.NewSMTPSender(mailer.SMTPConfig{
		Address:         cfg.SMTP.Address,
		Username:        cfg.SMTP.Username,
		Password:        cfg.SMTP.Password,
		From:            cfg.SMTP.From,
		UseTLS:          cfg.SMTP.UseTLS,
		BouncePerMinute: cfg.SMTP.BouncePerMinute,
	}, log)

	p := pipeline.New(pipeline.Options{
		ListAddress:          cfg.Relay.ListAddress,
		LockName:             cfg.Relay.LockName,
		CheckpointWindowDays: cfg.Relay.CheckpointWindowDays,
	}, store, opener, sender, mutex, metrics, log)

	runErr := p.Run()

	if err := metrics.Push(cfg.Metrics.PushURL, cfg.Metrics.Job); err != nil {
		log.Warn("failed to push metrics", zap.Error(err))
	}

	switch {
	case runErr == nil:
		log.Info("relay run finished")
	case errors.Is(runErr, pipeline.ErrLocked):
		// 另一轮还在跑，正常情况，静默退出留给它干完
		log.Info("relay run skipped, another run holds the lock")
	default:
		log.Error("relay run failed", zap.Error(runErr))
		log.Sync()
		os.Exit(1)
	}
}

// openStore 按配置打开存储：配置了数据库用 SQL，否则退回内存
// 存储（仅限开发，登记表不落盘意味着每轮都是全新状态）。
func openStore(cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	if cfg.Database.Type != "" && cfg.Database.DSN != "" {
		store, err := sqlstore.NewStore(
			cfg.Database.Type,
			cfg.Database.DSN,
			cfg.Database.MaxOpenConns,
			cfg.Database.MaxIdleConns,
			cfg.Database.ConnMaxLifetime,
		)
		if err != nil {
			return nil, err
		}
		log.Info("using database storage", zap.String("type", cfg.Database.Type))
		return store, nil
	}

	log.Warn("using memory storage (development mode), registry will not survive this run")
	return memory.NewStore(), nil
}
