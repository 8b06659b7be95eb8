package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"listrelay/backend/internal/config"
	"listrelay/backend/internal/health"
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

// main 启动常驻的 HTTP 触发服务。
//
// 与 cmd/relay 的 cron 形态等价，只是把"一轮运行"暴露成
// POST /cron/run，交给外部调度器（或 cron 的 curl）来敲。
// 并发触发由文件互斥锁串行化，被占时返回 409。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
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
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	log.Info("starting relayd",
		zap.String("list_address", cfg.Relay.ListAddress),
		zap.String("log_level", cfg.Log.Level),
	)

	store, err := openStore(cfg, log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize storage: %v", err))
	}
	defer store.Close()

	metrics := monitoring.NewMetrics()
	checker := health.NewChecker(store, log)
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

	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/cron/run", func(c *gin.Context) {
		if err := p.Run(); err != nil {
			if errors.Is(err, pipeline.ErrLocked) {
				c.JSON(http.StatusConflict, gin.H{"error": "another run is in progress"})
				return
			}
			log.Error("triggered relay run failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "completed"})
	})
	router.GET("/health/live", gin.WrapF(checker.LiveHandler()))
	router.GET("/health/ready", gin.WrapF(checker.ReadyHandler()))
	router.GET("/metrics", gin.WrapH(metrics.HTTPHandler()))

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("relayd terminated", zap.Error(err))
		return
	}
	log.Info("relayd stopped")
}

// openStore 按配置打开存储，与 cmd/relay 的选择逻辑一致。
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

	log.Warn("using memory storage (development mode)")
	return memory.NewStore(), nil
}
