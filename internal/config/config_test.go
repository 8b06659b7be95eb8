package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	// 保存原始环境变量
	originalEnvs := make(map[string]string)
	envKeys := []string{
		"LISTRELAY_MAILBOX_URI",
		"LISTRELAY_MAILBOX_USERNAME",
		"LISTRELAY_MAILBOX_PASSWORD",
		"LISTRELAY_MAILBOX_FOLDER",
		"LISTRELAY_SMTP_ADDRESS",
		"LISTRELAY_SMTP_FROM",
		"LISTRELAY_SMTP_USE_TLS",
		"LISTRELAY_SMTP_BOUNCE_PER_MINUTE",
		"LISTRELAY_RELAY_LIST_ADDRESS",
		"LISTRELAY_RELAY_LOCK_TTL",
		"LISTRELAY_RELAY_CHECKPOINT_WINDOW_DAYS",
		"LISTRELAY_LOG_LEVEL",
		"LISTRELAY_DATABASE_TYPE",
		"LISTRELAY_DATABASE_DSN",
		"LISTRELAY_SERVER_PORT",
	}
	for _, key := range envKeys {
		originalEnvs[key] = os.Getenv(key)
	}
	defer func() {
		for key, value := range originalEnvs {
			if value == "" {
				os.Unsetenv(key)
			} else {
				os.Setenv(key, value)
			}
		}
	}()
	reset := func() {
		for _, key := range envKeys {
			os.Unsetenv(key)
		}
	}
	setRequired := func() {
		os.Setenv("LISTRELAY_MAILBOX_URI", "imaps://mail.example.org:993")
		os.Setenv("LISTRELAY_RELAY_LIST_ADDRESS", "list@example.org")
		os.Setenv("LISTRELAY_SMTP_ADDRESS", "mail.example.org:465")
		os.Setenv("LISTRELAY_SMTP_FROM", "list@example.org")
	}

	t.Run("加载默认配置成功", func(t *testing.T) {
		reset()
		setRequired()

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, "imaps://mail.example.org:993", cfg.Mailbox.URI)
		assert.Equal(t, "INBOX", cfg.Mailbox.Folder)
		assert.Equal(t, "list@example.org", cfg.Relay.ListAddress)
		assert.Equal(t, "relay_run", cfg.Relay.LockName)
		assert.Equal(t, 240*time.Second, cfg.Relay.LockTTL)
		assert.Equal(t, 7, cfg.Relay.CheckpointWindowDays)
		assert.True(t, cfg.SMTP.UseTLS)
		assert.Equal(t, 10, cfg.SMTP.BouncePerMinute)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.Empty(t, cfg.Database.Type)
		assert.Equal(t, 5*time.Minute, cfg.Database.ConnMaxLifetime)
		assert.Empty(t, cfg.Metrics.PushURL)
		assert.Equal(t, "listrelay", cfg.Metrics.Job)
	})

	t.Run("加载自定义配置成功", func(t *testing.T) {
		reset()
		setRequired()
		os.Setenv("LISTRELAY_MAILBOX_FOLDER", "Relay")
		os.Setenv("LISTRELAY_RELAY_LOCK_TTL", "2m")
		os.Setenv("LISTRELAY_RELAY_CHECKPOINT_WINDOW_DAYS", "3")
		os.Setenv("LISTRELAY_LOG_LEVEL", "debug")
		os.Setenv("LISTRELAY_SERVER_PORT", "9090")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "Relay", cfg.Mailbox.Folder)
		assert.Equal(t, 2*time.Minute, cfg.Relay.LockTTL)
		assert.Equal(t, 3, cfg.Relay.CheckpointWindowDays)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, 9090, cfg.Server.Port)
	})

	t.Run("缺少邮箱地址报错", func(t *testing.T) {
		reset()
		setRequired()
		os.Unsetenv("LISTRELAY_MAILBOX_URI")

		_, err := Load()
		assert.ErrorContains(t, err, "mailbox.uri")
	})

	t.Run("错误的邮箱协议报错", func(t *testing.T) {
		reset()
		setRequired()
		os.Setenv("LISTRELAY_MAILBOX_URI", "http://mail.example.org")

		_, err := Load()
		assert.ErrorContains(t, err, "imap")
	})

	t.Run("缺少列表地址报错", func(t *testing.T) {
		reset()
		setRequired()
		os.Unsetenv("LISTRELAY_RELAY_LIST_ADDRESS")

		_, err := Load()
		assert.ErrorContains(t, err, "relay.list_address")
	})

	t.Run("列表地址缺少主机部分报错", func(t *testing.T) {
		reset()
		setRequired()
		os.Setenv("LISTRELAY_RELAY_LIST_ADDRESS", "not-an-address")

		_, err := Load()
		assert.ErrorContains(t, err, "mailbox@host")
	})

	t.Run("配置数据库类型但缺连接串报错", func(t *testing.T) {
		reset()
		setRequired()
		os.Setenv("LISTRELAY_DATABASE_TYPE", "postgres")

		_, err := Load()
		assert.ErrorContains(t, err, "database.dsn")
	})

	t.Run("非法锁时长回退默认值", func(t *testing.T) {
		reset()
		setRequired()
		os.Setenv("LISTRELAY_RELAY_LOCK_TTL", "soon")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 240*time.Second, cfg.Relay.LockTTL)
	})
}
