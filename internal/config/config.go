package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 relayd HTTP 触发服务的监听配置
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// MailboxConfig 定义共享收件邮箱的连接参数
type MailboxConfig struct {
	URI      string // imap:// 或 imaps:// 形式的服务地址
	Username string
	Password string
	Folder   string // 轮询的文件夹，默认 "INBOX"
}

// SMTPConfig 定义出站提交通道的连接参数
type SMTPConfig struct {
	Address         string // 提交服务地址，格式 "host:port"
	Username        string
	Password        string
	From            string // 列表邮箱地址，作为出站信封与 From 头
	UseTLS          bool   // true 走隐式 TLS，false 走 STARTTLS
	BouncePerMinute int    // 回弹限速，0 表示不限
}

// RelayConfig 定义转发流水线的业务参数
type RelayConfig struct {
	ListAddress          string        // 共享列表邮箱地址（mailbox@host）
	LockDir              string        // 互斥锁标记文件目录
	LockName             string        // 互斥锁标记名
	LockTTL              time.Duration // 锁过期时长，默认 240s
	CheckpointWindowDays int           // 检查点缺失时的初始回溯天数
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 彩色控制台输出
	File        string // 轮转日志文件路径，留空只写标准输出
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type            string        // 数据库类型: "mysql" 或 "postgres"，留空用内存存储
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// MetricsConfig 定义监控指标上报配置
type MetricsConfig struct {
	PushURL string // Pushgateway 地址，留空不推送
	Job     string // 推送的 job 标签，默认 "listrelay"
}

// Config 是转发中继的根配置结构体
type Config struct {
	Server   ServerConfig
	Mailbox  MailboxConfig
	SMTP     SMTPConfig
	Relay    RelayConfig
	Log      LogConfig
	Database DatabaseConfig
	Metrics  MetricsConfig
}

// Load 从环境变量和 .env 文件加载配置。
//
// 加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: LISTRELAY_
// 例如: LISTRELAY_MAILBOX_URI, LISTRELAY_SMTP_ADDRESS
func Load() (*Config, error) {
	loadEnvFile()

	viper.SetEnvPrefix("listrelay")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("mailbox.uri", "")
	viper.SetDefault("mailbox.username", "")
	viper.SetDefault("mailbox.password", "")
	viper.SetDefault("mailbox.folder", "INBOX")
	viper.SetDefault("smtp.address", "")
	viper.SetDefault("smtp.username", "")
	viper.SetDefault("smtp.password", "")
	viper.SetDefault("smtp.from", "")
	viper.SetDefault("smtp.use_tls", true)
	viper.SetDefault("smtp.bounce_per_minute", 10)
	viper.SetDefault("relay.list_address", "")
	viper.SetDefault("relay.lock_dir", os.TempDir())
	viper.SetDefault("relay.lock_name", "relay_run")
	viper.SetDefault("relay.lock_ttl", "240s")
	viper.SetDefault("relay.checkpoint_window_days", 7)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.file", "")
	viper.SetDefault("database.type", "") // 默认为空，使用内存存储
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("metrics.push_url", "")
	viper.SetDefault("metrics.job", "listrelay")

	lockTTL, err := time.ParseDuration(viper.GetString("relay.lock_ttl"))
	if err != nil || lockTTL <= 0 {
		lockTTL = 240 * time.Second
	}

	connMaxLifetime, err := time.ParseDuration(viper.GetString("database.conn_max_lifetime"))
	if err != nil {
		connMaxLifetime = 5 * time.Minute
	}

	windowDays := viper.GetInt("relay.checkpoint_window_days")
	if windowDays <= 0 {
		windowDays = 7
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		Mailbox: MailboxConfig{
			URI:      viper.GetString("mailbox.uri"),
			Username: viper.GetString("mailbox.username"),
			Password: viper.GetString("mailbox.password"),
			Folder:   viper.GetString("mailbox.folder"),
		},
		SMTP: SMTPConfig{
			Address:         viper.GetString("smtp.address"),
			Username:        viper.GetString("smtp.username"),
			Password:        viper.GetString("smtp.password"),
			From:            viper.GetString("smtp.from"),
			UseTLS:          viper.GetBool("smtp.use_tls"),
			BouncePerMinute: viper.GetInt("smtp.bounce_per_minute"),
		},
		Relay: RelayConfig{
			ListAddress:          viper.GetString("relay.list_address"),
			LockDir:              viper.GetString("relay.lock_dir"),
			LockName:             viper.GetString("relay.lock_name"),
			LockTTL:              lockTTL,
			CheckpointWindowDays: windowDays,
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			File:        viper.GetString("log.file"),
		},
		Database: DatabaseConfig{
			Type:            viper.GetString("database.type"),
			DSN:             viper.GetString("database.dsn"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
		},
		Metrics: MetricsConfig{
			PushURL: viper.GetString("metrics.push_url"),
			Job:     viper.GetString("metrics.job"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate 校验必填项；转发中继没有可以猜测的默认邮箱。
func (c *Config) validate() error {
	if c.Mailbox.URI == "" {
		return fmt.Errorf("mailbox.uri is required (set LISTRELAY_MAILBOX_URI)")
	}
	if !strings.HasPrefix(c.Mailbox.URI, "imap://") && !strings.HasPrefix(c.Mailbox.URI, "imaps://") {
		return fmt.Errorf("mailbox.uri must use the imap:// or imaps:// scheme")
	}
	if c.Relay.ListAddress == "" {
		return fmt.Errorf("relay.list_address is required (set LISTRELAY_RELAY_LIST_ADDRESS)")
	}
	if !strings.Contains(c.Relay.ListAddress, "@") {
		return fmt.Errorf("relay.list_address must be a mailbox@host address")
	}
	if c.SMTP.Address == "" {
		return fmt.Errorf("smtp.address is required (set LISTRELAY_SMTP_ADDRESS)")
	}
	if c.SMTP.From == "" {
		return fmt.Errorf("smtp.from is required (set LISTRELAY_SMTP_FROM)")
	}
	if c.Database.Type != "" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required when database.type is set")
	}
	return nil
}

// loadEnvFile 尝试加载 .env 文件。
//
// 先找当前目录，再找父目录（从 backend/ 子目录运行时）。
// 文件不存在时静默跳过，已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}
	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
