package health

import (
	"net/http"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"listrelay/backend/internal/storage"
)

// Checker 健康检查器。
//
// 存活探针只看进程本身；就绪探针额外要求存储可达——
// relayd 在数据库掉线时不应接受触发请求。
type Checker struct {
	health healthcheck.Handler
	store  storage.Store
	logger *zap.Logger
}

// NewChecker 创建健康检查器。
func NewChecker(store storage.Store, logger *zap.Logger) *Checker {
	c := &Checker{
		health: healthcheck.NewHandler(),
		store:  store,
		logger: logger,
	}
	c.health.AddReadinessCheck("database", func() error {
		return c.store.Health()
	})
	return c
}

// LiveHandler 返回存活探针处理器。
func (c *Checker) LiveHandler() http.HandlerFunc {
	return c.health.LiveEndpoint
}

// ReadyHandler 返回就绪探针处理器。
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return c.health.ReadyEndpoint
}
