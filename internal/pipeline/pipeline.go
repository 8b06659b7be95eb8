package pipeline

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"listrelay/backend/internal/lock"
	"listrelay/backend/internal/mailbox"
	"listrelay/backend/internal/mailer"
	"listrelay/backend/internal/monitoring"
	"listrelay/backend/internal/policy"
	"listrelay/backend/internal/resolver"
	"listrelay/backend/internal/storage"
)

var (
	// ErrLocked 已有一轮运行持有互斥锁。
	ErrLocked = errors.New("another relay run is in progress")
)

// Options 流水线的运行参数。
type Options struct {
	// ListAddress 共享列表邮箱地址（mailbox@host），用于从收件人列表
	// 中识别"写给列表的那一项"并取出其显示名作为目标文本。
	ListAddress string
	// LockName 互斥锁标记名。
	LockName string
	// CheckpointWindowDays 检查点缺失时的初始回溯天数。
	CheckpointWindowDays int
}

// Pipeline 转发流水线：每次调度运行一遍 register -> prepare -> process。
//
// 实例由触发方显式构造并持有，全程单线程、顺序阻塞执行；
// 跨调度的并发由文件互斥锁串行化。
type Pipeline struct {
	opts     Options
	store    storage.Store
	opener   mailbox.Opener
	sender   mailer.Sender
	resolver *resolver.Resolver
	policy   *policy.Policy
	mutex    *lock.FileMutex
	metrics  *monitoring.Metrics
	log      *zap.Logger
}

// New 组装流水线。
func New(
	opts Options,
	store storage.Store,
	opener mailbox.Opener,
	sender mailer.Sender,
	mutex *lock.FileMutex,
	metrics *monitoring.Metrics,
	log *zap.Logger,
) *Pipeline {
	if opts.LockName == "" {
		opts.LockName = "relay_run"
	}
	if opts.CheckpointWindowDays <= 0 {
		opts.CheckpointWindowDays = 7
	}
	return &Pipeline{
		opts:     opts,
		store:    store,
		opener:   opener,
		sender:   sender,
		resolver: resolver.New(store, store),
		policy:   policy.New(store, store),
		mutex:    mutex,
		metrics:  metrics,
		log:      log,
	}
}

// Run 执行一轮完整的流水线。
//
// 锁获取失败返回 ErrLocked；锁认领失败是致命错误，直接返回且
// 不做任何清理（标记留给下一轮按孤儿锁覆盖）。单封邮件的故障
// 在各阶段内部消化，不会让 Run 返回错误。
func (p *Pipeline) Run() error {
	start := time.Now()

	if !p.mutex.Acquire(p.opts.LockName) {
		p.metrics.RunsTotal.WithLabelValues("locked").Inc()
		return ErrLocked
	}
	if err := p.mutex.Claim(p.opts.LockName); err != nil {
		// 认领失败说明锁被别人抢走了，必须立即中止，绝不释放
		p.metrics.RunsTotal.WithLabelValues("claim_failed").Inc()
		return fmt.Errorf("failed to claim run lock: %w", err)
	}
	defer p.mutex.Release(p.opts.LockName)

	sess, err := p.opener.Open()
	if err != nil {
		p.metrics.RunsTotal.WithLabelValues("mailbox_error").Inc()
		return fmt.Errorf("failed to open mailbox session: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			p.log.Warn("failed to close mailbox session", zap.Error(err))
		}
	}()

	p.register(sess)
	p.prepare(sess)
	p.process(sess)

	dur := time.Since(start)
	p.metrics.RunDuration.Observe(dur.Seconds())
	p.metrics.RunsTotal.WithLabelValues("ok").Inc()
	p.log.Info("relay run completed", zap.Duration("duration", dur))
	return nil
}
