package lock

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultTTL 锁标记的默认有效期：超过该年龄的标记视为过期残留，可被覆盖。
const DefaultTTL = 240 * time.Second

// FileMutex 基于文件标记的协作式互斥锁。
//
// 标记文件为空表示"已占用但未认领"；写入了进程号表示"已认领"。
// 过期（年龄超过 TTL）或孤儿（认领者进程已死）的标记视同不存在，
// 直接覆盖。它保护的是不具备事务能力的外部资源（远端邮箱会话），
// 所以只需要跨 cron 调度的互斥，不需要数据库级别的锁。
type FileMutex struct {
	dir string
	ttl time.Duration
	log *zap.Logger
}

// New 创建文件互斥锁，标记文件存放在 dir 目录下。
func New(dir string, ttl time.Duration, log *zap.Logger) *FileMutex {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &FileMutex{dir: dir, ttl: ttl, log: log}
}

func (m *FileMutex) path(name string) string {
	return filepath.Join(m.dir, name+".lock")
}

// Acquire 尝试占用名为 name 的锁。
//
// 标记存在、未过期且（未认领或认领者仍存活）时返回 false；
// 否则写入一个新的空标记并返回 true。
func (m *FileMutex) Acquire(name string) bool {
	path := m.path(name)

	if info, err := os.Stat(path); err == nil {
		age := time.Since(info.ModTime())
		if age <= m.ttl {
			pid, claimed := m.readOwner(path)
			if !claimed || processAlive(pid) {
				m.log.Debug("lock is busy",
					zap.String("lock", name),
					zap.Duration("age", age),
					zap.Int("owner_pid", pid),
				)
				return false
			}
			m.log.Warn("overriding orphaned lock",
				zap.String("lock", name),
				zap.Int("dead_pid", pid),
			)
		} else {
			m.log.Warn("overriding expired lock",
				zap.String("lock", name),
				zap.Duration("age", age),
			)
		}
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		m.log.Error("failed to create lock directory", zap.String("dir", m.dir), zap.Error(err))
		return false
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		m.log.Error("failed to write lock marker", zap.String("lock", name), zap.Error(err))
		return false
	}
	return true
}

// Claim 将当前进程登记为锁的所有者。
//
// 标记缺失、或已被一个仍存活的进程认领时返回错误——调用方必须
// 立即中止运行，而不是继续使用一把不属于自己的锁。
func (m *FileMutex) Claim(name string) error {
	path := m.path(name)

	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("lock %q is not acquired: %w", name, err)
	}

	if pid, claimed := m.readOwner(path); claimed && processAlive(pid) {
		return fmt.Errorf("lock %q is already claimed by live process %d", name, pid)
	}

	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("failed to claim lock %q: %w", name, err)
	}
	m.log.Debug("lock claimed", zap.String("lock", name), zap.Int("pid", pid))
	return nil
}

// Release 删除锁标记。删除失败只记录错误，不向上传播。
func (m *FileMutex) Release(name string) {
	if err := os.Remove(m.path(name)); err != nil && !os.IsNotExist(err) {
		m.log.Error("failed to release lock", zap.String("lock", name), zap.Error(err))
		return
	}
	m.log.Debug("lock released", zap.String("lock", name))
}

// readOwner 读取标记中的认领者进程号；空标记返回 claimed=false。
func (m *FileMutex) readOwner(path string) (pid int, claimed bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return 0, false
	}
	pid, err = strconv.Atoi(string(data))
	if err != nil {
		// 无法解析的内容按未认领处理，留给年龄判定兜底
		return 0, false
	}
	return pid, true
}

// processAlive 用空信号探测进程是否仍存在。
// EPERM 表示进程存在但属于其他用户，同样算存活。
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}
