package lock

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap"
)

func newTestMutex(t *testing.T, ttl time.Duration) (*FileMutex, string) {
	t.Helper()
	dir := t.TempDir()
	return New(dir, ttl, zap.NewNop()), dir
}

func TestAcquire(t *testing.T) {
	t.Run("空目录首次占用成功", func(t *testing.T) {
		m, dir := newTestMutex(t, time.Minute)

		assert.True(t, m.Acquire("run"))
		assert.FileExists(t, filepath.Join(dir, "run.lock"))
	})

	t.Run("未过期的标记阻止再次占用", func(t *testing.T) {
		m, _ := newTestMutex(t, time.Minute)

		require.True(t, m.Acquire("run"))
		assert.False(t, m.Acquire("run"))
	})

	t.Run("过期的标记被覆盖", func(t *testing.T) {
		m, dir := newTestMutex(t, time.Minute)
		require.True(t, m.Acquire("run"))

		// 把标记改老到超过 TTL
		stale := time.Now().Add(-2 * time.Minute)
		path := filepath.Join(dir, "run.lock")
		require.NoError(t, os.Chtimes(path, stale, stale))

		assert.True(t, m.Acquire("run"))
	})

	t.Run("认领者已死的标记被覆盖", func(t *testing.T) {
		m, dir := newTestMutex(t, time.Minute)
		require.True(t, m.Acquire("run"))

		// 写入一个几乎不可能存在的进程号
		path := filepath.Join(dir, "run.lock")
		require.NoError(t, os.WriteFile(path, []byte("999999999"), 0o644))

		assert.True(t, m.Acquire("run"))
	})

	t.Run("认领者仍存活时阻止占用", func(t *testing.T) {
		m, dir := newTestMutex(t, time.Minute)
		require.True(t, m.Acquire("run"))

		path := filepath.Join(dir, "run.lock")
		require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644))

		assert.False(t, m.Acquire("run"))
	})
}

func TestClaim(t *testing.T) {
	t.Run("占用后认领写入进程号", func(t *testing.T) {
		m, dir := newTestMutex(t, time.Minute)
		require.True(t, m.Acquire("run"))

		require.NoError(t, m.Claim("run"))

		data, err := os.ReadFile(filepath.Join(dir, "run.lock"))
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))
	})

	t.Run("未占用时认领失败", func(t *testing.T) {
		m, _ := newTestMutex(t, time.Minute)

		assert.Error(t, m.Claim("run"))
	})

	t.Run("已被存活进程认领时失败", func(t *testing.T) {
		m, dir := newTestMutex(t, time.Minute)
		require.True(t, m.Acquire("run"))

		path := filepath.Join(dir, "run.lock")
		require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644))

		assert.Error(t, m.Claim("run"))
	})

	t.Run("死进程的认领可以顶替", func(t *testing.T) {
		m, dir := newTestMutex(t, time.Minute)
		require.True(t, m.Acquire("run"))

		path := filepath.Join(dir, "run.lock")
		require.NoError(t, os.WriteFile(path, []byte("999999999"), 0o644))

		assert.NoError(t, m.Claim("run"))
	})
}

func TestRelease(t *testing.T) {
	t.Run("释放后可以再次占用", func(t *testing.T) {
		m, dir := newTestMutex(t, time.Minute)
		require.True(t, m.Acquire("run"))
		require.NoError(t, m.Claim("run"))

		m.Release("run")

		assert.NoFileExists(t, filepath.Join(dir, "run.lock"))
		assert.True(t, m.Acquire("run"))
	})

	t.Run("释放不存在的锁不报错", func(t *testing.T) {
		m, _ := newTestMutex(t, time.Minute)
		m.Release("absent")
	})
}

func TestReadOwner(t *testing.T) {
	m, dir := newTestMutex(t, time.Minute)
	path := filepath.Join(dir, "x.lock")

	t.Run("空标记视为未认领", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, nil, 0o644))
		_, claimed := m.readOwner(path)
		assert.False(t, claimed)
	})

	t.Run("无法解析的内容视为未认领", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))
		_, claimed := m.readOwner(path)
		assert.False(t, claimed)
	})

	t.Run("进程号被正确读出", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("1234\n"), 0o644))
		pid, claimed := m.readOwner(path)
		assert.True(t, claimed)
		assert.Equal(t, 1234, pid)
	})
}
