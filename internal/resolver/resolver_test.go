package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listrelay/backend/internal/domain"
	"listrelay/backend/internal/storage/memory"
)

func newTestResolver(t *testing.T) (*Resolver, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	return New(store, store), store
}

func TestResolve(t *testing.T) {
	r, store := newTestResolver(t)

	groupID := store.AddGroup(domain.Group{
		Tag:      "Alpine Club",
		Name:     "Alpine Club",
		Category: domain.CategoryClub,
	})
	userID := store.AddUser(domain.User{
		Login:       "jdoe",
		Email:       "jdoe@example.org",
		DisplayName: "Jane Doe",
	})

	t.Run("群组标签精确匹配", func(t *testing.T) {
		res, err := r.Resolve("Alpine Club")
		require.NoError(t, err)
		assert.Equal(t, domain.TargetGroup, res.Type)
		assert.Equal(t, groupID, res.ID)
	})

	t.Run("标签匹配区分大小写", func(t *testing.T) {
		res, err := r.Resolve("alpine club")
		require.NoError(t, err)
		// 标签未命中，落到用户查找，也未命中
		assert.Equal(t, domain.TargetNone, res.Type)
	})

	t.Run("显示名匹配不区分大小写", func(t *testing.T) {
		res, err := r.Resolve("jane doe")
		require.NoError(t, err)
		assert.Equal(t, domain.TargetUser, res.Type)
		assert.Equal(t, userID, res.ID)
	})

	t.Run("登录名精确匹配", func(t *testing.T) {
		res, err := r.Resolve("jdoe")
		require.NoError(t, err)
		assert.Equal(t, domain.TargetUser, res.Type)
		assert.Equal(t, userID, res.ID)
	})

	t.Run("连写名匹配", func(t *testing.T) {
		res, err := r.Resolve("JaneDoe")
		require.NoError(t, err)
		assert.Equal(t, domain.TargetUser, res.Type)
		assert.Equal(t, userID, res.ID)
	})

	t.Run("首尾空白被剔除", func(t *testing.T) {
		res, err := r.Resolve("  Jane Doe  ")
		require.NoError(t, err)
		assert.Equal(t, domain.TargetUser, res.Type)
	})

	t.Run("未命中返回无目标", func(t *testing.T) {
		res, err := r.Resolve("Nobody Here")
		require.NoError(t, err)
		assert.Equal(t, domain.TargetNone, res.Type)
		assert.Zero(t, res.ID)
	})

	t.Run("空文本返回无目标", func(t *testing.T) {
		res, err := r.Resolve("   ")
		require.NoError(t, err)
		assert.Equal(t, domain.TargetNone, res.Type)
	})
}

func TestResolveGroupWinsOverUser(t *testing.T) {
	r, store := newTestResolver(t)

	// 同一个名字既是群组标签又是用户显示名
	groupID := store.AddGroup(domain.Group{
		Tag:      "Board",
		Name:     "Board",
		Category: domain.CategoryWordpress,
	})
	store.AddUser(domain.User{
		Login:       "board",
		Email:       "board@example.org",
		DisplayName: "Board",
	})

	res, err := r.Resolve("Board")
	require.NoError(t, err)
	assert.Equal(t, domain.TargetGroup, res.Type)
	assert.Equal(t, groupID, res.ID)
}
