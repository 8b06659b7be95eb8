package resolver

import (
	"errors"
	"fmt"
	"strings"

	"listrelay/backend/internal/domain"
	"listrelay/backend/internal/storage"
)

// Resolution 是目标解析的结果。
type Resolution struct {
	Type domain.TargetType
	ID   uint64
}

// Resolver 把"收件人显示名"解析为群组或用户。
//
// 群组标签的精确匹配永远优先于用户查找——两者都可能命中时取群组，
// 不做打分，首个命中即返回。
type Resolver struct {
	users  storage.UserDirectory
	groups storage.GroupStore
}

// New 创建目标解析器。
func New(users storage.UserDirectory, groups storage.GroupStore) *Resolver {
	return &Resolver{users: users, groups: groups}
}

// Resolve 解析目标文本。
//
// 查找顺序：群组标签精确匹配 -> 用户目录（登录名/规整显示名/连写名）。
// 两者都未命中时返回 TargetNone，不视为错误；只有存储故障才返回 error。
func (r *Resolver) Resolve(targetText string) (Resolution, error) {
	text := strings.TrimSpace(targetText)
	if text == "" {
		return Resolution{Type: domain.TargetNone}, nil
	}

	group, err := r.groups.FindGroupByTag(text)
	if err == nil {
		return Resolution{Type: domain.TargetGroup, ID: group.ID}, nil
	}
	if !errors.Is(err, storage.ErrGroupNotFound) {
		return Resolution{}, fmt.Errorf("group lookup failed: %w", err)
	}

	users, err := r.users.SearchUsers(text)
	if err != nil {
		return Resolution{}, fmt.Errorf("user lookup failed: %w", err)
	}
	if len(users) > 0 {
		return Resolution{Type: domain.TargetUser, ID: users[0].ID}, nil
	}

	return Resolution{Type: domain.TargetNone}, nil
}
