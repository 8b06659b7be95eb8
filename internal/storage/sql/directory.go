package sql

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"listrelay/backend/internal/domain"
	"listrelay/backend/internal/storage"
)

// ========== UserDirectory ==========

// GetUser 按 ID 获取目录用户。
func (s *Store) GetUser(id uint64) (*domain.User, error) {
	var u domain.User
	err := s.db.First(&u, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// FindUserByEmail 按邮件地址（不区分大小写）查找目录用户。
func (s *Store) FindUserByEmail(address string) (*domain.User, error) {
	var u domain.User
	err := s.db.First(&u, "LOWER(email) = ?", strings.ToLower(address)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return &u, nil
}

// SearchUsers 按登录名、规整显示名或连写名精确查找。
//
// 显示名是自由文本，比较前做小写化；连写名索引存放的是去空格的小写
// 显示名，用于匹配 "JaneDoe" 这类目标写法。
func (s *Store) SearchUsers(text string) ([]domain.User, error) {
	needle := strings.ToLower(strings.TrimSpace(text))
	joined := strings.ReplaceAll(needle, " ", "")

	var out []domain.User
	err := s.db.
		Where("login = ? OR LOWER(display_name) = ? OR joined_name = ?", text, needle, joined).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	return out, nil
}

// GetOptIn 查询用户的"接收他人转发邮件"开关。
func (s *Store) GetOptIn(userID uint64) (bool, error) {
	u, err := s.GetUser(userID)
	if err != nil {
		return false, err
	}
	return u.OptIn, nil
}

// HasCapability 查询用户是否持有指定能力。
func (s *Store) HasCapability(userID uint64, name string) (bool, error) {
	u, err := s.GetUser(userID)
	if err != nil {
		return false, err
	}
	return u.HasCapability(name), nil
}

// ========== GroupStore ==========

// FindGroupByTag 按寻址标签精确查找群组。
func (s *Store) FindGroupByTag(tag string) (*domain.Group, error) {
	var g domain.Group
	err := s.db.First(&g, "tag = ?", tag).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find group by tag: %w", err)
	}
	return &g, nil
}

// FindGroupByID 按 ID 获取群组。
func (s *Store) FindGroupByID(id uint64) (*domain.Group, error) {
	var g domain.Group
	err := s.db.First(&g, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find group by id: %w", err)
	}
	return &g, nil
}

// ListGroupMembers 列出群组的全部成员关系。
func (s *Store) ListGroupMembers(groupID uint64) ([]domain.GroupMember, error) {
	var out []domain.GroupMember
	if err := s.db.Where("group_id = ?", groupID).Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list group members: %w", err)
	}
	return out, nil
}

// IsGroupMember 按俱乐部成员 ID 检查群组归属。
func (s *Store) IsGroupMember(groupID, memberID uint64) (bool, error) {
	var n int64
	err := s.db.Model(&domain.GroupMember{}).
		Where("group_id = ? AND member_id = ? AND member_id <> 0", groupID, memberID).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("failed to check group membership: %w", err)
	}
	return n > 0, nil
}

// IsGroupUser 按目录用户 ID 检查群组归属。
func (s *Store) IsGroupUser(groupID, userID uint64) (bool, error) {
	var n int64
	err := s.db.Model(&domain.GroupMember{}).
		Where("group_id = ? AND user_id = ? AND user_id <> 0", groupID, userID).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("failed to check group user: %w", err)
	}
	return n > 0, nil
}
