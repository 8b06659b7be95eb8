package storage

import (
	"errors"

	"listrelay/backend/internal/domain"
)

var (
	// ErrMessageNotFound 入站邮件未登记错误
	ErrMessageNotFound = errors.New("inbound message not found")
	// ErrMessageExists 入站邮件已登记错误（幂等登记的信号，不是故障）
	ErrMessageExists = errors.New("inbound message already registered")
	// ErrUserNotFound 目录用户未找到错误
	ErrUserNotFound = errors.New("user not found")
	// ErrGroupNotFound 群组未找到错误
	ErrGroupNotFound = errors.New("group not found")
	// ErrOptionNotFound 配置项未找到错误
	ErrOptionNotFound = errors.New("option not found")
	// ErrEntryNotFound 投递台账记录未找到错误
	ErrEntryNotFound = errors.New("forward entry not found")
)

// MessageRegistry 定义入站邮件登记表的存取操作。
type MessageRegistry interface {
	// InsertMessage 登记一封新邮件；MessageID 已存在时返回 ErrMessageExists。
	InsertMessage(m *domain.InboundMessage) error
	GetMessage(messageID string) (*domain.InboundMessage, error)
	// ListMessagesByStatus 按状态列出邮件；unprocessedOnly 为 true 时只返回 Processed=false 的行。
	ListMessagesByStatus(status domain.MessageStatus, unprocessedOnly bool) ([]domain.InboundMessage, error)
	// UpdateMessageDecision 写入 prepare 阶段的终态裁决（状态、目标解析结果、完成标志）。
	UpdateMessageDecision(m *domain.InboundMessage) error
	// UpdateMessageUID 修正 UID 漂移后的新抓取提示。
	UpdateMessageUID(messageID string, uid uint32) error
	// MarkMessageProcessed 将邮件标记为处理完毕（只允许 false -> true，重复标记是空操作）。
	MarkMessageProcessed(messageID string) error
}

// ForwardLedger 定义投递台账的存取操作。
type ForwardLedger interface {
	CreateForwardEntry(e *domain.ForwardEntry) error
	ListForwardEntries(messageID string) ([]domain.ForwardEntry, error)
	ListUnsentEntries(messageID string) ([]domain.ForwardEntry, error)
	// MarkEntrySent 将台账记录置为已发送（只允许 false -> true，重复标记是空操作）。
	MarkEntrySent(entryID uint64) error
}

// UserDirectory 定义成员目录的只读查询操作。
type UserDirectory interface {
	GetUser(id uint64) (*domain.User, error)
	FindUserByEmail(address string) (*domain.User, error)
	// SearchUsers 按登录名、规整后的显示名或连写名精确查找，返回所有命中。
	SearchUsers(text string) ([]domain.User, error)
	GetOptIn(userID uint64) (bool, error)
	HasCapability(userID uint64, name string) (bool, error)
}

// GroupStore 定义群组的只读查询操作。
type GroupStore interface {
	FindGroupByTag(tag string) (*domain.Group, error)
	FindGroupByID(id uint64) (*domain.Group, error)
	ListGroupMembers(groupID uint64) ([]domain.GroupMember, error)
	IsGroupMember(groupID, memberID uint64) (bool, error)
	IsGroupUser(groupID, userID uint64) (bool, error)
}

// CheckpointStore 定义键值配置（轮询检查点）的存取操作。
type CheckpointStore interface {
	GetOption(key string) (string, error)
	SetOption(key, value string) error
}

// Store 定义转发中继的完整存储接口。
type Store interface {
	MessageRegistry
	ForwardLedger
	UserDirectory
	GroupStore
	CheckpointStore

	// 工具方法
	Close() error
	Health() error
}
