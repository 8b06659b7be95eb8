package domain

import "time"

// MessageStatus 表示入站邮件在转发流水线中的生命周期状态。
type MessageStatus string

const (
	// StatusNew 已登记，等待 prepare 阶段处理
	StatusNew MessageStatus = "NEW"
	// StatusActive 校验通过，扇出记录已写入，等待 process 阶段投递
	StatusActive MessageStatus = "ACTIVE"
	// StatusError 协议级错误（抓取/搜索失败），终态
	StatusError MessageStatus = "ERROR"
	// StatusBounce 策略拒绝，已向发件人回送诊断邮件，终态
	StatusBounce MessageStatus = "BOUNCE"
	// StatusIgnore 发件人未知，静默丢弃（不回弹，防止骚扰陌生人），终态
	StatusIgnore MessageStatus = "IGNORE"
	// StatusFinished 保留状态，兼容历史数据
	StatusFinished MessageStatus = "FINISHED"
)

// TargetType 表示目标解析结果的类别。
type TargetType string

const (
	TargetNone  TargetType = "NONE"
	TargetUser  TargetType = "USER"
	TargetGroup TargetType = "GROUP"
)

// InboundMessage 表示共享列表邮箱中一封已登记的入站邮件。
//
// MessageID 是邮件协议层的全局唯一标识，也是唯一的主键——
// 同一封邮件在后续轮询中再次出现时不会重复登记。
// UID 只是邮箱会话内的抓取提示，服务器重新编号后会在 refetch 时修正。
type InboundMessage struct {
	MessageID    string        `json:"messageId" gorm:"primaryKey;type:varchar(512)"`
	UID          uint32        `json:"uid" gorm:"column:uid"`
	Subject      string        `json:"subject" gorm:"type:varchar(500)"`
	SenderUserID uint64        `json:"senderUserId" gorm:"index"`
	TargetText   string        `json:"targetText" gorm:"type:varchar(255)"`
	TargetType   TargetType    `json:"targetType" gorm:"type:varchar(10);default:'NONE'"`
	TargetID     uint64        `json:"targetId"`
	Timestamp    time.Time     `json:"timestamp"`
	Status       MessageStatus `json:"status" gorm:"type:varchar(10);index;not null"`
	Processed    bool          `json:"processed" gorm:"default:false"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// TableName 指定入站邮件登记表名。
func (InboundMessage) TableName() string {
	return "inbound_messages"
}

// Terminal 报告状态是否不再参与任何流水线阶段。
func (s MessageStatus) Terminal() bool {
	switch s {
	case StatusError, StatusBounce, StatusIgnore, StatusFinished:
		return true
	}
	return false
}
