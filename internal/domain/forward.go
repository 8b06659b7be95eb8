package domain

import "time"

// ForwardEntry 表示一条 (邮件, 收件人) 投递台账记录。
//
// prepare 阶段扇出时一次性写入，每个收件人恰好一条；Sent 标志只会
// 从 false 变为 true，记录永不删除，作为投递审计痕迹保留。
type ForwardEntry struct {
	ID              uint64    `json:"id" gorm:"primaryKey;autoIncrement"`
	MessageID       string    `json:"messageId" gorm:"type:varchar(512);index;not null"`
	RecipientUserID uint64    `json:"recipientUserId" gorm:"not null"`
	Sent            bool      `json:"sent" gorm:"default:false;index"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// TableName 指定投递台账表名。
func (ForwardEntry) TableName() string {
	return "forward_entries"
}
