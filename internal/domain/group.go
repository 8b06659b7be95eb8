package domain

import "time"

// GroupCategory 决定群组的寄送授权规则（见 policy 包）。
type GroupCategory string

const (
	// CategoryClub 俱乐部群组：发件人须是俱乐部成员且属于该群组
	CategoryClub GroupCategory = "CLUB"
	// CategorySelect 筛选群组：仅供内部圈选，永远不可直接寄送
	CategorySelect GroupCategory = "SELECT"
	// CategoryWordpress 站点群组：发件人须是该群组的目录用户
	CategoryWordpress GroupCategory = "WORDPRESS"
	// CategoryAnnouncements 公告群组：单向通道，成员寄送一律拒绝
	CategoryAnnouncements GroupCategory = "ANNOUNCEMENTS"
)

// Group 表示一个可作为转发目标的群组。
//
// Tag 是群组在"收件人显示名"中的寻址标签，解析时精确匹配且优先于用户。
type Group struct {
	ID        uint64        `json:"id" gorm:"primaryKey;autoIncrement"`
	Tag       string        `json:"tag" gorm:"type:varchar(100);uniqueIndex;not null"`
	Name      string        `json:"name" gorm:"type:varchar(255);not null"`
	Category  GroupCategory `json:"category" gorm:"type:varchar(20);not null"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// TableName 指定群组表名。
func (Group) TableName() string {
	return "relay_groups"
}

// GroupMember 是群组成员关系。
//
// MemberID 指向俱乐部成员档案，UserID 指向目录账号；
// 二者都可为 0——只有 UserID 非零的成员才能收到转发邮件。
type GroupMember struct {
	ID        uint64    `json:"id" gorm:"primaryKey;autoIncrement"`
	GroupID   uint64    `json:"groupId" gorm:"index;not null"`
	MemberID  uint64    `json:"memberId" gorm:"index"`
	UserID    uint64    `json:"userId" gorm:"index"`
	CreatedAt time.Time `json:"createdAt"`
}

// TableName 指定群组成员表名。
func (GroupMember) TableName() string {
	return "group_members"
}
