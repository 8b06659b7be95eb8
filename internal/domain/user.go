package domain

import "time"

// CapabilityRelayAdmin 管理员越权能力：持有者发往任意群组都跳过类别检查。
const CapabilityRelayAdmin = "manage_mail_relay"

// User 是成员目录中一个可收发转发邮件的账号。
//
// 流水线只读消费该目录：MemberID 关联俱乐部成员档案（0 表示无关联），
// OptIn 是"接收他人转发邮件"开关，同时约束发件资格与收件资格。
type User struct {
	ID           uint64    `json:"id" gorm:"primaryKey;autoIncrement"`
	Login        string    `json:"login" gorm:"type:varchar(60);uniqueIndex;not null"`
	Email        string    `json:"email" gorm:"type:varchar(255);index;not null"`
	DisplayName  string    `json:"displayName" gorm:"type:varchar(255)"`
	JoinedName   string    `json:"joinedName" gorm:"type:varchar(255);index"`
	MemberID     uint64    `json:"memberId" gorm:"index"`
	OptIn        bool      `json:"optIn" gorm:"default:false"`
	Capabilities []string  `json:"capabilities" gorm:"type:json;serializer:json"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TableName 指定成员目录表名。
func (User) TableName() string {
	return "users"
}

// HasCapability 报告账号是否持有指定能力。
func (u *User) HasCapability(name string) bool {
	for _, c := range u.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}
