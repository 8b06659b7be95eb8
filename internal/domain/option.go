package domain

import "time"

// OptionRelayCheckpoint 登记阶段的轮询检查点键，值为日期（2006-01-02）。
//
// 每次运行结束时推进到"今天"，刻意保留一天的搜索窗口重叠，
// 依靠 MessageID 去重避免重复登记。
const OptionRelayCheckpoint = "relay_last_poll"

// Option 是简单的键值配置表，流水线用它持久化轮询检查点。
type Option struct {
	Key       string    `json:"key" gorm:"primaryKey;type:varchar(100)"`
	Value     string    `json:"value" gorm:"type:text"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName 指定配置表名。
func (Option) TableName() string {
	return "options"
}
