package sql

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"listrelay/backend/internal/domain"
	"listrelay/backend/internal/storage"
)

// ========== MessageRegistry ==========

// InsertMessage 登记一封新邮件。
//
// 使用 ON CONFLICT DO NOTHING 保证并发安全的幂等插入：
// MessageID 已存在时返回 ErrMessageExists，调用方按"已登记"跳过。
func (s *Store) InsertMessage(m *domain.InboundMessage) error {
	res := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(m)
	if res.Error != nil {
		return fmt.Errorf("failed to insert inbound message: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrMessageExists
	}
	return nil
}

// GetMessage 按协议标识获取登记记录。
func (s *Store) GetMessage(messageID string) (*domain.InboundMessage, error) {
	var m domain.InboundMessage
	err := s.db.First(&m, "message_id = ?", messageID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get inbound message: %w", err)
	}
	return &m, nil
}

// ListMessagesByStatus 按状态列出登记记录。
func (s *Store) ListMessagesByStatus(status domain.MessageStatus, unprocessedOnly bool) ([]domain.InboundMessage, error) {
	q := s.db.Where("status = ?", status)
	if unprocessedOnly {
		q = q.Where("processed = ?", false)
	}

	var out []domain.InboundMessage
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list inbound messages: %w", err)
	}
	return out, nil
}

// UpdateMessageDecision 写入 prepare 阶段的裁决结果。
func (s *Store) UpdateMessageDecision(m *domain.InboundMessage) error {
	res := s.db.Model(&domain.InboundMessage{}).
		Where("message_id = ?", m.MessageID).
		Updates(map[string]interface{}{
			"status":      m.Status,
			"target_type": m.TargetType,
			"target_id":   m.TargetID,
			"processed":   m.Processed,
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update message decision: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrMessageNotFound
	}
	return nil
}

// UpdateMessageUID 修正 UID 漂移后的抓取提示。
func (s *Store) UpdateMessageUID(messageID string, uid uint32) error {
	res := s.db.Model(&domain.InboundMessage{}).
		Where("message_id = ?", messageID).
		Update("uid", uid)
	if res.Error != nil {
		return fmt.Errorf("failed to update message uid: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrMessageNotFound
	}
	return nil
}

// MarkMessageProcessed 将邮件标记为处理完毕。重复标记是空操作。
func (s *Store) MarkMessageProcessed(messageID string) error {
	res := s.db.Model(&domain.InboundMessage{}).
		Where("message_id = ?", messageID).
		Update("processed", true)
	if res.Error != nil {
		return fmt.Errorf("failed to mark message processed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// MySQL 对值未变化的更新也报 0 行，需区分"记录不存在"
		return s.ensureMessageExists(messageID)
	}
	return nil
}

func (s *Store) ensureMessageExists(messageID string) error {
	var n int64
	err := s.db.Model(&domain.InboundMessage{}).
		Where("message_id = ?", messageID).Count(&n).Error
	if err != nil {
		return fmt.Errorf("failed to check message existence: %w", err)
	}
	if n == 0 {
		return storage.ErrMessageNotFound
	}
	return nil
}

// ========== ForwardLedger ==========

// CreateForwardEntry 写入一条投递台账记录。
func (s *Store) CreateForwardEntry(e *domain.ForwardEntry) error {
	if err := s.db.Create(e).Error; err != nil {
		return fmt.Errorf("failed to create forward entry: %w", err)
	}
	return nil
}

// ListForwardEntries 列出一封邮件的全部台账记录。
func (s *Store) ListForwardEntries(messageID string) ([]domain.ForwardEntry, error) {
	var out []domain.ForwardEntry
	if err := s.db.Where("message_id = ?", messageID).Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list forward entries: %w", err)
	}
	return out, nil
}

// ListUnsentEntries 列出一封邮件尚未投递的台账记录。
func (s *Store) ListUnsentEntries(messageID string) ([]domain.ForwardEntry, error) {
	var out []domain.ForwardEntry
	err := s.db.Where("message_id = ? AND sent = ?", messageID, false).
		Order("id ASC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list unsent entries: %w", err)
	}
	return out, nil
}

// MarkEntrySent 将台账记录置为已发送。重复标记是空操作。
func (s *Store) MarkEntrySent(entryID uint64) error {
	res := s.db.Model(&domain.ForwardEntry{}).
		Where("id = ?", entryID).
		Update("sent", true)
	if res.Error != nil {
		return fmt.Errorf("failed to mark entry sent: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var n int64
		err := s.db.Model(&domain.ForwardEntry{}).
			Where("id = ?", entryID).Count(&n).Error
		if err != nil {
			return fmt.Errorf("failed to check entry existence: %w", err)
		}
		if n == 0 {
			return storage.ErrEntryNotFound
		}
	}
	return nil
}

// ========== CheckpointStore ==========

// GetOption 读取配置项。
//
// key 在 MySQL 里是保留字，条件走结构体让方言层转义列名。
func (s *Store) GetOption(key string) (string, error) {
	var opt domain.Option
	err := s.db.Where(&domain.Option{Key: key}).First(&opt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", storage.ErrOptionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get option: %w", err)
	}
	return opt.Value, nil
}

// SetOption 写入配置项（存在则覆盖）。
func (s *Store) SetOption(key, value string) error {
	opt := domain.Option{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&opt).Error
	if err != nil {
		return fmt.Errorf("failed to set option: %w", err)
	}
	return nil
}
