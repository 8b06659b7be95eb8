package pipeline

import (
	"errors"

	"go.uber.org/zap"

	"listrelay/backend/internal/domain"
	"listrelay/backend/internal/mailbox"
	"listrelay/backend/internal/mailer"
	"listrelay/backend/internal/storage"
)

// process 投递阶段：把 ACTIVE 且未完结的邮件按台账扇出。
//
// 每条台账记录只尝试投递一次：无论成败都立即置为已发送，
// 避免崩溃重启后对同一收件人重复投递。一轮扇出走完后整封
// 邮件标记完结，不会跨轮补投失败的收件人。
func (p *Pipeline) process(sess mailbox.Session) {
	msgs, err := p.store.ListMessagesByStatus(domain.StatusActive, true)
	if err != nil {
		p.log.Error("process: failed to list active messages", zap.Error(err))
		return
	}

	for i := range msgs {
		p.processOne(sess, &msgs[i])
	}
}

func (p *Pipeline) processOne(sess mailbox.Session, msg *domain.InboundMessage) {
	c, err := p.refetch(sess, msg)
	if err != nil {
		p.log.Warn("process: refetch failed, will retry next run",
			zap.String("message_id", msg.MessageID), zap.Error(err))
		return
	}

	sender, err := p.store.GetUser(msg.SenderUserID)
	if err != nil {
		p.log.Error("process: sender lookup failed",
			zap.String("message_id", msg.MessageID), zap.Error(err))
		return
	}

	var group *domain.Group
	if msg.TargetType == domain.TargetGroup {
		group, err = p.store.FindGroupByID(msg.TargetID)
		if err != nil {
			p.log.Error("process: group lookup failed",
				zap.String("message_id", msg.MessageID), zap.Error(err))
			return
		}
	}

	entries, err := p.store.ListUnsentEntries(msg.MessageID)
	if err != nil {
		p.log.Error("process: failed to list unsent entries",
			zap.String("message_id", msg.MessageID), zap.Error(err))
		return
	}

	for i := range entries {
		p.deliverEntry(&entries[i], msg, sender, group, c)
	}

	if err := p.store.MarkMessageProcessed(msg.MessageID); err != nil {
		p.log.Error("process: failed to mark message processed",
			zap.String("message_id", msg.MessageID), zap.Error(err))
		return
	}
	p.log.Info("message delivery completed",
		zap.String("message_id", msg.MessageID),
		zap.Int("entries", len(entries)),
	)
}

// deliverEntry 投递一条台账记录，随后无条件置为已发送。
func (p *Pipeline) deliverEntry(
	entry *domain.ForwardEntry,
	msg *domain.InboundMessage,
	sender *domain.User,
	group *domain.Group,
	c *content,
) {
	recipient, err := p.store.GetUser(entry.RecipientUserID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			p.log.Warn("process: forward recipient vanished",
				zap.String("message_id", msg.MessageID),
				zap.Uint64("recipient", entry.RecipientUserID),
			)
		} else {
			p.log.Error("process: recipient lookup failed",
				zap.String("message_id", msg.MessageID),
				zap.Uint64("recipient", entry.RecipientUserID),
				zap.Error(err))
		}
		p.metrics.ForwardsFailed.Inc()
	} else {
		req := &mailer.ForwardRequest{
			Sender:     sender,
			Recipient:  recipient,
			Subject:    msg.Subject,
			Header:     c.Header,
			Body:       c.Body,
			Text:       c.Text,
			HTML:       c.HTML,
			TargetText: msg.TargetText,
			TargetType: msg.TargetType,
			Group:      group,
		}
		if err := p.sender.Forward(req); err != nil {
			p.log.Error("process: forward delivery failed",
				zap.String("message_id", msg.MessageID),
				zap.String("recipient", recipient.Email),
				zap.Error(err))
			p.metrics.ForwardsFailed.Inc()
		} else {
			p.metrics.ForwardsSent.Inc()
		}
	}

	if err := p.store.MarkEntrySent(entry.ID); err != nil {
		p.log.Error("process: failed to mark entry sent",
			zap.String("message_id", msg.MessageID),
			zap.Uint64("entry", entry.ID),
			zap.Error(err))
	}
}
