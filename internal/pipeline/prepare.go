package pipeline

import (
	"go.uber.org/zap"

	"listrelay/backend/internal/domain"
	"listrelay/backend/internal/mailbox"
	"listrelay/backend/internal/mailer"
	"listrelay/backend/internal/policy"
)

// prepare 裁决阶段：只处理 NEW 状态的登记记录。
//
// 策略裁决本身不做 I/O 之外的修改；这里负责把裁决落库：
// IGNORE 静默完结，BOUNCE 回送诊断邮件，ACTIVE 写入扇出台账。
// 目录/群组查询失败的邮件记为 ERROR，不再重试。
func (p *Pipeline) prepare(sess mailbox.Session) {
	msgs, err := p.store.ListMessagesByStatus(domain.StatusNew, false)
	if err != nil {
		p.log.Error("prepare: failed to list new messages", zap.Error(err))
		return
	}

	for i := range msgs {
		p.prepareOne(sess, &msgs[i])
	}
}

func (p *Pipeline) prepareOne(sess mailbox.Session, msg *domain.InboundMessage) {
	verdict, err := p.policy.Evaluate(msg)
	if err != nil {
		p.log.Error("prepare: policy evaluation failed",
			zap.String("message_id", msg.MessageID), zap.Error(err))
		msg.Status = domain.StatusError
		if uerr := p.store.UpdateMessageDecision(msg); uerr != nil {
			p.log.Error("prepare: failed to record error status",
				zap.String("message_id", msg.MessageID), zap.Error(uerr))
		}
		p.metrics.MessagesErrored.Inc()
		return
	}

	switch verdict.Status {
	case domain.StatusIgnore:
		msg.Status = domain.StatusIgnore
		msg.Processed = true
		if err := p.store.UpdateMessageDecision(msg); err != nil {
			p.log.Error("prepare: failed to record ignore",
				zap.String("message_id", msg.MessageID), zap.Error(err))
			return
		}
		p.metrics.MessagesIgnored.Inc()
		p.log.Info("message from unknown sender ignored",
			zap.String("message_id", msg.MessageID))

	case domain.StatusBounce:
		p.bounce(sess, msg, verdict)

	case domain.StatusActive:
		for _, rid := range verdict.Recipients {
			entry := domain.ForwardEntry{
				MessageID:       msg.MessageID,
				RecipientUserID: rid,
			}
			if err := p.store.CreateForwardEntry(&entry); err != nil {
				p.log.Error("prepare: failed to create forward entry",
					zap.String("message_id", msg.MessageID),
					zap.Uint64("recipient", rid),
					zap.Error(err))
				return
			}
		}
		msg.Status = domain.StatusActive
		if err := p.store.UpdateMessageDecision(msg); err != nil {
			p.log.Error("prepare: failed to activate message",
				zap.String("message_id", msg.MessageID), zap.Error(err))
			return
		}
		p.metrics.MessagesActivated.Inc()
		p.log.Info("message activated",
			zap.String("message_id", msg.MessageID),
			zap.Int("recipients", len(verdict.Recipients)))
	}
}

// bounce 回送诊断邮件并把登记记录置为 BOUNCE 终态。
//
// 需要先 refetch 原始内容作为附件；refetch 失败时状态保持 NEW，
// 留待下一轮重试。诊断邮件发送失败只记日志，裁决照常落库——
// 策略拒绝是终态，永不重试。
func (p *Pipeline) bounce(sess mailbox.Session, msg *domain.InboundMessage, verdict policy.Verdict) {
	content, err := p.refetch(sess, msg)
	if err != nil {
		p.log.Warn("prepare: refetch for bounce failed, will retry next run",
			zap.String("message_id", msg.MessageID), zap.Error(err))
		return
	}

	sender, err := p.store.GetUser(msg.SenderUserID)
	if err != nil {
		p.log.Error("prepare: bounce sender lookup failed",
			zap.String("message_id", msg.MessageID), zap.Error(err))
		msg.Status = domain.StatusError
		if uerr := p.store.UpdateMessageDecision(msg); uerr != nil {
			p.log.Error("prepare: failed to record error status",
				zap.String("message_id", msg.MessageID), zap.Error(uerr))
		}
		p.metrics.MessagesErrored.Inc()
		return
	}

	req := &mailer.BounceRequest{
		Sender:  sender,
		Subject: msg.Subject,
		Header:  content.Header,
		Body:    content.Body,
		Reason:  verdict.Reason,
	}
	if err := p.sender.Bounce(req); err != nil {
		p.log.Error("prepare: bounce delivery failed",
			zap.String("message_id", msg.MessageID), zap.Error(err))
	}

	msg.Status = domain.StatusBounce
	msg.Processed = true
	if err := p.store.UpdateMessageDecision(msg); err != nil {
		p.log.Error("prepare: failed to record bounce",
			zap.String("message_id", msg.MessageID), zap.Error(err))
		return
	}
	p.metrics.MessagesBounced.Inc()
	p.log.Info("message bounced",
		zap.String("message_id", msg.MessageID),
		zap.String("reason", verdict.Reason))
}
