package pipeline

import (
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"listrelay/backend/internal/domain"
	"listrelay/backend/internal/mailbox"
	"listrelay/backend/internal/storage"
)

const checkpointLayout = "2006-01-02"

// register 登记阶段：把检查点日期之后出现的新邮件写入登记表。
//
// 检查点只精确到天，每轮结束推进到"今天"，刻意保留一天的窗口
// 重叠；重复出现的邮件靠 MessageID 幂等插入吸收。头部抓取失败的
// 邮件不建记录——只要它还在日期窗口内，下一轮会再见到它。
func (p *Pipeline) register(sess mailbox.Session) {
	since := p.checkpoint()

	seqs, err := sess.SearchSince(since)
	if err != nil {
		p.log.Error("register: mailbox search failed", zap.Error(err))
		return
	}
	p.log.Debug("register: searching new messages",
		zap.Time("since", since),
		zap.Int("hits", len(seqs)),
	)

	for _, seq := range seqs {
		p.registerOne(sess, seq)
	}

	p.advanceCheckpoint()
}

// registerOne 登记单封邮件；任何失败只记日志并跳过。
func (p *Pipeline) registerOne(sess mailbox.Session, seq uint32) {
	hi, err := sess.HeaderInfo(seq)
	if err != nil {
		p.log.Warn("register: header fetch failed, will retry next run",
			zap.Uint32("seq", seq), zap.Error(err))
		return
	}
	if hi.MessageID == "" {
		p.log.Warn("register: message without message-id skipped", zap.Uint32("seq", seq))
		return
	}

	// 幂等登记：已有记录直接跳过
	if _, err := p.store.GetMessage(hi.MessageID); err == nil {
		p.metrics.MessagesSkipped.Inc()
		return
	} else if !errors.Is(err, storage.ErrMessageNotFound) {
		p.log.Error("register: registry lookup failed",
			zap.String("message_id", hi.MessageID), zap.Error(err))
		return
	}

	uid, err := sess.UIDOf(seq)
	if err != nil {
		p.log.Warn("register: uid fetch failed, will retry next run",
			zap.Uint32("seq", seq), zap.Error(err))
		return
	}

	msg := domain.InboundMessage{
		MessageID: hi.MessageID,
		UID:       uid,
		Subject:   hi.Subject,
		Timestamp: hi.Date,
		Status:    domain.StatusNew,
	}

	// 收件人列表里匹配共享列表地址的那一项，其显示名就是目标文本
	if target, ok := p.listTarget(hi.To); ok {
		msg.TargetText = strings.TrimSpace(target.Name)
	} else {
		p.log.Warn("register: no recipient matches the list address",
			zap.String("message_id", hi.MessageID))
	}

	// 发件人解析：查不到是合法情况（陌生人），留给 prepare 静默丢弃
	if len(hi.From) > 0 {
		if sender, err := p.store.FindUserByEmail(hi.From[0].Addr()); err == nil {
			msg.SenderUserID = sender.ID
		} else if !errors.Is(err, storage.ErrUserNotFound) {
			p.log.Error("register: sender lookup failed",
				zap.String("message_id", hi.MessageID), zap.Error(err))
			return
		}
	}

	msg.TargetType = domain.TargetNone
	if msg.TargetText != "" {
		res, err := p.resolver.Resolve(msg.TargetText)
		if err != nil {
			p.log.Error("register: target resolution failed",
				zap.String("message_id", hi.MessageID), zap.Error(err))
			return
		}
		msg.TargetType = res.Type
		msg.TargetID = res.ID
	}

	if err := p.store.InsertMessage(&msg); err != nil {
		if errors.Is(err, storage.ErrMessageExists) {
			p.metrics.MessagesSkipped.Inc()
			return
		}
		p.log.Error("register: failed to insert message",
			zap.String("message_id", hi.MessageID), zap.Error(err))
		return
	}

	p.metrics.MessagesRegistered.Inc()
	p.log.Info("message registered",
		zap.String("message_id", msg.MessageID),
		zap.String("target", msg.TargetText),
		zap.String("target_type", string(msg.TargetType)),
		zap.Uint64("sender_user_id", msg.SenderUserID),
	)
}

// listTarget 在收件人列表中找到写给共享列表地址的那一项。
func (p *Pipeline) listTarget(to []mailbox.Address) (mailbox.Address, bool) {
	for _, a := range to {
		if strings.EqualFold(a.Addr(), p.opts.ListAddress) {
			return a, true
		}
	}
	return mailbox.Address{}, false
}

// checkpoint 读取上次轮询的检查点日期；缺失或损坏时回溯一个初始窗口。
func (p *Pipeline) checkpoint() time.Time {
	raw, err := p.store.GetOption(domain.OptionRelayCheckpoint)
	if err == nil {
		if t, perr := time.Parse(checkpointLayout, raw); perr == nil {
			return t
		}
		p.log.Warn("register: malformed checkpoint, falling back", zap.String("value", raw))
	}
	return time.Now().UTC().AddDate(0, 0, -p.opts.CheckpointWindowDays)
}

// advanceCheckpoint 把检查点推进到今天。
func (p *Pipeline) advanceCheckpoint() {
	today := time.Now().UTC().Format(checkpointLayout)
	if err := p.store.SetOption(domain.OptionRelayCheckpoint, today); err != nil {
		p.log.Error("register: failed to advance checkpoint", zap.Error(err))
	}
}
