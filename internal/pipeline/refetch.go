package pipeline

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"listrelay/backend/internal/domain"
	"listrelay/backend/internal/mailbox"
)

// content 是一封邮件重新抓取后的完整内容快照。
type content struct {
	Header []byte
	Body   []byte
	Text   string
	HTML   string
	Seq    uint32
}

// refetch 按存储的 UID 重新抓取一封邮件的内容。
//
// UID 只是抓取提示：会话间邮箱可能被整理过，提示失效时按
// MessageID 全文搜索重新定位，并把修正后的 UID 写回登记表。
// 定位或任一抓取失败都返回错误，调用方留待下轮重试。
func (p *Pipeline) refetch(sess mailbox.Session, msg *domain.InboundMessage) (*content, error) {
	seq, err := p.resolveLiveSequence(sess, msg)
	if err != nil {
		return nil, err
	}

	c := &content{Seq: seq}
	if c.Header, err = sess.RawHeader(seq); err != nil {
		return nil, fmt.Errorf("failed to fetch header: %w", err)
	}
	if c.Body, err = sess.Body(seq); err != nil {
		return nil, fmt.Errorf("failed to fetch body: %w", err)
	}

	parts, err := sess.Structure(seq)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch structure: %w", err)
	}
	for _, part := range parts {
		if !strings.EqualFold(part.Type, "text") {
			continue
		}
		isPlain := strings.EqualFold(part.Subtype, "plain")
		isHTML := strings.EqualFold(part.Subtype, "html")
		if (isPlain && c.Text != "") || (isHTML && c.HTML != "") || (!isPlain && !isHTML) {
			continue
		}
		data, err := sess.BodyPart(seq, part.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch part %v: %w", part.Path, err)
		}
		if isPlain {
			c.Text = string(data)
		} else {
			c.HTML = string(data)
		}
	}
	return c, nil
}

// resolveLiveSequence 把存储的 UID 换算成当前会话的序列号，
// 并核对 MessageID 防止串号。
func (p *Pipeline) resolveLiveSequence(sess mailbox.Session, msg *domain.InboundMessage) (uint32, error) {
	if seq, err := sess.SeqOf(msg.UID); err == nil {
		hi, herr := sess.HeaderInfo(seq)
		if herr == nil && hi.MessageID == msg.MessageID {
			return seq, nil
		}
		// UID 指向了别的邮件，当作漂移处理
	}

	seqs, err := sess.SearchText(msg.MessageID)
	if err != nil {
		return 0, fmt.Errorf("failed to relocate message: %w", err)
	}
	if len(seqs) == 0 {
		return 0, fmt.Errorf("message %s no longer present in mailbox", msg.MessageID)
	}
	seq := seqs[0]

	uid, err := sess.UIDOf(seq)
	if err != nil {
		return 0, fmt.Errorf("failed to map relocated sequence to uid: %w", err)
	}
	if err := p.store.UpdateMessageUID(msg.MessageID, uid); err != nil {
		return 0, fmt.Errorf("failed to persist corrected uid: %w", err)
	}
	msg.UID = uid
	p.log.Info("message uid drift corrected",
		zap.String("message_id", msg.MessageID),
		zap.Uint32("uid", uid),
	)
	return seq, nil
}
