package mailer

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"listrelay/backend/internal/domain"
)

// ForwardRequest 描述一次向单个收件人的转发投递。
type ForwardRequest struct {
	Sender     *domain.User
	Recipient  *domain.User
	Subject    string
	Header     []byte // 原始邮件头部块
	Body       []byte // 原始邮件正文，文本部件缺失时整体转发
	Text       string
	HTML       string
	TargetText string
	TargetType domain.TargetType
	Group      *domain.Group // 群组目标时非空
}

// BounceRequest 描述一次发往原发件人的诊断回弹。
type BounceRequest struct {
	Sender  *domain.User
	Subject string
	Header  []byte // 原始邮件头部块
	Body    []byte // 原始邮件正文
	Reason  string // 拒绝原因（人类可读）
}

// Sender 是外部送信协作方的抽象，流水线只依赖这两个操作。
type Sender interface {
	Forward(req *ForwardRequest) error
	Bounce(req *BounceRequest) error
}

// SMTPConfig SMTP 提交通道的连接参数。
type SMTPConfig struct {
	Address  string // host:port
	Username string
	Password string
	From     string // 列表邮箱地址，作为出站信封与 From 头
	UseTLS   bool   // true 走隐式 TLS，false 走 STARTTLS
	// BouncePerMinute 回弹限速（防滥用放大），0 表示不限
	BouncePerMinute int
}

// SMTPSender 通过 SMTP 提交通道实现 Sender。
type SMTPSender struct {
	cfg     SMTPConfig
	log     *zap.Logger
	limiter *rate.Limiter
}

// NewSMTPSender 创建 SMTP 送信器。
func NewSMTPSender(cfg SMTPConfig, log *zap.Logger) *SMTPSender {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.BouncePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.BouncePerMinute)/60.0), cfg.BouncePerMinute)
	}
	return &SMTPSender{cfg: cfg, log: log, limiter: limiter}
}

// Forward 把转发内容投递给一个收件人。
func (s *SMTPSender) Forward(req *ForwardRequest) error {
	if req.Recipient == nil || req.Recipient.Email == "" {
		return fmt.Errorf("forward recipient has no address")
	}

	msg, err := buildForwardMessage(s.cfg.From, req)
	if err != nil {
		return fmt.Errorf("failed to compose forward: %w", err)
	}

	if err := s.submit(req.Recipient.Email, msg); err != nil {
		return fmt.Errorf("forward to %s failed: %w", req.Recipient.Email, err)
	}
	s.log.Info("message forwarded",
		zap.String("recipient", req.Recipient.Email),
		zap.String("target", req.TargetText),
	)
	return nil
}

// Bounce 向原发件人回送诊断邮件。
//
// 回弹受限速约束：超出配额时丢弃并告警，绝不排队重试——
// 回弹本身就是防滥用的薄冰，宁可少发。
func (s *SMTPSender) Bounce(req *BounceRequest) error {
	if req.Sender == nil || req.Sender.Email == "" {
		return fmt.Errorf("bounce target has no address")
	}

	if !s.limiter.Allow() {
		s.log.Warn("bounce suppressed by rate limit",
			zap.String("recipient", req.Sender.Email),
		)
		return nil
	}

	msg, err := buildBounceMessage(s.cfg.From, req)
	if err != nil {
		return fmt.Errorf("failed to compose bounce: %w", err)
	}

	if err := s.submit(req.Sender.Email, msg); err != nil {
		return fmt.Errorf("bounce to %s failed: %w", req.Sender.Email, err)
	}
	s.log.Info("bounce sent",
		zap.String("recipient", req.Sender.Email),
		zap.String("reason", req.Reason),
	)
	return nil
}

// submit 通过提交通道发出一封已组装的邮件。
func (s *SMTPSender) submit(rcpt string, msg []byte) error {
	auth := sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
	to := []string{rcpt}
	r := bytes.NewReader(msg)

	if s.cfg.UseTLS {
		return smtp.SendMailTLS(s.cfg.Address, auth, s.cfg.From, to, r)
	}
	return smtp.SendMail(s.cfg.Address, auth, s.cfg.From, to, r)
}

// buildForwardMessage 组装转发邮件。
//
// From 使用列表地址（保持 SPF/DMARC 对齐），Reply-To 指回原发件人；
// 群组目标时主题加上群组名前缀。正文按可用部件组装成
// multipart/alternative 或单一 text/plain。
func buildForwardMessage(listFrom string, req *ForwardRequest) ([]byte, error) {
	var buf bytes.Buffer

	subject := req.Subject
	if req.Group != nil {
		subject = fmt.Sprintf("[%s] %s", req.Group.Name, subject)
	}

	writeHeader(&buf, "From", formatAddress(req.Sender.DisplayName+" via list", listFrom))
	writeHeader(&buf, "Reply-To", formatAddress(req.Sender.DisplayName, req.Sender.Email))
	writeHeader(&buf, "To", formatAddress(req.Recipient.DisplayName, req.Recipient.Email))
	writeHeader(&buf, "Subject", subject)
	writeHeader(&buf, "Date", time.Now().UTC().Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", generateMessageID(listFrom))
	writeHeader(&buf, "MIME-Version", "1.0")

	text := req.Text
	if text == "" && req.HTML == "" {
		// 没有可抽取的文本部件（如纯附件邮件）时，按原始的
		// 内容类型整体转发抓取到的正文
		if len(req.Body) > 0 {
			ct, cte := originalContentHeaders(req.Header)
			if ct == "" {
				ct = "application/octet-stream"
			}
			writeHeader(&buf, "Content-Type", ct)
			if cte != "" {
				writeHeader(&buf, "Content-Transfer-Encoding", cte)
			}
			buf.WriteString("\r\n")
			buf.Write(req.Body)
			buf.WriteString("\r\n")
			return buf.Bytes(), nil
		}
		text = "(no content)"
	}

	if req.HTML == "" {
		writeHeader(&buf, "Content-Type", `text/plain; charset="utf-8"`)
		buf.WriteString("\r\n")
		buf.WriteString(text)
		buf.WriteString("\r\n")
		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)
	writeHeader(&buf, "Content-Type", fmt.Sprintf(`multipart/alternative; boundary=%q`, mw.Boundary()))
	buf.WriteString("\r\n")

	if text != "" {
		pw, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type": {`text/plain; charset="utf-8"`},
		})
		if err != nil {
			return nil, err
		}
		if _, err := pw.Write([]byte(text)); err != nil {
			return nil, err
		}
	}
	pw, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {`text/html; charset="utf-8"`},
	})
	if err != nil {
		return nil, err
	}
	if _, err := pw.Write([]byte(req.HTML)); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// buildBounceMessage 组装诊断回弹：说明文本 + 原始邮件作为
// message/rfc822 附件，方便发件人核对自己发了什么。
func buildBounceMessage(listFrom string, req *BounceRequest) ([]byte, error) {
	var buf bytes.Buffer

	writeHeader(&buf, "From", formatAddress("Mail Relay", listFrom))
	writeHeader(&buf, "To", formatAddress(req.Sender.DisplayName, req.Sender.Email))
	writeHeader(&buf, "Subject", "Message could not be forwarded: "+req.Subject)
	writeHeader(&buf, "Date", time.Now().UTC().Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", generateMessageID(listFrom))
	writeHeader(&buf, "Auto-Submitted", "auto-replied")
	writeHeader(&buf, "MIME-Version", "1.0")

	mw := multipart.NewWriter(&buf)
	writeHeader(&buf, "Content-Type", fmt.Sprintf(`multipart/mixed; boundary=%q`, mw.Boundary()))
	buf.WriteString("\r\n")

	pw, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {`text/plain; charset="utf-8"`},
	})
	if err != nil {
		return nil, err
	}
	explain := fmt.Sprintf(
		"Your message to the list could not be forwarded.\r\n\r\nReason: %s\r\n\r\nThe original message is attached.\r\n",
		req.Reason,
	)
	if _, err := pw.Write([]byte(explain)); err != nil {
		return nil, err
	}

	aw, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":        {"message/rfc822"},
		"Content-Disposition": {`attachment; filename="original.eml"`},
	})
	if err != nil {
		return nil, err
	}
	if _, err := aw.Write(req.Header); err != nil {
		return nil, err
	}
	if _, err := aw.Write([]byte("\r\n")); err != nil {
		return nil, err
	}
	if _, err := aw.Write(req.Body); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// originalContentHeaders 从原始头部块取出正文相关的两个头。
func originalContentHeaders(header []byte) (contentType, encoding string) {
	raw := append(append([]byte(nil), header...), '\r', '\n')
	m, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return "", ""
	}
	return m.Header.Get("Content-Type"), m.Header.Get("Content-Transfer-Encoding")
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	buf.WriteString(key)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

func formatAddress(name, email string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return email
	}
	return fmt.Sprintf("%q <%s>", name, email)
}

// generateMessageID 生成出站邮件的协议标识。
func generateMessageID(from string) string {
	host := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		host = from[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), host)
}
