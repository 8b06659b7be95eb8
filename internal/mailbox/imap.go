package mailbox

import (
	"fmt"
	"io"
	"mime"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"go.uber.org/zap"
)

// IMAPConfig 列表邮箱的连接参数。
type IMAPConfig struct {
	URI      string // imap://host:143 或 imaps://host:993
	Username string
	Password string
	Folder   string // 默认 INBOX
}

// IMAPOpener 按配置建立 IMAP 会话。
type IMAPOpener struct {
	cfg IMAPConfig
	log *zap.Logger
}

// NewIMAPOpener 创建 IMAP 会话工厂。
func NewIMAPOpener(cfg IMAPConfig, log *zap.Logger) *IMAPOpener {
	return &IMAPOpener{cfg: cfg, log: log}
}

// Open 建立连接、登录并选中列表邮箱文件夹。
func (o *IMAPOpener) Open() (Session, error) {
	u, err := url.Parse(o.cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("invalid mailbox uri: %w", err)
	}

	var c *client.Client
	switch u.Scheme {
	case "imaps":
		addr := u.Host
		if u.Port() == "" {
			addr += ":993"
		}
		c, err = client.DialTLS(addr, nil)
	case "imap":
		addr := u.Host
		if u.Port() == "" {
			addr += ":143"
		}
		c, err = client.Dial(addr)
		if err == nil {
			// 明文端口上强制升级
			if tlsErr := c.StartTLS(nil); tlsErr != nil {
				c.Logout()
				return nil, fmt.Errorf("starttls failed: %w", tlsErr)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported mailbox uri scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mailbox: %w", err)
	}

	if err := c.Login(o.cfg.Username, o.cfg.Password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("mailbox login failed: %w", err)
	}

	folder := o.cfg.Folder
	if folder == "" {
		folder = "INBOX"
	}
	if _, err := c.Select(folder, false); err != nil {
		c.Logout()
		return nil, fmt.Errorf("failed to select folder %q: %w", folder, err)
	}

	o.log.Debug("mailbox session opened",
		zap.String("host", u.Host),
		zap.String("folder", folder),
	)
	return &imapSession{c: c}, nil
}

// imapSession 基于 emersion/go-imap v1 客户端实现 Session。
type imapSession struct {
	c *client.Client
}

func (s *imapSession) SearchSince(since time.Time) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Since = since
	seqs, err := s.c.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("search since %s failed: %w", since.Format("2006-01-02"), err)
	}
	return seqs, nil
}

func (s *imapSession) SearchText(text string) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Text = []string{text}
	seqs, err := s.c.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("text search failed: %w", err)
	}
	return seqs, nil
}

// fetchOne 抓取单封邮件的指定条目。
func (s *imapSession) fetchOne(seq uint32, items []imap.FetchItem) (*imap.Message, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(seq)

	ch := make(chan *imap.Message, 1)
	if err := s.c.Fetch(seqset, items, ch); err != nil {
		return nil, fmt.Errorf("fetch %v for seq %d failed: %w", items, seq, err)
	}
	msg := <-ch
	if msg == nil {
		return nil, fmt.Errorf("no message at seq %d", seq)
	}
	return msg, nil
}

func (s *imapSession) HeaderInfo(seq uint32) (*HeaderInfo, error) {
	msg, err := s.fetchOne(seq, []imap.FetchItem{imap.FetchEnvelope})
	if err != nil {
		return nil, err
	}
	env := msg.Envelope
	if env == nil {
		return nil, fmt.Errorf("no envelope at seq %d", seq)
	}

	return &HeaderInfo{
		MessageID: normalizeMessageID(env.MessageId),
		Subject:   decodeWord(env.Subject),
		Date:      env.Date,
		From:      convertAddresses(env.From),
		To:        convertAddresses(env.To),
	}, nil
}

func (s *imapSession) RawHeader(seq uint32) ([]byte, error) {
	section := &imap.BodySectionName{Peek: true}
	section.Specifier = imap.HeaderSpecifier
	return s.fetchSection(seq, section)
}

func (s *imapSession) Body(seq uint32) ([]byte, error) {
	section := &imap.BodySectionName{Peek: true}
	section.Specifier = imap.TextSpecifier
	return s.fetchSection(seq, section)
}

func (s *imapSession) fetchSection(seq uint32, section *imap.BodySectionName) ([]byte, error) {
	msg, err := s.fetchOne(seq, []imap.FetchItem{section.FetchItem()})
	if err != nil {
		return nil, err
	}
	body := msg.GetBody(section)
	if body == nil {
		return nil, fmt.Errorf("no body section at seq %d", seq)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body section at seq %d: %w", seq, err)
	}
	return data, nil
}

func (s *imapSession) Structure(seq uint32) ([]Part, error) {
	msg, err := s.fetchOne(seq, []imap.FetchItem{imap.FetchBodyStructure})
	if err != nil {
		return nil, err
	}
	if msg.BodyStructure == nil {
		return nil, fmt.Errorf("no body structure at seq %d", seq)
	}

	var parts []Part
	walkStructure(msg.BodyStructure, nil, &parts)
	return parts, nil
}

// walkStructure 深度优先展开 MIME 结构。单部件邮件记为路径 [1]。
func walkStructure(bs *imap.BodyStructure, path []int, out *[]Part) {
	if len(bs.Parts) == 0 {
		p := path
		if len(p) == 0 {
			p = []int{1}
		}
		*out = append(*out, Part{
			Path:    append([]int(nil), p...),
			Type:    strings.ToLower(bs.MIMEType),
			Subtype: strings.ToLower(bs.MIMESubType),
		})
		return
	}
	for i, child := range bs.Parts {
		walkStructure(child, append(append([]int(nil), path...), i+1), out)
	}
}

func (s *imapSession) BodyPart(seq uint32, path []int) ([]byte, error) {
	section := &imap.BodySectionName{Peek: true}
	section.Path = append([]int(nil), path...)
	return s.fetchSection(seq, section)
}

func (s *imapSession) UIDOf(seq uint32) (uint32, error) {
	msg, err := s.fetchOne(seq, []imap.FetchItem{imap.FetchUid})
	if err != nil {
		return 0, err
	}
	return msg.Uid, nil
}

func (s *imapSession) SeqOf(uid uint32) (uint32, error) {
	uidset := new(imap.SeqSet)
	uidset.AddNum(uid)
	criteria := imap.NewSearchCriteria()
	criteria.Uid = uidset

	seqs, err := s.c.Search(criteria)
	if err != nil {
		return 0, fmt.Errorf("uid %d lookup failed: %w", uid, err)
	}
	if len(seqs) == 0 {
		return 0, fmt.Errorf("uid %d not found in mailbox", uid)
	}
	return seqs[0], nil
}

func (s *imapSession) Close() error {
	return s.c.Logout()
}

func convertAddresses(in []*imap.Address) []Address {
	out := make([]Address, 0, len(in))
	for _, a := range in {
		if a == nil {
			continue
		}
		out = append(out, Address{
			Name:    decodeWord(a.PersonalName),
			Mailbox: a.MailboxName,
			Host:    a.HostName,
		})
	}
	return out
}

// normalizeMessageID 去掉协议标识两端的尖括号与空白。
func normalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return id
}

// decodeWord 解码 RFC 2047 编码的头部字段；解码失败时原样返回。
func decodeWord(s string) string {
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}
