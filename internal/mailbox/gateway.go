package mailbox

import "time"

// Address 是邮件头中的一个结构化地址。
type Address struct {
	Name    string // 显示名（已解码）
	Mailbox string // @ 前的本地部分
	Host    string // @ 后的主机部分
}

// Addr 返回 mailbox@host 形式的地址字符串。
func (a Address) Addr() string {
	if a.Host == "" {
		return a.Mailbox
	}
	return a.Mailbox + "@" + a.Host
}

// HeaderInfo 是一封邮件的信封摘要。
type HeaderInfo struct {
	MessageID string
	Subject   string
	Date      time.Time
	From      []Address
	To        []Address
}

// Part 是 MIME 结构中的一个内容部件。
type Part struct {
	Path    []int  // IMAP 部件路径（如 [1] 或 [1 2]）
	Type    string // 主类型，如 "text"
	Subtype string // 子类型，如 "plain"、"html"
}

// Session 是对一次 IMAP 会话的窄抽象。
//
// 任何抓取/搜索失败都以错误返回给调用方，由调用方决定把对应邮件
// 标记为 ERROR 还是留待下轮重试——单封邮件的故障绝不中断整轮运行。
type Session interface {
	// SearchSince 按邮件日期下界搜索，返回序列号列表。
	SearchSince(since time.Time) ([]uint32, error)
	// SearchText 按全文包含匹配搜索（用于按 MessageID 重新定位）。
	SearchText(text string) ([]uint32, error)
	// HeaderInfo 抓取信封摘要。
	HeaderInfo(seq uint32) (*HeaderInfo, error)
	// RawHeader 抓取原始头部块。
	RawHeader(seq uint32) ([]byte, error)
	// Body 抓取正文字节。
	Body(seq uint32) ([]byte, error)
	// Structure 抓取 MIME 结构的部件列表（深度优先展开）。
	Structure(seq uint32) ([]Part, error)
	// BodyPart 抓取指定路径的部件内容。
	BodyPart(seq uint32, path []int) ([]byte, error)
	// UIDOf 把序列号映射为 UID。
	UIDOf(seq uint32) (uint32, error)
	// SeqOf 把已存的 UID 映射回当前会话的序列号。
	SeqOf(uid uint32) (uint32, error)
	// Close 结束会话。
	Close() error
}

// Opener 打开一次邮箱会话。流水线持有 Opener 而不是 Session，
// 便于测试注入假会话。
type Opener interface {
	Open() (Session, error)
}
