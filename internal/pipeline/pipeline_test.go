package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"listrelay/backend/internal/domain"
	"listrelay/backend/internal/lock"
	"listrelay/backend/internal/mailbox"
	"listrelay/backend/internal/mailer"
	"listrelay/backend/internal/monitoring"
	"listrelay/backend/internal/storage/memory"
)

// promauto 指标只能注册一次，测试共用一套
var testMetrics = monitoring.NewMetrics()

// ========== 假邮箱会话 ==========

type fakeMessage struct {
	uid       uint32
	header    *mailbox.HeaderInfo
	rawHeader []byte
	body      []byte
	parts     []mailbox.Part
	partData  map[string][]byte // fmt.Sprint(path) -> content
}

type fakeSession struct {
	msgs   map[uint32]*fakeMessage // seq -> message
	closed bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{msgs: make(map[uint32]*fakeMessage)}
}

func (s *fakeSession) add(seq, uid uint32, hi *mailbox.HeaderInfo, text string) *fakeMessage {
	m := &fakeMessage{
		uid:       uid,
		header:    hi,
		rawHeader: []byte("Message-ID: " + hi.MessageID + "\r\nSubject: " + hi.Subject + "\r\n"),
		body:      []byte(text),
		parts:     []mailbox.Part{{Path: []int{1}, Type: "text", Subtype: "plain"}},
		partData:  map[string][]byte{fmt.Sprint([]int{1}): []byte(text)},
	}
	s.msgs[seq] = m
	return m
}

func (s *fakeSession) SearchSince(since time.Time) ([]uint32, error) {
	var seqs []uint32
	for seq := range s.msgs {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

func (s *fakeSession) SearchText(text string) ([]uint32, error) {
	var seqs []uint32
	for seq, m := range s.msgs {
		if m.header.MessageID == text {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

func (s *fakeSession) HeaderInfo(seq uint32) (*mailbox.HeaderInfo, error) {
	m, ok := s.msgs[seq]
	if !ok {
		return nil, fmt.Errorf("no message at seq %d", seq)
	}
	return m.header, nil
}

func (s *fakeSession) RawHeader(seq uint32) ([]byte, error) {
	m, ok := s.msgs[seq]
	if !ok {
		return nil, fmt.Errorf("no message at seq %d", seq)
	}
	return m.rawHeader, nil
}

func (s *fakeSession) Body(seq uint32) ([]byte, error) {
	m, ok := s.msgs[seq]
	if !ok {
		return nil, fmt.Errorf("no message at seq %d", seq)
	}
	return m.body, nil
}

func (s *fakeSession) Structure(seq uint32) ([]mailbox.Part, error) {
	m, ok := s.msgs[seq]
	if !ok {
		return nil, fmt.Errorf("no message at seq %d", seq)
	}
	return m.parts, nil
}

func (s *fakeSession) BodyPart(seq uint32, path []int) ([]byte, error) {
	m, ok := s.msgs[seq]
	if !ok {
		return nil, fmt.Errorf("no message at seq %d", seq)
	}
	data, ok := m.partData[fmt.Sprint(path)]
	if !ok {
		return nil, fmt.Errorf("no part %v at seq %d", path, seq)
	}
	return data, nil
}

func (s *fakeSession) UIDOf(seq uint32) (uint32, error) {
	m, ok := s.msgs[seq]
	if !ok {
		return 0, fmt.Errorf("no message at seq %d", seq)
	}
	return m.uid, nil
}

func (s *fakeSession) SeqOf(uid uint32) (uint32, error) {
	for seq, m := range s.msgs {
		if m.uid == uid {
			return seq, nil
		}
	}
	return 0, fmt.Errorf("no message with uid %d", uid)
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeOpener struct {
	sess mailbox.Session
	err  error
}

func (o *fakeOpener) Open() (mailbox.Session, error) {
	return o.sess, o.err
}

// ========== 假送信器 ==========

type fakeSender struct {
	forwards   []*mailer.ForwardRequest
	bounces    []*mailer.BounceRequest
	forwardErr error
}

func (s *fakeSender) Forward(req *mailer.ForwardRequest) error {
	s.forwards = append(s.forwards, req)
	return s.forwardErr
}

func (s *fakeSender) Bounce(req *mailer.BounceRequest) error {
	s.bounces = append(s.bounces, req)
	return nil
}

// ========== 搭建 ==========

const listAddr = "list@example.org"

func toList(name string) []mailbox.Address {
	return []mailbox.Address{{Name: name, Mailbox: "list", Host: "example.org"}}
}

func from(email, name string) []mailbox.Address {
	var mb, host string
	for i := 0; i < len(email); i++ {
		if email[i] == '@' {
			mb, host = email[:i], email[i+1:]
			break
		}
	}
	return []mailbox.Address{{Name: name, Mailbox: mb, Host: host}}
}

type harness struct {
	store  *memory.Store
	sess   *fakeSession
	sender *fakeSender
	pipe   *Pipeline

	member    uint64
	recipient uint64
	club      uint64
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store:  memory.NewStore(),
		sess:   newFakeSession(),
		sender: &fakeSender{},
	}

	h.member = h.store.AddUser(domain.User{
		Login: "member", Email: "member@example.org",
		DisplayName: "Active Member", MemberID: 101, OptIn: true,
	})
	h.recipient = h.store.AddUser(domain.User{
		Login: "recipient", Email: "recipient@example.org",
		DisplayName: "Willing Reader", MemberID: 104, OptIn: true,
	})
	h.club = h.store.AddGroup(domain.Group{Tag: "Club", Name: "The Club", Category: domain.CategoryClub})
	h.store.AddGroupMember(domain.GroupMember{GroupID: h.club, MemberID: 101, UserID: h.member})
	h.store.AddGroupMember(domain.GroupMember{GroupID: h.club, MemberID: 104, UserID: h.recipient})

	mutex := lock.New(t.TempDir(), time.Minute, zap.NewNop())
	h.pipe = New(Options{ListAddress: listAddr},
		h.store, &fakeOpener{sess: h.sess}, h.sender, mutex, testMetrics, zap.NewNop())
	return h
}

// ========== 场景 ==========

func TestRunClubEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.sess.add(1, 11, &mailbox.HeaderInfo{
		MessageID: "<club-post@ext>",
		Subject:   "Weekend plans",
		Date:      time.Now(),
		From:      from("member@example.org", "Active Member"),
		To:        toList("Club"),
	}, "See you Saturday.")

	require.NoError(t, h.pipe.Run())

	msg, err := h.store.GetMessage("<club-post@ext>")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, msg.Status)
	assert.True(t, msg.Processed)
	assert.Equal(t, domain.TargetGroup, msg.TargetType)
	assert.Equal(t, h.club, msg.TargetID)
	assert.Equal(t, uint32(11), msg.UID)

	// 两个群组成员各收到一封
	require.Len(t, h.sender.forwards, 2)
	var recipients []string
	for _, f := range h.sender.forwards {
		recipients = append(recipients, f.Recipient.Email)
		assert.Equal(t, "Weekend plans", f.Subject)
		assert.Equal(t, "See you Saturday.", f.Text)
		// 原始头部与正文随请求一起传递
		assert.Contains(t, string(f.Header), "<club-post@ext>")
		assert.Equal(t, "See you Saturday.", string(f.Body))
		require.NotNil(t, f.Group)
		assert.Equal(t, "The Club", f.Group.Name)
	}
	assert.ElementsMatch(t, []string{"member@example.org", "recipient@example.org"}, recipients)

	// 台账全部置为已投递
	entries, err := h.store.ListForwardEntries("<club-post@ext>")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.True(t, e.Sent)
	}

	// 检查点推进到今天
	cp, err := h.store.GetOption(domain.OptionRelayCheckpoint)
	require.NoError(t, err)
	assert.Equal(t, time.Now().UTC().Format("2006-01-02"), cp)

	assert.True(t, h.sess.closed)
}

func TestRunUnknownSenderIgnored(t *testing.T) {
	h := newHarness(t)
	h.sess.add(1, 21, &mailbox.HeaderInfo{
		MessageID: "<stranger@ext>",
		Subject:   "Buy now",
		Date:      time.Now(),
		From:      from("spammer@elsewhere.net", "Spammer"),
		To:        toList("Club"),
	}, "Spam.")

	require.NoError(t, h.pipe.Run())

	msg, err := h.store.GetMessage("<stranger@ext>")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIgnore, msg.Status)
	assert.True(t, msg.Processed)
	// 静默丢弃：不回弹也不转发
	assert.Empty(t, h.sender.bounces)
	assert.Empty(t, h.sender.forwards)
}

func TestRunUnresolvedTargetBounced(t *testing.T) {
	h := newHarness(t)
	h.sess.add(1, 31, &mailbox.HeaderInfo{
		MessageID: "<lost@ext>",
		Subject:   "Hello?",
		Date:      time.Now(),
		From:      from("member@example.org", "Active Member"),
		To:        toList("Ghost Group"),
	}, "Anyone there?")

	require.NoError(t, h.pipe.Run())

	msg, err := h.store.GetMessage("<lost@ext>")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBounce, msg.Status)
	assert.True(t, msg.Processed)

	require.Len(t, h.sender.bounces, 1)
	b := h.sender.bounces[0]
	assert.Equal(t, "member@example.org", b.Sender.Email)
	assert.Contains(t, b.Reason, "Ghost Group")
	assert.Contains(t, string(b.Header), "<lost@ext>")
	assert.Empty(t, h.sender.forwards)
}

func TestRunIdempotentAcrossRuns(t *testing.T) {
	h := newHarness(t)
	h.sess.add(1, 41, &mailbox.HeaderInfo{
		MessageID: "<once@ext>",
		Subject:   "Only once",
		Date:      time.Now(),
		From:      from("member@example.org", "Active Member"),
		To:        toList("Club"),
	}, "Once.")

	require.NoError(t, h.pipe.Run())
	require.NoError(t, h.pipe.Run())

	// 第二轮不重复登记也不重复投递
	assert.Len(t, h.sender.forwards, 2)
	entries, err := h.store.ListForwardEntries("<once@ext>")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRunUIDDriftCorrected(t *testing.T) {
	h := newHarness(t)

	// 登记表里存着上个会话的 UID 5，邮箱整理后同一封邮件变成 seq 3 / uid 9
	require.NoError(t, h.store.InsertMessage(&domain.InboundMessage{
		MessageID:    "<drift@ext>",
		UID:          5,
		Subject:      "Moved around",
		SenderUserID: h.member,
		TargetText:   "Club",
		TargetType:   domain.TargetGroup,
		TargetID:     h.club,
		Status:       domain.StatusActive,
	}))
	require.NoError(t, h.store.CreateForwardEntry(&domain.ForwardEntry{
		MessageID: "<drift@ext>", RecipientUserID: h.recipient,
	}))
	h.sess.add(3, 9, &mailbox.HeaderInfo{
		MessageID: "<drift@ext>",
		Subject:   "Moved around",
		Date:      time.Now(),
		From:      from("member@example.org", "Active Member"),
		To:        toList("Club"),
	}, "Still here.")

	require.NoError(t, h.pipe.Run())

	msg, err := h.store.GetMessage("<drift@ext>")
	require.NoError(t, err)
	assert.Equal(t, uint32(9), msg.UID)
	assert.True(t, msg.Processed)
	require.Len(t, h.sender.forwards, 1)
	assert.Equal(t, "Still here.", h.sender.forwards[0].Text)
}

func TestRunAttachmentOnlyForwardsRawBody(t *testing.T) {
	h := newHarness(t)

	// MIME 树里没有任何文本部件的邮件（纯附件）
	m := h.sess.add(1, 61, &mailbox.HeaderInfo{
		MessageID: "<scan@ext>",
		Subject:   "Signed form",
		Date:      time.Now(),
		From:      from("member@example.org", "Active Member"),
		To:        toList("Club"),
	}, "%PDF-1.4 ...")
	m.parts = []mailbox.Part{{Path: []int{1}, Type: "application", Subtype: "pdf"}}

	require.NoError(t, h.pipe.Run())

	require.Len(t, h.sender.forwards, 2)
	for _, f := range h.sender.forwards {
		assert.Empty(t, f.Text)
		assert.Empty(t, f.HTML)
		assert.Equal(t, "%PDF-1.4 ...", string(f.Body))
	}
}

func TestRunDeliveryFailureStillMarksSent(t *testing.T) {
	h := newHarness(t)
	h.sender.forwardErr = fmt.Errorf("smtp unavailable")
	h.sess.add(1, 51, &mailbox.HeaderInfo{
		MessageID: "<failed@ext>",
		Subject:   "Tough luck",
		Date:      time.Now(),
		From:      from("member@example.org", "Active Member"),
		To:        toList("Club"),
	}, "Sorry.")

	require.NoError(t, h.pipe.Run())

	// 至多投递一次：失败的收件人不会在下一轮重试
	msg, err := h.store.GetMessage("<failed@ext>")
	require.NoError(t, err)
	assert.True(t, msg.Processed)

	unsent, err := h.store.ListUnsentEntries("<failed@ext>")
	require.NoError(t, err)
	assert.Empty(t, unsent)
}

func TestRunLocked(t *testing.T) {
	h := newHarness(t)

	// 另一轮的标记：新鲜且被本进程认领（即存活）
	dir := t.TempDir()
	mutex := lock.New(dir, time.Minute, zap.NewNop())
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "relay_run.lock"),
		[]byte(strconv.Itoa(os.Getpid())), 0o644))

	p := New(Options{ListAddress: listAddr},
		h.store, &fakeOpener{sess: h.sess}, h.sender, mutex, testMetrics, zap.NewNop())

	assert.ErrorIs(t, p.Run(), ErrLocked)
}

func TestRunMailboxFailure(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	mutex := lock.New(dir, time.Minute, zap.NewNop())
	p := New(Options{ListAddress: listAddr},
		h.store, &fakeOpener{err: fmt.Errorf("connection refused")}, h.sender, mutex, testMetrics, zap.NewNop())

	err := p.Run()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLocked)

	// 会话失败后锁必须被释放
	assert.NoFileExists(t, filepath.Join(dir, "relay_run.lock"))
}
