package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"listrelay/backend/internal/domain"
	"listrelay/backend/internal/storage"
)

// Store 使用内存保存登记表、台账与目录数据，主要用于开发验证与测试。
type Store struct {
	mu       sync.RWMutex
	messages map[string]*domain.InboundMessage // messageID -> message
	entries  map[uint64]*domain.ForwardEntry   // entryID -> entry
	byMsg    map[string][]uint64               // messageID -> entryIDs（保持写入顺序）
	users    map[uint64]*domain.User           // userID -> user
	byEmail  map[string]uint64                 // lower(email) -> userID
	groups   map[uint64]*domain.Group          // groupID -> group
	byTag    map[string]uint64                 // tag -> groupID
	members  map[uint64][]domain.GroupMember   // groupID -> members
	options  map[string]string

	nextEntryID uint64
	nextUserID  uint64
	nextGroupID uint64
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		messages: make(map[string]*domain.InboundMessage),
		entries:  make(map[uint64]*domain.ForwardEntry),
		byMsg:    make(map[string][]uint64),
		users:    make(map[uint64]*domain.User),
		byEmail:  make(map[string]uint64),
		groups:   make(map[uint64]*domain.Group),
		byTag:    make(map[string]uint64),
		members:  make(map[uint64][]domain.GroupMember),
		options:  make(map[string]string),
	}
}

// ========== MessageRegistry ==========

// InsertMessage 登记一封新邮件；重复的 MessageID 返回 ErrMessageExists。
func (s *Store) InsertMessage(m *domain.InboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[m.MessageID]; ok {
		return storage.ErrMessageExists
	}

	now := time.Now().UTC()
	cp := *m
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.messages[m.MessageID] = &cp
	return nil
}

// GetMessage 按协议标识获取登记记录。
func (s *Store) GetMessage(messageID string) (*domain.InboundMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[messageID]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	cp := *m
	return &cp, nil
}

// ListMessagesByStatus 按状态列出登记记录。
func (s *Store) ListMessagesByStatus(status domain.MessageStatus, unprocessedOnly bool) ([]domain.InboundMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.InboundMessage
	for _, m := range s.messages {
		if m.Status != status {
			continue
		}
		if unprocessedOnly && m.Processed {
			continue
		}
		out = append(out, *m)
	}
	// 按登记时间排序，保证遍历顺序稳定
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].MessageID < out[j].MessageID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateMessageDecision 写入 prepare 阶段的裁决结果。
func (s *Store) UpdateMessageDecision(m *domain.InboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.messages[m.MessageID]
	if !ok {
		return storage.ErrMessageNotFound
	}
	cur.Status = m.Status
	cur.TargetType = m.TargetType
	cur.TargetID = m.TargetID
	cur.Processed = m.Processed
	cur.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateMessageUID 修正 UID 漂移后的抓取提示。
func (s *Store) UpdateMessageUID(messageID string, uid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return storage.ErrMessageNotFound
	}
	m.UID = uid
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkMessageProcessed 将邮件标记为处理完毕。
func (s *Store) MarkMessageProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return storage.ErrMessageNotFound
	}
	m.Processed = true
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// ========== ForwardLedger ==========

// CreateForwardEntry 写入一条投递台账记录。
func (s *Store) CreateForwardEntry(e *domain.ForwardEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextEntryID++
	e.ID = s.nextEntryID
	e.CreatedAt = time.Now().UTC()
	e.UpdatedAt = e.CreatedAt
	cp := *e
	s.entries[e.ID] = &cp
	s.byMsg[e.MessageID] = append(s.byMsg[e.MessageID], e.ID)
	return nil
}

// ListForwardEntries 列出一封邮件的全部台账记录。
func (s *Store) ListForwardEntries(messageID string) ([]domain.ForwardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ForwardEntry
	for _, id := range s.byMsg[messageID] {
		out = append(out, *s.entries[id])
	}
	return out, nil
}

// ListUnsentEntries 列出一封邮件尚未投递的台账记录。
func (s *Store) ListUnsentEntries(messageID string) ([]domain.ForwardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ForwardEntry
	for _, id := range s.byMsg[messageID] {
		if e := s.entries[id]; !e.Sent {
			out = append(out, *e)
		}
	}
	return out, nil
}

// MarkEntrySent 将台账记录置为已发送。
func (s *Store) MarkEntrySent(entryID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return storage.ErrEntryNotFound
	}
	e.Sent = true
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// ========== UserDirectory ==========

// GetUser 按 ID 获取目录用户。
func (s *Store) GetUser(id uint64) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// FindUserByEmail 按邮件地址（不区分大小写）查找目录用户。
func (s *Store) FindUserByEmail(address string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[strings.ToLower(address)]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

// SearchUsers 按登录名、规整显示名或连写名精确查找。
func (s *Store) SearchUsers(text string) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(strings.TrimSpace(text))
	joined := strings.ReplaceAll(needle, " ", "")

	var out []domain.User
	for _, u := range s.users {
		if u.Login == text ||
			strings.ToLower(u.DisplayName) == needle ||
			(u.JoinedName != "" && strings.ToLower(u.JoinedName) == joined) {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetOptIn 查询用户的"接收他人转发邮件"开关。
func (s *Store) GetOptIn(userID uint64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return false, storage.ErrUserNotFound
	}
	return u.OptIn, nil
}

// HasCapability 查询用户是否持有指定能力。
func (s *Store) HasCapability(userID uint64, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return false, storage.ErrUserNotFound
	}
	return u.HasCapability(name), nil
}

// ========== GroupStore ==========

// FindGroupByTag 按寻址标签精确查找群组。
func (s *Store) FindGroupByTag(tag string) (*domain.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byTag[tag]
	if !ok {
		return nil, storage.ErrGroupNotFound
	}
	cp := *s.groups[id]
	return &cp, nil
}

// FindGroupByID 按 ID 获取群组。
func (s *Store) FindGroupByID(id uint64) (*domain.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[id]
	if !ok {
		return nil, storage.ErrGroupNotFound
	}
	cp := *g
	return &cp, nil
}

// ListGroupMembers 列出群组的全部成员关系。
func (s *Store) ListGroupMembers(groupID uint64) ([]domain.GroupMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]domain.GroupMember(nil), s.members[groupID]...), nil
}

// IsGroupMember 按俱乐部成员 ID 检查群组归属。
func (s *Store) IsGroupMember(groupID, memberID uint64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.members[groupID] {
		if m.MemberID != 0 && m.MemberID == memberID {
			return true, nil
		}
	}
	return false, nil
}

// IsGroupUser 按目录用户 ID 检查群组归属。
func (s *Store) IsGroupUser(groupID, userID uint64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.members[groupID] {
		if m.UserID != 0 && m.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

// ========== CheckpointStore ==========

// GetOption 读取配置项。
func (s *Store) GetOption(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.options[key]
	if !ok {
		return "", storage.ErrOptionNotFound
	}
	return v, nil
}

// SetOption 写入配置项。
func (s *Store) SetOption(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.options[key] = value
	return nil
}

// ========== 工具方法 ==========

// Close 关闭存储（内存实现为空操作）。
func (s *Store) Close() error { return nil }

// Health 健康检查（内存实现恒为健康）。
func (s *Store) Health() error { return nil }

// ========== 测试与开发用的目录装载方法 ==========

// AddUser 装载一个目录用户并返回分配的 ID。
func (s *Store) AddUser(u domain.User) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == 0 {
		s.nextUserID++
		u.ID = s.nextUserID
	} else if u.ID > s.nextUserID {
		s.nextUserID = u.ID
	}
	if u.JoinedName == "" {
		u.JoinedName = strings.ToLower(strings.ReplaceAll(u.DisplayName, " ", ""))
	}
	s.users[u.ID] = &u
	s.byEmail[strings.ToLower(u.Email)] = u.ID
	return u.ID
}

// AddGroup 装载一个群组并返回分配的 ID。
func (s *Store) AddGroup(g domain.Group) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g.ID == 0 {
		s.nextGroupID++
		g.ID = s.nextGroupID
	} else if g.ID > s.nextGroupID {
		s.nextGroupID = g.ID
	}
	s.groups[g.ID] = &g
	s.byTag[g.Tag] = g.ID
	return g.ID
}

// AddGroupMember 装载一条群组成员关系。
func (s *Store) AddGroupMember(m domain.GroupMember) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.members[m.GroupID] = append(s.members[m.GroupID], m)
}
