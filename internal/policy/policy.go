package policy

import (
	"errors"
	"fmt"

	"listrelay/backend/internal/domain"
	"listrelay/backend/internal/storage"
)

// Verdict 是 prepare 阶段对一封 NEW 邮件的裁决。
//
// Status 只会是 ACTIVE、BOUNCE 或 IGNORE 之一；BOUNCE 时 Reason 携带
// 回送给发件人的诊断文本，ACTIVE 时 Recipients 是扇出收件人集合。
type Verdict struct {
	Status     domain.MessageStatus
	Reason     string
	Recipients []uint64
	Group      *domain.Group // 群组目标时附带，供投递展示
}

// Policy 实现发件授权与收件人扇出规则。
//
// 裁决是纯函数式的：输入登记记录，输出新状态，不修改任何行——
// 错误只在目录/群组查询失败时返回，由调用方记为 ERROR。
type Policy struct {
	users  storage.UserDirectory
	groups storage.GroupStore
}

// New 创建授权策略。
func New(users storage.UserDirectory, groups storage.GroupStore) *Policy {
	return &Policy{users: users, groups: groups}
}

// Evaluate 依次应用决策规则，首条命中即返回。
//
// 顺序：未知发件人静默丢弃 -> 发件人未开启转发开关 -> 目标缺失或
// 未解析 -> 群组类别规则 -> 用户直达规则。
func (p *Policy) Evaluate(msg *domain.InboundMessage) (Verdict, error) {
	// 未知发件人：静默丢弃，绝不回弹（避免向陌生地址放大垃圾流量）
	if msg.SenderUserID == 0 {
		return Verdict{Status: domain.StatusIgnore}, nil
	}

	sender, err := p.users.GetUser(msg.SenderUserID)
	if err != nil {
		return Verdict{}, fmt.Errorf("sender lookup failed: %w", err)
	}

	if !sender.OptIn {
		return Verdict{
			Status: domain.StatusBounce,
			Reason: "You have not enabled receiving forwarded mail from other members. Enable the forwarding opt-in in your profile before writing to the list.",
		}, nil
	}

	if msg.TargetText == "" || msg.TargetType == domain.TargetNone {
		if msg.TargetText == "" {
			return Verdict{
				Status: domain.StatusBounce,
				Reason: "Your message did not name a recipient. Address it to \"Group Tag <list address>\" or \"Member Name <list address>\".",
			}, nil
		}
		return Verdict{
			Status: domain.StatusBounce,
			Reason: fmt.Sprintf("No group or member named %q could be found.", msg.TargetText),
		}, nil
	}

	switch msg.TargetType {
	case domain.TargetGroup:
		return p.evaluateGroup(msg, sender)
	case domain.TargetUser:
		return p.evaluateUser(msg, sender)
	}

	return Verdict{
		Status: domain.StatusBounce,
		Reason: fmt.Sprintf("No group or member named %q could be found.", msg.TargetText),
	}, nil
}

// evaluateGroup 应用群组类别规则并枚举收件人。
func (p *Policy) evaluateGroup(msg *domain.InboundMessage, sender *domain.User) (Verdict, error) {
	group, err := p.groups.FindGroupByID(msg.TargetID)
	if err != nil {
		if errors.Is(err, storage.ErrGroupNotFound) {
			return Verdict{
				Status: domain.StatusBounce,
				Reason: fmt.Sprintf("No group or member named %q could be found.", msg.TargetText),
			}, nil
		}
		return Verdict{}, fmt.Errorf("group lookup failed: %w", err)
	}

	// 管理员越权能力跳过全部类别检查
	admin, err := p.users.HasCapability(sender.ID, domain.CapabilityRelayAdmin)
	if err != nil {
		return Verdict{}, fmt.Errorf("capability lookup failed: %w", err)
	}

	if !admin {
		if v, rejected, err := p.checkCategory(group, sender); err != nil {
			return Verdict{}, err
		} else if rejected {
			return v, nil
		}
	}

	recipients, err := p.enumerateRecipients(group)
	if err != nil {
		return Verdict{}, err
	}

	return Verdict{
		Status:     domain.StatusActive,
		Recipients: recipients,
		Group:      group,
	}, nil
}

// checkCategory 应用各群组类别的发件授权规则。
func (p *Policy) checkCategory(group *domain.Group, sender *domain.User) (Verdict, bool, error) {
	bounce := func(reason string) (Verdict, bool, error) {
		return Verdict{Status: domain.StatusBounce, Reason: reason, Group: group}, true, nil
	}

	switch group.Category {
	case domain.CategoryClub:
		if sender.MemberID == 0 {
			return bounce(fmt.Sprintf("Only club members may write to the group %q.", group.Name))
		}
		isMember, err := p.groups.IsGroupMember(group.ID, sender.MemberID)
		if err != nil {
			return Verdict{}, false, fmt.Errorf("membership lookup failed: %w", err)
		}
		if !isMember {
			return bounce(fmt.Sprintf("You are not a member of the group %q.", group.Name))
		}
	case domain.CategorySelect:
		return bounce(fmt.Sprintf("The group %q is a selection group and cannot be addressed directly.", group.Name))
	case domain.CategoryWordpress:
		isUser, err := p.groups.IsGroupUser(group.ID, sender.ID)
		if err != nil {
			return Verdict{}, false, fmt.Errorf("group user lookup failed: %w", err)
		}
		if !isUser {
			return bounce(fmt.Sprintf("You are not a member of the group %q.", group.Name))
		}
	case domain.CategoryAnnouncements:
		return bounce(fmt.Sprintf("The group %q is an announcement list and does not accept mail from members.", group.Name))
	default:
		return bounce(fmt.Sprintf("The group %q has an unknown type.", group.Name))
	}

	return Verdict{}, false, nil
}

// enumerateRecipients 枚举群组的投递对象。
//
// CLUB/SELECT 类别只投递给关联了目录账号且开启转发开关的成员；
// WORDPRESS/ANNOUNCEMENTS 类别投递给群组内全部目录用户，
// 收件侧不再检查开关（开关只约束发件资格）。
func (p *Policy) enumerateRecipients(group *domain.Group) ([]uint64, error) {
	members, err := p.groups.ListGroupMembers(group.ID)
	if err != nil {
		return nil, fmt.Errorf("member enumeration failed: %w", err)
	}

	requireOptIn := group.Category == domain.CategoryClub || group.Category == domain.CategorySelect

	var recipients []uint64
	seen := make(map[uint64]bool)
	for _, m := range members {
		if m.UserID == 0 || seen[m.UserID] {
			continue
		}
		if requireOptIn {
			optIn, err := p.users.GetOptIn(m.UserID)
			if err != nil {
				if errors.Is(err, storage.ErrUserNotFound) {
					continue
				}
				return nil, fmt.Errorf("opt-in lookup failed: %w", err)
			}
			if !optIn {
				continue
			}
		}
		seen[m.UserID] = true
		recipients = append(recipients, m.UserID)
	}
	return recipients, nil
}

// evaluateUser 应用用户直达规则。
func (p *Policy) evaluateUser(msg *domain.InboundMessage, sender *domain.User) (Verdict, error) {
	target, err := p.users.GetUser(msg.TargetID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return Verdict{
				Status: domain.StatusBounce,
				Reason: fmt.Sprintf("No group or member named %q could be found.", msg.TargetText),
			}, nil
		}
		return Verdict{}, fmt.Errorf("target user lookup failed: %w", err)
	}

	if !target.OptIn {
		return Verdict{
			Status: domain.StatusBounce,
			Reason: fmt.Sprintf("%s has not enabled direct messages.", target.DisplayName),
		}, nil
	}

	return Verdict{
		Status:     domain.StatusActive,
		Recipients: []uint64{target.ID},
	}, nil
}
