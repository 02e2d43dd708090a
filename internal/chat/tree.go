package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/suPer8Hu/character-chat/internal/apperr"
	"github.com/suPer8Hu/character-chat/internal/common"
	"github.com/suPer8Hu/character-chat/internal/lock"
	"github.com/suPer8Hu/character-chat/internal/memory"
)

const (
	previewRunes   = 120
	maxTipAttempts = 5
)

var errTipMoved = errors.New("room tip moved")

// Tree is the message store of every room. Appends and tip moves for one room are
// serialised by a per-room lock, and each one advances the tip with a compare-and-swap on
// the previously observed tip, so two writers can never both win from the same base.
type Tree struct {
	db     *gorm.DB
	locker lock.Locker
}

func NewTree(db *gorm.DB, locker lock.Locker) *Tree {
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Tree{db: db, locker: locker}
}

func roomLockKey(roomID string) string { return "room:" + roomID }

// withRoom runs fn in a transaction while holding the room lock, retrying when the tip
// compare-and-swap loses.
func (t *Tree) withRoom(ctx context.Context, roomID string, fn func(tx *gorm.DB, room *Room) error) error {
	unlock, err := t.locker.Lock(ctx, roomLockKey(roomID))
	if err != nil {
		return apperr.Persistence(err, "lock room")
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var room Room
			if err := tx.First(&room, "id = ?", roomID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return apperr.NotFound("room not found")
				}
				return err
			}
			return fn(tx, &room)
		})
		if errors.Is(err, errTipMoved) && attempt < maxTipAttempts {
			continue
		}
		if errors.Is(err, errTipMoved) {
			return apperr.Conflict("room changed concurrently, retry")
		}
		var ae *apperr.Error
		if err != nil && !errors.As(err, &ae) {
			return apperr.Persistence(err, "update conversation")
		}
		return err
	}
}

// moveTip is the compare-and-swap on the room's tip.
func moveTip(tx *gorm.DB, room *Room, updates map[string]any) error {
	updates["updated_at"] = time.Now()
	res := tx.Model(&Room{}).
		Where("id = ? AND tip_message_id = ?", room.ID, room.TipMessageID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return errTipMoved
	}
	return nil
}

func liveMessage(tx *gorm.DB, roomID, id string) (*Message, error) {
	var m Message
	err := tx.Where("room_id = ? AND id = ?", roomID, id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("message not found")
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

type appendParams struct {
	role    string
	content string
	// parentID is used as is when fixedParent is set; otherwise the room tip is the parent.
	parentID       string
	fixedParent    bool
	idempotencyKey *string
	userID         uint64
}

// appendNode inserts a node and makes it the tip. The new node keeps its parent's branch
// label unless the parent already has live children, in which case it opens a new branch.
func (t *Tree) appendNode(ctx context.Context, roomID string, ap appendParams) (*Message, error) {
	var out *Message
	err := t.withRoom(ctx, roomID, func(tx *gorm.DB, room *Room) error {
		parentID := room.TipMessageID
		if ap.fixedParent {
			parentID = ap.parentID
		}

		label := MainBranch
		var parentRef *string
		if parentID != "" {
			parent, err := liveMessage(tx, roomID, parentID)
			if err != nil {
				return err
			}
			label = parent.BranchLabel
			parentRef = &parent.ID
		}

		var siblings int64
		q := tx.Model(&Message{}).Where("room_id = ?", roomID)
		if parentRef == nil {
			q = q.Where("parent_id IS NULL")
		} else {
			q = q.Where("parent_id = ?", *parentRef)
		}
		if err := q.Count(&siblings).Error; err != nil {
			return err
		}

		branchCount := room.BranchCount
		if siblings > 0 {
			branchCount++
			label = fmt.Sprintf("b%d", branchCount)
		}

		id, err := common.NewULID()
		if err != nil {
			return err
		}
		now := time.Now()
		msg := &Message{
			ID:             id,
			RoomID:         roomID,
			UserID:         ap.userID,
			ParentID:       parentRef,
			Seq:            room.LastSeq + 1,
			Role:           ap.role,
			Content:        ap.content,
			BranchLabel:    label,
			BranchIndex:    int(siblings),
			IdempotencyKey: ap.idempotencyKey,
			CreatedAt:      now,
		}
		if err := tx.Create(msg).Error; err != nil {
			return err
		}

		if err := moveTip(tx, room, map[string]any{
			"tip_message_id":       msg.ID,
			"last_seq":             msg.Seq,
			"branch_count":         branchCount,
			"message_count":        gorm.Expr("message_count + 1"),
			"last_message_preview": preview(msg.Content),
			"last_activity_at":     now,
		}); err != nil {
			return err
		}
		out = msg
		return nil
	})
	return out, err
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= previewRunes {
		return s
	}
	return string([]rune(s)[:previewRunes])
}

// AppendUserMessage adds body as a child of the current tip and advances the tip.
func (t *Tree) AppendUserMessage(ctx context.Context, userID uint64, roomID, body string, idempotencyKey *string) (*Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, apperr.Validation("message body is empty")
	}
	return t.appendNode(ctx, roomID, appendParams{
		role:           RoleUser,
		content:        body,
		idempotencyKey: idempotencyKey,
		userID:         userID,
	})
}

// AppendAssistantMessage commits a generated reply under parentID and makes it the tip,
// whatever the tip was at the time. A regenerated reply lands next to its original sibling.
func (t *Tree) AppendAssistantMessage(ctx context.Context, userID uint64, roomID, parentID, body string) (*Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, apperr.Validation("message body is empty")
	}
	return t.appendNode(ctx, roomID, appendParams{
		role:        RoleAssistant,
		content:     body,
		parentID:    parentID,
		fixedParent: true,
		userID:      userID,
	})
}

// RollbackTo makes messageID the tip. Its descendants stay stored and reachable through
// SwitchBranch.
func (t *Tree) RollbackTo(ctx context.Context, roomID, messageID string) (*Branch, error) {
	var target *Message
	err := t.withRoom(ctx, roomID, func(tx *gorm.DB, room *Room) error {
		m, err := liveMessage(tx, roomID, messageID)
		if err != nil {
			return err
		}
		if room.TipMessageID == m.ID {
			target = m
			return nil
		}
		if err := moveTip(tx, room, map[string]any{"tip_message_id": m.ID}); err != nil {
			return err
		}
		target = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t.branchAt(ctx, roomID, target)
}

// SwitchBranch moves the tip to the deepest live node carrying label.
func (t *Tree) SwitchBranch(ctx context.Context, roomID, label string) (*Branch, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, apperr.Validation("branch label is required")
	}
	var target *Message
	err := t.withRoom(ctx, roomID, func(tx *gorm.DB, room *Room) error {
		var m Message
		err := tx.Where("room_id = ? AND branch_label = ?", roomID, label).
			Order("seq DESC").
			First(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("branch %q not found", label)
		}
		if err != nil {
			return err
		}
		target = &m
		if room.TipMessageID == m.ID {
			return nil
		}
		return moveTip(tx, room, map[string]any{"tip_message_id": m.ID})
	})
	if err != nil {
		return nil, err
	}
	return t.branchAt(ctx, roomID, target)
}

func (t *Tree) loadLive(ctx context.Context, roomID string) (map[string]*Message, error) {
	var msgs []Message
	if err := t.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("seq ASC").
		Find(&msgs).Error; err != nil {
		return nil, apperr.Persistence(err, "load messages")
	}
	byID := make(map[string]*Message, len(msgs))
	for i := range msgs {
		byID[msgs[i].ID] = &msgs[i]
	}
	return byID, nil
}

// pathTo walks parent links from id up to the root and returns the nodes root first.
// A cycle or a dangling parent is reported as a persistence fault.
func pathTo(byID map[string]*Message, id string) ([]Message, error) {
	var rev []Message
	seen := make(map[string]bool)
	for cur := id; cur != ""; {
		if seen[cur] {
			return nil, apperr.Persistence(nil, "message tree has a cycle")
		}
		seen[cur] = true
		m, ok := byID[cur]
		if !ok {
			return nil, apperr.Persistence(nil, "message tree has a dangling parent")
		}
		rev = append(rev, *m)
		cur = m.parent()
	}
	out := make([]Message, len(rev))
	for i := range rev {
		out[len(rev)-1-i] = rev[i]
	}
	return out, nil
}

// ActivePath returns the messages from the root to the room's tip.
func (t *Tree) ActivePath(ctx context.Context, roomID string) ([]Message, error) {
	var room Room
	if err := t.db.WithContext(ctx).First(&room, "id = ?", roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("room not found")
		}
		return nil, apperr.Persistence(err, "get room")
	}
	return t.PathTo(ctx, roomID, room.TipMessageID)
}

// PathTo returns the messages from the root to messageID; empty for an empty id.
func (t *Tree) PathTo(ctx context.Context, roomID, messageID string) ([]Message, error) {
	if messageID == "" {
		return nil, nil
	}
	byID, err := t.loadLive(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if _, ok := byID[messageID]; !ok {
		return nil, apperr.NotFound("message not found")
	}
	return pathTo(byID, messageID)
}

// ActiveTurns implements memory.Transcript.
func (t *Tree) ActiveTurns(ctx context.Context, roomID string) ([]memory.Turn, error) {
	path, err := t.ActivePath(ctx, roomID)
	if err != nil {
		return nil, err
	}
	out := make([]memory.Turn, 0, len(path))
	for _, m := range path {
		out = append(out, memory.Turn{MessageID: m.ID, Seq: m.Seq, Role: m.Role, Content: m.Content})
	}
	return out, nil
}

// CommitOnLive implements memory.Transcript. fn runs under the room lock in the same
// transaction that checks the message is still live, so a summary can never be written
// after a reset removed the messages it covers.
func (t *Tree) CommitOnLive(ctx context.Context, roomID, messageID string, fn func(tx *gorm.DB) error) error {
	return t.withRoom(ctx, roomID, func(tx *gorm.DB, _ *Room) error {
		if _, err := liveMessage(tx, roomID, messageID); err != nil {
			return err
		}
		return fn(tx)
	})
}

func (t *Tree) GetMessage(ctx context.Context, roomID, messageID string) (*Message, error) {
	m, err := liveMessage(t.db.WithContext(ctx), roomID, messageID)
	var ae *apperr.Error
	if err != nil && !errors.As(err, &ae) {
		return nil, apperr.Persistence(err, "get message")
	}
	return m, err
}

func (t *Tree) FindByIdempotencyKey(ctx context.Context, roomID, key string) (*Message, error) {
	var m Message
	err := t.db.WithContext(ctx).
		Where("room_id = ? AND idempotency_key = ?", roomID, key).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Persistence(err, "find message by idempotency key")
	}
	return &m, nil
}

// Children returns the live children of messageID in sibling order.
func (t *Tree) Children(ctx context.Context, roomID, messageID string) ([]Message, error) {
	var out []Message
	if err := t.db.WithContext(ctx).
		Where("room_id = ? AND parent_id = ?", roomID, messageID).
		Order("seq ASC").
		Find(&out).Error; err != nil {
		return nil, apperr.Persistence(err, "list children")
	}
	return out, nil
}

// ListBranches describes every branch that still has live nodes, ordered by creation.
func (t *Tree) ListBranches(ctx context.Context, roomID string) ([]Branch, error) {
	var room Room
	if err := t.db.WithContext(ctx).First(&room, "id = ?", roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("room not found")
		}
		return nil, apperr.Persistence(err, "get room")
	}
	byID, err := t.loadLive(ctx, roomID)
	if err != nil {
		return nil, err
	}

	type span struct{ first, last *Message }
	spans := map[string]*span{}
	for _, m := range byID {
		s, ok := spans[m.BranchLabel]
		if !ok {
			spans[m.BranchLabel] = &span{first: m, last: m}
			continue
		}
		if m.Seq < s.first.Seq {
			s.first = m
		}
		if m.Seq > s.last.Seq {
			s.last = m
		}
	}

	activeLabel := ""
	if tip, ok := byID[room.TipMessageID]; ok {
		activeLabel = tip.BranchLabel
	}

	out := make([]Branch, 0, len(spans))
	for label, s := range spans {
		path, err := pathTo(byID, s.last.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, Branch{
			Label:        label,
			ForkParentID: s.first.parent(),
			TipMessageID: s.last.ID,
			Length:       len(path),
			Active:       label == activeLabel,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return spans[out[i].Label].first.Seq < spans[out[j].Label].first.Seq
	})
	return out, nil
}

// branchAt describes the branch of m with m as its current position.
func (t *Tree) branchAt(ctx context.Context, roomID string, m *Message) (*Branch, error) {
	byID, err := t.loadLive(ctx, roomID)
	if err != nil {
		return nil, err
	}
	path, err := pathTo(byID, m.ID)
	if err != nil {
		return nil, err
	}
	fork := ""
	for i := len(path) - 1; i >= 0; i-- {
		if path[i].BranchLabel != m.BranchLabel {
			break
		}
		fork = path[i].parent()
	}
	return &Branch{
		Label:        m.BranchLabel,
		ForkParentID: fork,
		TipMessageID: m.ID,
		Length:       len(path),
		Active:       true,
	}, nil
}

// SoftDeleteAll hides every message of the room. It is one step of a conversation reset.
// Memories that were written since the reset deleted the room's memories are removed first
// in the same transaction; strays reports how many.
func (t *Tree) SoftDeleteAll(ctx context.Context, roomID string) (messages, strays int64, err error) {
	err = t.withRoom(ctx, roomID, func(tx *gorm.DB, room *Room) error {
		res := tx.Where("room_id = ?", roomID).Delete(&memory.Memory{})
		if res.Error != nil {
			return res.Error
		}
		strays = res.RowsAffected
		res = tx.Where("room_id = ?", roomID).Delete(&Message{})
		messages = res.RowsAffected
		return res.Error
	})
	return messages, strays, err
}

// ZeroCounters clears the tip and the denormalised counters. Ordinals keep counting.
func (t *Tree) ZeroCounters(ctx context.Context, roomID string) error {
	return t.withRoom(ctx, roomID, func(tx *gorm.DB, room *Room) error {
		return moveTip(tx, room, map[string]any{
			"tip_message_id":       "",
			"branch_count":         0,
			"message_count":        0,
			"last_message_preview": "",
			"last_activity_at":     nil,
		})
	})
}
