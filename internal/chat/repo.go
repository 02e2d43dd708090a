package chat

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) DB() *gorm.DB { return r.db }

// Characters
func (r *Repo) CreateCharacter(ctx context.Context, c *Character) error {
	return errors.Wrap(r.db.WithContext(ctx).Create(c).Error, "create character")
}

func (r *Repo) GetCharacter(ctx context.Context, id string) (*Character, error) {
	var c Character
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) ListCharacters(ctx context.Context, limit int) ([]Character, error) {
	var out []Character
	if err := r.db.WithContext(ctx).Order("created_at ASC").Limit(limit).Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "list characters")
	}
	return out, nil
}

// Rooms
func (r *Repo) GetRoom(ctx context.Context, id string) (*Room, error) {
	var room Room
	if err := r.db.WithContext(ctx).First(&room, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &room, nil
}

func (r *Repo) GetRoomByCharacter(ctx context.Context, userID uint64, characterID string) (*Room, error) {
	var room Room
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND character_id = ?", userID, characterID).
		First(&room).Error; err != nil {
		return nil, err
	}
	return &room, nil
}

// CreateRoomOrGetExisting inserts room with its default settings, or returns the room the
// user already has with that character.
func (r *Repo) CreateRoomOrGetExisting(ctx context.Context, room *Room) (*Room, bool, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(room).Error; err != nil {
			return err
		}
		settings := DefaultSettings(room.ID)
		return tx.Create(&settings).Error
	})
	if err == nil {
		return room, true, nil
	}

	existing, getErr := r.GetRoomByCharacter(ctx, room.UserID, room.CharacterID)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, errors.Wrap(err, "create room")
	}
	return nil, false, errors.Wrap(getErr, "get room")
}

// ListRooms returns the user's rooms, most recently active first.
func (r *Repo) ListRooms(ctx context.Context, userID uint64, limit int) ([]Room, error) {
	var out []Room
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "updated_at"}, Desc: true}).
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "list rooms")
	}
	return out, nil
}

// Settings
func (r *Repo) GetSettings(ctx context.Context, roomID string) (*RoomSettings, error) {
	var s RoomSettings
	err := r.db.WithContext(ctx).First(&s, "room_id = ?", roomID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		d := DefaultSettings(roomID)
		return &d, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get settings")
	}
	return &s, nil
}

// SaveSettings upserts every column, zero values included.
func (r *Repo) SaveSettings(ctx context.Context, s *RoomSettings) error {
	return errors.Wrap(r.db.WithContext(ctx).Save(s).Error, "save settings")
}
