package chat

import (
	"time"

	"gorm.io/gorm"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	// MainBranch labels the path that starts at the first message of a room.
	MainBranch = "main"
)

type Character struct {
	ID              string    `gorm:"primaryKey;size:26" json:"id"`
	Name            string    `gorm:"type:varchar(64);not null" json:"name"`
	Description     string    `gorm:"type:text" json:"description"`
	Personality     string    `gorm:"type:text" json:"personality"`
	Scenario        string    `gorm:"type:text" json:"scenario"`
	Greeting        string    `gorm:"type:text" json:"greeting"`
	ExampleDialogue string    `gorm:"type:text" json:"example_dialogue"`
	SystemPrompt    string    `gorm:"type:text" json:"system_prompt"`
	AvatarURL       string    `gorm:"type:varchar(512)" json:"avatar_url"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (Character) TableName() string { return "characters" }

// Room is one conversation between a user and a character. TipMessageID is the active
// branch tip; an empty tip means the room has no visible messages.
type Room struct {
	ID          string `gorm:"primaryKey;size:26" json:"id"`
	UserID      uint64 `gorm:"not null;uniqueIndex:uniq_room_user_character,priority:1" json:"-"`
	CharacterID string `gorm:"size:26;not null;uniqueIndex:uniq_room_user_character,priority:2" json:"character_id"`
	PersonaName string `gorm:"type:varchar(64)" json:"persona_name"`
	Provider    string `gorm:"type:varchar(32);not null" json:"provider"`
	Model       string `gorm:"type:varchar(64);not null" json:"model"`

	TipMessageID string `gorm:"size:26;not null;default:''" json:"tip_message_id"`
	// LastSeq allocates message ordinals. It survives resets so ordinals stay unique.
	LastSeq     int64 `gorm:"not null;default:0" json:"-"`
	BranchCount int   `gorm:"not null;default:0" json:"branch_count"`

	MessageCount       int        `gorm:"not null;default:0" json:"message_count"`
	LastMessagePreview string     `gorm:"type:varchar(255);not null;default:''" json:"last_message_preview"`
	LastActivityAt     *time.Time `json:"last_activity_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Room) TableName() string { return "chat_rooms" }

// Message is one node of a room's tree. Nodes are append-only; DeletedAt is only set by a
// conversation reset and is unrelated to branch visibility.
type Message struct {
	ID       string  `gorm:"primaryKey;size:26" json:"id"`
	RoomID   string  `gorm:"size:26;not null;index:idx_chat_msg_room_parent,priority:1;uniqueIndex:uniq_chat_msg_room_seq,priority:1;uniqueIndex:uniq_chat_msg_idempo,priority:1" json:"room_id"`
	UserID   uint64  `gorm:"not null;index" json:"-"`
	ParentID *string `gorm:"size:26;index:idx_chat_msg_room_parent,priority:2" json:"parent_id"`
	Seq      int64   `gorm:"not null;uniqueIndex:uniq_chat_msg_room_seq,priority:2" json:"seq"`
	Role     string  `gorm:"type:varchar(16);not null" json:"role"`
	Content  string  `gorm:"type:text;not null" json:"content"`

	BranchLabel string `gorm:"type:varchar(32);not null;index" json:"branch_label"`
	// BranchIndex is the node's position among its siblings.
	BranchIndex int `gorm:"not null;default:0" json:"branch_index"`

	IdempotencyKey *string        `gorm:"type:varchar(128);uniqueIndex:uniq_chat_msg_idempo,priority:2" json:"-"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
	CreatedAt      time.Time      `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

func (m *Message) parent() string {
	if m.ParentID == nil {
		return ""
	}
	return *m.ParentID
}

// RoomSettings only shape generation parameters and rendering. A zero ResponseLength
// means the service default.
type RoomSettings struct {
	RoomID            string    `gorm:"primaryKey;size:26" json:"room_id"`
	FontSize          int       `gorm:"not null" json:"font_size"`
	BackgroundURL     string    `gorm:"type:varchar(512);not null;default:''" json:"background_url"`
	ResponseLength    int       `gorm:"not null" json:"response_length"`
	MultiImage        bool      `gorm:"not null" json:"multi_image"`
	PositivityBias    bool      `gorm:"not null" json:"positivity_bias"`
	AntiImpersonation bool      `gorm:"not null" json:"anti_impersonation"`
	RealtimeStreaming bool      `gorm:"not null" json:"realtime_streaming"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (RoomSettings) TableName() string { return "chat_room_settings" }

func DefaultSettings(roomID string) RoomSettings {
	return RoomSettings{
		RoomID:            roomID,
		FontSize:          16,
		AntiImpersonation: true,
		RealtimeStreaming: true,
	}
}

// Branch is a labelled path through the tree. ForkParentID is the node the branch hangs
// off (empty for the main branch); TipMessageID is its deepest node.
type Branch struct {
	Label        string `json:"label"`
	ForkParentID string `json:"fork_parent_id"`
	TipMessageID string `json:"tip_message_id"`
	Length       int    `json:"length"`
	Active       bool   `json:"active"`
}

// Models lists every table owned by this package, for migrations.
func Models() []any {
	return []any{&Character{}, &Room{}, &Message{}, &RoomSettings{}}
}
