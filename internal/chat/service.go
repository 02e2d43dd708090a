package chat

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/suPer8Hu/character-chat/internal/ai"
	"github.com/suPer8Hu/character-chat/internal/apperr"
	"github.com/suPer8Hu/character-chat/internal/balance"
	"github.com/suPer8Hu/character-chat/internal/common"
	"github.com/suPer8Hu/character-chat/internal/content"
	"github.com/suPer8Hu/character-chat/internal/lock"
	"github.com/suPer8Hu/character-chat/internal/media"
	"github.com/suPer8Hu/character-chat/internal/memory"
	"github.com/suPer8Hu/character-chat/internal/persona"
)

type Options struct {
	ContextWindowSize     int
	ContextTokenLimit     int
	DefaultResponseLength int
	GenerationTimeout     time.Duration
	CostPerToken          int64
	DefaultProvider       string
	DefaultModel          string
}

func (o Options) withDefaults() Options {
	if o.ContextWindowSize <= 0 || o.ContextWindowSize > 100 {
		o.ContextWindowSize = 20
	}
	if o.ContextTokenLimit <= 0 {
		o.ContextTokenLimit = 6000
	}
	if o.DefaultResponseLength <= 0 {
		o.DefaultResponseLength = 400
	}
	if o.GenerationTimeout <= 0 {
		o.GenerationTimeout = 90 * time.Second
	}
	if o.CostPerToken <= 0 {
		o.CostPerToken = 1
	}
	if o.DefaultProvider == "" {
		o.DefaultProvider = defaultProvider
	}
	if o.DefaultModel == "" {
		o.DefaultModel = defaultModel
	}
	return o
}

const (
	defaultProvider = "ollama"
	defaultModel    = "llama3:latest"

	maxIdempotencyKey = 128
)

type Deps struct {
	Repo     *Repo
	Tree     *Tree
	Registry *ai.Registry
	Meter    ai.Meter
	Guard    *balance.Guard
	Memory   *memory.Manager
	Media    media.Store
	// Locker guards generation single-flight per room. It may be the same instance the
	// Tree uses; the keys differ.
	Locker lock.Locker
	Logger zerolog.Logger
}

type Service struct {
	repo     *Repo
	tree     *Tree
	registry *ai.Registry
	meter    ai.Meter
	guard    *balance.Guard
	memory   *memory.Manager
	media    media.Store
	locker   lock.Locker
	opts     Options
	builder  contextBuilder
	active   sessions
	log      zerolog.Logger
}

func NewService(d Deps, opts Options) *Service {
	opts = opts.withDefaults()
	if d.Meter == nil {
		d.Meter = ai.ApproxMeter{}
	}
	if d.Locker == nil {
		d.Locker = lock.NewLocal()
	}
	return &Service{
		repo:     d.Repo,
		tree:     d.Tree,
		registry: d.Registry,
		meter:    d.Meter,
		guard:    d.Guard,
		memory:   d.Memory,
		media:    d.Media,
		locker:   d.Locker,
		opts:     opts,
		builder: contextBuilder{
			meter:      d.Meter,
			windowSize: opts.ContextWindowSize,
			tokenLimit: opts.ContextTokenLimit,
		},
		log: d.Logger,
	}
}

func genLockKey(roomID string) string { return "gen:" + roomID }

func (s *Service) ownedRoom(ctx context.Context, userID uint64, roomID string) (*Room, error) {
	if userID == 0 {
		return nil, apperr.Authorization("authenticated user required")
	}
	room, err := s.repo.GetRoom(ctx, roomID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("room not found")
	}
	if err != nil {
		return nil, apperr.Persistence(err, "get room")
	}
	if room.UserID != userID {
		return nil, apperr.Authorization("room belongs to another user")
	}
	return room, nil
}

func (s *Service) character(ctx context.Context, id string) (*Character, error) {
	c, err := s.repo.GetCharacter(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("character not found")
	}
	if err != nil {
		return nil, apperr.Persistence(err, "get character")
	}
	return c, nil
}

func namesFor(room *Room, c *Character) persona.Names {
	return persona.Names{User: room.PersonaName, Char: c.Name}.WithDefaults()
}

func (s *Service) providerFor(ctx context.Context, room *Room) (ai.Provider, error) {
	p := room.Provider
	m := room.Model
	if p == "" {
		p = s.opts.DefaultProvider
	}
	if m == "" {
		m = s.opts.DefaultModel
	}
	provider, err := s.registry.Get(ctx, p, m)
	if err != nil {
		return nil, apperr.Upstream(err, "resolve model provider")
	}
	return provider, nil
}

// Characters

func (s *Service) CreateCharacter(ctx context.Context, c *Character) (*Character, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return nil, apperr.Validation("character name is required")
	}
	id, err := common.NewULID()
	if err != nil {
		return nil, apperr.Persistence(err, "character id")
	}
	c.ID = id
	if err := s.repo.CreateCharacter(ctx, c); err != nil {
		return nil, apperr.Persistence(err, "create character")
	}
	return c, nil
}

func (s *Service) GetCharacter(ctx context.Context, id string) (*Character, error) {
	return s.character(ctx, id)
}

func (s *Service) ListCharacters(ctx context.Context, limit int) ([]Character, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	out, err := s.repo.ListCharacters(ctx, limit)
	if err != nil {
		return nil, apperr.Persistence(err, "list characters")
	}
	return out, nil
}

// Rooms

type CreateRoomInput struct {
	CharacterID string `json:"character_id"`
	PersonaName string `json:"persona_name"`
	Provider    string `json:"provider"`
	Model       string `json:"model"`
}

type RoomView struct {
	Room     *Room  `json:"room"`
	Greeting string `json:"greeting"`
	Created  bool   `json:"created"`
}

// CreateRoom opens the user's room with a character, or returns the existing one.
func (s *Service) CreateRoom(ctx context.Context, userID uint64, in CreateRoomInput) (*RoomView, error) {
	if userID == 0 {
		return nil, apperr.Authorization("authenticated user required")
	}
	c, err := s.character(ctx, strings.TrimSpace(in.CharacterID))
	if err != nil {
		return nil, err
	}
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		provider = s.opts.DefaultProvider
	}
	if _, err := s.registry.Get(ctx, provider, in.Model); err != nil {
		return nil, apperr.Validation("unknown provider %q", provider)
	}
	model := strings.TrimSpace(in.Model)
	if model == "" {
		model = s.opts.DefaultModel
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, apperr.Persistence(err, "room id")
	}
	room, created, err := s.repo.CreateRoomOrGetExisting(ctx, &Room{
		ID:          id,
		UserID:      userID,
		CharacterID: c.ID,
		PersonaName: strings.TrimSpace(in.PersonaName),
		Provider:    provider,
		Model:       model,
	})
	if err != nil {
		return nil, apperr.Persistence(err, "create room")
	}
	return &RoomView{
		Room:     room,
		Greeting: persona.Resolve(c.Greeting, namesFor(room, c)),
		Created:  created,
	}, nil
}

func (s *Service) GetRoom(ctx context.Context, userID uint64, roomID string) (*Room, error) {
	return s.ownedRoom(ctx, userID, roomID)
}

func (s *Service) ListRooms(ctx context.Context, userID uint64, limit int) ([]Room, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	out, err := s.repo.ListRooms(ctx, userID, limit)
	if err != nil {
		return nil, apperr.Persistence(err, "list rooms")
	}
	return out, nil
}

// Messages and branches

type MessageView struct {
	Message
	Segments []content.Segment `json:"segments"`
}

func viewOf(m Message) MessageView {
	return MessageView{Message: m, Segments: content.Parse(m.Content)}
}

// ListMessages returns the active branch, root first.
func (s *Service) ListMessages(ctx context.Context, userID uint64, roomID string) ([]MessageView, error) {
	if _, err := s.ownedRoom(ctx, userID, roomID); err != nil {
		return nil, err
	}
	path, err := s.tree.ActivePath(ctx, roomID)
	if err != nil {
		return nil, err
	}
	out := make([]MessageView, 0, len(path))
	for _, m := range path {
		out = append(out, viewOf(m))
	}
	return out, nil
}

func (s *Service) GetMessage(ctx context.Context, userID uint64, roomID, messageID string) (*MessageView, error) {
	if _, err := s.ownedRoom(ctx, userID, roomID); err != nil {
		return nil, err
	}
	m, err := s.tree.GetMessage(ctx, roomID, messageID)
	if err != nil {
		return nil, err
	}
	v := viewOf(*m)
	return &v, nil
}

func (s *Service) ListBranches(ctx context.Context, userID uint64, roomID string) ([]Branch, error) {
	if _, err := s.ownedRoom(ctx, userID, roomID); err != nil {
		return nil, err
	}
	return s.tree.ListBranches(ctx, roomID)
}

func (s *Service) RollbackTo(ctx context.Context, userID uint64, roomID, messageID string) (*Branch, error) {
	if _, err := s.ownedRoom(ctx, userID, roomID); err != nil {
		return nil, err
	}
	return s.tree.RollbackTo(ctx, roomID, messageID)
}

func (s *Service) SwitchBranch(ctx context.Context, userID uint64, roomID, label string) (*Branch, error) {
	if _, err := s.ownedRoom(ctx, userID, roomID); err != nil {
		return nil, err
	}
	return s.tree.SwitchBranch(ctx, roomID, label)
}

// Generation

type SendInput struct {
	UserID         uint64
	RoomID         string
	Body           string
	IdempotencyKey string
}

type RegenerateInput struct {
	UserID    uint64
	RoomID    string
	MessageID string
	Guidance  string
}

type GenerationResult struct {
	SessionID        string             `json:"session_id,omitempty"`
	UserMessage      *MessageView       `json:"user_message,omitempty"`
	AssistantMessage *MessageView       `json:"assistant_message"`
	Settlement       balance.Settlement `json:"settlement"`
	Balance          balance.Status     `json:"balance"`
	Sanitized        []string           `json:"sanitized,omitempty"`
	// Replayed is set when an idempotency key matched an already answered message.
	Replayed bool `json:"replayed,omitempty"`
	// Unsettled is set when the reply was committed but its cost could not be debited.
	Unsettled bool `json:"unsettled,omitempty"`
}

// ChunkFunc receives partial reply text in order. It is called from the generating
// goroutine and must not block for long.
type ChunkFunc func(delta string)

// Send appends body under the active tip and generates the character's reply.
func (s *Service) Send(ctx context.Context, in SendInput, onChunk ChunkFunc) (*GenerationResult, error) {
	if strings.TrimSpace(in.Body) == "" {
		return nil, apperr.Validation("message body is empty")
	}
	key := strings.TrimSpace(in.IdempotencyKey)
	if len(key) > maxIdempotencyKey {
		return nil, apperr.Validation("idempotency key too long")
	}
	room, err := s.ownedRoom(ctx, in.UserID, in.RoomID)
	if err != nil {
		return nil, err
	}

	if key != "" {
		existing, err := s.tree.FindByIdempotencyKey(ctx, room.ID, key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return s.replay(ctx, room, existing, onChunk)
		}
	}

	path, err := s.tree.ActivePath(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	g := generation{room: room, path: path, pending: in.Body, onChunk: onChunk}
	if key != "" {
		g.idempotencyKey = &key
	}
	return s.generate(ctx, g)
}

// replay answers a resent request: the stored reply if there is one, otherwise a fresh
// generation under the already committed user message.
func (s *Service) replay(ctx context.Context, room *Room, userMsg *Message, onChunk ChunkFunc) (*GenerationResult, error) {
	children, err := s.tree.Children(ctx, room.ID, userMsg.ID)
	if err != nil {
		return nil, err
	}
	uv := viewOf(*userMsg)
	for _, c := range children {
		if c.Role != RoleAssistant {
			continue
		}
		av := viewOf(c)
		st, err := s.guard.Status(ctx, room.UserID)
		if err != nil {
			return nil, err
		}
		return &GenerationResult{UserMessage: &uv, AssistantMessage: &av, Balance: st, Replayed: true}, nil
	}

	path, err := s.tree.PathTo(ctx, room.ID, userMsg.ID)
	if err != nil {
		return nil, err
	}
	res, err := s.generate(ctx, generation{room: room, path: path, onChunk: onChunk})
	if err != nil {
		return nil, err
	}
	res.UserMessage = &uv
	return res, nil
}

// Regenerate produces a new sibling of an assistant message. The original stays in place
// on its own branch.
func (s *Service) Regenerate(ctx context.Context, in RegenerateInput, onChunk ChunkFunc) (*GenerationResult, error) {
	room, err := s.ownedRoom(ctx, in.UserID, in.RoomID)
	if err != nil {
		return nil, err
	}
	msg, err := s.tree.GetMessage(ctx, room.ID, in.MessageID)
	if err != nil {
		return nil, err
	}
	if msg.Role != RoleAssistant {
		return nil, apperr.Validation("only assistant messages can be regenerated")
	}
	var path []Message
	if msg.ParentID != nil {
		if path, err = s.tree.PathTo(ctx, room.ID, *msg.ParentID); err != nil {
			return nil, err
		}
	}
	return s.generate(ctx, generation{
		room:     room,
		path:     path,
		guidance: in.Guidance,
		onChunk:  onChunk,
	})
}

// CancelGeneration aborts the room's in-flight generation on this instance. It reports
// whether there was one to cancel.
func (s *Service) CancelGeneration(ctx context.Context, userID uint64, roomID string) (bool, error) {
	if _, err := s.ownedRoom(ctx, userID, roomID); err != nil {
		return false, err
	}
	sess, ok := s.active.get(roomID)
	if !ok {
		return false, nil
	}
	return sess.Cancel(), nil
}

// Reset

type ResetResult struct {
	Greeting        string `json:"greeting"`
	MemoriesDeleted int64  `json:"memories_deleted"`
	MessagesDeleted int64  `json:"messages_deleted"`
}

// ResetConversation deletes memories, then soft-deletes messages, then zeroes counters.
// A failing step is reported without undoing the steps before it; each prefix of the
// sequence is a valid state.
func (s *Service) ResetConversation(ctx context.Context, userID uint64, roomID string) (*ResetResult, error) {
	room, err := s.ownedRoom(ctx, userID, roomID)
	if err != nil {
		return nil, err
	}
	c, err := s.character(ctx, room.CharacterID)
	if err != nil {
		return nil, err
	}

	unlock, ok, err := s.locker.TryLock(ctx, genLockKey(room.ID))
	if err != nil {
		return nil, apperr.Persistence(err, "lock room")
	}
	if !ok {
		return nil, apperr.Conflict("a reply is being generated for this room")
	}
	defer unlock()

	out := &ResetResult{}
	if out.MemoriesDeleted, err = s.memory.DeleteForRoom(ctx, room.ID); err != nil {
		return nil, err
	}
	var strays int64
	if out.MessagesDeleted, strays, err = s.tree.SoftDeleteAll(ctx, room.ID); err != nil {
		s.log.Error().Err(err).Str("room_id", room.ID).Msg("reset stopped after deleting memories")
		return nil, err
	}
	out.MemoriesDeleted += strays
	if err := s.tree.ZeroCounters(ctx, room.ID); err != nil {
		s.log.Error().Err(err).Str("room_id", room.ID).Msg("reset stopped after deleting messages")
		return nil, err
	}

	out.Greeting = persona.Resolve(c.Greeting, namesFor(room, c))
	s.log.Info().
		Str("room_id", room.ID).
		Int64("memories", out.MemoriesDeleted).
		Int64("messages", out.MessagesDeleted).
		Msg("conversation reset")
	return out, nil
}

// Settings

type SettingsPatch struct {
	FontSize          *int    `json:"font_size"`
	BackgroundURL     *string `json:"background_url"`
	ResponseLength    *int    `json:"response_length"`
	MultiImage        *bool   `json:"multi_image"`
	PositivityBias    *bool   `json:"positivity_bias"`
	AntiImpersonation *bool   `json:"anti_impersonation"`
	RealtimeStreaming *bool   `json:"realtime_streaming"`
}

func (s *Service) GetSettings(ctx context.Context, userID uint64, roomID string) (*RoomSettings, error) {
	if _, err := s.ownedRoom(ctx, userID, roomID); err != nil {
		return nil, err
	}
	st, err := s.repo.GetSettings(ctx, roomID)
	if err != nil {
		return nil, apperr.Persistence(err, "get settings")
	}
	return st, nil
}

func (s *Service) UpdateSettings(ctx context.Context, userID uint64, roomID string, p SettingsPatch) (*RoomSettings, error) {
	st, err := s.GetSettings(ctx, userID, roomID)
	if err != nil {
		return nil, err
	}
	if p.FontSize != nil {
		if *p.FontSize < 8 || *p.FontSize > 48 {
			return nil, apperr.Validation("font_size must be between 8 and 48")
		}
		st.FontSize = *p.FontSize
	}
	if p.BackgroundURL != nil {
		u := strings.TrimSpace(*p.BackgroundURL)
		if u != "" && !content.IsWebURL(u) && !strings.HasPrefix(u, "/") {
			return nil, apperr.Validation("background_url must be an http(s) URL")
		}
		st.BackgroundURL = u
	}
	if p.ResponseLength != nil {
		if n := *p.ResponseLength; n != 0 && (n < 16 || n > 4096) {
			return nil, apperr.Validation("response_length must be 0 or between 16 and 4096")
		}
		st.ResponseLength = *p.ResponseLength
	}
	if p.MultiImage != nil {
		st.MultiImage = *p.MultiImage
	}
	if p.PositivityBias != nil {
		st.PositivityBias = *p.PositivityBias
	}
	if p.AntiImpersonation != nil {
		st.AntiImpersonation = *p.AntiImpersonation
	}
	if p.RealtimeStreaming != nil {
		st.RealtimeStreaming = *p.RealtimeStreaming
	}
	if err := s.repo.SaveSettings(ctx, st); err != nil {
		return nil, apperr.Persistence(err, "save settings")
	}
	return st, nil
}

// UploadBackground stores an image and makes it the room's background.
func (s *Service) UploadBackground(ctx context.Context, userID uint64, roomID string, r io.Reader) (*RoomSettings, error) {
	if _, err := s.ownedRoom(ctx, userID, roomID); err != nil {
		return nil, err
	}
	if s.media == nil {
		return nil, apperr.Validation("media uploads are not configured")
	}
	obj, err := s.media.Put(ctx, userID, r)
	if err != nil {
		return nil, err
	}
	return s.UpdateSettings(ctx, userID, roomID, SettingsPatch{BackgroundURL: &obj.URL})
}

// Memories

func (s *Service) ListMemories(ctx context.Context, userID uint64, roomID string) ([]memory.Memory, error) {
	if _, err := s.ownedRoom(ctx, userID, roomID); err != nil {
		return nil, err
	}
	return s.memory.ActiveContext(ctx, roomID)
}

// Summarize writes a memory for rng, or for the pending range when rng is nil.
func (s *Service) Summarize(ctx context.Context, userID uint64, roomID string, rng *memory.Range) (*memory.Memory, error) {
	if _, err := s.ownedRoom(ctx, userID, roomID); err != nil {
		return nil, err
	}
	if rng == nil {
		return s.memory.SummarizePending(ctx, roomID)
	}
	return s.memory.Summarize(ctx, roomID, *rng)
}

func (s *Service) DeleteMemory(ctx context.Context, userID uint64, memoryID string) error {
	mem, err := s.memory.Get(ctx, memoryID)
	if err != nil {
		return err
	}
	if _, err := s.ownedRoom(ctx, userID, mem.RoomID); err != nil {
		return err
	}
	return s.memory.DeleteMemory(ctx, memoryID)
}

// GetMemoryJob returns a summarisation job of the user. Jobs of other users are reported
// as missing.
func (s *Service) GetMemoryJob(ctx context.Context, userID uint64, jobID string) (*memory.Job, error) {
	if userID == 0 {
		return nil, apperr.Authorization("authenticated user required")
	}
	j, err := s.memory.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.UserID != userID {
		return nil, apperr.NotFound("memory job not found")
	}
	return j, nil
}

// Balance

func (s *Service) BalanceStatus(ctx context.Context, userID uint64) (balance.Status, error) {
	if userID == 0 {
		return balance.Status{}, apperr.Authorization("authenticated user required")
	}
	return s.guard.Status(ctx, userID)
}

// CreditBalance adds amount to the user's balance on behalf of an external top-up or reward.
func (s *Service) CreditBalance(ctx context.Context, userID uint64, amount int64) (balance.Status, error) {
	if _, err := s.guard.Credit(ctx, userID, amount); err != nil {
		return balance.Status{}, err
	}
	return s.guard.Status(ctx, userID)
}
