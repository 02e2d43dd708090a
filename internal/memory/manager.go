// Package memory compresses old conversation history into summary records and feeds them
// back into generation context.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/suPer8Hu/character-chat/internal/ai"
	"github.com/suPer8Hu/character-chat/internal/apperr"
	"github.com/suPer8Hu/character-chat/internal/common"
	"github.com/suPer8Hu/character-chat/internal/metrics"
)

// Turn is one message of a room's active branch.
type Turn struct {
	MessageID string
	Seq       int64
	Role      string
	Content   string
}

// Transcript reads a room's active branch, root first.
type Transcript interface {
	ActiveTurns(ctx context.Context, roomID string) ([]Turn, error)
	// CommitOnLive runs fn in a transaction while messageID is still a live message of the
	// room. It returns a NotFound error when the message is gone.
	CommitOnLive(ctx context.Context, roomID, messageID string, fn func(tx *gorm.DB) error) error
}

// Publisher hands a job id to the worker queue.
type Publisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

// Range is an inclusive span of message ordinals.
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

const (
	defaultImportance = 5
	summaryMaxTokens  = 512
)

type Options struct {
	// Threshold is the number of uncovered messages above which a room should be summarised.
	Threshold int
	// KeepRecent messages at the tip are left out of automatic summaries so the model still
	// sees them verbatim.
	KeepRecent int
	Summarizer ai.Provider
	// Publisher is optional; without one, jobs run inline.
	Publisher Publisher
	Logger    zerolog.Logger
}

type Manager struct {
	repo       *Repo
	transcript Transcript
	threshold  int
	keepRecent int
	summarizer ai.Provider
	publisher  Publisher
	log        zerolog.Logger
}

func NewManager(repo *Repo, transcript Transcript, opts Options) *Manager {
	if opts.Threshold <= 0 {
		opts.Threshold = 20
	}
	if opts.KeepRecent < 0 || opts.KeepRecent >= opts.Threshold {
		opts.KeepRecent = opts.Threshold / 4
	}
	return &Manager{
		repo:       repo,
		transcript: transcript,
		threshold:  opts.Threshold,
		keepRecent: opts.KeepRecent,
		summarizer: opts.Summarizer,
		publisher:  opts.Publisher,
		log:        opts.Logger,
	}
}

// branch reads the active branch and the memories that apply to it.
func (m *Manager) branch(ctx context.Context, roomID string) ([]Turn, []Memory, error) {
	turns, err := m.transcript.ActiveTurns(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	all, err := m.repo.ListByRoom(ctx, roomID)
	if err != nil {
		return nil, nil, apperr.Persistence(err, "read memories")
	}
	return turns, Applicable(all, pathSet(turns)), nil
}

// ShouldSummarize reports whether the active branch has more uncovered messages than the
// threshold.
func (m *Manager) ShouldSummarize(ctx context.Context, roomID string) (bool, error) {
	turns, mems, err := m.branch(ctx, roomID)
	if err != nil {
		return false, err
	}
	n := 0
	for _, t := range turns {
		if !Covers(mems, t.Seq) {
			n++
		}
	}
	return n > m.threshold, nil
}

// PendingRange is the uncovered range an automatic summary would cover: the first run of
// uncovered active-branch messages, minus the most recent ones. ok is false when nothing is
// left to summarise.
func (m *Manager) PendingRange(ctx context.Context, roomID string) (Range, bool, error) {
	rng, _, ok, err := m.pending(ctx, roomID)
	return rng, ok, err
}

func (m *Manager) pending(ctx context.Context, roomID string) (rng Range, endID string, ok bool, err error) {
	turns, mems, err := m.branch(ctx, roomID)
	if err != nil {
		return Range{}, "", false, err
	}
	var idx []int
	for i, t := range turns {
		if !Covers(mems, t.Seq) {
			idx = append(idx, i)
		}
	}
	n := len(idx) - m.keepRecent
	if n <= 0 {
		return Range{}, "", false, nil
	}
	last := idx[0]
	for _, i := range idx[1:n] {
		if i != last+1 {
			break
		}
		last = i
	}
	return Range{Start: turns[idx[0]].Seq, End: turns[last].Seq}, turns[last].MessageID, true, nil
}

// Summarize writes one summary memory covering the active-branch messages in rng. The
// range must not overlap a memory that applies to the active branch.
func (m *Manager) Summarize(ctx context.Context, roomID string, rng Range) (*Memory, error) {
	if rng.Start <= 0 || rng.End < rng.Start {
		return nil, apperr.Validation("invalid range [%d,%d]", rng.Start, rng.End)
	}
	all, mems, err := m.branch(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if overlaps(mems, rng) {
		return nil, apperr.Validation("range [%d,%d] overlaps an existing summary", rng.Start, rng.End)
	}

	var turns []Turn
	for _, t := range all {
		if t.Seq >= rng.Start && t.Seq <= rng.End {
			turns = append(turns, t)
		}
	}
	if len(turns) == 0 {
		return nil, apperr.Validation("no messages in range [%d,%d]", rng.Start, rng.End)
	}

	if m.summarizer == nil {
		return nil, apperr.Upstream(nil, "summarizer not configured")
	}
	raw, err := m.summarizer.Chat(ctx, ai.Request{
		Messages:  summaryPrompt(turns),
		MaxTokens: summaryMaxTokens,
	})
	if err != nil {
		return nil, apperr.Upstream(err, "summarize")
	}
	content, importance := parseSummary(raw)
	if content == "" {
		return nil, apperr.Upstream(nil, "summarizer returned empty text")
	}

	ids := make([]string, 0, len(turns))
	for _, t := range turns {
		ids = append(ids, t.MessageID)
	}
	meta, err := json.Marshal(map[string]any{
		"message_count": len(turns),
		"message_ids":   ids,
	})
	if err != nil {
		return nil, apperr.Persistence(err, "encode metadata")
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, apperr.Persistence(err, "memory id")
	}
	mem := &Memory{
		ID:           id,
		RoomID:       roomID,
		Type:         TypeSummary,
		Content:      content,
		Importance:   importance,
		StartSeq:     rng.Start,
		EndSeq:       rng.End,
		EndMessageID: turns[len(turns)-1].MessageID,
		Metadata:     datatypes.JSON(meta),
	}
	onPath := pathSet(all)
	err = m.transcript.CommitOnLive(ctx, roomID, mem.EndMessageID, func(tx *gorm.DB) error {
		return m.repo.InsertTx(tx, mem, onPath)
	})
	switch {
	case errors.Is(err, errOverlap):
		return nil, apperr.Validation("range [%d,%d] overlaps an existing summary", rng.Start, rng.End)
	case apperr.Is(err, apperr.KindNotFound):
		return nil, apperr.Conflict("summarized messages were removed")
	case err != nil:
		return nil, err
	}

	metrics.MemoriesCreated.Inc()
	m.log.Info().
		Str("room_id", roomID).
		Str("memory_id", mem.ID).
		Int64("start_seq", rng.Start).
		Int64("end_seq", rng.End).
		Msg("memory created")
	return mem, nil
}

// SummarizePending summarises the current pending range.
func (m *Manager) SummarizePending(ctx context.Context, roomID string) (*Memory, error) {
	rng, ok, err := m.PendingRange(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Validation("nothing to summarize")
	}
	return m.Summarize(ctx, roomID, rng)
}

// ActiveContext returns the room's memories ordered by range start.
func (m *Manager) ActiveContext(ctx context.Context, roomID string) ([]Memory, error) {
	out, err := m.repo.ListByRoom(ctx, roomID)
	if err != nil {
		return nil, apperr.Persistence(err, "list memories")
	}
	return out, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*Memory, error) {
	mem, err := m.repo.Get(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("memory not found")
	}
	if err != nil {
		return nil, apperr.Persistence(err, "get memory")
	}
	return mem, nil
}

// DeleteMemory hard-deletes one memory. Message history is untouched.
func (m *Manager) DeleteMemory(ctx context.Context, id string) error {
	n, err := m.repo.Delete(ctx, id)
	if err != nil {
		return apperr.Persistence(err, "delete memory")
	}
	if n == 0 {
		return apperr.NotFound("memory not found")
	}
	return nil
}

// DeleteForRoom hard-deletes every memory of a room.
func (m *Manager) DeleteForRoom(ctx context.Context, roomID string) (int64, error) {
	n, err := m.repo.DeleteByRoom(ctx, roomID)
	if err != nil {
		return 0, apperr.Persistence(err, "delete room memories")
	}
	return n, nil
}

func summaryPrompt(turns []Turn) []ai.Message {
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	return []ai.Message{
		{
			Role: ai.RoleSystem,
			Content: "You compress roleplay chat history into long-term memory. " +
				"Summarize the conversation below in the third person, keeping names, facts, " +
				"promises and relationship changes. Reply with JSON only: " +
				`{"summary": "<text>", "importance": <integer 1-10>}`,
		},
		{Role: ai.RoleUser, Content: b.String()},
	}
}

// parseSummary accepts the JSON reply the prompt asks for, optionally inside a code fence.
// Anything else is taken as the summary text itself.
func parseSummary(raw string) (string, int) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}

	var decoded struct {
		Summary    string `json:"summary"`
		Importance int    `json:"importance"`
	}
	if err := json.Unmarshal([]byte(s), &decoded); err == nil && strings.TrimSpace(decoded.Summary) != "" {
		imp := decoded.Importance
		if imp == 0 {
			imp = defaultImportance
		}
		return strings.TrimSpace(decoded.Summary), clampImportance(imp)
	}
	return strings.TrimSpace(raw), defaultImportance
}

func clampImportance(v int) int {
	if v < 1 {
		return 1
	}
	if v > 10 {
		return 10
	}
	return v
}
