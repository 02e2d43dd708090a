package chat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/suPer8Hu/character-chat/internal/ai"
	"github.com/suPer8Hu/character-chat/internal/balance"
	"github.com/suPer8Hu/character-chat/internal/db/dbtest"
	"github.com/suPer8Hu/character-chat/internal/lock"
	"github.com/suPer8Hu/character-chat/internal/memory"
)

// scriptedProvider streams canned replies. When hold is set it keeps the stream open after
// the last chunk until hold is closed or the context ends.
type scriptedProvider struct {
	mu       sync.Mutex
	replies  []string
	chunk    int
	err      error
	hold     chan struct{}
	started  chan struct{}
	requests []ai.Request
}

func newScripted(replies ...string) *scriptedProvider {
	return &scriptedProvider{replies: replies, chunk: 4, started: make(chan struct{}, 16)}
}

func (p *scriptedProvider) next(req ai.Request) (string, error, chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	reply := ""
	if len(p.replies) > 0 {
		reply = p.replies[0]
		if len(p.replies) > 1 {
			p.replies = p.replies[1:]
		}
	}
	return reply, p.err, p.hold
}

func (p *scriptedProvider) lastRequest() ai.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

func (p *scriptedProvider) Chat(ctx context.Context, req ai.Request) (string, error) {
	reply, err, _ := p.next(req)
	return reply, err
}

func (p *scriptedProvider) StreamChat(ctx context.Context, req ai.Request) (<-chan string, <-chan error) {
	chunks := make(chan string)
	errs := make(chan error, 1)
	reply, failure, hold := p.next(req)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case p.started <- struct{}{}:
		default:
		}
		for rest := reply; rest != ""; {
			n := min(p.chunk, len(rest))
			select {
			case chunks <- rest[:n]:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
			rest = rest[n:]
		}
		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if failure != nil {
			errs <- failure
		}
	}()
	return chunks, errs
}

type summaryProvider struct{}

func (summaryProvider) Chat(ctx context.Context, req ai.Request) (string, error) {
	return `{"summary":"Earlier they talked.","importance":6}`, nil
}

// recallProvider summarises by keeping every FACT-* token of the transcript, so tests can
// see which messages a summary was written from. before runs ahead of each reply.
type recallProvider struct {
	before func()
}

func (p recallProvider) Chat(ctx context.Context, req ai.Request) (string, error) {
	if p.before != nil {
		p.before()
	}
	var facts []string
	for _, m := range req.Messages {
		for _, w := range strings.Fields(m.Content) {
			if strings.HasPrefix(w, "FACT-") {
				facts = append(facts, strings.Trim(w, ".,!?"))
			}
		}
	}
	b, err := json.Marshal(map[string]any{
		"summary":    strings.TrimSpace("Earlier they talked. " + strings.Join(facts, " ")),
		"importance": 6,
	})
	return string(b), err
}

type harness struct {
	db       *gorm.DB
	svc      *Service
	tree     *Tree
	guard    *balance.Guard
	memory   *memory.Manager
	provider *scriptedProvider
	meter    ai.Meter
	char     *Character
}

type harnessOptions struct {
	opts       Options
	threshold  int
	keep       int
	policy     balance.Policy
	summarizer ai.Provider
}

func newHarness(t *testing.T, ho harnessOptions) *harness {
	t.Helper()
	models := append(Models(), &memory.Memory{}, &memory.Job{}, &balance.Balance{})
	gdb := dbtest.Open(t, models...)

	locker := lock.NewLocal()
	tree := NewTree(gdb, locker)
	summarizer := ho.summarizer
	if summarizer == nil {
		summarizer = summaryProvider{}
	}
	mem := memory.NewManager(memory.NewRepo(gdb), tree, memory.Options{
		Threshold:  ho.threshold,
		KeepRecent: ho.keep,
		Summarizer: summarizer,
		Logger:     zerolog.Nop(),
	})
	guard := balance.NewGuard(balance.NewRepo(gdb), balance.Options{Policy: ho.policy, Logger: zerolog.Nop()})

	prov := newScripted("Hello there.")
	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		return prov, nil
	})

	opts := ho.opts
	opts.DefaultProvider = "fake"
	if opts.DefaultResponseLength == 0 {
		opts.DefaultResponseLength = 50
	}
	meter := ai.ApproxMeter{}
	svc := NewService(Deps{
		Repo:     NewRepo(gdb),
		Tree:     tree,
		Registry: reg,
		Meter:    meter,
		Guard:    guard,
		Memory:   mem,
		Locker:   locker,
		Logger:   zerolog.Nop(),
	}, opts)

	c, err := svc.CreateCharacter(context.Background(), &Character{
		Name:        "Aster",
		Personality: "Calm guide who addresses {{user}} by name.",
		Scenario:    "{{char}} meets {{user}} at a rainy station.",
		Greeting:    "Welcome, {{user}}. I am {{char}}.",
	})
	if err != nil {
		t.Fatalf("create character: %v", err)
	}

	return &harness{db: gdb, svc: svc, tree: tree, guard: guard, memory: mem, provider: prov, meter: meter, char: c}
}

func (h *harness) room(t *testing.T, userID uint64) *Room {
	t.Helper()
	v, err := h.svc.CreateRoom(context.Background(), userID, CreateRoomInput{CharacterID: h.char.ID, PersonaName: "Mina"})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return v.Room
}

func (h *harness) fund(t *testing.T, userID uint64, amount int64) {
	t.Helper()
	if _, err := h.guard.Credit(context.Background(), userID, amount); err != nil {
		t.Fatalf("credit: %v", err)
	}
}

func (h *harness) balance(t *testing.T, userID uint64) int64 {
	t.Helper()
	st, err := h.guard.Status(context.Background(), userID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	return st.Current
}

func (h *harness) path(t *testing.T, roomID string) []Message {
	t.Helper()
	p, err := h.tree.ActivePath(context.Background(), roomID)
	if err != nil {
		t.Fatalf("active path: %v", err)
	}
	return p
}

func (h *harness) countMessages(t *testing.T, roomID string, unscoped bool) int64 {
	t.Helper()
	q := h.db.Model(&Message{})
	if unscoped {
		q = q.Unscoped()
	}
	var n int64
	if err := q.Where("room_id = ?", roomID).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

// assertSinglePath checks the tree invariant: the active branch is a root-first chain
// where every node's parent is its predecessor.
func assertSinglePath(t *testing.T, path []Message) {
	t.Helper()
	seen := map[string]bool{}
	for i, m := range path {
		if seen[m.ID] {
			t.Fatalf("node %s repeats on the active path", m.ID)
		}
		seen[m.ID] = true
		if i == 0 {
			if m.ParentID != nil {
				t.Fatalf("path does not start at a root: %s has parent %s", m.ID, *m.ParentID)
			}
			continue
		}
		if m.ParentID == nil || *m.ParentID != path[i-1].ID {
			t.Fatalf("node %s is not a child of %s", m.ID, path[i-1].ID)
		}
		if m.Seq <= path[i-1].Seq {
			t.Fatalf("ordinals must increase along the path")
		}
	}
}

func waitStarted(t *testing.T, p *scriptedProvider) {
	t.Helper()
	select {
	case <-p.started:
	case <-time.After(2 * time.Second):
		t.Fatal("provider never started streaming")
	}
}

func joinChunks(chunks []string) string { return strings.Join(chunks, "") }
