package chat

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/suPer8Hu/character-chat/internal/ai"
	"github.com/suPer8Hu/character-chat/internal/apperr"
	"github.com/suPer8Hu/character-chat/internal/balance"
	"github.com/suPer8Hu/character-chat/internal/media"
	"github.com/suPer8Hu/character-chat/internal/memory"
)

func TestSend_CommitsUserAndAssistant(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	room := h.room(t, 1)
	h.fund(t, 1, 10_000)
	h.provider.replies = []string{"Hello, {{user}}. The rain is loud tonight."}

	var chunks []string
	res, err := h.svc.Send(context.Background(), SendInput{UserID: 1, RoomID: room.ID, Body: "Hi!"}, func(d string) {
		chunks = append(chunks, d)
	})
	require.NoError(t, err)

	require.Equal(t, "Hello, {{user}}. The rain is loud tonight.", joinChunks(chunks), "chunks arrive in order, raw")
	require.Equal(t, "Hello, Mina. The rain is loud tonight.", res.AssistantMessage.Content)
	require.Equal(t, []string{"placeholders"}, res.Sanitized)
	require.Equal(t, res.UserMessage.ID, *res.AssistantMessage.ParentID)
	require.Nil(t, res.UserMessage.ParentID)
	require.Equal(t, MainBranch, res.AssistantMessage.BranchLabel)

	path := h.path(t, room.ID)
	require.Len(t, path, 2)
	assertSinglePath(t, path)

	got, err := h.svc.GetRoom(context.Background(), 1, room.ID)
	require.NoError(t, err)
	require.Equal(t, res.AssistantMessage.ID, got.TipMessageID)
	require.Equal(t, 2, got.MessageCount)
	require.Equal(t, "Hello, Mina. The rain is loud tonight.", got.LastMessagePreview)
	require.NotNil(t, got.LastActivityAt)

	req := h.provider.lastRequest()
	require.Equal(t, 50, req.MaxTokens)
	require.Equal(t, ai.RoleSystem, req.Messages[0].Role)
	require.Contains(t, req.Messages[0].Content, "Aster meets Mina at a rainy station.")
	require.Equal(t, ai.Message{Role: ai.RoleAssistant, Content: "Welcome, Mina. I am Aster."}, req.Messages[1])
	require.Equal(t, ai.Message{Role: ai.RoleUser, Content: "Hi!"}, req.Messages[len(req.Messages)-1])

	actual := int64(ai.CountMessages(h.meter, req.Messages) + h.meter.Count("Hello, {{user}}. The rain is loud tonight."))
	require.Equal(t, actual, res.Settlement.Debited)
	require.False(t, res.Settlement.Clamped)
	require.Equal(t, 10_000-actual, h.balance(t, 1))
	require.Equal(t, 10_000-actual, res.Balance.Current)
}

func TestSend_Validation(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	room := h.room(t, 1)

	_, err := h.svc.Send(context.Background(), SendInput{UserID: 1, RoomID: room.ID, Body: "  \n"}, nil)
	require.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = h.svc.Send(context.Background(), SendInput{UserID: 2, RoomID: room.ID, Body: "hi"}, nil)
	require.True(t, apperr.Is(err, apperr.KindAuthorization))

	_, err = h.svc.Send(context.Background(), SendInput{UserID: 1, RoomID: "missing", Body: "hi"}, nil)
	require.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = h.svc.Send(context.Background(), SendInput{UserID: 0, RoomID: room.ID, Body: "hi"}, nil)
	require.True(t, apperr.Is(err, apperr.KindAuthorization))
}

func TestSend_InsufficientBalanceCommitsNothing(t *testing.T) {
	h := newHarness(t, harnessOptions{opts: Options{DefaultResponseLength: 100}})
	room := h.room(t, 1)
	h.fund(t, 1, 50)

	_, err := h.svc.Send(context.Background(), SendInput{UserID: 1, RoomID: room.ID, Body: "hello"}, nil)
	var ib *apperr.InsufficientBalance
	require.ErrorAs(t, err, &ib)
	require.Equal(t, int64(50), ib.Current)
	require.Greater(t, ib.Required, int64(100))

	require.Zero(t, h.countMessages(t, room.ID, true))
	require.Equal(t, int64(50), h.balance(t, 1))
	require.Empty(t, h.provider.requests, "the model is never called")
}

func TestSend_GracePolicyAdmitsAndClamps(t *testing.T) {
	h := newHarness(t, harnessOptions{policy: balance.PolicyGrace, opts: Options{DefaultResponseLength: 100}})
	room := h.room(t, 1)
	h.fund(t, 1, 5)

	res, err := h.svc.Send(context.Background(), SendInput{UserID: 1, RoomID: room.ID, Body: "hello"}, nil)
	require.NoError(t, err)
	require.True(t, res.Settlement.Clamped)
	require.Equal(t, int64(5), res.Settlement.Debited)
	require.Equal(t, int64(0), h.balance(t, 1))
	require.True(t, res.Balance.IsDepleted)

	_, err = h.svc.Send(context.Background(), SendInput{UserID: 1, RoomID: room.ID, Body: "again"}, nil)
	require.True(t, apperr.Is(err, apperr.KindInsufficientBalance), "depleted balance blocks generation")
}

func TestRollbackThenSend_AppendsUnderTarget(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	room := h.room(t, 1)
	h.fund(t, 1, 100_000)
	ctx := context.Background()

	first, err := h.svc.Send(ctx, SendInput{UserID: 1, RoomID: room.ID, Body: "one"}, nil)
	require.NoError(t, err)
	second, err := h.svc.Send(ctx, SendInput{UserID: 1, RoomID: room.ID, Body: "two"}, nil)
	require.NoError(t, err)

	br, err := h.svc.RollbackTo(ctx, 1, room.ID, first.AssistantMessage.ID)
	require.NoError(t, err)
	require.Equal(t, first.AssistantMessage.ID, br.TipMessageID)
	require.Len(t, h.path(t, room.ID), 2)

	third, err := h.svc.Send(ctx, SendInput{UserID: 1, RoomID: room.ID, Body: "three"}, nil)
	require.NoError(t, err)
	require.Equal(t, first.AssistantMessage.ID, *third.UserMessage.ParentID)
	require.NotEqual(t, MainBranch, third.UserMessage.BranchLabel, "a second child opens a new branch")

	path := h.path(t, room.ID)
	require.Len(t, path, 4)
	assertSinglePath(t, path)

	// The rolled-back messages are hidden but still stored.
	hidden, err := h.svc.GetMessage(ctx, 1, room.ID, second.AssistantMessage.ID)
	require.NoError(t, err)
	require.Equal(t, "main", hidden.BranchLabel)

	br, err = h.svc.SwitchBranch(ctx, 1, room.ID, MainBranch)
	require.NoError(t, err)
	require.Equal(t, second.AssistantMessage.ID, br.TipMessageID)
	require.Equal(t, 4, br.Length)
	require.Len(t, h.path(t, room.ID), 4)
}

func TestRollbackAndSwitch_NotFound(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	room := h.room(t, 1)
	other := h.room(t, 2)
	h.fund(t, 2, 10_000)
	ctx := context.Background()

	res, err := h.svc.Send(ctx, SendInput{UserID: 2, RoomID: other.ID, Body: "elsewhere"}, nil)
	require.NoError(t, err)

	_, err = h.svc.RollbackTo(ctx, 1, room.ID, res.UserMessage.ID)
	require.True(t, apperr.Is(err, apperr.KindNotFound), "a message from another room is not in this room")

	_, err = h.svc.SwitchBranch(ctx, 1, room.ID, "b9")
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestRegenerate_CreatesSiblingAndKeepsOriginal(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	room := h.room(t, 1)
	h.fund(t, 1, 100_000)
	ctx := context.Background()
	h.provider.replies = []string{"First take.", "Second take."}

	orig, err := h.svc.Send(ctx, SendInput{UserID: 1, RoomID: room.ID, Body: "hi"}, nil)
	require.NoError(t, err)

	regen, err := h.svc.Regenerate(ctx, RegenerateInput{
		UserID: 1, RoomID: room.ID, MessageID: orig.AssistantMessage.ID, Guidance: "be brief",
	}, nil)
	require.NoError(t, err)
	require.Nil(t, regen.UserMessage)
	require.Equal(t, "Second take.", regen.AssistantMessage.Content)
	require.Equal(t, *orig.AssistantMessage.ParentID, *regen.AssistantMessage.ParentID)
	require.Equal(t, 1, regen.AssistantMessage.BranchIndex)

	req := h.provider.lastRequest()
	require.Contains(t, req.Messages[0].Content, "Guidance from the user: be brief")
	require.Equal(t, ai.Message{Role: ai.RoleUser, Content: "hi"}, req.Messages[len(req.Messages)-1],
		"the regenerated reply answers the same user turn")

	kept, err := h.svc.GetMessage(ctx, 1, room.ID, orig.AssistantMessage.ID)
	require.NoError(t, err)
	require.Equal(t, "First take.", kept.Content)

	branches, err := h.svc.ListBranches(ctx, 1, room.ID)
	require.NoError(t, err)
	require.Len(t, branches, 2)
	require.Equal(t, MainBranch, branches[0].Label)
	require.False(t, branches[0].Active)
	require.Equal(t, regen.AssistantMessage.BranchLabel, branches[1].Label)
	require.True(t, branches[1].Active)
	require.Equal(t, orig.UserMessage.ID, branches[1].ForkParentID)

	br, err := h.svc.SwitchBranch(ctx, 1, room.ID, MainBranch)
	require.NoError(t, err)
	require.Equal(t, orig.AssistantMessage.ID, br.TipMessageID)
	br, err = h.svc.SwitchBranch(ctx, 1, room.ID, regen.AssistantMessage.BranchLabel)
	require.NoError(t, err)
	require.Equal(t, regen.AssistantMessage.ID, br.TipMessageID)
}

func TestRegenerate_RequiresAssistantMessage(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	room := h.room(t, 1)
	h.fund(t, 1, 10_000)

	res, err := h.svc.Send(context.Background(), SendInput{UserID: 1, RoomID: room.ID, Body: "hi"}, nil)
	require.NoError(t, err)

	_, err = h.svc.Regenerate(context.Background(), RegenerateInput{UserID: 1, RoomID: room.ID, MessageID: res.UserMessage.ID}, nil)
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestStreamError_AbortsWithoutCommittingReply(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	room := h.room(t, 1)
	h.fund(t, 1, 10_000)
	h.provider.replies = []string{"partial text"}
	h.provider.err = errors.New("connection reset")

	var chunks []string
	_, err := h.svc.Send(context.Background(), SendInput{UserID: 1, RoomID: room.ID, Body: "hi"}, func(d string) {
		chunks = append(chunks, d)
	})
	require.True(t, apperr.Is(err, apperr.KindUpstreamGeneration))
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	require.True(t, ae.Retryable())
	require.Equal(t, "partial text", joinChunks(chunks))

	path := h.path(t, room.ID)
	require.Len(t, path, 1, "only the user turn is committed")
	require.Equal(t, RoleUser, path[0].Role)
	require.Equal(t, int64(10_000), h.balance(t, 1), "the reservation is released in full")
}

func TestEmptySanitizedReply_Aborts(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	room := h.room(t, 1)
	h.fund(t, 1, 10_000)
	h.provider.replies = []string{"<thinking>only a plan</thinking>\n\n"}

	_, err := h.svc.Send(context.Background(), SendInput{UserID: 1, RoomID: room.ID, Body: "hi"}, nil)
	require.True(t, apperr.Is(err, apperr.KindUpstreamGeneration))
	require.Equal(t, int64(10_000), h.balance(t, 1))
}

func TestCancelGeneration(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	room := h.room(t, 1)
	h.fund(t, 1, 10_000)
	h.provider.hold = make(chan struct{})
	defer close(h.provider.hold)

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.Send(context.Background(), SendInput{UserID: 1, RoomID: room.ID, Body: "hi"}, nil)
		done <- err
	}()
	waitStarted(t, h.provider)

	cancelled, err := h.svc.CancelGeneration(context.Background(), 1, room.ID)
	require.NoError(t, err)
	require.True(t, cancelled)

	select {
	case err := <-done:
		require.True(t, apperr.Is(err, apperr.KindUpstreamGeneration))
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not return after cancel")
	}

	require.Len(t, h.path(t, room.ID), 1)
	require.Equal(t, int64(10_000), h.balance(t, 1))

	cancelled, err = h.svc.CancelGeneration(context.Background(), 1, room.ID)
	require.NoError(t, err)
	require.False(t, cancelled, "nothing in flight")
}

func TestGenerationTimeout_Aborts(t *testing.T) {
	h := newHarness(t, harnessOptions{opts: Options{GenerationTimeout: 50 * time.Millisecond}})
	room := h.room(t, 1)
	h.fund(t, 1, 10_000)
	h.provider.hold = make(chan struct{})
	defer close(h.provider.hold)

	_, err := h.svc.Send(context.Background(), SendInput{UserID: 1, RoomID: room.ID, Body: "hi"}, nil)
	require.True(t, apperr.Is(err, apperr.KindUpstreamGeneration))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, int64(10_000), h.balance(t, 1))
}

func TestSingleFlightPerRoom(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	room := h.room(t, 1)
	h.fund(t, 1, 100_000)
	h.provider.hold = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.Send(context.Background(), SendInput{UserID: 1, RoomID: room.ID, Body: "first"}, nil)
		done <- err
	}()
	waitStarted(t, h.provider)

	_, err := h.svc.Send(context.Background(), SendInput{UserID: 1, RoomID: room.ID, Body: "second"}, nil)
	require.True(t, apperr.Is(err, apperr.KindConflict))
	_, err = h.svc.ResetConversation(context.Background(), 1, room.ID)
	require.True(t, apperr.Is(err, apperr.KindConflict))

	close(h.provider.hold)
	require.NoError(t, <-done)

	path := h.path(t, room.ID)
	require.Len(t, path, 2)
	require.Equal(t, "first", path[0].Content)
}

func TestIdempotentSend_Replays(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	room := h.room(t, 1)
	h.fund(t, 1, 10_000)
	ctx := context.Background()

	first, err := h.svc.Send(ctx, SendInput{UserID: 1, RoomID: room.ID, Body: "hi", IdempotencyKey: "k1"}, nil)
	require.NoError(t, err)
	afterFirst := h.balance(t, 1)

	again, err := h.svc.Send(ctx, SendInput{UserID: 1, RoomID: room.ID, Body: "hi", IdempotencyKey: "k1"}, nil)
	require.NoError(t, err)
	require.True(t, again.Replayed)
	require.Equal(t, first.UserMessage.ID, again.UserMessage.ID)
	require.Equal(t, first.AssistantMessage.ID, again.AssistantMessage.ID)
	require.Equal(t, afterFirst, h.balance(t, 1), "a replay is not charged")
	require.Equal(t, int64(2), h.countMessages(t, room.ID, false))
}

func TestIdempotentSend_RetriesAfterAbort(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	room := h.room(t, 1)
	h.fund(t, 1, 10_000)
	ctx := context.Background()
	h.provider.err = errors.New("upstream 502")

	_, err := h.svc.Send(ctx, SendInput{UserID: 1, RoomID: room.ID, Body: "hi", IdempotencyKey: "k2"}, nil)
	require.True(t, apperr.Is(err, apperr.KindUpstreamGeneration))

	h.provider.err = nil
	res, err := h.svc.Send(ctx, SendInput{UserID: 1, RoomID: room.ID, Body: "hi", IdempotencyKey: "k2"}, nil)
	require.NoError(t, err)
	require.False(t, res.Replayed)
	require.Equal(t, res.UserMessage.ID, *res.AssistantMessage.ParentID)

	path := h.path(t, room.ID)
	require.Len(t, path, 2, "the user turn is not duplicated")
	assertSinglePath(t, path)
}

func TestResetConversation(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	room := h.room(t, 1)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		u, err := h.tree.AppendUserMessage(ctx, 1, room.ID, "question", nil)
		require.NoError(t, err)
		_, err = h.tree.AppendAssistantMessage(ctx, 1, room.ID, u.ID, "answer")
		require.NoError(t, err)
	}
	_, err := h.memory.Summarize(ctx, room.ID, memory.Range{Start: 1, End: 10})
	require.NoError(t, err)
	_, err = h.memory.Summarize(ctx, room.ID, memory.Range{Start: 11, End: 20})
	require.NoError(t, err)

	res, err := h.svc.ResetConversation(ctx, 1, room.ID)
	require.NoError(t, err)
	require.Equal(t, "Welcome, Mina. I am Aster.", res.Greeting)
	require.Equal(t, int64(2), res.MemoriesDeleted)
	require.Equal(t, int64(30), res.MessagesDeleted)

	mems, err := h.svc.ListMemories(ctx, 1, room.ID)
	require.NoError(t, err)
	require.Empty(t, mems)
	require.Zero(t, h.countMessages(t, room.ID, false))
	require.Equal(t, int64(30), h.countMessages(t, room.ID, true), "messages are soft-deleted, not removed")

	got, err := h.svc.GetRoom(ctx, 1, room.ID)
	require.NoError(t, err)
	require.Equal(t, "", got.TipMessageID)
	require.Zero(t, got.MessageCount)
	require.Empty(t, got.LastMessagePreview)
	require.Equal(t, h.char.ID, got.CharacterID)
	require.Empty(t, h.path(t, room.ID))

	h.fund(t, 1, 10_000)
	after, err := h.svc.Send(ctx, SendInput{UserID: 1, RoomID: room.ID, Body: "fresh start"}, nil)
	require.NoError(t, err)
	require.Nil(t, after.UserMessage.ParentID)
	require.Equal(t, MainBranch, after.UserMessage.BranchLabel)
	require.Equal(t, int64(31), after.UserMessage.Seq)
}

func TestSend_SchedulesSummaryPastThreshold(t *testing.T) {
	h := newHarness(t, harnessOptions{threshold: 3, keep: 1})
	room := h.room(t, 1)
	h.fund(t, 1, 100_000)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.svc.Send(ctx, SendInput{UserID: 1, RoomID: room.ID, Body: "more"}, nil)
		require.NoError(t, err)
	}

	mems, err := h.svc.ListMemories(ctx, 1, room.ID)
	require.NoError(t, err)
	require.Len(t, mems, 1)
	require.Equal(t, int64(1), mems[0].StartSeq)
	require.Equal(t, "Earlier they talked.", mems[0].Content)

	// The summary replaces the messages it covers in the next prompt.
	_, err = h.svc.Send(ctx, SendInput{UserID: 1, RoomID: room.ID, Body: "and now?"}, nil)
	require.NoError(t, err)
	req := h.provider.lastRequest()
	require.Equal(t, ai.RoleSystem, req.Messages[1].Role)
	require.Contains(t, req.Messages[1].Content, "Earlier they talked.")
	for _, m := range req.Messages[2:] {
		require.NotEqual(t, "Welcome, Mina. I am Aster.", m.Content, "greeting is folded into the summary")
	}
}

func TestSend_SettleFailureFlagsCommittedReply(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	room := h.room(t, 1)
	h.fund(t, 1, 100_000)
	require.NoError(t, h.db.Callback().Update().Before("gorm:update").Register("test:fail_debit", func(db *gorm.DB) {
		if db.Statement.Table == "user_balances" {
			_ = db.AddError(errors.New("disk full"))
		}
	}))

	res, err := h.svc.Send(context.Background(), SendInput{UserID: 1, RoomID: room.ID, Body: "hi"}, nil)
	require.NoError(t, err)
	require.True(t, res.Unsettled)
	require.NotNil(t, res.AssistantMessage)
	require.Zero(t, res.Settlement.Debited)

	path := h.path(t, room.ID)
	require.Equal(t, res.AssistantMessage.ID, path[len(path)-1].ID)
}

func TestSend_SettledReplyIsNotFlagged(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	room := h.room(t, 1)
	h.fund(t, 1, 100_000)
	res, err := h.svc.Send(context.Background(), SendInput{UserID: 1, RoomID: room.ID, Body: "hi"}, nil)
	require.NoError(t, err)
	require.False(t, res.Unsettled)
	require.Positive(t, res.Settlement.Debited)
}

func TestSummaries_FollowTheActiveBranch(t *testing.T) {
	h := newHarness(t, harnessOptions{threshold: 100, keep: 1, summarizer: recallProvider{}})
	room := h.room(t, 1)
	h.fund(t, 1, 100_000)
	ctx := context.Background()

	pair := func(q, a string) *Message {
		u, err := h.tree.AppendUserMessage(ctx, 1, room.ID, q, nil)
		require.NoError(t, err)
		r, err := h.tree.AppendAssistantMessage(ctx, 1, room.ID, u.ID, a)
		require.NoError(t, err)
		return r
	}
	fork := pair("My sister is called FACT-ALPHA.", "I will remember.")
	for i := 0; i < 4; i++ {
		pair("small talk", "indeed")
	}

	first, err := h.svc.Summarize(ctx, 1, room.ID, &memory.Range{Start: 1, End: 8})
	require.NoError(t, err)
	require.Contains(t, first.Content, "FACT-ALPHA")

	_, err = h.svc.RollbackTo(ctx, 1, room.ID, fork.ID)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		pair("new topic", "sure")
	}

	// The first summary lies on the abandoned branch, so turns 1 and 2 are pending again.
	second, err := h.svc.Summarize(ctx, 1, room.ID, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), second.StartSeq)
	require.Equal(t, int64(15), second.EndSeq)
	require.Contains(t, second.Content, "FACT-ALPHA")

	_, err = h.svc.Send(ctx, SendInput{UserID: 1, RoomID: room.ID, Body: "who is my sister?"}, nil)
	require.NoError(t, err)
	req := h.provider.lastRequest()
	var prompt strings.Builder
	for _, m := range req.Messages {
		prompt.WriteString(m.Content + "\n")
	}
	require.Contains(t, prompt.String(), "FACT-ALPHA")
	require.Contains(t, req.Messages[1].Content, second.Content)
	require.Equal(t, 1, strings.Count(prompt.String(), "Earlier they talked."), "only the branch's own summary applies")
}

func TestSummary_DiscardedWhenResetRacesIt(t *testing.T) {
	ctx := context.Background()
	var h *harness
	var roomID string
	h = newHarness(t, harnessOptions{summarizer: recallProvider{before: func() {
		_, err := h.svc.ResetConversation(ctx, 1, roomID)
		require.NoError(t, err)
	}}})
	room := h.room(t, 1)
	roomID = room.ID
	for i := 0; i < 3; i++ {
		u, err := h.tree.AppendUserMessage(ctx, 1, room.ID, "q", nil)
		require.NoError(t, err)
		_, err = h.tree.AppendAssistantMessage(ctx, 1, room.ID, u.ID, "a")
		require.NoError(t, err)
	}

	_, err := h.memory.Summarize(ctx, room.ID, memory.Range{Start: 1, End: 4})
	require.True(t, apperr.Is(err, apperr.KindConflict), "got %v", err)

	var n int64
	require.NoError(t, h.db.Model(&memory.Memory{}).Where("room_id = ?", room.ID).Count(&n).Error)
	require.Zero(t, n, "no memory may outlive the reset")
}

func TestDeleteMemory_ChecksOwnership(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	room := h.room(t, 1)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := h.tree.AppendUserMessage(ctx, 1, room.ID, "x", nil)
		require.NoError(t, err)
	}
	mem, err := h.svc.Summarize(ctx, 1, room.ID, &memory.Range{Start: 1, End: 2})
	require.NoError(t, err)

	require.True(t, apperr.Is(h.svc.DeleteMemory(ctx, 2, mem.ID), apperr.KindAuthorization))
	require.NoError(t, h.svc.DeleteMemory(ctx, 1, mem.ID))
	require.Len(t, h.path(t, room.ID), 4, "deleting a memory leaves history alone")
}

func TestSettings_UpdateAndDriveGeneration(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	room := h.room(t, 1)
	h.fund(t, 1, 10_000)
	ctx := context.Background()

	st, err := h.svc.GetSettings(ctx, 1, room.ID)
	require.NoError(t, err)
	require.Equal(t, DefaultSettings(room.ID).FontSize, st.FontSize)
	require.True(t, st.AntiImpersonation)

	length, off, on := 64, false, true
	st, err = h.svc.UpdateSettings(ctx, 1, room.ID, SettingsPatch{
		ResponseLength: &length, AntiImpersonation: &off, PositivityBias: &on,
	})
	require.NoError(t, err)
	require.Equal(t, 64, st.ResponseLength)
	require.False(t, st.AntiImpersonation)

	bad := 3
	_, err = h.svc.UpdateSettings(ctx, 1, room.ID, SettingsPatch{FontSize: &bad})
	require.True(t, apperr.Is(err, apperr.KindValidation))
	js := "javascript:alert(1)"
	_, err = h.svc.UpdateSettings(ctx, 1, room.ID, SettingsPatch{BackgroundURL: &js})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = h.svc.Send(ctx, SendInput{UserID: 1, RoomID: room.ID, Body: "hi"}, nil)
	require.NoError(t, err)
	req := h.provider.lastRequest()
	require.Equal(t, 64, req.MaxTokens)
	require.Contains(t, req.Messages[0].Content, "warm and encouraging")
	require.NotContains(t, req.Messages[0].Content, "Never write dialogue or actions for Mina")
}

func TestCreateRoom_ReturnsExisting(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	first, err := h.svc.CreateRoom(ctx, 1, CreateRoomInput{CharacterID: h.char.ID, PersonaName: "Mina"})
	require.NoError(t, err)
	require.True(t, first.Created)
	require.Equal(t, "Welcome, Mina. I am Aster.", first.Greeting)

	again, err := h.svc.CreateRoom(ctx, 1, CreateRoomInput{CharacterID: h.char.ID})
	require.NoError(t, err)
	require.False(t, again.Created)
	require.Equal(t, first.Room.ID, again.Room.ID)

	_, err = h.svc.CreateRoom(ctx, 1, CreateRoomInput{CharacterID: "nope"})
	require.True(t, apperr.Is(err, apperr.KindNotFound))

	rooms, err := h.svc.ListRooms(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
}

func TestConcurrentSendsAcrossRooms(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.fund(t, 1, 1_000_000)
	ctx := context.Background()

	rooms := make([]*Room, 4)
	for i := range rooms {
		c, err := h.svc.CreateCharacter(ctx, &Character{Name: "C"})
		require.NoError(t, err)
		v, err := h.svc.CreateRoom(ctx, 1, CreateRoomInput{CharacterID: c.ID})
		require.NoError(t, err)
		rooms[i] = v.Room
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(rooms)*3)
	for _, r := range rooms {
		wg.Add(1)
		go func(roomID string) {
			defer wg.Done()
			for i := 0; i < 3; i++ {
				if _, err := h.svc.Send(ctx, SendInput{UserID: 1, RoomID: roomID, Body: "hey"}, nil); err != nil {
					errs <- err
				}
			}
		}(r.ID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("send: %v", err)
	}
	for _, r := range rooms {
		path := h.path(t, r.ID)
		require.Len(t, path, 6)
		assertSinglePath(t, path)
	}
}

func TestUploadBackground(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	room := h.room(t, 1)
	h.svc.media = media.NewDisk(t.TempDir(), "https://cdn.test/media", 0)
	png := []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52}

	st, err := h.svc.UploadBackground(context.Background(), 1, room.ID, bytes.NewReader(png))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(st.BackgroundURL, "https://cdn.test/media/backgrounds/"))

	_, err = h.svc.UploadBackground(context.Background(), 1, room.ID, strings.NewReader("plain text"))
	require.True(t, apperr.Is(err, apperr.KindValidation))
}
