package chat

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/suPer8Hu/character-chat/internal/ai"
	"github.com/suPer8Hu/character-chat/internal/apperr"
	"github.com/suPer8Hu/character-chat/internal/common"
	"github.com/suPer8Hu/character-chat/internal/metrics"
	"github.com/suPer8Hu/character-chat/internal/sanitize"
)

// generation describes one reply to produce. path ends at the node the reply hangs under,
// or at the current tip when pending is set; pending is a user body committed only once
// the session is admitted.
type generation struct {
	room           *Room
	path           []Message
	pending        string
	idempotencyKey *string
	guidance       string
	onChunk        ChunkFunc
}

func lastID(path []Message) string {
	if len(path) == 0 {
		return ""
	}
	return path[len(path)-1].ID
}

func (s *Service) generate(ctx context.Context, g generation) (*GenerationResult, error) {
	room := g.room
	unlock, ok, err := s.locker.TryLock(ctx, genLockKey(room.ID))
	if err != nil {
		return nil, apperr.Persistence(err, "lock room")
	}
	if !ok {
		return nil, apperr.Conflict("a reply is already being generated for this room")
	}
	defer unlock()

	c, err := s.character(ctx, room.CharacterID)
	if err != nil {
		return nil, err
	}
	settings, err := s.repo.GetSettings(ctx, room.ID)
	if err != nil {
		return nil, apperr.Persistence(err, "get settings")
	}
	provider, err := s.providerFor(ctx, room)
	if err != nil {
		return nil, err
	}
	mems, err := s.memory.ActiveContext(ctx, room.ID)
	if err != nil {
		return nil, err
	}

	sid, err := common.NewULID()
	if err != nil {
		return nil, apperr.Persistence(err, "session id")
	}
	genCtx, cancel := context.WithTimeout(ctx, s.opts.GenerationTimeout)
	defer cancel()
	sess := newSession(sid, room.ID, room.UserID, cancel)
	s.active.put(sess)
	defer s.active.remove(sess)

	log := s.log.With().Str("session_id", sid).Str("room_id", room.ID).Uint64("user_id", room.UserID).Logger()
	start := time.Now()

	names := namesFor(room, c)
	budget := settings.ResponseLength
	if budget <= 0 {
		budget = s.opts.DefaultResponseLength
	}
	in := promptInput{
		character: c,
		names:     names,
		settings:  *settings,
		memories:  mems,
		path:      g.path,
		pending:   g.pending,
		guidance:  g.guidance,
		budget:    budget,
	}
	prompt := s.builder.build(in)
	promptTokens := ai.CountMessages(s.meter, prompt)
	estimate := int64(promptTokens+budget) * s.opts.CostPerToken

	// Idle -> Admitted | Rejected
	res, err := s.guard.Reserve(ctx, room.UserID, estimate)
	if err != nil {
		if apperr.Is(err, apperr.KindInsufficientBalance) {
			_ = sess.to(StateRejected)
			metrics.GenerationsTotal.WithLabelValues(string(StateRejected)).Inc()
			log.Warn().Err(err).Int64("estimate", estimate).Msg("generation rejected")
		} else {
			_ = sess.to(StateAborted)
			metrics.GenerationsTotal.WithLabelValues(string(StateAborted)).Inc()
		}
		return nil, err
	}
	defer s.guard.Release(res)
	_ = sess.to(StateAdmitted)
	log.Debug().Int64("estimate", estimate).Int("prompt_tokens", promptTokens).Msg("generation admitted")

	abort := func(err error) (*GenerationResult, error) {
		from := sess.State()
		_ = sess.to(StateAborted)
		s.guard.Release(res)
		metrics.GenerationsTotal.WithLabelValues(string(StateAborted)).Inc()
		metrics.GenerationDuration.Observe(time.Since(start).Seconds())
		log.Warn().Err(err).Str("from", string(from)).Msg("generation aborted")
		return nil, err
	}

	summarize, err := s.memory.ShouldSummarize(ctx, room.ID)
	if err != nil {
		log.Warn().Err(err).Msg("memory check failed")
	}

	out := &GenerationResult{SessionID: sid}
	parentID := lastID(g.path)
	if g.pending != "" {
		userMsg, err := s.tree.AppendUserMessage(ctx, room.UserID, room.ID, g.pending, g.idempotencyKey)
		if err != nil {
			return abort(err)
		}
		uv := viewOf(*userMsg)
		out.UserMessage = &uv
		if userMsg.parent() != parentID {
			// The tip moved between reading the path and appending; build from where the
			// message actually landed.
			path, err := s.tree.PathTo(ctx, room.ID, userMsg.parent())
			if err != nil {
				return abort(err)
			}
			in.path = path
			prompt = s.builder.build(in)
			promptTokens = ai.CountMessages(s.meter, prompt)
		}
		parentID = userMsg.ID
	}

	// Admitted -> Streaming
	_ = sess.to(StateStreaming)
	raw, err := s.stream(genCtx, provider, ai.Request{Messages: prompt, MaxTokens: budget}, g.onChunk)
	if err != nil {
		return abort(classifyStreamError(ctx, genCtx, err))
	}

	// Streaming -> Sanitizing
	_ = sess.to(StateSanitizing)
	clean := sanitize.Apply(raw, names)
	for _, rule := range clean.Fired {
		metrics.SanitizerChanges.WithLabelValues(rule).Inc()
	}
	if clean.Text == "" {
		return abort(apperr.Upstream(nil, "model returned an empty reply"))
	}
	out.Sanitized = clean.Fired

	// Sanitizing -> Committed
	var assistant *Message
	err = sess.commit(genCtx, func() error {
		m, err := s.tree.AppendAssistantMessage(context.WithoutCancel(ctx), room.UserID, room.ID, parentID, clean.Text)
		assistant = m
		return err
	})
	if err != nil {
		if genCtx.Err() != nil {
			return abort(classifyStreamError(ctx, genCtx, genCtx.Err()))
		}
		return abort(err)
	}
	av := viewOf(*assistant)
	out.AssistantMessage = &av

	actual := int64(promptTokens+s.meter.Count(raw)) * s.opts.CostPerToken
	settleCtx := context.WithoutCancel(ctx)
	if out.Settlement, err = s.guard.Settle(settleCtx, res, actual); err != nil {
		out.Unsettled = true
		metrics.SettlementFailures.Inc()
		log.Error().Err(err).Int64("actual", actual).Str("message_id", assistant.ID).Msg("settle failed after commit")
	}
	if out.Balance, err = s.guard.Status(settleCtx, room.UserID); err != nil {
		log.Warn().Err(err).Msg("read balance after settle")
	}

	metrics.GenerationsTotal.WithLabelValues(string(StateCommitted)).Inc()
	metrics.GenerationDuration.Observe(time.Since(start).Seconds())
	log.Debug().
		Str("message_id", assistant.ID).
		Int64("estimate", estimate).
		Int64("actual", actual).
		Strs("sanitized", clean.Fired).
		Msg("generation committed")

	if summarize {
		s.scheduleSummary(settleCtx, log, room)
	}
	return out, nil
}

// stream collects the reply, forwarding each chunk to onChunk in arrival order.
func (s *Service) stream(ctx context.Context, p ai.Provider, req ai.Request, onChunk ChunkFunc) (string, error) {
	chunks, errs := ai.Stream(ctx, p, req)
	var b strings.Builder
	for c := range chunks {
		b.WriteString(c)
		metrics.TokensStreamed.Inc()
		if onChunk != nil {
			onChunk(c)
		}
	}
	if err := <-errs; err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return b.String(), nil
}

func classifyStreamError(parent, genCtx context.Context, err error) error {
	switch {
	case errors.Is(genCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil:
		return apperr.Upstream(context.DeadlineExceeded, "generation timed out")
	case genCtx.Err() != nil:
		return apperr.Upstream(context.Canceled, "generation cancelled")
	default:
		return apperr.Upstream(err, "model stream failed")
	}
}

func (s *Service) scheduleSummary(ctx context.Context, log zerolog.Logger, room *Room) {
	job, created, err := s.memory.Enqueue(ctx, room.UserID, room.ID)
	if err != nil {
		log.Warn().Err(err).Msg("memory summarisation failed")
		return
	}
	if job != nil {
		log.Debug().Str("job_id", job.ID).Bool("created", created).Str("status", string(job.Status)).Msg("memory job scheduled")
	}
}
