package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/character-chat/internal/chat"
	"github.com/suPer8Hu/character-chat/internal/common"
)

const heartbeatInterval = 15 * time.Second

func (h *Handler) ListMessages(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), uid, c.Param("room_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"messages": msgs})
}

func (h *Handler) GetMessage(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	m, err := h.ChatSvc.GetMessage(c.Request.Context(), uid, c.Param("room_id"), c.Param("message_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"message": m})
}

type sendMessageReq struct {
	Message string `json:"message" binding:"required"`
}

func (h *Handler) sendInput(c *gin.Context, uid uint64) (chat.SendInput, bool) {
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidJSON(c)
		return chat.SendInput{}, false
	}
	return chat.SendInput{
		UserID:         uid,
		RoomID:         c.Param("room_id"),
		Body:           req.Message,
		IdempotencyKey: strings.TrimSpace(c.GetHeader("Idempotency-Key")),
	}, true
}

func (h *Handler) SendMessage(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	in, ok := h.sendInput(c, uid)
	if !ok {
		return
	}
	res, err := h.ChatSvc.Send(c.Request.Context(), in, nil)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, res)
}

func (h *Handler) SendMessageStream(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	in, ok := h.sendInput(c, uid)
	if !ok {
		return
	}
	h.stream(c, uid, in.RoomID, func(ctx context.Context, onChunk chat.ChunkFunc) (*chat.GenerationResult, error) {
		return h.ChatSvc.Send(ctx, in, onChunk)
	})
}

type regenerateReq struct {
	Guidance string `json:"guidance"`
}

// Regenerate answers with SSE when ?stream=true, otherwise with one JSON envelope.
func (h *Handler) Regenerate(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	var req regenerateReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			invalidJSON(c)
			return
		}
	}
	in := chat.RegenerateInput{
		UserID:    uid,
		RoomID:    c.Param("room_id"),
		MessageID: c.Param("message_id"),
		Guidance:  req.Guidance,
	}
	if c.Query("stream") == "true" {
		h.stream(c, uid, in.RoomID, func(ctx context.Context, onChunk chat.ChunkFunc) (*chat.GenerationResult, error) {
			return h.ChatSvc.Regenerate(ctx, in, onChunk)
		})
		return
	}
	res, err := h.ChatSvc.Regenerate(c.Request.Context(), in, nil)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, res)
}

type genFunc func(ctx context.Context, onChunk chat.ChunkFunc) (*chat.GenerationResult, error)

type genOutcome struct {
	res *chat.GenerationResult
	err error
}

// stream runs gen and relays it as server-sent events: chunk events while the reply is
// produced (unless the room turned realtime streaming off), periodic pings, then a single
// done or error event.
func (h *Handler) stream(c *gin.Context, uid uint64, roomID string, gen genFunc) {
	ctx := c.Request.Context()
	settings, err := h.ChatSvc.GetSettings(ctx, uid, roomID)
	if err != nil {
		h.fail(c, err)
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		common.Fail(c, http.StatusInternalServerError, 50001, "streaming not supported")
		return
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx

	// avoid gin writing a JSON response later
	c.Status(http.StatusOK)

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			// last-resort: send a simple error that won't break SSE framing
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		fmt.Fprintf(c.Writer, "event: %s\n", event)
		fmt.Fprintf(c.Writer, "data: %s\n\n", string(b))
		flusher.Flush()
	}

	chunks := make(chan string, 64)
	done := make(chan genOutcome, 1)
	onChunk := func(delta string) {
		if !settings.RealtimeStreaming {
			return
		}
		select {
		case chunks <- delta:
		case <-ctx.Done():
		}
	}
	go func() {
		res, err := gen(ctx, onChunk)
		done <- genOutcome{res: res, err: err}
	}()

	// heartbeat ticker (keeps connections alive)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case delta := <-chunks:
			writeJSON("chunk", gin.H{"type": "chunk", "delta": delta})

		case <-ticker.C:
			writeJSON("ping", gin.H{"type": "ping", "ts": time.Now().Unix()})

		case out := <-done:
			// Chunks sent before the generation returned are still buffered.
			for drained := false; !drained; {
				select {
				case delta := <-chunks:
					writeJSON("chunk", gin.H{"type": "chunk", "delta": delta})
				default:
					drained = true
				}
			}
			if out.err != nil {
				b := classify(out.err)
				if b.status >= http.StatusInternalServerError && b.code == 50001 {
					h.Log.Error().Err(out.err).Str("room_id", roomID).Msg("stream failed")
				}
				writeJSON("error", gin.H{"type": "error", "code": b.code, "message": b.msg, "data": b.data})
				return
			}
			writeJSON("done", gin.H{"type": "done", "result": out.res})
			return

		case <-ctx.Done():
			return
		}
	}
}

type rollbackReq struct {
	MessageID string `json:"message_id" binding:"required"`
}

func (h *Handler) Rollback(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	var req rollbackReq
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidJSON(c)
		return
	}
	br, err := h.ChatSvc.RollbackTo(c.Request.Context(), uid, c.Param("room_id"), req.MessageID)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"branch": br})
}

func (h *Handler) ListBranches(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	out, err := h.ChatSvc.ListBranches(c.Request.Context(), uid, c.Param("room_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"branches": out})
}

type switchBranchReq struct {
	Label string `json:"label" binding:"required"`
}

func (h *Handler) SwitchBranch(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	var req switchBranchReq
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidJSON(c)
		return
	}
	br, err := h.ChatSvc.SwitchBranch(c.Request.Context(), uid, c.Param("room_id"), req.Label)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"branch": br})
}

func (h *Handler) ResetConversation(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	res, err := h.ChatSvc.ResetConversation(c.Request.Context(), uid, c.Param("room_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, res)
}

func (h *Handler) CancelGeneration(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	cancelled, err := h.ChatSvc.CancelGeneration(c.Request.Context(), uid, c.Param("room_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"cancelled": cancelled})
}
