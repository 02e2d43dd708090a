package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/character-chat/internal/common"
	"github.com/suPer8Hu/character-chat/internal/memory"
)

func (h *Handler) ListMemories(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	mems, err := h.ChatSvc.ListMemories(c.Request.Context(), uid, c.Param("room_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"memories": mems})
}

type summarizeReq struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Summarize covers the given range, or the pending range when the body is empty.
func (h *Handler) Summarize(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	var rng *memory.Range
	if c.Request.ContentLength > 0 {
		var req summarizeReq
		if err := c.ShouldBindJSON(&req); err != nil {
			invalidJSON(c)
			return
		}
		if req.Start != 0 || req.End != 0 {
			rng = &memory.Range{Start: req.Start, End: req.End}
		}
	}
	mem, err := h.ChatSvc.Summarize(c.Request.Context(), uid, c.Param("room_id"), rng)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"memory": mem})
}

func (h *Handler) DeleteMemory(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	if err := h.ChatSvc.DeleteMemory(c.Request.Context(), uid, c.Param("memory_id")); err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"deleted": true})
}

func (h *Handler) GetMemoryJob(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	j, err := h.ChatSvc.GetMemoryJob(c.Request.Context(), uid, c.Param("job_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{
		"job": gin.H{
			"id":               j.ID,
			"room_id":          j.RoomID,
			"status":           j.Status,
			"start_seq":        j.StartSeq,
			"end_seq":          j.EndSeq,
			"result_memory_id": j.ResultMemoryID,
			"error":            j.Error,
			"created_at":       j.CreatedAt,
			"updated_at":       j.UpdatedAt,
		},
	})
}

func (h *Handler) GetBalance(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	st, err := h.ChatSvc.BalanceStatus(c.Request.Context(), uid)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"balance": st})
}

type creditReq struct {
	Amount int64 `json:"amount" binding:"required"`
}

func (h *Handler) CreditBalance(c *gin.Context) {
	uid, err := strconv.ParseUint(c.Param("user_id"), 10, 64)
	if err != nil || uid == 0 {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid user id")
		return
	}
	var req creditReq
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidJSON(c)
		return
	}
	st, err := h.ChatSvc.CreditBalance(c.Request.Context(), uid, req.Amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"user_id": uid, "balance": st})
}
