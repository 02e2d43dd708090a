package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/character-chat/internal/chat"
	"github.com/suPer8Hu/character-chat/internal/common"
)

type createCharacterReq struct {
	Name            string `json:"name" binding:"required"`
	Description     string `json:"description"`
	Personality     string `json:"personality"`
	Scenario        string `json:"scenario"`
	Greeting        string `json:"greeting"`
	ExampleDialogue string `json:"example_dialogue"`
	SystemPrompt    string `json:"system_prompt"`
	AvatarURL       string `json:"avatar_url"`
}

func (h *Handler) CreateCharacter(c *gin.Context) {
	var req createCharacterReq
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidJSON(c)
		return
	}
	ch, err := h.ChatSvc.CreateCharacter(c.Request.Context(), &chat.Character{
		Name:            req.Name,
		Description:     req.Description,
		Personality:     req.Personality,
		Scenario:        req.Scenario,
		Greeting:        req.Greeting,
		ExampleDialogue: req.ExampleDialogue,
		SystemPrompt:    req.SystemPrompt,
		AvatarURL:       req.AvatarURL,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"character": ch})
}

func (h *Handler) ListCharacters(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	out, err := h.ChatSvc.ListCharacters(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"characters": out})
}

func (h *Handler) GetCharacter(c *gin.Context) {
	ch, err := h.ChatSvc.GetCharacter(c.Request.Context(), c.Param("character_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"character": ch})
}

func (h *Handler) CreateRoom(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	var req chat.CreateRoomInput
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidJSON(c)
		return
	}
	v, err := h.ChatSvc.CreateRoom(c.Request.Context(), uid, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, v)
}

func (h *Handler) ListRooms(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	rooms, err := h.ChatSvc.ListRooms(c.Request.Context(), uid, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"rooms": rooms})
}

func (h *Handler) GetRoom(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	room, err := h.ChatSvc.GetRoom(c.Request.Context(), uid, c.Param("room_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"room": room})
}

func (h *Handler) GetSettings(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	st, err := h.ChatSvc.GetSettings(c.Request.Context(), uid, c.Param("room_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"settings": st})
}

func (h *Handler) UpdateSettings(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	var req chat.SettingsPatch
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidJSON(c)
		return
	}
	st, err := h.ChatSvc.UpdateSettings(c.Request.Context(), uid, c.Param("room_id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"settings": st})
}

func (h *Handler) UploadBackground(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	file, _, err := c.Request.FormFile("file")
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10002, "missing multipart field 'file'")
		return
	}
	defer func() { _ = file.Close() }()

	st, err := h.ChatSvc.UploadBackground(c.Request.Context(), uid, c.Param("room_id"), file)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"settings": st})
}
