package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/suPer8Hu/character-chat/internal/common"
	"github.com/suPer8Hu/character-chat/internal/httpapi/handlers"
	"github.com/suPer8Hu/character-chat/internal/httpapi/middleware"
)

type Options struct {
	JWTSecret  string
	AdminToken string
	// MediaDir is served under /media when set.
	MediaDir string
	Logger   zerolog.Logger
}

func NewRouter(h *handlers.Handler, opts Options) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(opts.Logger))
	r.Use(middleware.Recovery(opts.Logger))
	r.Use(middleware.Metrics())

	r.GET("/ping", h.Ping)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if opts.MediaDir != "" {
		r.Static("/media", opts.MediaDir)
	}

	// admin
	admin := r.Group("/admin")
	admin.Use(middleware.AdminRequired(opts.AdminToken))
	admin.POST("/characters", h.CreateCharacter)
	admin.POST("/balances/:user_id/credit", h.CreditBalance)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(opts.JWTSecret))

	authGroup.GET("/characters", h.ListCharacters)
	authGroup.GET("/characters/:character_id", h.GetCharacter)
	authGroup.GET("/balance", h.GetBalance)

	// rooms
	authGroup.POST("/rooms", h.CreateRoom)
	authGroup.GET("/rooms", h.ListRooms)
	authGroup.GET("/rooms/:room_id", h.GetRoom)
	authGroup.GET("/rooms/:room_id/settings", h.GetSettings)
	authGroup.PATCH("/rooms/:room_id/settings", h.UpdateSettings)
	authGroup.POST("/rooms/:room_id/background", h.UploadBackground)

	// conversation
	authGroup.GET("/rooms/:room_id/messages", h.ListMessages)
	authGroup.GET("/rooms/:room_id/messages/:message_id", h.GetMessage)
	authGroup.POST("/rooms/:room_id/messages", h.SendMessage)
	authGroup.POST("/rooms/:room_id/messages/stream", h.SendMessageStream)
	authGroup.POST("/rooms/:room_id/messages/:message_id/regenerate", h.Regenerate)
	authGroup.POST("/rooms/:room_id/cancel", h.CancelGeneration)
	authGroup.POST("/rooms/:room_id/reset", h.ResetConversation)

	// branches
	authGroup.GET("/rooms/:room_id/branches", h.ListBranches)
	authGroup.POST("/rooms/:room_id/branches/switch", h.SwitchBranch)
	authGroup.POST("/rooms/:room_id/rollback", h.Rollback)

	// memories
	authGroup.GET("/rooms/:room_id/memories", h.ListMemories)
	authGroup.POST("/rooms/:room_id/memories/summarize", h.Summarize)
	authGroup.DELETE("/memories/:memory_id", h.DeleteMemory)
	authGroup.GET("/memory-jobs/:job_id", h.GetMemoryJob)

	return r
}
