package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/suPer8Hu/character-chat/internal/apperr"
	"github.com/suPer8Hu/character-chat/internal/chat"
	"github.com/suPer8Hu/character-chat/internal/common"
	"github.com/suPer8Hu/character-chat/internal/httpapi/middleware"
)

type Handler struct {
	ChatSvc *chat.Service
	Log     zerolog.Logger
}

func NewHandler(svc *chat.Service, logger zerolog.Logger) *Handler {
	return &Handler{ChatSvc: svc, Log: logger}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

// mustUser writes the 401 envelope when the request carries no user.
func mustUser(c *gin.Context) (uint64, bool) {
	uid, ok := userIDFromContext(c)
	if !ok || uid == 0 {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return 0, false
	}
	return uid, true
}

type errorBody struct {
	status int
	code   int
	msg    string
	data   any
}

// classify maps the error taxonomy onto HTTP status and envelope code.
func classify(err error) errorBody {
	var ib *apperr.InsufficientBalance
	if errors.As(err, &ib) {
		return errorBody{
			status: http.StatusPaymentRequired,
			code:   40201,
			msg:    "insufficient balance",
			data: gin.H{
				"current":   ib.Current,
				"required":  ib.Required,
				"shortfall": ib.Shortfall(),
			},
		}
	}

	msg := "internal error"
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Msg != "" {
		msg = ae.Msg
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return errorBody{status: http.StatusBadRequest, code: 10002, msg: msg}
	case apperr.KindNotFound:
		return errorBody{status: http.StatusNotFound, code: 40004, msg: msg}
	case apperr.KindAuthorization:
		return errorBody{status: http.StatusForbidden, code: 40301, msg: msg}
	case apperr.KindConflict:
		return errorBody{status: http.StatusConflict, code: 40901, msg: msg}
	case apperr.KindUpstreamGeneration:
		return errorBody{status: http.StatusBadGateway, code: 50201, msg: msg, data: gin.H{"retryable": true}}
	default:
		return errorBody{status: http.StatusInternalServerError, code: 50001, msg: "internal error"}
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	b := classify(err)
	if b.status >= http.StatusInternalServerError {
		h.Log.Error().Err(err).
			Str("path", c.FullPath()).
			Str("request_id", c.GetString(middleware.RequestIDKey)).
			Msg("request failed")
	}
	if b.data != nil {
		common.FailWithData(c, b.status, b.code, b.msg, b.data)
		return
	}
	common.Fail(c, b.status, b.code, b.msg)
}

func invalidJSON(c *gin.Context) {
	common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
}
