package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/1ureka/telecall/internal/call"
)

// Handlers keep to parsing input, calling the Manager and mapping errors.
type Handlers struct {
	Calls *call.Manager
}

type startCallRequest struct {
	ReceiverID string `json:"receiver_id"`
	Video      bool   `json:"video"`
}

func (h Handlers) StartCall(c *gin.Context) {
	var req startCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.ReceiverID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "receiver_id required"})
		return
	}

	s, err := h.Calls.StartCall(c.Request.Context(), req.ReceiverID, req.Video)
	if err != nil {
		abortWithCallError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s.Snapshot())
}

func (h Handlers) Current(c *gin.Context) {
	s, ok := h.Calls.Current()
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no call"})
		return
	}
	c.JSON(http.StatusOK, s.Snapshot())
}

func (h Handlers) Accept(c *gin.Context) {
	if err := h.Calls.Accept(c.Request.Context()); err != nil {
		abortWithCallError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h Handlers) Reject(c *gin.Context) {
	if err := h.Calls.Reject(); err != nil {
		abortWithCallError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h Handlers) End(c *gin.Context) {
	if err := h.Calls.End(); err != nil {
		abortWithCallError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h Handlers) ToggleMute(c *gin.Context) {
	h.toggle(c, "muted", h.Calls.ToggleMute)
}

func (h Handlers) ToggleSpeaker(c *gin.Context) {
	h.toggle(c, "speaker_on", h.Calls.ToggleSpeaker)
}

func (h Handlers) ToggleCamera(c *gin.Context) {
	h.toggle(c, "camera_off", h.Calls.ToggleCamera)
}

func (h Handlers) toggle(c *gin.Context, key string, fn func() (bool, error)) {
	v, err := fn()
	if err != nil {
		abortWithCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{key: v})
}

func (h Handlers) History(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > 100 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be 0..100"})
			return
		}
		limit = n
	}

	recs, err := h.Calls.History(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": recs})
}

// Events streams every call event as SSE until the client goes away. A
// "ready" event goes first, carrying the current call when there is one.
func (h Handlers) Events(c *gin.Context) {
	sub := h.Calls.Subscribe()
	defer sub.Close()

	ready := gin.H{}
	if s, ok := h.Calls.Current(); ok {
		ready["current"] = s.Snapshot()
	}
	c.SSEvent("ready", ready)
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent("call", ev)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func abortWithCallError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, call.ErrNoSession):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no call"})
	case errors.Is(err, call.ErrAlreadyInCall):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "already in a call"})
	case errors.Is(err, call.ErrPeerBusy):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "peer is busy"})
	case errors.Is(err, call.ErrMediaUnavailable):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, call.ErrCallEnded):
		c.AbortWithStatusJSON(http.StatusGone, gin.H{"error": "call ended"})
	default:
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call operation failed"})
	}
}
