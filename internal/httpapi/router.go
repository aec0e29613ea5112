// Package httpapi is the local control surface of a party agent: call
// commands, an SSE stream of call events, the call history and metrics.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/telecall/internal/call"
)

// NewRouter wires the routes over calls.
func NewRouter(calls *call.Manager) *gin.Engine {
	h := Handlers{Calls: calls}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	g := r.Group("/calls")
	g.POST("", h.StartCall)
	g.GET("/history", h.History)
	g.GET("/events", h.Events)
	g.GET("/current", h.Current)
	g.POST("/current/accept", h.Accept)
	g.POST("/current/reject", h.Reject)
	g.POST("/current/end", h.End)
	g.POST("/current/mute", h.ToggleMute)
	g.POST("/current/speaker", h.ToggleSpeaker)
	g.POST("/current/camera", h.ToggleCamera)
	return r
}
