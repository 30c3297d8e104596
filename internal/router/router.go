package router

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/helpy/paths"
	"github.com/psds-microservice/support-session/internal/handler"
	"github.com/psds-microservice/support-session/internal/middleware"
)

type Deps struct {
	Sessions  *handler.SessionHandler
	Uploads   *handler.UploadHandler
	Realtime  http.Handler
	Auth      *middleware.Authenticator
	DB        handler.Pinger
	UploadDir string
	Logger    *slog.Logger
}

func New(d Deps) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestLog(d.Logger))
	r.GET(paths.PathHealth, handler.Health)
	r.GET(paths.PathReady, handler.Ready(d.DB))
	r.GET("/ws", gin.WrapH(d.Realtime))
	r.Static("/uploads", d.UploadDir)

	v1 := r.Group("/api/v1", middleware.RequireAuth(d.Auth))
	{
		v1.GET("/sessions", d.Sessions.List)
		v1.POST("/sessions", d.Sessions.Create)
		v1.GET("/sessions/:id", d.Sessions.Get)
		v1.POST("/sessions/:id/messages", d.Sessions.PostMessage)
		v1.POST("/sessions/:id/seen", d.Sessions.MarkSeen)
		v1.POST("/sessions/:id/close", d.Sessions.Close)
		v1.POST("/sessions/:id/auto-close", d.Sessions.AutoClose)
		v1.POST("/sessions/:id/feedback", d.Sessions.Feedback)
		v1.POST("/uploads", d.Uploads.Upload)
	}

	return r
}

// requestLog пишет одну строку на запрос; 5xx — с ошибками из c.Errors.
func requestLog(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if log == nil {
			return
		}
		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			attrs = append(attrs, slog.String("error", c.Errors.String()))
			log.Error("http request", attrs...)
		default:
			log.Debug("http request", attrs...)
		}
	}
}
