package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/strandchat/strand-backend/internal/http/handlers"
	"github.com/strandchat/strand-backend/internal/http/middleware"
	"github.com/strandchat/strand-backend/internal/platform/logger"
	"github.com/strandchat/strand-backend/internal/services"
)

func NewRouter(log *logger.Logger, svc services.ConversationService, mode string) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("strand-backend"))
	r.Use(middleware.CORS())
	r.Use(middleware.RequestLog(log))

	r.GET("/health", handlers.Health)

	chat := handlers.NewChatHandler(log, svc)
	api := r.Group("/api", middleware.Auth(log))
	{
		api.POST("/conversations", chat.CreateConversation)
		api.GET("/conversations", chat.ListConversations)
		api.GET("/conversations/:id", chat.GetConversation)
		api.DELETE("/conversations/:id", chat.DeleteConversation)
		api.POST("/conversations/:id/participants", chat.AddParticipant)
		api.DELETE("/conversations/:id/participants/:userID", chat.RemoveParticipant)
		api.POST("/conversations/:id/switch-branch", chat.SwitchBranch)
		api.POST("/conversations/:id/merge", chat.MergeBranches)
		api.POST("/conversations/:id/stop", chat.StopGeneration)

		api.POST("/messages", chat.Send)
		api.POST("/messages/:id/regenerate", chat.Regenerate)
		api.PATCH("/messages/:id", chat.EditMessage)
		api.POST("/messages/:id/retry", chat.RetryMessage)
		api.POST("/messages/:id/branch", chat.BranchFromMessage)
	}
	return r
}
