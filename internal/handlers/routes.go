package handlers

import "github.com/gin-gonic/gin"

// RegisterRoutes mounts the REST surface.
func RegisterRoutes(router gin.IRouter, conversations *ConversationHandler, notifications *NotificationHandler) {
	router.GET("/conversations", conversations.ListConversations)
	router.POST("/conversations", conversations.StartConversation)
	router.GET("/conversations/:id", conversations.GetConversation)
	router.POST("/conversations/:id/messages", conversations.PostMessage)
	router.PUT("/conversations/:id/read", conversations.MarkConversationRead)
	router.GET("/conversations/:id/typing", conversations.Typing)
	router.PUT("/messages/:id/read", conversations.MarkMessageRead)
	router.GET("/unread-counts", conversations.UnreadCounts)

	router.GET("/notifications", notifications.List)
	router.PUT("/notifications/read-all", notifications.MarkAllRead)
	router.PUT("/notifications/:id/read", notifications.MarkRead)
}
