package chat

import (
	"errors"
	"log"
	"net/http"

	"kapture_back/authorization"
	"kapture_back/knowledge"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Module exposes conversations over HTTP.
type Module struct {
	service *Service
}

// RegisterRoutes mounts the chat endpoints under /chat. The completion client
// is optional: without LLM credentials the endpoints that need it return 503.
func RegisterRoutes(router *gin.Engine, db *gorm.DB, redisClient *redis.Client, guard *authorization.Guard, retriever *knowledge.Service) (*Module, error) {
	client, err := NewCompletionClientFromEnv()
	if err != nil {
		log.Printf("chat: completion client unavailable: %v", err)
		client = nil
	}

	service, err := NewService(db, client, redisClient, retriever)
	if err != nil {
		return nil, err
	}
	if err := service.AutoMigrate(); err != nil {
		return nil, err
	}

	module := &Module{service: service}

	group := router.Group("/chat")
	if guard != nil {
		group.Use(guard.RequireAuthenticated())
	} else {
		group.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization middleware missing"})
		})
	}

	group.POST("/conversations", module.handleCreateConversation)
	group.GET("/conversations", module.handleListConversations)
	group.GET("/conversations/:id/messages", module.handleListMessages)
	group.POST("/conversations/:id/messages", module.handleSendMessage)
	group.POST("/conversations/:id/capture", module.handleCapture)

	return module, nil
}

type createConversationRequest struct {
	Title *string `json:"title"`
}

func (m *Module) handleCreateConversation(c *gin.Context) {
	if m == nil || m.service == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chat service not available"})
		return
	}

	userID, _ := authorization.CurrentUser(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	// The body is optional.
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req = createConversationRequest{}
	}

	conversation, err := m.service.CreateConversation(c.Request.Context(), userID, req.Title)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create conversation"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"conversation": conversation})
}

func (m *Module) handleListConversations(c *gin.Context) {
	if m == nil || m.service == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chat service not available"})
		return
	}

	userID, _ := authorization.CurrentUser(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	conversations, err := m.service.ListConversations(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list conversations"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

func (m *Module) handleListMessages(c *gin.Context) {
	if m == nil || m.service == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chat service not available"})
		return
	}

	userID, _ := authorization.CurrentUser(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	conversation, err := m.service.ConversationByPublicID(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		respondConversationError(c, err)
		return
	}

	messages, err := m.service.Messages(c.Request.Context(), conversation)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversation": conversation, "messages": messages})
}

type sendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

func (m *Module) handleSendMessage(c *gin.Context) {
	if m == nil || m.service == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chat service not available"})
		return
	}

	userID, _ := authorization.CurrentUser(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	reply, err := m.service.SendMessage(c.Request.Context(), userID, c.Param("id"), req.Content)
	if err != nil {
		switch {
		case errors.Is(err, ErrEmptyMessage):
			c.JSON(http.StatusBadRequest, gin.H{"error": ErrEmptyMessage.Error()})
		case errors.Is(err, ErrConversationNotFound), errors.Is(err, ErrUnauthorized):
			respondConversationError(c, err)
		default:
			log.Printf("chat: send message failed: %v", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to generate reply"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": reply})
}

type captureRequest struct {
	Title *string `json:"title"`
}

func (m *Module) handleCapture(c *gin.Context) {
	if m == nil || m.service == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chat service not available"})
		return
	}

	userID, _ := authorization.CurrentUser(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	var req captureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req = captureRequest{}
	}

	source, err := m.service.Capture(c.Request.Context(), userID, c.Param("id"), req.Title)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyCaptured):
			c.JSON(http.StatusConflict, gin.H{"error": ErrAlreadyCaptured.Error()})
		case errors.Is(err, knowledge.ErrEmptyContent):
			c.JSON(http.StatusBadRequest, gin.H{"error": knowledge.ErrEmptyContent.Error()})
		case errors.Is(err, ErrConversationNotFound), errors.Is(err, ErrUnauthorized):
			respondConversationError(c, err)
		default:
			log.Printf("chat: capture failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to capture conversation"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"source": source})
}

func respondConversationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "conversation lookup failed"})
	}
}
