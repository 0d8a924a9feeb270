package knowledge

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"kapture_back/authorization"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Module exposes the knowledge base over HTTP.
type Module struct {
	service *Service
}

// RegisterRoutes mounts the knowledge endpoints under /knowledge.
func RegisterRoutes(router *gin.Engine, db *gorm.DB, redisClient *redis.Client, guard *authorization.Guard) (*Module, error) {
	service, err := NewServiceFromEnv(db, redisClient)
	if err != nil {
		return nil, err
	}
	if err := service.AutoMigrate(); err != nil {
		return nil, err
	}

	module := &Module{service: service}

	group := router.Group("/knowledge")
	if guard != nil {
		group.Use(guard.RequireAuthenticated())
	} else {
		group.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization middleware missing"})
		})
	}

	group.GET("/search", module.handleSearch)
	group.POST("/sources", module.handleIngest)
	group.GET("/sources", module.handleListSources)
	group.GET("/sources/:id", module.handleGetSource)
	group.GET("/sources/:id/chunks", module.handleListChunks)
	group.PUT("/sources/:id/status", guard.RequireRole(authorization.AdminRole), module.handleUpdateStatus)
	group.DELETE("/sources/:id", module.handleDeleteSource)
	group.POST("/sources/:id/relations", module.handleCreateRelation)
	group.GET("/sources/:id/relations", module.handleListRelations)
	group.DELETE("/relations/:relID", module.handleDeleteRelation)

	return module, nil
}

// Service exposes the underlying pipeline for sibling modules (chat, uploads).
func (m *Module) Service() *Service {
	if m == nil {
		return nil
	}
	return m.service
}

type ingestRequest struct {
	Title       string                 `json:"title" binding:"required"`
	Description *string                `json:"description"`
	SourceType  string                 `json:"source_type"`
	SourceRef   *string                `json:"source_ref"`
	RawText     string                 `json:"raw_text"`
	Metadata    map[string]interface{} `json:"metadata"`
}

func (m *Module) handleIngest(c *gin.Context) {
	if m == nil || m.service == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "knowledge service not available"})
		return
	}

	userID, _ := authorization.CurrentUser(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	source, stats, err := m.service.Ingest(c.Request.Context(), IngestInput{
		Title:       req.Title,
		Description: req.Description,
		SourceType:  req.SourceType,
		SourceRef:   req.SourceRef,
		UserID:      userID,
		Metadata:    req.Metadata,
	}, req.RawText)
	if err != nil {
		if errors.Is(err, ErrEmptyContent) {
			c.JSON(http.StatusBadRequest, gin.H{"error": ErrEmptyContent.Error()})
			return
		}
		msg := strings.TrimSpace(err.Error())
		if strings.HasPrefix(msg, "knowledge:") {
			c.JSON(http.StatusBadRequest, gin.H{"error": msg})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to ingest source"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"source": source, "stats": stats})
}

func (m *Module) handleSearch(c *gin.Context) {
	if m == nil || m.service == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "knowledge service not available"})
		return
	}

	query := c.Query("q")
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	minSimilarity := 0.4
	if raw := strings.TrimSpace(c.Query("min_similarity")); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
			minSimilarity = parsed
		}
	}

	response, err := m.service.Search(c.Request.Context(), query, limit, minSimilarity)
	if err != nil {
		var embedErr *EmbeddingError
		if errors.As(err, &embedErr) {
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to embed query"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
		return
	}

	c.JSON(http.StatusOK, response)
}

func (m *Module) handleListSources(c *gin.Context) {
	if m == nil || m.service == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "knowledge service not available"})
		return
	}

	userID, roles := authorization.CurrentUser(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	// Admins see every user's sources, everyone else only their own.
	owner := userID
	if authorization.HasRole(roles, authorization.AdminRole) {
		owner = 0
	}

	sources, err := m.service.ListByStatus(c.Request.Context(), c.Query("status"), owner)
	if err != nil {
		msg := strings.TrimSpace(err.Error())
		if strings.HasPrefix(msg, "knowledge:") {
			c.JSON(http.StatusBadRequest, gin.H{"error": msg})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sources"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"sources": sources})
}

func (m *Module) handleGetSource(c *gin.Context) {
	source, ok := m.loadAccessibleSource(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"source": source})
}

func (m *Module) handleListChunks(c *gin.Context) {
	source, ok := m.loadAccessibleSource(c)
	if !ok {
		return
	}

	chunks, err := m.service.Store().ChunksBySource(c.Request.Context(), source.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load chunks"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"chunks": chunks})
}

func (m *Module) handleDeleteSource(c *gin.Context) {
	if m == nil || m.service == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "knowledge service not available"})
		return
	}

	id, err := parseUintID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid source id"})
		return
	}

	userID, roles := authorization.CurrentUser(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	err = m.service.Delete(c.Request.Context(), id, userID, authorization.HasRole(roles, authorization.AdminRole))
	if err != nil {
		switch {
		case errors.Is(err, ErrSourceNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "source not found"})
		case errors.Is(err, ErrUnauthorized):
			c.JSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete source"})
		}
		return
	}

	c.Status(http.StatusNoContent)
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (m *Module) handleUpdateStatus(c *gin.Context) {
	if m == nil || m.service == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "knowledge service not available"})
		return
	}

	id, err := parseUintID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid source id"})
		return
	}

	userID, roles := authorization.CurrentUser(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	source, err := m.service.UpdateStatus(c.Request.Context(), id, req.Status, userID, authorization.HasRole(roles, authorization.AdminRole))
	if err != nil {
		switch {
		case errors.Is(err, ErrSourceNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "source not found"})
		case errors.Is(err, ErrUnauthorized):
			c.JSON(http.StatusForbidden, gin.H{"error": "status updates require admin privileges"})
		default:
			msg := strings.TrimSpace(err.Error())
			if strings.HasPrefix(msg, "knowledge:") {
				c.JSON(http.StatusBadRequest, gin.H{"error": msg})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update status"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"source": source})
}

type createRelationRequest struct {
	TargetID     uint64 `json:"target_id" binding:"required"`
	RelationType string `json:"relation_type" binding:"required"`
	Strength     int    `json:"strength"`
}

func (m *Module) handleCreateRelation(c *gin.Context) {
	source, ok := m.loadAccessibleSource(c)
	if !ok {
		return
	}

	var req createRelationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	relation := &Relation{
		SourceID:     source.ID,
		TargetID:     req.TargetID,
		RelationType: strings.ToLower(strings.TrimSpace(req.RelationType)),
		Strength:     req.Strength,
	}
	if err := m.service.Store().CreateRelation(c.Request.Context(), relation); err != nil {
		switch {
		case errors.Is(err, ErrSourceNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "related source not found"})
		default:
			msg := strings.TrimSpace(err.Error())
			if strings.HasPrefix(msg, "knowledge:") {
				c.JSON(http.StatusBadRequest, gin.H{"error": msg})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create relation"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"relation": relation})
}

func (m *Module) handleListRelations(c *gin.Context) {
	source, ok := m.loadAccessibleSource(c)
	if !ok {
		return
	}

	relations, err := m.service.Store().RelationsBySource(c.Request.Context(), source.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load relations"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"relations": relations})
}

func (m *Module) handleDeleteRelation(c *gin.Context) {
	if m == nil || m.service == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "knowledge service not available"})
		return
	}

	id, err := parseUintID(c.Param("relID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid relation id"})
		return
	}

	if err := m.service.Store().DeleteRelation(c.Request.Context(), id); err != nil {
		if errors.Is(err, ErrRelationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "relation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete relation"})
		return
	}

	c.Status(http.StatusNoContent)
}

// loadAccessibleSource resolves the :id parameter and enforces visibility:
// approved sources are readable by any authenticated user, everything else
// only by the owner or an admin.
func (m *Module) loadAccessibleSource(c *gin.Context) (*Source, bool) {
	if m == nil || m.service == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "knowledge service not available"})
		return nil, false
	}

	id, err := parseUintID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid source id"})
		return nil, false
	}

	userID, roles := authorization.CurrentUser(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return nil, false
	}

	source, err := m.service.Store().SourceByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrSourceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "source not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load source"})
		return nil, false
	}

	if source.Status != StatusApproved && source.UserID != userID && !authorization.HasRole(roles, authorization.AdminRole) {
		c.JSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
		return nil, false
	}

	return source, true
}

func parseUintID(raw string) (uint64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, errors.New("invalid id")
	}
	id, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}
