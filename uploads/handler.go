package uploads

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"kapture_back/authorization"
	"kapture_back/knowledge"

	"github.com/gin-gonic/gin"
)

const maxDocumentBytes int64 = 10 * 1024 * 1024

// Module turns uploaded documents and archives into knowledge sources.
type Module struct {
	retriever *knowledge.Service
	storage   *DocumentStorage
}

// RegisterRoutes mounts the upload endpoints under /uploads. Raw file
// retention in MinIO is optional and skipped when unconfigured.
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard, retriever *knowledge.Service) (*Module, error) {
	if retriever == nil {
		return nil, errors.New("uploads: knowledge service is required")
	}

	storage, err := NewDocumentStorageFromEnv()
	if err != nil {
		return nil, err
	}
	if storage == nil {
		log.Printf("uploads: MINIO_* not configured, raw document retention disabled")
	}

	module := &Module{retriever: retriever, storage: storage}

	group := router.Group("/uploads")
	if guard != nil {
		group.Use(guard.RequireAuthenticated())
	} else {
		group.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization middleware missing"})
		})
	}

	group.POST("/documents", module.handleUploadDocument)
	group.GET("/documents/:id/url", module.handleDocumentURL)
	group.POST("/archives", module.handleUploadArchive)
	group.GET("/formats", module.handleListFormats)

	return module, nil
}

func (m *Module) handleUploadDocument(c *gin.Context) {
	userID, _ := authorization.CurrentUser(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "document file is required"})
		return
	}
	if fileHeader.Size > 0 && fileHeader.Size > maxDocumentBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("document size exceeds %d bytes", maxDocumentBytes)})
		return
	}

	src, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read document"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, maxDocumentBytes+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read document"})
		return
	}
	if int64(len(data)) > maxDocumentBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("document size exceeds %d bytes", maxDocumentBytes)})
		return
	}

	format, err := DetectFormat(fileHeader.Filename, data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	extractor, err := knowledge.ExtractorFor(format)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	text, err := extractor.Extract(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	title := strings.TrimSpace(c.PostForm("title"))
	if title == "" {
		title = strings.TrimSpace(fileHeader.Filename)
	}
	var description *string
	if value := strings.TrimSpace(c.PostForm("description")); value != "" {
		description = &value
	}

	var sourceRef *string
	if m.storage != nil {
		fileURL, storeErr := m.storage.Store(c.Request.Context(), fileHeader.Filename, data)
		if storeErr != nil {
			log.Printf("uploads: retain raw document failed: %v", storeErr)
		} else {
			sourceRef = &fileURL
		}
	}

	sourceType := knowledge.SourceTypeDocument
	if format == "html" {
		sourceType = knowledge.SourceTypeWebpage
	}

	source, stats, err := m.retriever.Ingest(c.Request.Context(), knowledge.IngestInput{
		Title:       title,
		Description: description,
		SourceType:  sourceType,
		SourceRef:   sourceRef,
		UserID:      userID,
		Metadata: map[string]interface{}{
			"filename": fileHeader.Filename,
			"format":   format,
			"bytes":    len(data),
		},
	}, text)
	if err != nil {
		if errors.Is(err, knowledge.ErrEmptyContent) {
			c.JSON(http.StatusBadRequest, gin.H{"error": knowledge.ErrEmptyContent.Error()})
			return
		}
		log.Printf("uploads: ingest document failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to ingest document"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"source": source, "stats": stats})
}

// handleDocumentURL returns a short-lived download link for the raw document
// behind a source. Refs kept outside the bucket pass through unchanged.
func (m *Module) handleDocumentURL(c *gin.Context) {
	userID, roles := authorization.CurrentUser(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	id, err := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid source id"})
		return
	}

	source, err := m.retriever.Store().SourceByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, knowledge.ErrSourceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "source not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load source"})
		return
	}
	if source.Status != knowledge.StatusApproved && source.UserID != userID && !authorization.HasRole(roles, authorization.AdminRole) {
		c.JSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
		return
	}
	if source.SourceRef == nil || strings.TrimSpace(*source.SourceRef) == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "source has no stored document"})
		return
	}

	expiry := 15 * time.Minute
	url, err := m.storage.PresignedURL(c.Request.Context(), *source.SourceRef, expiry)
	if err != nil {
		log.Printf("uploads: presign document for source %d failed: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sign download link"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url, "expires_in": int(expiry.Seconds())})
}

// ImportedEntry reports an archive member that became a knowledge source.
type ImportedEntry struct {
	Path     string `json:"path"`
	SourceID uint64 `json:"source_id"`
	Chunks   int    `json:"chunks"`
}

func (m *Module) handleUploadArchive(c *gin.Context) {
	userID, _ := authorization.CurrentUser(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "archive file is required"})
		return
	}

	entries, skipped, err := readArchive(fileHeader)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	imported := make([]ImportedEntry, 0, len(entries))
	for _, entry := range entries {
		format, err := DetectFormat(entry.Path, entry.Data)
		if err != nil {
			skipped = append(skipped, SkippedEntry{Path: entry.Path, Reason: "unsupported document type"})
			continue
		}
		extractor, err := knowledge.ExtractorFor(format)
		if err != nil {
			skipped = append(skipped, SkippedEntry{Path: entry.Path, Reason: "unsupported document type"})
			continue
		}
		text, err := extractor.Extract(entry.Data)
		if err != nil {
			skipped = append(skipped, SkippedEntry{Path: entry.Path, Reason: "extraction failed"})
			continue
		}

		sourceType := knowledge.SourceTypeDocument
		if format == "html" {
			sourceType = knowledge.SourceTypeWebpage
		}

		source, stats, err := m.retriever.Ingest(c.Request.Context(), knowledge.IngestInput{
			Title:      path.Base(entry.Path),
			SourceType: sourceType,
			UserID:     userID,
			Metadata: map[string]interface{}{
				"archive":      fileHeader.Filename,
				"archive_path": entry.Path,
				"format":       format,
			},
		}, text)
		if err != nil {
			if errors.Is(err, knowledge.ErrEmptyContent) {
				skipped = append(skipped, SkippedEntry{Path: entry.Path, Reason: "no text content"})
				continue
			}
			log.Printf("uploads: ingest archive entry %s failed: %v", entry.Path, err)
			skipped = append(skipped, SkippedEntry{Path: entry.Path, Reason: "ingestion failed"})
			continue
		}

		imported = append(imported, ImportedEntry{Path: entry.Path, SourceID: source.ID, Chunks: stats.Chunks})
	}

	status := http.StatusCreated
	if len(imported) == 0 {
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"imported": imported, "skipped": skipped})
}

func (m *Module) handleListFormats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"formats": knowledge.SupportedFormats()})
}
