package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultSearchLimit = 5
	maxSearchLimit     = 20
)

// Service orchestrates the ingestion pipeline (chunk, embed, store) and the
// search pipeline (embed query, score approved chunks, rank, group).
type Service struct {
	store    *Store
	embedder Embedder
	chunker  *chunker
	cache    responseCache
}

// IngestInput describes a document or session submitted to the knowledge base.
type IngestInput struct {
	Title       string
	Description *string
	SourceType  string
	SourceRef   *string
	UserID      uint64
	Metadata    map[string]interface{}
}

// IngestStats summarizes per-chunk outcomes of one ingestion.
type IngestStats struct {
	Chunks   int `json:"chunks"`
	Embedded int `json:"embedded"`
	Failed   int `json:"failed"`
}

// UIResult is the presentation view of one matched source: no raw content.
type UIResult struct {
	SourceID   uint64  `json:"source_id"`
	Title      string  `json:"title"`
	SourceType string  `json:"source_type"`
	Link       string  `json:"link"`
	MatchCount int     `json:"match_count"`
	BestScore  float64 `json:"best_score"`
}

// ContentResult carries the matched chunk text of one source, ready to feed
// into a language model context window.
type ContentResult struct {
	SourceID  uint64  `json:"source_id"`
	Title     string  `json:"title"`
	Content   string  `json:"content"`
	BestScore float64 `json:"best_score"`
}

// SearchResponse is the full output of one search: the UI view, the content
// view, and a human-readable summary of the sources found.
type SearchResponse struct {
	Query          string          `json:"query"`
	UIResults      []UIResult      `json:"ui_results"`
	ContentResults []ContentResult `json:"content_results"`
	Summary        string          `json:"summary"`
}

func NewService(store *Store, embedder Embedder, cache *redis.Client, chunkTarget, chunkMin int) (*Service, error) {
	if store == nil {
		return nil, errors.New("knowledge: store is required")
	}
	if embedder == nil {
		return nil, errors.New("knowledge: embedder is required")
	}
	return &Service{
		store:    store,
		embedder: embedder,
		chunker:  newChunker(chunkTarget, chunkMin),
		cache:    newSearchCache(cache),
	}, nil
}

// NewServiceFromEnv wires the service with the env-configured embedder and
// chunk sizing. The redis client is optional; without it the search cache is
// disabled.
func NewServiceFromEnv(db *gorm.DB, cache *redis.Client) (*Service, error) {
	if db == nil {
		return nil, errors.New("knowledge: database connection is required")
	}

	embedder, err := NewHTTPEmbedderFromEnv()
	if err != nil {
		return nil, err
	}

	chunkTarget := readIntEnv("KNOWLEDGE_CHUNK_TARGET_CHARS", 800)
	chunkMin := readIntEnv("KNOWLEDGE_CHUNK_MIN_CHARS", chunkTarget/2)

	return NewService(NewStore(db), embedder, cache, chunkTarget, chunkMin)
}

func readIntEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func (s *Service) Store() *Store {
	if s == nil {
		return nil
	}
	return s.store
}

func (s *Service) AutoMigrate() error {
	if s == nil {
		return errors.New("knowledge: service is not configured")
	}
	return s.store.AutoMigrate()
}

// Ingest turns raw text into a pending source with embedded chunks.
//
// Blank input is rejected before any row is written. Chunk creation is
// sequential so chunk sequence numbers form a contiguous 0-based run. A
// failed embedding call for one chunk stores that chunk without a vector and
// moves on; only storage failures abort the pipeline.
func (s *Service) Ingest(ctx context.Context, input IngestInput, rawText string) (*Source, *IngestStats, error) {
	if s == nil {
		return nil, nil, errors.New("knowledge: service is not configured")
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, nil, errors.New("knowledge: title is required")
	}
	sourceType := strings.ToLower(strings.TrimSpace(input.SourceType))
	if sourceType == "" {
		sourceType = SourceTypeDocument
	}
	if !validSourceType(sourceType) {
		return nil, nil, fmt.Errorf("knowledge: invalid source type %q", sourceType)
	}
	if input.UserID == 0 {
		return nil, nil, errors.New("knowledge: user id is required")
	}

	segments := s.chunker.split(rawText)
	if len(segments) == 0 {
		return nil, nil, ErrEmptyContent
	}

	source := &Source{
		Title:       title,
		Description: trimmedOrNil(input.Description),
		SourceType:  sourceType,
		SourceRef:   trimmedOrNil(input.SourceRef),
		UserID:      input.UserID,
		Metadata:    metadataToJSON(input.Metadata),
	}
	if err := s.store.CreateSource(ctx, source); err != nil {
		return nil, nil, err
	}

	stats := &IngestStats{Chunks: len(segments)}
	for i, segment := range segments {
		chunk := Chunk{
			SourceID:   source.ID,
			Seq:        i,
			Content:    segment.Content,
			TokenCount: segment.TokenCount,
		}

		vectors, err := s.embedder.Embed(ctx, []string{segment.Content})
		if err != nil || len(vectors) == 0 {
			if err != nil {
				log.Printf("knowledge: embed chunk %d of source %d failed: %v", i, source.ID, err)
			}
			stats.Failed++
		} else {
			chunk.Embedding = encodeVector(vectors[0])
			stats.Embedded++
		}

		if err := s.store.CreateChunk(ctx, &chunk); err != nil {
			return nil, nil, err
		}
	}

	return source, stats, nil
}

// Search embeds the query and ranks all approved, embedded chunks by cosine
// similarity.
//
// The threshold comparison is inclusive: a chunk scoring exactly
// minSimilarity is kept. Equal scores rank by chunk creation order. A blank
// query yields an empty response rather than an error; a failed query
// embedding propagates as *EmbeddingError.
func (s *Service) Search(ctx context.Context, query string, limit int, minSimilarity float64) (*SearchResponse, error) {
	if s == nil {
		return nil, errors.New("knowledge: service is not configured")
	}

	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	if minSimilarity < 0 {
		minSimilarity = 0
	}
	if minSimilarity > 1 {
		minSimilarity = 1
	}

	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return emptySearchResponse(trimmed), nil
	}

	if cached, ok := s.cache.get(ctx, trimmed, limit, minSimilarity); ok {
		return cached, nil
	}

	vectors, err := s.embedder.Embed(ctx, []string{trimmed})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return emptySearchResponse(trimmed), nil
	}
	queryVector := vectors[0]

	scan, err := s.store.ChunksForScan(ctx)
	if err != nil {
		return nil, err
	}

	type scoredChunk struct {
		chunk  Chunk
		source Source
		score  float64
	}

	scored := make([]scoredChunk, 0, len(scan))
	for _, item := range scan {
		score, ok := cosineSimilarity(queryVector, item.Chunk.Vector())
		if !ok {
			continue
		}
		if score < minSimilarity {
			continue
		}
		scored = append(scored, scoredChunk{chunk: item.Chunk, source: item.Source, score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].chunk.ID < scored[j].chunk.ID
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}

	type sourceGroup struct {
		source    Source
		bestScore float64
		contents  []string
		count     int
	}

	groups := make(map[uint64]*sourceGroup, len(scored))
	order := make([]uint64, 0, len(scored))
	for _, item := range scored {
		group, ok := groups[item.chunk.SourceID]
		if !ok {
			group = &sourceGroup{source: item.source, bestScore: item.score}
			groups[item.chunk.SourceID] = group
			order = append(order, item.chunk.SourceID)
		}
		if item.score > group.bestScore {
			group.bestScore = item.score
		}
		group.contents = append(group.contents, item.chunk.Content)
		group.count++
	}

	// Chunks arrive best-first, so the first appearance order already ranks
	// groups by their best chunk score.
	response := &SearchResponse{
		Query:          trimmed,
		UIResults:      make([]UIResult, 0, len(order)),
		ContentResults: make([]ContentResult, 0, len(order)),
	}
	titles := make([]string, 0, len(order))
	for _, sourceID := range order {
		group := groups[sourceID]
		response.UIResults = append(response.UIResults, UIResult{
			SourceID:   sourceID,
			Title:      group.source.Title,
			SourceType: group.source.SourceType,
			Link:       fmt.Sprintf("/knowledge/sources/%d", sourceID),
			MatchCount: group.count,
			BestScore:  group.bestScore,
		})
		response.ContentResults = append(response.ContentResults, ContentResult{
			SourceID:  sourceID,
			Title:     group.source.Title,
			Content:   strings.Join(group.contents, "\n\n"),
			BestScore: group.bestScore,
		})
		titles = append(titles, group.source.Title)
	}
	response.Summary = buildSearchSummary(titles)

	s.cache.store(ctx, trimmed, limit, minSimilarity, response)
	return response, nil
}

// ListByStatus returns sources in the given lifecycle state; an empty status
// returns every source regardless of state.
func (s *Service) ListByStatus(ctx context.Context, status string, userID uint64) ([]Source, error) {
	if s == nil {
		return nil, errors.New("knowledge: service is not configured")
	}
	status = strings.ToLower(strings.TrimSpace(status))
	if status != "" && !validStatus(status) {
		return nil, fmt.Errorf("knowledge: invalid status %q", status)
	}
	return s.store.ListSources(ctx, status, userID)
}

// UpdateStatus transitions a source through the approval workflow. Only an
// admin actor may approve or reject.
func (s *Service) UpdateStatus(ctx context.Context, id uint64, status string, actorID uint64, isAdmin bool) (*Source, error) {
	if s == nil {
		return nil, errors.New("knowledge: service is not configured")
	}
	if !isAdmin {
		return nil, ErrUnauthorized
	}
	status = strings.ToLower(strings.TrimSpace(status))
	if !validStatus(status) {
		return nil, fmt.Errorf("knowledge: invalid status %q", status)
	}

	var approvedBy *uint64
	if status == StatusApproved && actorID != 0 {
		approvedBy = &actorID
	}

	source, err := s.store.UpdateSourceStatus(ctx, id, status, approvedBy)
	if err != nil {
		return nil, err
	}

	s.cache.invalidate(ctx)
	return source, nil
}

// Delete removes a source with its chunks and relations. Owners may delete
// their own sources; admins may delete any.
func (s *Service) Delete(ctx context.Context, id uint64, actorID uint64, isAdmin bool) error {
	if s == nil {
		return errors.New("knowledge: service is not configured")
	}

	source, err := s.store.SourceByID(ctx, id)
	if err != nil {
		return err
	}
	if !isAdmin && source.UserID != actorID {
		return ErrUnauthorized
	}

	if err := s.store.DeleteSource(ctx, id); err != nil {
		return err
	}

	s.cache.invalidate(ctx)
	return nil
}

func emptySearchResponse(query string) *SearchResponse {
	return &SearchResponse{
		Query:          query,
		UIResults:      []UIResult{},
		ContentResults: []ContentResult{},
		Summary:        "No knowledge base entries matched the query.",
	}
}

func buildSearchSummary(titles []string) string {
	if len(titles) == 0 {
		return "No knowledge base entries matched the query."
	}
	if len(titles) == 1 {
		return fmt.Sprintf("Found 1 relevant source: %s.", titles[0])
	}
	return fmt.Sprintf("Found %d relevant sources: %s.", len(titles), strings.Join(titles, "; "))
}

func trimmedOrNil(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func metadataToJSON(metadata map[string]interface{}) datatypes.JSON {
	if len(metadata) == 0 {
		return nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

// ParseMetadata decodes a source's metadata bag; missing metadata decodes to
// an empty map.
func ParseMetadata(raw datatypes.JSON) map[string]interface{} {
	result := make(map[string]interface{})
	if len(raw) == 0 {
		return result
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return map[string]interface{}{}
	}
	return result
}
