package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"kapture_back/knowledge"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	defaultRecentLimit    = 12
	defaultContextResults = 4
	defaultSystemPrompt   = "You are a helpful assistant. When reference material is provided, ground your answers in it and say so when it does not cover the question."
)

var (
	ErrConversationNotFound = errors.New("chat: conversation not found")
	ErrUnauthorized         = errors.New("chat: operation not permitted")
	ErrEmptyMessage         = errors.New("chat: message content cannot be empty")
	ErrAlreadyCaptured      = errors.New("chat: conversation already captured")
)

// Service manages conversations and turns completions into persisted messages.
type Service struct {
	db        *gorm.DB
	client    *CompletionClient
	cache     *messageCache
	retriever *knowledge.Service

	recentLimit    int
	contextResults int
	systemPrompt   string
}

// NewService wires the conversation store, completion client, and retriever together.
func NewService(db *gorm.DB, client *CompletionClient, redisClient *redis.Client, retriever *knowledge.Service) (*Service, error) {
	if db == nil {
		return nil, errors.New("chat: database handle is required")
	}

	recentLimit := readIntEnv("CHAT_RECENT_LIMIT", defaultRecentLimit)
	if recentLimit <= 0 {
		recentLimit = defaultRecentLimit
	}
	contextResults := readIntEnv("CHAT_CONTEXT_RESULTS", defaultContextResults)
	if contextResults <= 0 {
		contextResults = defaultContextResults
	}
	systemPrompt := strings.TrimSpace(os.Getenv("CHAT_SYSTEM_PROMPT"))
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	return &Service{
		db:             db,
		client:         client,
		cache:          newMessageCache(redisClient),
		retriever:      retriever,
		recentLimit:    recentLimit,
		contextResults: contextResults,
		systemPrompt:   systemPrompt,
	}, nil
}

func readIntEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

// AutoMigrate creates the conversation tables.
func (s *Service) AutoMigrate() error {
	if s == nil || s.db == nil {
		return errors.New("chat: database handle is required")
	}
	return s.db.AutoMigrate(&Conversation{}, &Message{})
}

// CreateConversation starts a new conversation owned by the user.
func (s *Service) CreateConversation(ctx context.Context, userID uint64, title *string) (*Conversation, error) {
	if userID == 0 {
		return nil, ErrUnauthorized
	}

	conversation := &Conversation{
		PublicID: uuid.NewString(),
		UserID:   userID,
		Title:    trimmedOrNil(title),
		Status:   conversationActive,
	}
	if err := s.db.WithContext(ctx).Create(conversation).Error; err != nil {
		return nil, fmt.Errorf("chat: create conversation: %w", err)
	}
	return conversation, nil
}

// ListConversations returns the user's conversations, most recently active first.
func (s *Service) ListConversations(ctx context.Context, userID uint64) ([]Conversation, error) {
	if userID == 0 {
		return nil, ErrUnauthorized
	}

	var conversations []Conversation
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&conversations).Error
	if err != nil {
		return nil, fmt.Errorf("chat: list conversations: %w", err)
	}
	return conversations, nil
}

// ConversationByPublicID loads a conversation and enforces ownership.
func (s *Service) ConversationByPublicID(ctx context.Context, publicID string, userID uint64) (*Conversation, error) {
	trimmed := strings.TrimSpace(publicID)
	if trimmed == "" {
		return nil, ErrConversationNotFound
	}

	var conversation Conversation
	err := s.db.WithContext(ctx).Where("public_id = ?", trimmed).Take(&conversation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("chat: load conversation: %w", err)
	}
	if conversation.UserID != userID {
		return nil, ErrUnauthorized
	}
	return &conversation, nil
}

// Messages returns the full message history of a conversation in turn order.
func (s *Service) Messages(ctx context.Context, conversation *Conversation) ([]Message, error) {
	if conversation == nil {
		return nil, ErrConversationNotFound
	}

	var messages []Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversation.ID).
		Order("seq ASC").
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("chat: load messages: %w", err)
	}
	return messages, nil
}

// SendMessage appends a user turn, asks the model for a reply grounded in the
// knowledge base, and persists the assistant turn.
func (s *Service) SendMessage(ctx context.Context, userID uint64, publicID, content string) (*Message, error) {
	if s.client == nil {
		return nil, errors.New("chat: completion client not configured")
	}

	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, ErrEmptyMessage
	}

	conversation, err := s.ConversationByPublicID(ctx, publicID, userID)
	if err != nil {
		return nil, err
	}

	recent, err := s.recentMessages(ctx, conversation)
	if err != nil {
		return nil, err
	}

	nextSeq := 0
	if len(recent) > 0 {
		nextSeq = recent[len(recent)-1].Seq + 1
	} else {
		var maxSeq *int
		row := s.db.WithContext(ctx).Model(&Message{}).
			Where("conversation_id = ?", conversation.ID).
			Select("MAX(seq)").Row()
		if scanErr := row.Scan(&maxSeq); scanErr == nil && maxSeq != nil {
			nextSeq = *maxSeq + 1
		}
	}

	userMessage := Message{
		ConversationID: conversation.ID,
		Seq:            nextSeq,
		Role:           "user",
		Content:        trimmed,
	}
	if err := s.db.WithContext(ctx).Create(&userMessage).Error; err != nil {
		return nil, fmt.Errorf("chat: persist user message: %w", err)
	}

	prompt := s.buildPrompt(ctx, recent, trimmed)

	started := time.Now()
	result, err := s.client.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}
	latency := int(time.Since(started).Milliseconds())

	assistantMessage := Message{
		ConversationID: conversation.ID,
		Seq:            nextSeq + 1,
		Role:           "assistant",
		Content:        result.Content,
		LatencyMs:      &latency,
	}
	if result.Usage != nil {
		tokenInput := result.Usage.PromptTokens
		tokenOutput := result.Usage.CompletionTokens
		assistantMessage.TokenInput = &tokenInput
		assistantMessage.TokenOutput = &tokenOutput
	}
	if err := s.db.WithContext(ctx).Create(&assistantMessage).Error; err != nil {
		return nil, fmt.Errorf("chat: persist assistant message: %w", err)
	}

	now := time.Now()
	if err := s.db.WithContext(ctx).Model(conversation).Update("last_msg_at", now).Error; err != nil {
		log.Printf("chat: update conversation activity failed: %v", err)
	}

	s.cache.invalidate(ctx, conversation.ID)

	return &assistantMessage, nil
}

// recentMessages returns the trailing window used for prompt assembly,
// consulting the cache before the database.
func (s *Service) recentMessages(ctx context.Context, conversation *Conversation) ([]Message, error) {
	if cached, err := s.cache.get(ctx, conversation.ID); err == nil {
		return cached, nil
	} else if !errors.Is(err, redis.Nil) {
		log.Printf("chat: read recent messages cache failed: %v", err)
	}

	var messages []Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversation.ID).
		Order("seq DESC").
		Limit(s.recentLimit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("chat: load recent messages: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	s.cache.store(ctx, conversation.ID, messages)
	return messages, nil
}

// buildPrompt assembles the system prompt, retrieved reference material, the
// recent history, and the new user turn. Retrieval failures degrade to an
// uncontextualized prompt rather than failing the turn.
func (s *Service) buildPrompt(ctx context.Context, recent []Message, userContent string) []PromptMessage {
	prompt := make([]PromptMessage, 0, len(recent)+3)
	prompt = append(prompt, PromptMessage{Role: "system", Content: s.systemPrompt})

	if s.retriever != nil {
		response, err := s.retriever.Search(ctx, userContent, s.contextResults, 0.4)
		if err != nil {
			log.Printf("chat: knowledge retrieval failed: %v", err)
		} else if response != nil && len(response.ContentResults) > 0 {
			var builder strings.Builder
			builder.WriteString("Reference material:\n")
			for i, result := range response.ContentResults {
				fmt.Fprintf(&builder, "[%d] %s\n%s\n", i+1, result.Title, result.Content)
			}
			prompt = append(prompt, PromptMessage{Role: "system", Content: builder.String()})
		}
	}

	for _, msg := range recent {
		prompt = append(prompt, PromptMessage{Role: msg.Role, Content: msg.Content})
	}
	prompt = append(prompt, PromptMessage{Role: "user", Content: userContent})
	return prompt
}

// Capture snapshots the conversation transcript into the knowledge base as a
// pending chat source and marks the conversation captured.
func (s *Service) Capture(ctx context.Context, userID uint64, publicID string, title *string) (*knowledge.Source, error) {
	if s.retriever == nil {
		return nil, errors.New("chat: knowledge service not configured")
	}

	conversation, err := s.ConversationByPublicID(ctx, publicID, userID)
	if err != nil {
		return nil, err
	}
	if conversation.Status == conversationCaptured {
		return nil, ErrAlreadyCaptured
	}

	messages, err := s.Messages(ctx, conversation)
	if err != nil {
		return nil, err
	}

	var builder strings.Builder
	for _, msg := range messages {
		builder.WriteString(msg.Role)
		builder.WriteString(": ")
		builder.WriteString(msg.Content)
		builder.WriteString("\n\n")
	}

	captureTitle := "Conversation capture"
	if trimmed := trimmedOrNil(title); trimmed != nil {
		captureTitle = *trimmed
	} else if conversation.Title != nil && strings.TrimSpace(*conversation.Title) != "" {
		captureTitle = strings.TrimSpace(*conversation.Title)
	}

	sourceRef := conversation.PublicID
	source, _, err := s.retriever.Ingest(ctx, knowledge.IngestInput{
		Title:      captureTitle,
		SourceType: knowledge.SourceTypeChat,
		SourceRef:  &sourceRef,
		UserID:     userID,
		Metadata: map[string]interface{}{
			"conversation_id": conversation.PublicID,
			"message_count":   len(messages),
		},
	}, builder.String())
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"status":    conversationCaptured,
		"source_id": source.ID,
	}
	if err := s.db.WithContext(ctx).Model(conversation).Updates(updates).Error; err != nil {
		log.Printf("chat: mark conversation captured failed: %v", err)
	}

	return source, nil
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
