package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"kapture_back/knowledge"

	"gorm.io/gorm"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := knowledge.OpenDatabase("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	return db
}

func newTestRetriever(t *testing.T, db *gorm.DB) *knowledge.Service {
	t.Helper()
	retriever, err := knowledge.NewService(knowledge.NewStore(db), stubEmbedder{}, nil, 800, 200)
	if err != nil {
		t.Fatalf("new retriever: %v", err)
	}
	if err := retriever.AutoMigrate(); err != nil {
		t.Fatalf("migrate retriever: %v", err)
	}
	return retriever
}

func newTestChatService(t *testing.T, client *CompletionClient, retriever *knowledge.Service) (*Service, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	if retriever == nil {
		retriever = newTestRetriever(t, db)
	}
	service, err := NewService(db, client, nil, retriever)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := service.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return service, db
}

func TestCreateAndListConversations(t *testing.T) {
	service, _ := newTestChatService(t, nil, nil)
	ctx := context.Background()

	title := "project planning"
	created, err := service.CreateConversation(ctx, 1, &title)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.PublicID == "" {
		t.Fatal("public id missing")
	}
	if created.Status != conversationActive {
		t.Fatalf("status = %q, want active", created.Status)
	}
	if created.Title == nil || *created.Title != title {
		t.Fatal("title not stored")
	}

	if _, err := service.CreateConversation(ctx, 2, nil); err != nil {
		t.Fatalf("create second: %v", err)
	}

	mine, err := service.ListConversations(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != created.ID {
		t.Fatalf("list returned %d conversations", len(mine))
	}
}

func TestConversationOwnership(t *testing.T) {
	service, _ := newTestChatService(t, nil, nil)
	ctx := context.Background()

	created, err := service.CreateConversation(ctx, 1, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := service.ConversationByPublicID(ctx, created.PublicID, 2); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("foreign access err = %v, want ErrUnauthorized", err)
	}
	if _, err := service.ConversationByPublicID(ctx, "nope", 1); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("unknown id err = %v, want ErrConversationNotFound", err)
	}
	if _, err := service.ConversationByPublicID(ctx, created.PublicID, 1); err != nil {
		t.Fatalf("owner access: %v", err)
	}
}

func TestSendMessagePersistsBothTurns(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "reply one"}},
			},
			"usage": map[string]int{"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8},
		})
	})
	service, _ := newTestChatService(t, client, nil)
	ctx := context.Background()

	conversation, err := service.CreateConversation(ctx, 1, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	reply, err := service.SendMessage(ctx, 1, conversation.PublicID, "first question")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply.Role != "assistant" || reply.Content != "reply one" {
		t.Fatalf("reply = %+v", reply)
	}
	if reply.TokenInput == nil || *reply.TokenInput != 5 {
		t.Fatal("token usage not recorded")
	}

	if _, err := service.SendMessage(ctx, 1, conversation.PublicID, "second question"); err != nil {
		t.Fatalf("second send: %v", err)
	}

	messages, err := service.Messages(ctx, conversation)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(messages) != 4 {
		t.Fatalf("messages = %d, want 4", len(messages))
	}
	wantRoles := []string{"user", "assistant", "user", "assistant"}
	for i, msg := range messages {
		if msg.Seq != i {
			t.Fatalf("message %d has seq %d", i, msg.Seq)
		}
		if msg.Role != wantRoles[i] {
			t.Fatalf("message %d role = %q, want %q", i, msg.Role, wantRoles[i])
		}
	}
}

func TestSendMessageValidation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("client should not be called")
	})
	service, _ := newTestChatService(t, client, nil)
	ctx := context.Background()

	conversation, err := service.CreateConversation(ctx, 1, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := service.SendMessage(ctx, 1, conversation.PublicID, "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("blank err = %v, want ErrEmptyMessage", err)
	}
	if _, err := service.SendMessage(ctx, 2, conversation.PublicID, "hi"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("foreign err = %v, want ErrUnauthorized", err)
	}
}

func TestCaptureCreatesPendingChatSource(t *testing.T) {
	db := newTestDB(t)
	retriever := newTestRetriever(t, db)
	service, err := NewService(db, nil, nil, retriever)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := service.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()

	conversation, err := service.CreateConversation(ctx, 1, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	seed := []Message{
		{ConversationID: conversation.ID, Seq: 0, Role: "user", Content: "How do we deploy?"},
		{ConversationID: conversation.ID, Seq: 1, Role: "assistant", Content: "Push to main and the pipeline handles the rest."},
	}
	for i := range seed {
		if err := db.Create(&seed[i]).Error; err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}

	title := "deploy walkthrough"
	source, err := service.Capture(ctx, 1, conversation.PublicID, &title)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if source.Status != knowledge.StatusPending {
		t.Fatalf("status = %q, want pending", source.Status)
	}
	if source.SourceType != knowledge.SourceTypeChat {
		t.Fatalf("source type = %q, want chat", source.SourceType)
	}
	if source.SourceRef == nil || *source.SourceRef != conversation.PublicID {
		t.Fatal("source ref does not point at the conversation")
	}
	if source.Title != title {
		t.Fatalf("title = %q", source.Title)
	}

	chunks, err := retriever.Store().ChunksBySource(ctx, source.ID)
	if err != nil {
		t.Fatalf("chunks: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("transcript produced no chunks")
	}

	updated, err := service.ConversationByPublicID(ctx, conversation.PublicID, 1)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if updated.Status != conversationCaptured {
		t.Fatalf("conversation status = %q, want captured", updated.Status)
	}
	if updated.SourceID == nil || *updated.SourceID != source.ID {
		t.Fatal("conversation not linked to source")
	}

	if _, err := service.Capture(ctx, 1, conversation.PublicID, nil); !errors.Is(err, ErrAlreadyCaptured) {
		t.Fatalf("second capture err = %v, want ErrAlreadyCaptured", err)
	}
}

func TestCaptureEmptyConversation(t *testing.T) {
	service, _ := newTestChatService(t, nil, nil)
	ctx := context.Background()

	conversation, err := service.CreateConversation(ctx, 1, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := service.Capture(ctx, 1, conversation.PublicID, nil); !errors.Is(err, knowledge.ErrEmptyContent) {
		t.Fatalf("err = %v, want ErrEmptyContent", err)
	}
}
