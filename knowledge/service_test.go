package knowledge

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// fakeEmbedder returns canned vectors keyed by input text. Unknown texts get
// the fallback vector; texts in failFor fail the whole call.
type fakeEmbedder struct {
	vectors  map[string][]float32
	fallback []float32
	failFor  map[string]bool
	err      error
	calls    int
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		if f.failFor[text] {
			return nil, &EmbeddingError{Err: fmt.Errorf("no vector for %q", text)}
		}
		vector, ok := f.vectors[text]
		if !ok {
			vector = f.fallback
		}
		out = append(out, vector)
	}
	return out, nil
}

func newTestService(t *testing.T, embedder Embedder) (*Service, *Store) {
	t.Helper()
	store := newTestStore(t)
	service, err := NewService(store, embedder, nil, 800, 200)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service, store
}

func approveSource(t *testing.T, store *Store, id uint64) {
	t.Helper()
	if _, err := store.UpdateSourceStatus(context.Background(), id, StatusApproved, nil); err != nil {
		t.Fatalf("approve source %d: %v", id, err)
	}
}

func TestIngestCreatesPendingSourceWithContiguousChunks(t *testing.T) {
	embedder := &fakeEmbedder{fallback: []float32{1, 0}}
	store := newTestStore(t)
	service, err := NewService(store, embedder, nil, 60, 20)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	text := "First sentence of the note. Second sentence with more words in it. Third sentence closes the note out completely."
	source, stats, err := service.Ingest(context.Background(), IngestInput{
		Title:  "meeting notes",
		UserID: 1,
	}, text)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if source.Status != StatusPending {
		t.Fatalf("status = %q, want pending", source.Status)
	}
	if source.SourceType != SourceTypeDocument {
		t.Fatalf("source type = %q, want document default", source.SourceType)
	}
	if stats.Chunks < 2 {
		t.Fatalf("chunks = %d, want at least 2", stats.Chunks)
	}
	if stats.Embedded != stats.Chunks || stats.Failed != 0 {
		t.Fatalf("stats = %+v, want all embedded", stats)
	}

	chunks, err := store.ChunksBySource(context.Background(), source.ID)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	if len(chunks) != stats.Chunks {
		t.Fatalf("stored %d chunks, stats say %d", len(chunks), stats.Chunks)
	}
	for i, chunk := range chunks {
		if chunk.Seq != i {
			t.Fatalf("chunk %d has seq %d, want contiguous from 0", i, chunk.Seq)
		}
		if chunk.Vector() == nil {
			t.Fatalf("chunk %d missing embedding", i)
		}
		if chunk.TokenCount <= 0 {
			t.Fatalf("chunk %d token count = %d", i, chunk.TokenCount)
		}
	}
}

func TestIngestBlankContentWritesNothing(t *testing.T) {
	service, store := newTestService(t, &fakeEmbedder{fallback: []float32{1, 0}})

	_, _, err := service.Ingest(context.Background(), IngestInput{Title: "empty", UserID: 1}, "   \n\t ")
	if !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("err = %v, want ErrEmptyContent", err)
	}

	sources, err := store.ListSources(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("list sources: %v", err)
	}
	if len(sources) != 0 {
		t.Fatalf("%d sources written for blank input", len(sources))
	}
}

func TestIngestValidation(t *testing.T) {
	service, _ := newTestService(t, &fakeEmbedder{fallback: []float32{1, 0}})
	ctx := context.Background()

	if _, _, err := service.Ingest(ctx, IngestInput{UserID: 1}, "text"); err == nil {
		t.Fatal("missing title accepted")
	}
	if _, _, err := service.Ingest(ctx, IngestInput{Title: "t"}, "text"); err == nil {
		t.Fatal("missing user accepted")
	}
	if _, _, err := service.Ingest(ctx, IngestInput{Title: "t", UserID: 1, SourceType: "parchment"}, "text"); err == nil {
		t.Fatal("invalid source type accepted")
	}
}

func TestIngestEmbeddingFailureKeepsChunkWithoutVector(t *testing.T) {
	embedder := &fakeEmbedder{
		fallback: []float32{1, 0},
		failFor:  map[string]bool{"broken segment": true},
	}
	service, store := newTestService(t, embedder)

	source, stats, err := service.Ingest(context.Background(), IngestInput{Title: "t", UserID: 1}, "broken segment")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if stats.Chunks != 1 || stats.Failed != 1 || stats.Embedded != 0 {
		t.Fatalf("stats = %+v, want one failed chunk", stats)
	}

	chunks, err := store.ChunksBySource(context.Background(), source.ID)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("stored %d chunks, want 1", len(chunks))
	}
	if chunks[0].Vector() != nil {
		t.Fatal("failed chunk must store no vector")
	}

	// The unembedded chunk stays out of the scan even once approved.
	approveSource(t, store, source.ID)
	scan, err := store.ChunksForScan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(scan) != 0 {
		t.Fatalf("unembedded chunk leaked into scan: %d rows", len(scan))
	}
}

func ingestApproved(t *testing.T, service *Service, store *Store, title, content string) *Source {
	t.Helper()
	source, _, err := service.Ingest(context.Background(), IngestInput{Title: title, UserID: 1}, content)
	if err != nil {
		t.Fatalf("ingest %q: %v", title, err)
	}
	approveSource(t, store, source.ID)
	return source
}

func TestSearchRanksBySimilarity(t *testing.T) {
	embedder := &fakeEmbedder{
		vectors: map[string][]float32{
			"exact match content": {1, 0},
			"partial match text":  {0.5, 0.5},
			"the query":           {1, 0},
		},
		fallback: []float32{0, 1},
	}
	service, store := newTestService(t, embedder)

	exact := ingestApproved(t, service, store, "exact", "exact match content")
	partial := ingestApproved(t, service, store, "partial", "partial match text")

	response, err := service.Search(context.Background(), "the query", 10, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(response.UIResults) != 2 {
		t.Fatalf("ui results = %d, want 2", len(response.UIResults))
	}
	if response.UIResults[0].SourceID != exact.ID || response.UIResults[1].SourceID != partial.ID {
		t.Fatal("results not ordered by similarity")
	}
	if response.UIResults[0].BestScore <= response.UIResults[1].BestScore {
		t.Fatal("best scores not descending")
	}
	if response.UIResults[0].Link != fmt.Sprintf("/knowledge/sources/%d", exact.ID) {
		t.Fatalf("unexpected link %q", response.UIResults[0].Link)
	}
	if response.ContentResults[0].Content == "" {
		t.Fatal("content results missing chunk text")
	}
	if response.Summary == "" {
		t.Fatal("summary missing")
	}
}

func TestSearchThresholdIsInclusive(t *testing.T) {
	embedder := &fakeEmbedder{
		vectors: map[string][]float32{
			"identical content": {1, 0},
			"off axis content":  {0.5, 0.5},
			"query":             {1, 0},
		},
		fallback: []float32{0, 1},
	}
	service, store := newTestService(t, embedder)

	kept := ingestApproved(t, service, store, "kept", "identical content")
	ingestApproved(t, service, store, "dropped", "off axis content")

	// A chunk scoring exactly the threshold stays in.
	response, err := service.Search(context.Background(), "query", 10, 1.0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(response.UIResults) != 1 || response.UIResults[0].SourceID != kept.ID {
		t.Fatalf("boundary chunk dropped: %+v", response.UIResults)
	}
}

func TestSearchThresholdMonotonicity(t *testing.T) {
	embedder := &fakeEmbedder{
		vectors: map[string][]float32{
			"strong signal": {1, 0},
			"medium signal": {0.7, 0.7},
			"weak signal":   {0.1, 0.9},
			"query":         {1, 0},
		},
		fallback: []float32{0, 1},
	}
	service, store := newTestService(t, embedder)
	ingestApproved(t, service, store, "strong", "strong signal")
	ingestApproved(t, service, store, "medium", "medium signal")
	ingestApproved(t, service, store, "weak", "weak signal")

	loose, err := service.Search(context.Background(), "query", 10, 0.05)
	if err != nil {
		t.Fatalf("loose search: %v", err)
	}
	strict, err := service.Search(context.Background(), "query", 10, 0.6)
	if err != nil {
		t.Fatalf("strict search: %v", err)
	}

	if len(strict.UIResults) > len(loose.UIResults) {
		t.Fatal("raising the threshold grew the result set")
	}
	looseIDs := make(map[uint64]bool, len(loose.UIResults))
	for _, result := range loose.UIResults {
		looseIDs[result.SourceID] = true
	}
	for _, result := range strict.UIResults {
		if !looseIDs[result.SourceID] {
			t.Fatalf("source %d appears only at the stricter threshold", result.SourceID)
		}
	}
}

func TestSearchEqualScoresRankByCreation(t *testing.T) {
	embedder := &fakeEmbedder{fallback: []float32{1, 0}, vectors: map[string][]float32{"query": {1, 0}}}
	service, store := newTestService(t, embedder)

	first := ingestApproved(t, service, store, "first", "alpha content")
	second := ingestApproved(t, service, store, "second", "beta content")

	response, err := service.Search(context.Background(), "query", 10, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(response.UIResults) != 2 {
		t.Fatalf("ui results = %d, want 2", len(response.UIResults))
	}
	if response.UIResults[0].SourceID != first.ID || response.UIResults[1].SourceID != second.ID {
		t.Fatal("tied scores must rank by chunk creation order")
	}
}

func TestSearchIsRepeatable(t *testing.T) {
	embedder := &fakeEmbedder{fallback: []float32{1, 0}, vectors: map[string][]float32{"query": {1, 0}}}
	service, store := newTestService(t, embedder)
	ingestApproved(t, service, store, "a", "alpha content")
	ingestApproved(t, service, store, "b", "beta content")

	first, err := service.Search(context.Background(), "query", 10, 0)
	if err != nil {
		t.Fatalf("first search: %v", err)
	}
	second, err := service.Search(context.Background(), "query", 10, 0)
	if err != nil {
		t.Fatalf("second search: %v", err)
	}
	if len(first.UIResults) != len(second.UIResults) {
		t.Fatal("repeated search changed result count")
	}
	for i := range first.UIResults {
		if first.UIResults[i].SourceID != second.UIResults[i].SourceID {
			t.Fatal("repeated search changed result order")
		}
	}
}

func TestSearchLimitCapsChunkMatches(t *testing.T) {
	embedder := &fakeEmbedder{fallback: []float32{1, 0}, vectors: map[string][]float32{"query": {1, 0}}}
	service, store := newTestService(t, embedder)

	source := mustCreateSource(t, store, 1, "doc")
	for i := 0; i < 8; i++ {
		mustCreateChunk(t, store, source.ID, i, fmt.Sprintf("chunk %d", i), []float32{1, 0})
	}
	approveSource(t, store, source.ID)

	response, err := service.Search(context.Background(), "query", 3, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(response.UIResults) != 1 {
		t.Fatalf("ui results = %d, want 1", len(response.UIResults))
	}
	if response.UIResults[0].MatchCount != 3 {
		t.Fatalf("match count = %d, want limit 3", response.UIResults[0].MatchCount)
	}
}

func TestSearchBlankQuerySkipsEmbedding(t *testing.T) {
	embedder := &fakeEmbedder{fallback: []float32{1, 0}}
	service, _ := newTestService(t, embedder)

	for _, query := range []string{"", "   ", "\n"} {
		response, err := service.Search(context.Background(), query, 5, 0.4)
		if err != nil {
			t.Fatalf("search(%q): %v", query, err)
		}
		if len(response.UIResults) != 0 || len(response.ContentResults) != 0 {
			t.Fatalf("blank query returned results: %+v", response)
		}
	}
	if embedder.calls != 0 {
		t.Fatalf("blank queries hit the embedder %d times", embedder.calls)
	}
}

func TestSearchHidesPendingAndRejectedSources(t *testing.T) {
	embedder := &fakeEmbedder{fallback: []float32{1, 0}, vectors: map[string][]float32{"query": {1, 0}}}
	service, store := newTestService(t, embedder)

	pending, _, err := service.Ingest(context.Background(), IngestInput{Title: "pending", UserID: 1}, "pending content")
	if err != nil {
		t.Fatalf("ingest pending: %v", err)
	}
	rejected, _, err := service.Ingest(context.Background(), IngestInput{Title: "rejected", UserID: 1}, "rejected content")
	if err != nil {
		t.Fatalf("ingest rejected: %v", err)
	}
	if _, err := store.UpdateSourceStatus(context.Background(), rejected.ID, StatusRejected, nil); err != nil {
		t.Fatalf("reject: %v", err)
	}

	response, err := service.Search(context.Background(), "query", 10, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(response.UIResults) != 0 {
		t.Fatalf("unapproved sources visible: %+v", response.UIResults)
	}

	// Approval flips visibility on.
	approveSource(t, store, pending.ID)
	response, err = service.Search(context.Background(), "query", 10, 0)
	if err != nil {
		t.Fatalf("search after approval: %v", err)
	}
	if len(response.UIResults) != 1 || response.UIResults[0].SourceID != pending.ID {
		t.Fatal("approved source missing from results")
	}
}

func TestSearchEmbeddingFailurePropagates(t *testing.T) {
	embedder := &fakeEmbedder{err: &EmbeddingError{Err: errors.New("provider down")}}
	service, _ := newTestService(t, embedder)

	_, err := service.Search(context.Background(), "query", 5, 0.4)
	var embedErr *EmbeddingError
	if !errors.As(err, &embedErr) {
		t.Fatalf("err = %v, want *EmbeddingError", err)
	}
}

func TestUpdateStatusRequiresAdmin(t *testing.T) {
	embedder := &fakeEmbedder{fallback: []float32{1, 0}}
	service, _ := newTestService(t, embedder)

	source, _, err := service.Ingest(context.Background(), IngestInput{Title: "t", UserID: 1}, "content here")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if _, err := service.UpdateStatus(context.Background(), source.ID, StatusApproved, 1, false); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-admin err = %v, want ErrUnauthorized", err)
	}

	approved, err := service.UpdateStatus(context.Background(), source.ID, StatusApproved, 42, true)
	if err != nil {
		t.Fatalf("admin approve: %v", err)
	}
	if approved.ApprovedBy == nil || *approved.ApprovedBy != 42 {
		t.Fatal("approving admin not recorded")
	}

	if _, err := service.UpdateStatus(context.Background(), source.ID, "archived", 42, true); err == nil {
		t.Fatal("invalid status accepted")
	}
}

func TestDeleteOwnerOrAdminOnly(t *testing.T) {
	embedder := &fakeEmbedder{fallback: []float32{1, 0}}
	service, _ := newTestService(t, embedder)
	ctx := context.Background()

	mine, _, err := service.Ingest(ctx, IngestInput{Title: "mine", UserID: 1}, "content a")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	other, _, err := service.Ingest(ctx, IngestInput{Title: "other", UserID: 2}, "content b")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if err := service.Delete(ctx, other.ID, 1, false); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("foreign delete err = %v, want ErrUnauthorized", err)
	}
	if err := service.Delete(ctx, mine.ID, 1, false); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if err := service.Delete(ctx, other.ID, 99, true); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	if err := service.Delete(ctx, mine.ID, 1, true); !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("double delete err = %v, want ErrSourceNotFound", err)
	}
}

func TestListByStatusValidation(t *testing.T) {
	service, _ := newTestService(t, &fakeEmbedder{fallback: []float32{1, 0}})
	if _, err := service.ListByStatus(context.Background(), "archived", 0); err == nil {
		t.Fatal("invalid status accepted")
	}
	if _, err := service.ListByStatus(context.Background(), "", 0); err != nil {
		t.Fatalf("blank status rejected: %v", err)
	}
}
