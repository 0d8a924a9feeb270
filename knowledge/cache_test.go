package knowledge

import (
	"context"
	"fmt"
	"testing"
)

// fakeResponseCache is an in-memory responseCache recording every store and
// flush so tests can observe the service's cache discipline.
type fakeResponseCache struct {
	entries map[string]*SearchResponse
	stores  int
	flushes int
}

func newFakeResponseCache() *fakeResponseCache {
	return &fakeResponseCache{entries: make(map[string]*SearchResponse)}
}

func (f *fakeResponseCache) key(query string, limit int, minSimilarity float64) string {
	return fmt.Sprintf("%s|%d|%.4f", query, limit, minSimilarity)
}

func (f *fakeResponseCache) get(_ context.Context, query string, limit int, minSimilarity float64) (*SearchResponse, bool) {
	response, ok := f.entries[f.key(query, limit, minSimilarity)]
	return response, ok
}

func (f *fakeResponseCache) store(_ context.Context, query string, limit int, minSimilarity float64, response *SearchResponse) {
	f.entries[f.key(query, limit, minSimilarity)] = response
	f.stores++
}

func (f *fakeResponseCache) invalidate(_ context.Context) {
	f.entries = make(map[string]*SearchResponse)
	f.flushes++
}

func TestSearchServedFromCache(t *testing.T) {
	embedder := &fakeEmbedder{fallback: []float32{1, 0}}
	service, store := newTestService(t, embedder)
	cache := newFakeResponseCache()
	service.cache = cache

	ingestApproved(t, service, store, "notes", "Cached material about deployments.")

	first, err := service.Search(context.Background(), "deployments", 5, 0)
	if err != nil {
		t.Fatalf("first search: %v", err)
	}
	if len(first.UIResults) != 1 {
		t.Fatalf("first search returned %d results, want 1", len(first.UIResults))
	}
	if cache.stores != 1 {
		t.Fatalf("stores = %d, want 1", cache.stores)
	}

	callsBefore := embedder.calls
	second, err := service.Search(context.Background(), "deployments", 5, 0)
	if err != nil {
		t.Fatalf("second search: %v", err)
	}
	if embedder.calls != callsBefore {
		t.Fatal("cached search still hit the embedder")
	}
	if len(second.UIResults) != 1 || second.UIResults[0].SourceID != first.UIResults[0].SourceID {
		t.Fatal("cached response differs from the computed one")
	}
}

func TestSearchCacheFlushedOnStatusChange(t *testing.T) {
	embedder := &fakeEmbedder{fallback: []float32{1, 0}}
	service, store := newTestService(t, embedder)
	cache := newFakeResponseCache()
	service.cache = cache

	source := ingestApproved(t, service, store, "notes", "Material that gets rejected later.")

	if _, err := service.Search(context.Background(), "material", 5, 0); err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(cache.entries) == 0 {
		t.Fatal("search response was not cached")
	}

	if _, err := service.UpdateStatus(context.Background(), source.ID, StatusRejected, 7, true); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if cache.flushes != 1 {
		t.Fatalf("flushes = %d, want 1 after status change", cache.flushes)
	}
	if len(cache.entries) != 0 {
		t.Fatal("stale entries survived the status change")
	}

	after, err := service.Search(context.Background(), "material", 5, 0)
	if err != nil {
		t.Fatalf("search after reject: %v", err)
	}
	if len(after.UIResults) != 0 {
		t.Fatal("rejected source still visible through the cache")
	}
}

func TestSearchCacheFlushedOnDelete(t *testing.T) {
	embedder := &fakeEmbedder{fallback: []float32{1, 0}}
	service, store := newTestService(t, embedder)
	cache := newFakeResponseCache()
	service.cache = cache

	source := ingestApproved(t, service, store, "notes", "Material that gets deleted later.")

	if _, err := service.Search(context.Background(), "material", 5, 0); err != nil {
		t.Fatalf("search: %v", err)
	}

	if err := service.Delete(context.Background(), source.ID, 1, false); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if cache.flushes != 1 {
		t.Fatalf("flushes = %d, want 1 after delete", cache.flushes)
	}

	after, err := service.Search(context.Background(), "material", 5, 0)
	if err != nil {
		t.Fatalf("search after delete: %v", err)
	}
	if len(after.UIResults) != 0 {
		t.Fatal("deleted source still visible through the cache")
	}
}
