package searchindex

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	dir, err := os.MkdirTemp("", "searchindex-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := NewMemoryStore(dir)
	require.NoError(t, err)
	return New(store, nil, nil)
}

func TestIndexIsIdempotentByFingerprint(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	doc := &Document{ID: "doc-1", Source: SourceFiles, Project: "p1", Body: "package main", ModifiedAt: time.Now()}
	fp1, err := idx.Index(ctx, doc)
	require.NoError(t, err)

	fp2, err := idx.Index(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
}

func TestIndexChangesFingerprintOnContentChange(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	doc := &Document{ID: "doc-1", Source: SourceFiles, Project: "p1", Body: "package main", ModifiedAt: time.Now()}
	fp1, err := idx.Index(ctx, doc)
	require.NoError(t, err)

	doc.Body = "package main\n\nfunc main() {}"
	fp2, err := idx.Index(ctx, doc)
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp2)
}

func TestSearchRanksTermMatches(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	_, err := idx.Index(ctx, &Document{ID: "a", Source: SourceFiles, Project: "p1", Body: "orchestrator fleet router", ModifiedAt: time.Now()})
	require.NoError(t, err)
	_, err = idx.Index(ctx, &Document{ID: "b", Source: SourceFiles, Project: "p1", Body: "unrelated content about cooking", ModifiedAt: time.Now()})
	require.NoError(t, err)

	hits, err := idx.Search(ctx, "orchestrator router", []SourceKind{SourceFiles}, Filters{}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "a", hits[0].ID)
}

func TestSearchFiltersByProject(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	_, err := idx.Index(ctx, &Document{ID: "a", Source: SourceFiles, Project: "p1", Body: "fleet worker slots", ModifiedAt: time.Now()})
	require.NoError(t, err)
	_, err = idx.Index(ctx, &Document{ID: "b", Source: SourceFiles, Project: "p2", Body: "fleet worker slots", ModifiedAt: time.Now()})
	require.NoError(t, err)

	hits, err := idx.Search(ctx, "fleet worker", nil, Filters{Project: "p1"}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)
}

func TestUnindexRemovesFromSearch(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	_, err := idx.Index(ctx, &Document{ID: "a", Source: SourceFiles, Project: "p1", Body: "orchestrator", ModifiedAt: time.Now()})
	require.NoError(t, err)

	require.NoError(t, idx.Unindex(ctx, "a"))

	hits, err := idx.Search(ctx, "orchestrator", nil, Filters{}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = idx.Fingerprint(ctx, "a")
	assert.Error(t, err)
}

func TestTokenizeSplitsCJKIntoBigrams(t *testing.T) {
	tokens := tokenize("日本語")
	assert.Equal(t, []string{"日本", "本語"}, tokens)
}

func TestTokenizeDropsStopWords(t *testing.T) {
	tokens := tokenize("the fleet and the router")
	assert.Equal(t, []string{"fleet", "router"}, tokens)
}
