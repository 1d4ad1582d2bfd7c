package index

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdul-hamid-achik/vecrag/internal/corpus"
	"github.com/abdul-hamid-achik/vecrag/internal/db"
	"github.com/abdul-hamid-achik/vecrag/internal/embed"
)

// countingProvider wraps the hash provider and can fail selected texts.
type countingProvider struct {
	*embed.HashProvider

	mu       sync.Mutex
	batches  int
	failWord string
}

func newCountingProvider() *countingProvider {
	return &countingProvider{HashProvider: embed.NewHashProvider(64)}
}

func (p *countingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.batches++
	fail := p.failWord
	p.mu.Unlock()

	if fail != "" {
		for _, t := range texts {
			if strings.Contains(t, fail) {
				return nil, embed.NewProviderError("counting", "embedBatch", errors.New("backend exploded"))
			}
		}
	}
	return p.HashProvider.EmbedBatch(ctx, texts)
}

func (p *countingProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.batches
}

// fakeCorpus serves documents from memory.
type fakeCorpus struct {
	mu        sync.Mutex
	docs      []corpus.Document
	texts     map[string]string
	extracted int
}

func (c *fakeCorpus) add(id, text string) {
	c.docs = append(c.docs, corpus.Document{ID: id, Filename: id + ".txt", ContentHash: "sha-" + id})
	if c.texts == nil {
		c.texts = make(map[string]string)
	}
	c.texts[id] = text
}

func (c *fakeCorpus) setChunks(counts map[string]int) {
	for i := range c.docs {
		c.docs[i].Chunks = counts[c.docs[i].ID]
	}
}

func (c *fakeCorpus) List(ctx context.Context) ([]corpus.Document, error) {
	return append([]corpus.Document(nil), c.docs...), nil
}

func (c *fakeCorpus) ExtractText(ctx context.Context, doc corpus.Document) (string, error) {
	c.mu.Lock()
	c.extracted++
	c.mu.Unlock()
	text, ok := c.texts[doc.ID]
	if !ok {
		return "", &corpus.ExtractError{DocID: doc.ID, Format: string(corpus.FormatText), Err: corpus.ErrExtraction}
	}
	return text, nil
}

// memSnapshot is an in-memory Snapshot.
type memSnapshot struct {
	mu    sync.Mutex
	docs  map[string]memDoc
	syncs int
}

type memDoc struct {
	stamp db.Stamp
	doc   db.StoredDocument
}

func newMemSnapshot() *memSnapshot {
	return &memSnapshot{docs: make(map[string]memDoc)}
}

func (s *memSnapshot) Put(ctx context.Context, v db.Version, stamp db.Stamp, records []db.EntryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.EntryRecord, len(records))
	for i, r := range records {
		r.Model = stamp.Model
		out[i] = r
	}
	s.docs[v.DocID] = memDoc{stamp: stamp, doc: db.StoredDocument{ContentHash: v.ContentHash, Records: out}}
	return nil
}

func (s *memSnapshot) Delete(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, docID)
	return nil
}

func (s *memSnapshot) Load(ctx context.Context, stamp db.Stamp) (map[string]db.StoredDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]db.StoredDocument)
	for id, d := range s.docs {
		if d.stamp == stamp {
			out[id] = d.doc
		}
	}
	return out, nil
}

func (s *memSnapshot) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = make(map[string]memDoc)
	return nil
}

func (s *memSnapshot) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncs++
	return nil
}

func (s *memSnapshot) has(docID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.docs[docID]
	return ok
}

func testChunker(t *testing.T) *Chunker {
	t.Helper()
	c, err := NewChunker(ChunkerConfig{ChunkSize: 20, ChunkOverlap: 5, MinChars: 10})
	require.NoError(t, err)
	return c
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func prose(topic string, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("%s%d", topic, i%7)
	}
	return strings.Join(parts, " ")
}

func newTestIndexer(t *testing.T, p embed.Provider, opts ...IndexerOption) *Indexer {
	t.Helper()
	return newChunkedIndexer(t, testChunker(t), p, opts...)
}

func newChunkedIndexer(t *testing.T, c *Chunker, p embed.Provider, opts ...IndexerOption) *Indexer {
	t.Helper()
	opts = append([]IndexerOption{WithLogger(quietLogger())}, opts...)
	return NewIndexer(NewVectorIndex(), c, p, IndexerConfig{BatchSize: 4, Workers: 2}, opts...)
}

func TestIndexer_Ingest(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndexer(t, newCountingProvider())

	res, err := idx.Ingest(ctx, "tuition", "tuition.txt", prose("tuition", 50))
	require.NoError(t, err)
	assert.Equal(t, "tuition", res.DocID)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, 0, res.Replaced)
	assert.Equal(t, 3, idx.Index().Len())

	_, err = idx.Ingest(ctx, "housing", "housing.txt", prose("dorm", 30))
	require.NoError(t, err)

	q, err := embed.NewHashProvider(64).Embed(ctx, "tuition0 tuition1 tuition2")
	require.NoError(t, err)
	hits, err := idx.Index().Search(q, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "tuition", hits[0].DocID)
	assert.Equal(t, "tuition.txt", hits[0].SourceName)
}

func TestIndexer_IngestReplaces(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndexer(t, newCountingProvider())

	_, err := idx.Ingest(ctx, "doc", "doc.txt", prose("alpha", 50))
	require.NoError(t, err)

	res, err := idx.Ingest(ctx, "doc", "doc.txt", prose("beta", 15))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Chunks)
	assert.Equal(t, 3, res.Replaced)
	assert.Equal(t, 1, idx.Index().Len())
	assert.False(t, idx.Index().Has("doc_chunk_1"))

	entries := idx.Index().DocEntries("doc")
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Chunk.Text, "beta0")

	res, err = idx.Ingest(ctx, "doc", "doc.txt", "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Chunks)
	assert.Equal(t, 0, idx.Index().Len())
}

func TestIndexer_IngestValidation(t *testing.T) {
	idx := newTestIndexer(t, newCountingProvider())

	_, err := idx.Ingest(context.Background(), "", "x.txt", prose("x", 20))
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestIndexer_EmbedFailureKeepsIndex(t *testing.T) {
	ctx := context.Background()
	p := newCountingProvider()
	idx := newTestIndexer(t, p)

	_, err := idx.Ingest(ctx, "doc", "doc.txt", prose("alpha", 50))
	require.NoError(t, err)
	before := idx.Index().DocEntries("doc")

	p.failWord = "gamma"
	_, err = idx.Ingest(ctx, "doc", "doc.txt", prose("gamma", 50))
	require.ErrorIs(t, err, embed.ErrEmbedding)

	assert.Equal(t, before, idx.Index().DocEntries("doc"))
}

func TestIndexer_IngestBatchPartialFailure(t *testing.T) {
	p := newCountingProvider()
	p.failWord = "broken"
	idx := newTestIndexer(t, p)

	report := idx.IngestBatch(context.Background(), []Input{
		{DocID: "a", SourceName: "a.txt", Text: prose("apple", 30)},
		{DocID: "b", SourceName: "b.txt", Text: prose("broken", 30)},
		{DocID: "c", SourceName: "c.txt", Text: prose("cherry", 30)},
	})

	assert.Equal(t, 2, report.Ingested)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []string{"b"}, report.FailedIDs)
	assert.ErrorIs(t, report.Errors["b"], embed.ErrEmbedding)
	assert.Equal(t, 2, report.ChunkCounts["a"])
	assert.Equal(t, 4, report.Chunks)
	assert.Equal(t, 2, idx.Index().DocCount())
}

func TestIndexer_IngestDocuments(t *testing.T) {
	c := &fakeCorpus{}
	c.add("a", prose("apple", 30))
	c.docs = append(c.docs, corpus.Document{ID: "ghost", Filename: "ghost.txt"})

	idx := newTestIndexer(t, newCountingProvider(), WithCorpus(c))

	var progress []Progress
	idx.SetProgressCallback(func(p Progress) { progress = append(progress, p) })

	report, err := idx.IngestDocuments(context.Background(), c.docs)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Ingested)
	assert.Equal(t, []string{"ghost"}, report.FailedIDs)
	assert.ErrorIs(t, report.Errors["ghost"], corpus.ErrExtraction)

	require.Len(t, progress, 2)
	last := progress[len(progress)-1]
	assert.Equal(t, 2, last.Total)
	assert.Equal(t, 2, last.Processed)
	assert.Equal(t, 1, last.Failed)

	_, err = newTestIndexer(t, newCountingProvider()).IngestDocuments(context.Background(), nil)
	assert.Error(t, err)
}

func TestIndexer_Delete(t *testing.T) {
	ctx := context.Background()
	snap := newMemSnapshot()
	idx := newTestIndexer(t, newCountingProvider(), WithSnapshot(snap))

	_, err := idx.Ingest(ctx, "a", "a.txt", prose("apple", 30))
	require.NoError(t, err)
	_, err = idx.Ingest(ctx, "b", "b.txt", prose("banana", 30))
	require.NoError(t, err)
	assert.True(t, snap.has("a"))

	assert.Equal(t, 2, idx.Delete(ctx, "a"))
	assert.Equal(t, 0, idx.Delete(ctx, "a"))
	assert.False(t, snap.has("a"))
	assert.True(t, snap.has("b"))

	q, err := embed.NewHashProvider(64).Embed(ctx, "apple0 apple1")
	require.NoError(t, err)
	hits, err := idx.Index().Search(q, 10)
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, "a", h.DocID)
	}
}

func TestIndexer_Rebuild(t *testing.T) {
	ctx := context.Background()
	c := &fakeCorpus{}
	c.add("a", prose("apple", 30))
	c.add("b", prose("banana", 50))
	c.docs = append(c.docs, corpus.Document{ID: "ghost", Filename: "ghost.txt"})

	snap := newMemSnapshot()
	idx := newTestIndexer(t, newCountingProvider(), WithCorpus(c), WithSnapshot(snap))

	_, err := idx.Ingest(ctx, "stale", "stale.txt", prose("stale", 30))
	require.NoError(t, err)

	report, err := idx.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Ingested)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, map[string]int{"a": 2, "b": 3}, report.ChunkCounts)

	assert.Equal(t, 5, idx.Index().Len())
	assert.False(t, idx.Index().Has("stale_chunk_0"))
	assert.False(t, snap.has("stale"))
	assert.True(t, snap.has("a"))
	assert.True(t, snap.has("b"))
}

func TestIndexer_RebuildCanceled(t *testing.T) {
	c := &fakeCorpus{}
	c.add("a", prose("apple", 30))
	idx := newTestIndexer(t, newCountingProvider(), WithCorpus(c))

	_, err := idx.Ingest(context.Background(), "keep", "keep.txt", prose("keep", 30))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = idx.Rebuild(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, idx.Index().Has("keep_chunk_0"))
}

func TestIndexer_RestoreMatchesRebuild(t *testing.T) {
	ctx := context.Background()
	c := &fakeCorpus{}
	c.add("a", prose("apple", 30))
	c.add("b", prose("banana", 50))
	c.add("c", prose("cherry", 16))

	snap := newMemSnapshot()
	first := newTestIndexer(t, newCountingProvider(), WithCorpus(c), WithSnapshot(snap))
	report, err := first.Rebuild(ctx)
	require.NoError(t, err)
	c.setChunks(report.ChunkCounts)

	p := newCountingProvider()
	second := newTestIndexer(t, p, WithCorpus(c), WithSnapshot(snap))
	restored, err := second.Restore(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, p.calls(), "unchanged documents must not be re-embedded")
	assert.Equal(t, 3, restored.Restored)
	assert.Equal(t, report.ChunkCounts, restored.ChunkCounts)
	assert.Equal(t, first.Index().Len(), second.Index().Len())
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, first.Index().DocEntries(id), second.Index().DocEntries(id), id)
	}

	q, err := embed.NewHashProvider(64).Embed(ctx, "banana3 cherry1")
	require.NoError(t, err)
	want, err := first.Index().Search(q, 4)
	require.NoError(t, err)
	got, err := second.Index().Search(q, 4)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestIndexer_RestoreReconciles(t *testing.T) {
	ctx := context.Background()
	c := &fakeCorpus{}
	c.add("a", prose("apple", 30))
	c.add("gone", prose("gone", 30))

	snap := newMemSnapshot()
	first := newTestIndexer(t, newCountingProvider(), WithCorpus(c), WithSnapshot(snap))
	report, err := first.Rebuild(ctx)
	require.NoError(t, err)
	c.setChunks(report.ChunkCounts)

	// "gone" leaves the corpus, "new" arrives, and "a" changes chunk count.
	c.docs = c.docs[:1]
	c.docs[0].Chunks = 7
	c.add("new", prose("novel", 30))

	p := newCountingProvider()
	second := newTestIndexer(t, p, WithCorpus(c), WithSnapshot(snap))
	restored, err := second.Restore(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, restored.Restored)
	assert.Equal(t, 2, restored.Ingested)
	assert.Positive(t, p.calls())
	assert.False(t, snap.has("gone"))
	assert.True(t, snap.has("new"))
	assert.Equal(t, 2, second.Index().DocCount())
	assert.False(t, second.Index().Has("gone_chunk_0"))
}

func TestIndexer_RestoreWithoutSnapshot(t *testing.T) {
	c := &fakeCorpus{}
	c.add("a", prose("apple", 30))

	idx := newTestIndexer(t, newCountingProvider(), WithCorpus(c))
	report, err := idx.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Ingested)
	assert.Equal(t, 0, report.Restored)
	assert.Equal(t, 2, idx.Index().Len())
}

func openRealSnapshot(t *testing.T, dims int) *db.Snapshot {
	t.Helper()
	snap, err := db.Open(db.SnapshotPath(t.TempDir()), dims)
	require.NoError(t, err)
	t.Cleanup(func() { _ = snap.Close() })
	return snap
}

func TestIndexer_ReingestWithSnapshot(t *testing.T) {
	ctx := context.Background()
	snap := openRealSnapshot(t, 64)
	idx := newTestIndexer(t, newCountingProvider(), WithSnapshot(snap))

	_, err := idx.Ingest(ctx, "b", "b.txt", prose("banana", 50))
	require.NoError(t, err)
	_, err = idx.Ingest(ctx, "a", "a.txt", prose("apple", 50))
	require.NoError(t, err)

	res, err := idx.Ingest(ctx, "a", "a.txt", prose("apricot", 30))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Chunks)
	assert.Equal(t, 3, res.Replaced)

	res, err = idx.IngestDocument(ctx, corpus.Document{ID: "b", Filename: "b.txt", ContentHash: "v2"}, prose("blueberry", 16))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Chunks)

	assert.Equal(t, 3, snap.Count())
	assert.Equal(t, 3, idx.Index().Len())
}

func TestIndexer_RestoreAfterChunkingChange(t *testing.T) {
	ctx := context.Background()
	c := &fakeCorpus{}
	c.add("guide", prose("admission", 1800))
	snap := openRealSnapshot(t, 64)

	wide, err := NewChunker(ChunkerConfig{ChunkSize: 1000, ChunkOverlap: 200})
	require.NoError(t, err)
	first := newChunkedIndexer(t, wide, newCountingProvider(), WithCorpus(c), WithSnapshot(snap))
	report, err := first.Rebuild(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Chunks)
	c.setChunks(report.ChunkCounts)

	narrow, err := NewChunker(ChunkerConfig{ChunkSize: 300, ChunkOverlap: 50})
	require.NoError(t, err)
	warm := newChunkedIndexer(t, narrow, newCountingProvider(), WithCorpus(c), WithSnapshot(snap))
	restored, err := warm.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, restored.Restored, "entries chunked differently must not be reused")

	cold := newChunkedIndexer(t, narrow, newCountingProvider(), WithCorpus(c))
	_, err = cold.Rebuild(ctx)
	require.NoError(t, err)

	assert.Equal(t, cold.Index().Len(), warm.Index().Len())
	assert.Equal(t, cold.Index().DocEntries("guide"), warm.Index().DocEntries("guide"))
}

func TestIndexer_RestoreSkipsChangedContent(t *testing.T) {
	ctx := context.Background()
	c := &fakeCorpus{}
	c.add("a", prose("apple", 30))
	snap := newMemSnapshot()

	first := newTestIndexer(t, newCountingProvider(), WithCorpus(c), WithSnapshot(snap))
	report, err := first.Rebuild(ctx)
	require.NoError(t, err)
	c.setChunks(report.ChunkCounts)

	// Same chunk count, different bytes.
	c.docs[0].ContentHash = "sha-a-edited"
	c.texts["a"] = prose("avocado", 30)

	second := newTestIndexer(t, newCountingProvider(), WithCorpus(c), WithSnapshot(snap))
	restored, err := second.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, restored.Restored)
	assert.Contains(t, second.Index().DocEntries("a")[0].Chunk.Text, "avocado")
}

func TestIndexer_RestoreKeepsEmptyDocument(t *testing.T) {
	ctx := context.Background()
	c := &fakeCorpus{}
	c.add("a", prose("apple", 30))
	c.add("tiny", "too short")
	snap := openRealSnapshot(t, 64)

	first := newTestIndexer(t, newCountingProvider(), WithCorpus(c), WithSnapshot(snap))
	report, err := first.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 2, "tiny": 0}, report.ChunkCounts)
	c.setChunks(report.ChunkCounts)
	c.extracted = 0

	p := newCountingProvider()
	second := newTestIndexer(t, p, WithCorpus(c), WithSnapshot(snap))
	restored, err := second.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, restored.Restored)
	assert.Equal(t, 0, c.extracted, "restored documents must not be extracted again")
	assert.Equal(t, 0, p.calls())
	assert.Equal(t, 2, second.Index().Len())
}
