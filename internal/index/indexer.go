package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/abdul-hamid-achik/vecrag/internal/corpus"
	"github.com/abdul-hamid-achik/vecrag/internal/db"
	"github.com/abdul-hamid-achik/vecrag/internal/embed"
)

// Corpus is the part of the corpus store the indexer reads from.
type Corpus interface {
	List(ctx context.Context) ([]corpus.Document, error)
	ExtractText(ctx context.Context, doc corpus.Document) (string, error)
}

// Snapshot durably mirrors index entries so a restart can skip
// re-embedding unchanged documents.
type Snapshot interface {
	Put(ctx context.Context, v db.Version, stamp db.Stamp, records []db.EntryRecord) error
	Delete(ctx context.Context, docID string) error
	Load(ctx context.Context, stamp db.Stamp) (map[string]db.StoredDocument, error)
	Reset(ctx context.Context) error
	Sync() error
}

// IndexerConfig holds configuration for the indexer.
type IndexerConfig struct {
	BatchSize int // Texts per EmbedBatch call
	Workers   int // Documents embedded concurrently
}

// DefaultIndexerConfig returns sensible defaults for indexing.
func DefaultIndexerConfig() IndexerConfig {
	return IndexerConfig{
		BatchSize: 32,
		Workers:   4,
	}
}

// Progress represents batch progress information.
type Progress struct {
	Total     int
	Processed int
	Failed    int
	Chunks    int
	Current   string
	StartTime time.Time
}

// ProgressCallback is called after each document of a batch completes.
type ProgressCallback func(Progress)

// IngestResult describes a single successful ingestion.
type IngestResult struct {
	DocID    string `json:"doc_id"`
	Chunks   int    `json:"chunks"`
	Replaced int    `json:"replaced"`
}

// BatchReport is the partial-success outcome of a multi-document operation.
type BatchReport struct {
	Ingested    int              `json:"ingested"`
	Failed      int              `json:"failed"`
	Restored    int              `json:"restored,omitempty"`
	Chunks      int              `json:"chunks"`
	FailedIDs   []string         `json:"failed_ids,omitempty"`
	Errors      map[string]error `json:"-"`
	ChunkCounts map[string]int   `json:"-"`
	Duration    time.Duration    `json:"duration"`
}

func newBatchReport() *BatchReport {
	return &BatchReport{
		Errors:      make(map[string]error),
		ChunkCounts: make(map[string]int),
	}
}

func (r *BatchReport) fail(docID string, err error) {
	r.Failed++
	r.FailedIDs = append(r.FailedIDs, docID)
	r.Errors[docID] = err
}

func (r *BatchReport) ok(docID string, chunks int) {
	r.Ingested++
	r.Chunks += chunks
	r.ChunkCounts[docID] = chunks
}

// Input is raw document text to ingest.
type Input struct {
	DocID       string
	SourceName  string
	Text        string
	ContentHash string // optional; lets a restart reuse the embedded entries
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithCorpus sets the corpus used by Rebuild, Restore and IngestDocuments.
func WithCorpus(c Corpus) IndexerOption {
	return func(idx *Indexer) {
		idx.corpus = c
	}
}

// WithSnapshot mirrors every index write into s.
func WithSnapshot(s Snapshot) IndexerOption {
	return func(idx *Indexer) {
		idx.snapshot = s
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) IndexerOption {
	return func(idx *Indexer) {
		idx.log = l
	}
}

// Indexer keeps the vector index in sync with ingested documents.
type Indexer struct {
	index    *VectorIndex
	chunker  *Chunker
	provider embed.Provider
	config   IndexerConfig
	corpus   Corpus
	snapshot Snapshot
	log      *slog.Logger
	progress ProgressCallback
}

// NewIndexer creates a new Indexer writing to vi.
func NewIndexer(vi *VectorIndex, chunker *Chunker, provider embed.Provider, cfg IndexerConfig, opts ...IndexerOption) *Indexer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultIndexerConfig().BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultIndexerConfig().Workers
	}

	idx := &Indexer{
		index:    vi,
		chunker:  chunker,
		provider: provider,
		config:   cfg,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// SetProgressCallback sets a callback for progress updates.
func (idx *Indexer) SetProgressCallback(cb ProgressCallback) {
	idx.progress = cb
}

// Index returns the vector index the indexer writes to.
func (idx *Indexer) Index() *VectorIndex {
	return idx.index
}

// Ingest chunks and embeds text and replaces every existing entry of docID
// in one write. Text that yields no chunks leaves the document without entries.
func (idx *Indexer) Ingest(ctx context.Context, docID, sourceName, text string) (IngestResult, error) {
	return idx.ingest(ctx, db.Version{DocID: docID}, sourceName, text)
}

// IngestDocument ingests the extracted text of a corpus document. The
// snapshot remembers the document's content hash, so Restore can reuse the
// entries while the stored file is unchanged.
func (idx *Indexer) IngestDocument(ctx context.Context, doc corpus.Document, text string) (IngestResult, error) {
	return idx.ingest(ctx, db.Version{DocID: doc.ID, ContentHash: doc.ContentHash}, doc.Filename, text)
}

func (idx *Indexer) ingest(ctx context.Context, v db.Version, sourceName, text string) (IngestResult, error) {
	docID := v.DocID
	result := IngestResult{DocID: docID}
	if docID == "" {
		return result, &ConfigError{Field: "doc_id", Reason: "must not be empty"}
	}

	entries, err := idx.embedDocument(ctx, docID, sourceName, text)
	if err != nil {
		return result, fmt.Errorf("ingest %s: %w", docID, err)
	}

	removed, err := idx.index.Replace(docID, entries)
	if err != nil {
		return result, fmt.Errorf("ingest %s: %w", docID, err)
	}
	idx.persist(ctx, v, entries)
	idx.syncSnapshot()

	result.Chunks = len(entries)
	result.Replaced = removed
	return result, nil
}

// IngestBatch ingests inputs concurrently. One failing document never
// aborts the others.
func (idx *Indexer) IngestBatch(ctx context.Context, inputs []Input) *BatchReport {
	start := time.Now()
	outcomes := idx.run(ctx, len(inputs), func(ctx context.Context, i int) outcome {
		in := inputs[i]
		res, err := idx.ingest(ctx, db.Version{DocID: in.DocID, ContentHash: in.ContentHash}, in.SourceName, in.Text)
		return outcome{docID: in.DocID, chunks: res.Chunks, err: err}
	})

	report := newBatchReport()
	for i, o := range outcomes {
		if o.docID == "" {
			o.docID = inputs[i].DocID
		}
		if o.err != nil {
			report.fail(o.docID, o.err)
			continue
		}
		report.ok(o.docID, o.chunks)
	}
	report.Duration = time.Since(start)
	return report
}

// IngestDocuments extracts and ingests corpus documents concurrently.
// Extraction failures are logged and reported per document.
func (idx *Indexer) IngestDocuments(ctx context.Context, docs []corpus.Document) (*BatchReport, error) {
	if idx.corpus == nil {
		return nil, errors.New("ingest documents: no corpus configured")
	}

	start := time.Now()
	outcomes := idx.run(ctx, len(docs), func(ctx context.Context, i int) outcome {
		d := docs[i]
		text, err := idx.corpus.ExtractText(ctx, d)
		if err != nil {
			idx.log.Warn("skipping document", "doc_id", d.ID, "source", d.Filename, "error", err)
			return outcome{docID: d.ID, err: err}
		}
		res, err := idx.IngestDocument(ctx, d, text)
		return outcome{docID: d.ID, chunks: res.Chunks, err: err}
	})

	report := newBatchReport()
	for i, o := range outcomes {
		if o.err != nil {
			report.fail(docs[i].ID, o.err)
			continue
		}
		report.ok(docs[i].ID, o.chunks)
	}
	report.Duration = time.Since(start)
	return report, nil
}

// Delete removes every entry of docID and returns how many were removed.
func (idx *Indexer) Delete(ctx context.Context, docID string) int {
	removed := idx.index.RemoveByDocID(docID)
	if idx.snapshot != nil {
		if err := idx.snapshot.Delete(ctx, docID); err != nil {
			idx.log.Warn("snapshot delete failed", "doc_id", docID, "error", err)
		}
		idx.syncSnapshot()
	}
	return removed
}

// Rebuild re-embeds the whole corpus and swaps the index in one step.
// Documents that fail extraction or embedding are skipped and logged.
func (idx *Indexer) Rebuild(ctx context.Context) (*BatchReport, error) {
	if idx.corpus == nil {
		return nil, errors.New("rebuild: no corpus configured")
	}
	start := time.Now()

	docs, err := idx.corpus.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("rebuild: list documents: %w", err)
	}

	report := newBatchReport()
	perDoc := idx.embedAll(ctx, docs, report)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("rebuild: %w", err)
	}

	var all []Entry
	for _, d := range docs {
		all = append(all, perDoc[d.ID]...)
	}
	if err := idx.index.Rebuild(all); err != nil {
		return nil, fmt.Errorf("rebuild: %w", err)
	}

	if idx.snapshot != nil {
		if err := idx.snapshot.Reset(ctx); err != nil {
			idx.log.Warn("snapshot reset failed", "error", err)
		}
		for _, d := range docs {
			if entries, ok := perDoc[d.ID]; ok {
				idx.persist(ctx, versionOf(d), entries)
			}
		}
		idx.syncSnapshot()
	}

	report.Duration = time.Since(start)
	idx.log.Info("index rebuilt",
		"documents", len(docs),
		"chunks", report.Chunks,
		"failed", report.Failed,
		"duration", report.Duration)
	return report, nil
}

// Restore brings the index up at process start. Entries recorded in the
// snapshot under the current embedding model and chunking, for the same
// document content, are reused. Every other document is extracted and
// embedded again, and snapshot documents no longer in the corpus are
// dropped. The resulting index equals what Rebuild would produce.
func (idx *Indexer) Restore(ctx context.Context) (*BatchReport, error) {
	if idx.snapshot == nil {
		return idx.Rebuild(ctx)
	}
	if idx.corpus == nil {
		return nil, errors.New("restore: no corpus configured")
	}
	start := time.Now()

	docs, err := idx.corpus.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore: list documents: %w", err)
	}

	stored, err := idx.snapshot.Load(ctx, idx.stamp())
	if err != nil {
		idx.log.Warn("snapshot unreadable, rebuilding", "error", err)
		return idx.Rebuild(ctx)
	}

	report := newBatchReport()
	perDoc := make(map[string][]Entry, len(docs))
	var missing []corpus.Document
	known := make(map[string]struct{}, len(docs))

	for _, d := range docs {
		known[d.ID] = struct{}{}
		entries, ok := idx.usableRecords(stored, d)
		if !ok {
			missing = append(missing, d)
			continue
		}
		perDoc[d.ID] = entries
		report.Restored++
		report.ok(d.ID, len(entries))
	}

	for docID := range stored {
		if _, ok := known[docID]; ok {
			continue
		}
		if err := idx.snapshot.Delete(ctx, docID); err != nil {
			idx.log.Warn("snapshot delete failed", "doc_id", docID, "error", err)
		}
	}

	fresh := idx.embedAll(ctx, missing, report)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}
	for _, d := range missing {
		if entries, ok := fresh[d.ID]; ok {
			perDoc[d.ID] = entries
			idx.persist(ctx, versionOf(d), entries)
		}
	}

	var all []Entry
	for _, d := range docs {
		all = append(all, perDoc[d.ID]...)
	}
	if err := idx.index.Rebuild(all); err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}
	idx.syncSnapshot()

	report.Duration = time.Since(start)
	idx.log.Info("index restored",
		"documents", len(docs),
		"restored", report.Restored,
		"embedded", len(missing),
		"chunks", report.Chunks,
		"failed", report.Failed,
		"duration", report.Duration)
	return report, nil
}

// usableRecords converts the snapshot records of doc when they were
// written for its current content. stored is already filtered to the
// current stamp. A document recorded with no chunks restores as empty.
func (idx *Indexer) usableRecords(stored map[string]db.StoredDocument, doc corpus.Document) ([]Entry, bool) {
	sd, ok := stored[doc.ID]
	if !ok || sd.ContentHash != doc.ContentHash {
		return nil, false
	}
	records := sd.Records
	if len(records) != doc.Chunks {
		return nil, false
	}
	if len(records) == 0 {
		return []Entry{}, true
	}
	dims := idx.provider.Dimensions()
	entries := make([]Entry, 0, len(records))
	for _, r := range records {
		if len(r.Vector) == 0 || (dims > 0 && len(r.Vector) != dims) {
			return nil, false
		}
		entries = append(entries, Entry{
			Chunk: Chunk{
				ID:         r.ChunkID,
				DocID:      r.DocID,
				SourceName: r.SourceName,
				ChunkIndex: r.ChunkIndex,
				Text:       r.Text,
				StartWord:  r.StartWord,
				EndWord:    r.EndWord,
			},
			Vector: r.Vector,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Chunk.ChunkIndex < entries[j].Chunk.ChunkIndex
	})
	return entries, true
}

// embedAll extracts and embeds docs with the worker pool without touching
// the index. Results are keyed by document id.
func (idx *Indexer) embedAll(ctx context.Context, docs []corpus.Document, report *BatchReport) map[string][]Entry {
	type embedded struct {
		entries []Entry
	}
	results := make([]embedded, len(docs))

	outcomes := idx.run(ctx, len(docs), func(ctx context.Context, i int) outcome {
		d := docs[i]
		text, err := idx.corpus.ExtractText(ctx, d)
		if err != nil {
			idx.log.Warn("skipping document", "doc_id", d.ID, "source", d.Filename, "error", err)
			return outcome{docID: d.ID, err: err}
		}
		entries, err := idx.embedDocument(ctx, d.ID, d.Filename, text)
		if err != nil {
			idx.log.Warn("skipping document", "doc_id", d.ID, "source", d.Filename, "error", err)
			return outcome{docID: d.ID, err: err}
		}
		results[i].entries = entries
		return outcome{docID: d.ID, chunks: len(entries)}
	})

	out := make(map[string][]Entry, len(docs))
	for i, o := range outcomes {
		if o.err != nil {
			report.fail(docs[i].ID, o.err)
			continue
		}
		out[docs[i].ID] = results[i].entries
		report.ok(docs[i].ID, o.chunks)
	}
	return out
}

// embedDocument chunks text and embeds the chunks in batches.
func (idx *Indexer) embedDocument(ctx context.Context, docID, sourceName, text string) ([]Entry, error) {
	chunks := idx.chunker.Chunk(text, docID, sourceName)
	entries := make([]Entry, 0, len(chunks))

	for i := 0; i < len(chunks); i += idx.config.BatchSize {
		end := min(i+idx.config.BatchSize, len(chunks))
		batch := chunks[i:end]

		texts := make([]string, len(batch))
		for j, c := range batch {
			texts[j] = c.Text
		}

		vectors, err := idx.provider.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed batch: %w", err)
		}
		if len(vectors) != len(batch) {
			return nil, fmt.Errorf("embed batch: %w", embed.NewProviderError(idx.provider.Model(), "embedBatch",
				fmt.Errorf("got %d embeddings for %d texts", len(vectors), len(batch))))
		}

		for j, c := range batch {
			entries = append(entries, Entry{Chunk: c, Vector: vectors[j]})
		}
	}
	return entries, nil
}

// stamp identifies the provider and chunking the current entries come from.
func (idx *Indexer) stamp() db.Stamp {
	return db.Stamp{Model: idx.provider.Model(), Chunking: idx.chunker.Config().Fingerprint()}
}

func versionOf(doc corpus.Document) db.Version {
	return db.Version{DocID: doc.ID, ContentHash: doc.ContentHash}
}

func (idx *Indexer) persist(ctx context.Context, v db.Version, entries []Entry) {
	if idx.snapshot == nil {
		return
	}
	records := make([]db.EntryRecord, len(entries))
	for i, e := range entries {
		records[i] = db.EntryRecord{
			DocID:      e.Chunk.DocID,
			ChunkID:    e.Chunk.ID,
			SourceName: e.Chunk.SourceName,
			ChunkIndex: e.Chunk.ChunkIndex,
			Text:       e.Chunk.Text,
			StartWord:  e.Chunk.StartWord,
			EndWord:    e.Chunk.EndWord,
			Vector:     e.Vector,
		}
	}
	if err := idx.snapshot.Put(ctx, v, idx.stamp(), records); err != nil {
		idx.log.Warn("snapshot write failed", "doc_id", v.DocID, "error", err)
	}
}

func (idx *Indexer) syncSnapshot() {
	if idx.snapshot == nil {
		return
	}
	if err := idx.snapshot.Sync(); err != nil {
		idx.log.Warn("snapshot sync failed", "error", err)
	}
}

// outcome is the result of one unit of pooled work.
type outcome struct {
	docID  string
	chunks int
	err    error
}

// run executes work for positions [0, n) on the worker pool and returns
// outcomes in position order. Positions not reached before ctx is done
// carry ctx.Err().
func (idx *Indexer) run(ctx context.Context, n int, work func(ctx context.Context, i int) outcome) []outcome {
	outcomes := make([]outcome, n)
	if n == 0 {
		return outcomes
	}
	done := make([]bool, n)

	jobs := make(chan int)
	type result struct {
		pos int
		outcome
	}
	results := make(chan result, n)

	var wg sync.WaitGroup
	for w := 0; w < min(idx.config.Workers, n); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if err := ctx.Err(); err != nil {
					results <- result{pos: i, outcome: outcome{err: err}}
					continue
				}
				results <- result{pos: i, outcome: work(ctx, i)}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i := 0; i < n; i++ {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	progress := Progress{Total: n, StartTime: time.Now()}
	for r := range results {
		outcomes[r.pos] = r.outcome
		done[r.pos] = true

		progress.Processed++
		progress.Chunks += r.chunks
		progress.Current = r.docID
		if r.err != nil {
			progress.Failed++
		}
		if idx.progress != nil {
			idx.progress(progress)
		}
	}

	for i := range outcomes {
		if !done[i] {
			outcomes[i].err = ctx.Err()
		}
	}
	return outcomes
}
