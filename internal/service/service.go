// Package service is the caller-facing surface of vecrag. It ties the
// corpus store, the indexer, the retriever and the answer generator
// together and gates queries on the cold-start restore.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abdul-hamid-achik/vecrag/internal/corpus"
	"github.com/abdul-hamid-achik/vecrag/internal/embed"
	"github.com/abdul-hamid-achik/vecrag/internal/generate"
	"github.com/abdul-hamid-achik/vecrag/internal/index"
	"github.com/abdul-hamid-achik/vecrag/internal/search"
)

var (
	// ErrNotReady is returned until Start has restored the index.
	ErrNotReady = errors.New("index is not ready")
	// ErrEmptyQuery is returned for blank queries.
	ErrEmptyQuery = errors.New("query cannot be empty")
)

// Corpus is the document store the service writes to.
type Corpus interface {
	Add(ctx context.Context, filename, origin string, r io.Reader) (corpus.Document, error)
	Update(ctx context.Context, id string, r io.Reader) (corpus.Document, error)
	Get(ctx context.Context, id string) (corpus.Document, error)
	FindByOrigin(ctx context.Context, origin string) (corpus.Document, error)
	List(ctx context.Context) ([]corpus.Document, error)
	Delete(ctx context.Context, id string) (bool, error)
	SetChunkCount(ctx context.Context, id string, n int) error
	Count(ctx context.Context) (int, error)
	ExtractText(ctx context.Context, doc corpus.Document) (string, error)
}

// Config holds query defaults and ingestion settings.
type Config struct {
	TopK           int
	Threshold      float64
	IgnorePatterns []string
	Warmup         bool
}

// DefaultConfig returns the retrieval defaults.
func DefaultConfig() Config {
	return Config{
		TopK:           search.DefaultTopK,
		Threshold:      search.DefaultThreshold,
		IgnorePatterns: corpus.DefaultIgnorePatterns,
	}
}

// Deps are the collaborators of a Service.
type Deps struct {
	Corpus    Corpus
	Indexer   *index.Indexer
	Provider  embed.Provider
	Generator generate.Generator
	Logger    *slog.Logger
}

// Service implements upload, ingestion, deletion and question answering.
type Service struct {
	corpus    Corpus
	indexer   *index.Indexer
	retriever *search.Retriever
	provider  embed.Provider
	generator generate.Generator
	config    Config
	log       *slog.Logger

	ready   atomic.Bool
	writeMu sync.RWMutex
	started atomic.Int64
}

// New creates a Service. It is not ready until Start returns.
func New(deps Deps, cfg Config) *Service {
	if cfg.TopK <= 0 {
		cfg.TopK = search.DefaultTopK
	}
	if cfg.IgnorePatterns == nil {
		cfg.IgnorePatterns = corpus.DefaultIgnorePatterns
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gen := deps.Generator
	if gen == nil {
		gen = generate.NewExtractiveGenerator(0)
	}

	return &Service{
		corpus:    deps.Corpus,
		indexer:   deps.Indexer,
		retriever: search.NewRetriever(deps.Indexer.Index(), deps.Provider, search.WithRetrieverLogger(logger)),
		provider:  deps.Provider,
		generator: gen,
		config:    cfg,
		log:       logger,
	}
}

// Start restores the index from the snapshot and corpus and marks the
// service ready. Queries issued before Start returns get ErrNotReady.
func (s *Service) Start(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	report, err := s.indexer.Restore(ctx)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	s.recordChunkCounts(ctx, report)

	s.started.Store(time.Now().UnixNano())
	s.ready.Store(true)
	s.log.Info("service ready",
		"documents", s.indexer.Index().DocCount(),
		"chunks", s.indexer.Index().Len(),
		"model", s.provider.Model())

	if s.config.Warmup {
		go func() {
			if err := s.retriever.Warmup(context.WithoutCancel(ctx), nil); err != nil {
				s.log.Debug("warmup incomplete", "error", err)
			}
		}()
	}
	return nil
}

// Ready reports whether the index has been restored.
func (s *Service) Ready() bool {
	return s.ready.Load()
}

// Rebuild re-embeds the whole corpus. Writes wait until it completes.
func (s *Service) Rebuild(ctx context.Context) (*index.BatchReport, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	report, err := s.indexer.Rebuild(ctx)
	if err != nil {
		return nil, err
	}
	s.recordChunkCounts(ctx, report)
	s.ready.Store(true)
	return report, nil
}

func (s *Service) recordChunkCounts(ctx context.Context, report *index.BatchReport) {
	for id, n := range report.ChunkCounts {
		if err := s.corpus.SetChunkCount(ctx, id, n); err != nil {
			s.log.Warn("recording chunk count failed", "doc_id", id, "error", err)
		}
	}
}

func (s *Service) checkReady() error {
	if !s.ready.Load() {
		return ErrNotReady
	}
	return nil
}

// Upload stores a file and indexes it. When the text cannot be extracted
// or embedded the stored file is removed and the typed error returned.
func (s *Service) Upload(ctx context.Context, filename string, r io.Reader) (corpus.Document, error) {
	if err := s.checkReady(); err != nil {
		return corpus.Document{}, err
	}
	s.writeMu.RLock()
	defer s.writeMu.RUnlock()

	doc, err := s.corpus.Add(ctx, filename, "", r)
	if err != nil {
		return corpus.Document{}, err
	}
	return s.indexDocument(ctx, doc)
}

// indexDocument extracts and ingests a stored document, dropping it on failure.
func (s *Service) indexDocument(ctx context.Context, doc corpus.Document) (corpus.Document, error) {
	text, err := s.corpus.ExtractText(ctx, doc)
	if err == nil {
		var res index.IngestResult
		res, err = s.indexer.IngestDocument(ctx, doc, text)
		if err == nil {
			doc.Chunks = res.Chunks
			if err := s.corpus.SetChunkCount(ctx, doc.ID, res.Chunks); err != nil {
				s.log.Warn("recording chunk count failed", "doc_id", doc.ID, "error", err)
			}
			s.log.Info("document ingested", "doc_id", doc.ID, "source", doc.Filename, "chunks", res.Chunks)
			return doc, nil
		}
	}

	s.log.Warn("document rejected", "doc_id", doc.ID, "source", doc.Filename, "error", err)
	s.drop(ctx, doc.ID)
	return corpus.Document{}, err
}

func (s *Service) drop(ctx context.Context, id string) {
	s.indexer.Delete(ctx, id)
	if _, err := s.corpus.Delete(ctx, id); err != nil {
		s.log.Warn("removing rejected document failed", "doc_id", id, "error", err)
	}
}

// IngestText stores raw text as a .txt document and indexes it.
func (s *Service) IngestText(ctx context.Context, sourceName, text string) (corpus.Document, error) {
	name := strings.TrimSpace(sourceName)
	if name == "" {
		name = "text"
	}
	if f := corpus.FormatOf(name); f != corpus.FormatText && f != corpus.FormatMarkdown {
		name += ".txt"
	}
	return s.Upload(ctx, name, strings.NewReader(text))
}

// Failure is one file that could not be ingested.
type Failure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
	Err   error  `json:"-"`
}

// IngestReport is the partial-success outcome of IngestPaths.
type IngestReport struct {
	Ingested  int               `json:"ingested"`
	Skipped   int               `json:"skipped"`
	Failed    int               `json:"failed"`
	Chunks    int               `json:"chunks"`
	Documents []corpus.Document `json:"documents"`
	Failures  []Failure         `json:"failures,omitempty"`
	Duration  time.Duration     `json:"duration"`
}

func (r *IngestReport) fail(path string, err error) {
	r.Failed++
	r.Failures = append(r.Failures, Failure{Path: path, Error: err.Error(), Err: err})
}

// IngestPaths collects supported files under paths and ingests them.
// Files are keyed by absolute path, so a file ingested again replaces its
// earlier version and an unchanged file is skipped. One failing file
// never stops the others.
func (s *Service) IngestPaths(ctx context.Context, paths []string) (*IngestReport, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	start := time.Now()

	files, err := corpus.CollectFiles(ctx, paths, s.config.IgnorePatterns)
	if err != nil {
		return nil, err
	}

	s.writeMu.RLock()
	defer s.writeMu.RUnlock()

	report := &IngestReport{Documents: []corpus.Document{}}
	var staged []corpus.Document
	origins := make(map[string]string)

	for _, path := range files {
		doc, unchanged, err := s.stage(ctx, path)
		switch {
		case err != nil:
			report.fail(path, err)
		case unchanged:
			report.Skipped++
		default:
			staged = append(staged, doc)
			origins[doc.ID] = path
		}
	}

	if len(staged) > 0 {
		batch, err := s.indexer.IngestDocuments(ctx, staged)
		if err != nil {
			return nil, err
		}
		for _, doc := range staged {
			if err, failed := batch.Errors[doc.ID]; failed {
				report.fail(origins[doc.ID], err)
				s.drop(ctx, doc.ID)
				continue
			}
			doc.Chunks = batch.ChunkCounts[doc.ID]
			if err := s.corpus.SetChunkCount(ctx, doc.ID, doc.Chunks); err != nil {
				s.log.Warn("recording chunk count failed", "doc_id", doc.ID, "error", err)
			}
			report.Ingested++
			report.Chunks += doc.Chunks
			report.Documents = append(report.Documents, doc)
		}
	}

	report.Duration = time.Since(start)
	s.log.Info("paths ingested",
		"files", len(files),
		"ingested", report.Ingested,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"chunks", report.Chunks,
		"duration", report.Duration)
	return report, nil
}

// stage adds or updates the corpus copy of the file at path. It reports
// unchanged when the stored copy already has the same content and is
// indexed.
func (s *Service) stage(ctx context.Context, path string) (corpus.Document, bool, error) {
	existing, err := s.corpus.FindByOrigin(ctx, path)
	if err != nil && !errors.Is(err, corpus.ErrNotFound) {
		return corpus.Document{}, false, err
	}

	f, openErr := os.Open(path)
	if openErr != nil {
		return corpus.Document{}, false, openErr
	}
	defer f.Close()

	if err == nil {
		hash, hashErr := corpus.HashFile(path)
		if hashErr != nil {
			return corpus.Document{}, false, hashErr
		}
		if hash == existing.ContentHash && existing.Chunks > 0 {
			return existing, true, nil
		}
		doc, err := s.corpus.Update(ctx, existing.ID, f)
		return doc, false, err
	}

	doc, err := s.corpus.Add(ctx, filepath.Base(path), path, f)
	return doc, false, err
}

// IngestFile ingests one file by path. It implements index.WatchSink.
func (s *Service) IngestFile(ctx context.Context, path string) error {
	report, err := s.IngestPaths(ctx, []string{path})
	if err != nil {
		return err
	}
	if len(report.Failures) > 0 {
		return report.Failures[0].Err
	}
	return nil
}

// RemoveFile deletes the document ingested from path, if any. It
// implements index.WatchSink.
func (s *Service) RemoveFile(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	doc, err := s.corpus.FindByOrigin(ctx, abs)
	if errors.Is(err, corpus.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.Delete(ctx, doc.ID)
	return err
}

// Watch ingests supported files created or changed under dir until ctx is
// done. Stop the returned watcher to release it early.
func (s *Service) Watch(ctx context.Context, dir string, debounce time.Duration) (*index.Watcher, error) {
	cfg := index.DefaultWatcherConfig()
	if debounce > 0 {
		cfg.Debounce = debounce
	}
	cfg.IgnorePatterns = append(cfg.IgnorePatterns, s.config.IgnorePatterns...)
	cfg.Accept = corpus.IsSupported
	return index.WatchInbox(ctx, s, dir, cfg, s.log)
}

// Delete removes a document from the index, the snapshot and the corpus.
// It reports whether the document existed.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	if err := s.checkReady(); err != nil {
		return false, err
	}
	s.writeMu.RLock()
	defer s.writeMu.RUnlock()

	removed := s.indexer.Delete(ctx, id)
	existed, err := s.corpus.Delete(ctx, id)
	if err != nil {
		return existed, err
	}
	if existed || removed > 0 {
		s.log.Info("document deleted", "doc_id", id, "chunks", removed)
	}
	return existed || removed > 0, nil
}

// Get returns one document's metadata.
func (s *Service) Get(ctx context.Context, id string) (corpus.Document, error) {
	return s.corpus.Get(ctx, id)
}

// List returns every stored document.
func (s *Service) List(ctx context.Context) ([]corpus.Document, error) {
	docs, err := s.corpus.List(ctx)
	if docs == nil && err == nil {
		docs = []corpus.Document{}
	}
	return docs, err
}
