// Package db persists vector index entries in a veclite collection so the
// in-memory index can be restored without re-embedding the corpus.
package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/abdul-hamid-achik/veclite"
)

const collectionName = "entries"

// ErrClosed is returned by operations on a closed snapshot.
var ErrClosed = errors.New("snapshot closed")

// markerKind tags the placeholder record of a document that produced no
// chunks, so a restart can tell "indexed, empty" from "never indexed".
const markerKind = "empty"

// EntryRecord is one stored chunk with its embedding.
type EntryRecord struct {
	DocID      string
	ChunkID    string
	SourceName string
	ChunkIndex int
	StartWord  int
	EndWord    int
	Text       string
	Model      string
	Vector     []float32
}

// Stamp identifies the configuration that produced a set of records.
// Records are only reused under an identical stamp.
type Stamp struct {
	Model    string
	Chunking string
}

// Version names the document content the records were derived from.
type Version struct {
	DocID       string
	ContentHash string
}

// StoredDocument is what the snapshot holds for one document.
type StoredDocument struct {
	ContentHash string
	Records     []EntryRecord
}

// Snapshot stores entry records in a single flat veclite collection. The
// collection is never searched, only scanned, so it carries no ANN index.
// A collection holds one dimensionality; writing records of another
// dimensionality recreates it.
type Snapshot struct {
	mu     sync.Mutex
	db     *veclite.DB
	coll   *veclite.Collection
	path   string
	dims   int
	closed bool
}

// SnapshotPath returns the path of the snapshot file within dataDir.
func SnapshotPath(dataDir string) string {
	return filepath.Join(dataDir, "entries.veclite")
}

// Open opens or creates the snapshot at path for vectors of dims length.
// An existing collection of another dimensionality is discarded.
func Open(path string, dims int) (*Snapshot, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("open snapshot: dimensions must be positive, got %d", dims)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}

	vdb, err := veclite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open veclite database: %w", err)
	}

	s := &Snapshot{db: vdb, path: path, dims: dims}

	coll, err := vdb.GetCollection(collectionName)
	if err != nil {
		if err := s.recreate(dims); err != nil {
			_ = vdb.Close()
			return nil, err
		}
		return s, nil
	}
	s.coll = coll

	// Collections written with an HNSW graph, or for another
	// dimensionality, are discarded and re-embedded on restore.
	stale := coll.HasIndex() || coll.IndexType() == veclite.IndexTypeHNSW
	if all := coll.All(); len(all) > 0 && len(all[0].Vector) != dims {
		stale = true
	}
	if stale {
		if err := s.recreate(dims); err != nil {
			_ = vdb.Close()
			return nil, err
		}
	}
	return s, nil
}

// recreate drops and recreates the collection. Must be called with mu held
// or before the snapshot is shared.
func (s *Snapshot) recreate(dims int) error {
	_ = s.db.DropCollection(collectionName)

	coll, err := s.db.CreateCollection(collectionName,
		veclite.WithDimension(dims),
		veclite.WithDistanceType(veclite.DistanceCosine),
	)
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	s.coll = coll
	s.dims = dims
	return nil
}

// Put replaces every record of v.DocID with records written under stamp.
// An empty records slice stores a marker so the document is known to have
// no chunks.
func (s *Snapshot) Put(ctx context.Context, v Version, stamp Stamp, records []EntryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if v.DocID == "" {
		return errors.New("put: empty document id")
	}
	if len(records) > 0 && len(records[0].Vector) != s.dims {
		if err := s.recreate(len(records[0].Vector)); err != nil {
			return err
		}
	}

	for _, r := range records {
		if len(r.Vector) != s.dims {
			return fmt.Errorf("put %s: vector dimension mismatch: got %d, expected %d", r.ChunkID, len(r.Vector), s.dims)
		}
	}

	if _, err := s.coll.DeleteWhere(veclite.Equal("doc_id", v.DocID)); err != nil {
		return fmt.Errorf("delete %s: %w", v.DocID, err)
	}

	base := func() map[string]any {
		return map[string]any{
			"doc_id":       v.DocID,
			"content_hash": v.ContentHash,
			"model":        stamp.Model,
			"chunking":     stamp.Chunking,
		}
	}

	if len(records) == 0 {
		payload := base()
		payload["kind"] = markerKind
		if _, err := s.coll.Insert(s.markerVector(), payload); err != nil {
			return fmt.Errorf("insert marker %s: %w", v.DocID, err)
		}
		return nil
	}

	vectors := make([][]float32, len(records))
	payloads := make([]map[string]any, len(records))
	for i, r := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload := base()
		payload["chunk_id"] = r.ChunkID
		payload["source_name"] = r.SourceName
		payload["chunk_index"] = r.ChunkIndex
		payload["start_word"] = r.StartWord
		payload["end_word"] = r.EndWord
		payload["text"] = r.Text
		vectors[i] = r.Vector
		payloads[i] = payload
	}
	if _, err := s.coll.InsertBatch(vectors, payloads); err != nil {
		return fmt.Errorf("insert %s: %w", v.DocID, err)
	}
	return nil
}

// markerVector is a unit vector; veclite rejects empty ones.
func (s *Snapshot) markerVector() []float32 {
	vec := make([]float32, s.dims)
	vec[0] = 1
	return vec
}

// Delete removes every record of docID.
func (s *Snapshot) Delete(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, err := s.coll.DeleteWhere(veclite.Equal("doc_id", docID)); err != nil {
		return fmt.Errorf("delete %s: %w", docID, err)
	}
	return nil
}

// Load returns the documents written under stamp, keyed by id. Documents
// recorded under any other stamp are left out. A document stored without
// chunks is present with no records.
func (s *Snapshot) Load(ctx context.Context, stamp Stamp) (map[string]StoredDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	out := make(map[string]StoredDocument)
	for _, r := range s.coll.All() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		docID := getStringPayload(r.Payload, "doc_id")
		if docID == "" ||
			getStringPayload(r.Payload, "model") != stamp.Model ||
			getStringPayload(r.Payload, "chunking") != stamp.Chunking {
			continue
		}
		doc := out[docID]
		doc.ContentHash = getStringPayload(r.Payload, "content_hash")
		if getStringPayload(r.Payload, "kind") != markerKind {
			doc.Records = append(doc.Records, recordToEntry(r))
		}
		out[docID] = doc
	}
	return out, nil
}

// Reset removes every record.
func (s *Snapshot) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return s.recreate(s.dims)
}

// Count returns the number of stored chunk records.
func (s *Snapshot) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	n := 0
	s.coll.ForEach(func(r *veclite.Record) bool {
		if getStringPayload(r.Payload, "kind") != markerKind {
			n++
		}
		return true
	})
	return n
}

// Dimensions returns the dimensionality of the collection.
func (s *Snapshot) Dimensions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dims
}

// Path returns the snapshot file path.
func (s *Snapshot) Path() string {
	return s.path
}

// Sync persists pending changes.
func (s *Snapshot) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.Sync()
}

// Close syncs and closes the underlying database.
func (s *Snapshot) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func recordToEntry(r *veclite.Record) EntryRecord {
	return EntryRecord{
		DocID:      getStringPayload(r.Payload, "doc_id"),
		ChunkID:    getStringPayload(r.Payload, "chunk_id"),
		SourceName: getStringPayload(r.Payload, "source_name"),
		ChunkIndex: getIntPayload(r.Payload, "chunk_index"),
		StartWord:  getIntPayload(r.Payload, "start_word"),
		EndWord:    getIntPayload(r.Payload, "end_word"),
		Text:       getStringPayload(r.Payload, "text"),
		Model:      getStringPayload(r.Payload, "model"),
		Vector:     r.Vector,
	}
}

// Payload values come back as whatever the codec decoded them to.

func getStringPayload(payload map[string]any, key string) string {
	if v, ok := payload[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getIntPayload(payload map[string]any, key string) int {
	if v, ok := payload[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return 0
}
