package index

import (
	"container/heap"
	"math"
	"sort"
	"sync"
)

// compactThreshold is the minimum number of tombstones before the slot
// table is rewritten.
const compactThreshold = 64

// Entry pairs a chunk with its embedding vector.
type Entry struct {
	Chunk  Chunk
	Vector []float32
}

// Hit is a single search result.
type Hit struct {
	DocID      string  `json:"doc_id"`
	ChunkID    string  `json:"chunk_id"`
	SourceName string  `json:"source_name"`
	ChunkIndex int     `json:"chunk_index"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

// VectorIndexOption configures a VectorIndex.
type VectorIndexOption func(*VectorIndex)

// WithDimension fixes the dimensionality before any insert.
func WithDimension(n int) VectorIndexOption {
	return func(v *VectorIndex) {
		v.fixedDim = n
	}
}

// WithNormalize controls L2 normalization of stored and query vectors.
// Normalization is on by default so scores are cosine similarities.
func WithNormalize(enabled bool) VectorIndexOption {
	return func(v *VectorIndex) {
		v.normalize = enabled
	}
}

// VectorIndex is an exact inner-product index over chunk embeddings.
// All methods are safe for concurrent use. Readers never observe a
// partially applied write.
type VectorIndex struct {
	mu        sync.RWMutex
	st        *vectorState
	fixedDim  int
	normalize bool
}

type slot struct {
	entry Entry
	live  bool
}

type vectorState struct {
	dim     int
	slots   []slot
	byDoc   map[string][]int
	byChunk map[string]int
	live    int
}

func newVectorState(dim int) *vectorState {
	return &vectorState{
		dim:     dim,
		byDoc:   make(map[string][]int),
		byChunk: make(map[string]int),
	}
}

// NewVectorIndex creates an empty index.
func NewVectorIndex(opts ...VectorIndexOption) *VectorIndex {
	v := &VectorIndex{normalize: true}
	for _, opt := range opts {
		opt(v)
	}
	v.st = newVectorState(v.fixedDim)
	return v
}

// Insert appends entries. The batch is validated as a whole and either
// every entry becomes visible or none does.
func (v *VectorIndex) Insert(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	prepared, err := v.prepare(entries)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkBatch(v.st, prepared, ""); err != nil {
		return err
	}
	v.st.appendAll(prepared)
	return nil
}

// Replace removes every entry of docID and inserts entries in one write.
// Entries must all belong to docID. Returns the number of entries removed.
func (v *VectorIndex) Replace(docID string, entries []Entry) (int, error) {
	prepared, err := v.prepare(entries)
	if err != nil {
		return 0, err
	}
	for _, e := range prepared {
		if e.Chunk.DocID != docID {
			return 0, &ConfigError{Field: "doc_id", Reason: "entry " + e.Chunk.ID + " does not belong to " + docID}
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkBatch(v.st, prepared, docID); err != nil {
		return 0, err
	}
	removed := v.st.remove(docID)
	v.st.appendAll(prepared)
	v.maybeCompact()
	return removed, nil
}

// RemoveByDocID removes all entries of a document and returns how many
// were removed.
func (v *VectorIndex) RemoveByDocID(docID string) int {
	v.mu.Lock()
	defer v.mu.Unlock()

	removed := v.st.remove(docID)
	v.maybeCompact()
	return removed
}

// Rebuild replaces the whole index with entries in a single swap.
func (v *VectorIndex) Rebuild(entries []Entry) error {
	prepared, err := v.prepare(entries)
	if err != nil {
		return err
	}

	next := newVectorState(v.fixedDim)
	if err := v.checkBatch(next, prepared, ""); err != nil {
		return err
	}
	next.appendAll(prepared)

	v.mu.Lock()
	v.st = next
	v.mu.Unlock()
	return nil
}

// Search returns up to k hits ordered by descending score. Ties keep
// insertion order. An empty index yields no hits and no error.
func (v *VectorIndex) Search(query []float32, k int) ([]Hit, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	st := v.st
	if st.live == 0 || k <= 0 {
		return []Hit{}, nil
	}
	if len(query) != st.dim {
		return nil, &DimensionError{Got: len(query), Want: st.dim}
	}
	k = min(k, st.live)

	q := query
	if v.normalize {
		q = normalized(query)
	}

	h := make(hitHeap, 0, k)
	for i := range st.slots {
		s := &st.slots[i]
		if !s.live {
			continue
		}
		c := candidate{seq: i, score: dot(q, s.entry.Vector)}
		if len(h) < k {
			heap.Push(&h, c)
			continue
		}
		if c.better(h[0]) {
			h[0] = c
			heap.Fix(&h, 0)
		}
	}

	sort.Slice(h, func(i, j int) bool { return h[i].better(h[j]) })

	hits := make([]Hit, len(h))
	for i, c := range h {
		ch := st.slots[c.seq].entry.Chunk
		hits[i] = Hit{
			DocID:      ch.DocID,
			ChunkID:    ch.ID,
			SourceName: ch.SourceName,
			ChunkIndex: ch.ChunkIndex,
			Text:       ch.Text,
			Score:      c.score,
		}
	}
	return hits, nil
}

// Len returns the number of live entries.
func (v *VectorIndex) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.st.live
}

// Dimension returns the established dimensionality, or 0 if none is set.
func (v *VectorIndex) Dimension() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.st.dim
}

// DocCount returns the number of documents with at least one entry.
func (v *VectorIndex) DocCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.st.byDoc)
}

// Has reports whether a chunk id is present.
func (v *VectorIndex) Has(chunkID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.st.byChunk[chunkID]
	return ok
}

// DocEntries returns a copy of a document's entries in chunk order.
func (v *VectorIndex) DocEntries(docID string) []Entry {
	v.mu.RLock()
	defer v.mu.RUnlock()

	seqs := v.st.byDoc[docID]
	out := make([]Entry, 0, len(seqs))
	for _, i := range seqs {
		out = append(out, cloneEntry(v.st.slots[i].entry))
	}
	return out
}

// prepare validates vectors that do not depend on index state and returns
// private copies, normalized if enabled.
func (v *VectorIndex) prepare(entries []Entry) ([]Entry, error) {
	out := make([]Entry, len(entries))
	seen := make(map[string]struct{}, len(entries))
	var dim int

	for i, e := range entries {
		if len(e.Vector) == 0 {
			return nil, &emptyVectorError{chunkID: e.Chunk.ID}
		}
		if i == 0 {
			dim = len(e.Vector)
		} else if len(e.Vector) != dim {
			return nil, &DimensionError{ChunkID: e.Chunk.ID, Got: len(e.Vector), Want: dim}
		}
		if _, dup := seen[e.Chunk.ID]; dup {
			return nil, &duplicateChunkError{chunkID: e.Chunk.ID}
		}
		seen[e.Chunk.ID] = struct{}{}

		vec := make([]float32, len(e.Vector))
		copy(vec, e.Vector)
		if v.normalize {
			if !normalizeInPlace(vec) {
				return nil, &emptyVectorError{chunkID: e.Chunk.ID, zero: true}
			}
		}
		out[i] = Entry{Chunk: e.Chunk, Vector: vec}
	}
	return out, nil
}

// checkBatch validates prepared entries against st. replacing names a
// document whose current chunk ids may be reused by the batch.
func (v *VectorIndex) checkBatch(st *vectorState, entries []Entry, replacing string) error {
	if len(entries) == 0 {
		return nil
	}
	if st.dim != 0 && len(entries[0].Vector) != st.dim {
		return &DimensionError{ChunkID: entries[0].Chunk.ID, Got: len(entries[0].Vector), Want: st.dim}
	}
	for _, e := range entries {
		seq, exists := st.byChunk[e.Chunk.ID]
		if !exists {
			continue
		}
		if replacing != "" && st.slots[seq].entry.Chunk.DocID == replacing {
			continue
		}
		return &duplicateChunkError{chunkID: e.Chunk.ID}
	}
	return nil
}

func (st *vectorState) appendAll(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	if st.dim == 0 {
		st.dim = len(entries[0].Vector)
	}
	for _, e := range entries {
		seq := len(st.slots)
		st.slots = append(st.slots, slot{entry: e, live: true})
		st.byDoc[e.Chunk.DocID] = append(st.byDoc[e.Chunk.DocID], seq)
		st.byChunk[e.Chunk.ID] = seq
		st.live++
	}
}

func (st *vectorState) remove(docID string) int {
	seqs, ok := st.byDoc[docID]
	if !ok {
		return 0
	}
	for _, i := range seqs {
		s := &st.slots[i]
		s.live = false
		delete(st.byChunk, s.entry.Chunk.ID)
		s.entry = Entry{}
	}
	delete(st.byDoc, docID)
	st.live -= len(seqs)
	return len(seqs)
}

// maybeCompact rewrites the slot table once tombstones dominate.
// Must be called with the write lock held.
func (v *VectorIndex) maybeCompact() {
	dead := len(v.st.slots) - v.st.live
	if dead <= compactThreshold || dead <= v.st.live {
		return
	}
	next := newVectorState(v.st.dim)
	live := make([]Entry, 0, v.st.live)
	for _, s := range v.st.slots {
		if s.live {
			live = append(live, s.entry)
		}
	}
	next.appendAll(live)
	v.st = next
}

type emptyVectorError struct {
	chunkID string
	zero    bool
}

func (e *emptyVectorError) Error() string {
	if e.zero {
		return "zero magnitude vector for " + e.chunkID
	}
	return "empty vector for " + e.chunkID
}

func (e *emptyVectorError) Unwrap() error { return ErrEmptyVector }

type duplicateChunkError struct {
	chunkID string
}

func (e *duplicateChunkError) Error() string {
	return "duplicate chunk id " + e.chunkID
}

func (e *duplicateChunkError) Unwrap() error { return ErrDuplicateChunk }

// candidate is a heap element; seq is the slot position.
type candidate struct {
	seq   int
	score float64
}

// better orders by score, then by earlier insertion.
func (c candidate) better(o candidate) bool {
	if c.score != o.score {
		return c.score > o.score
	}
	return c.seq < o.seq
}

// hitHeap is a min-heap whose root is the worst kept candidate.
type hitHeap []candidate

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return h[j].better(h[i]) }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// normalizeInPlace scales v to unit length. It reports false for a zero vector.
func normalizeInPlace(v []float32) bool {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return false
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return true
}

func normalized(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	if !normalizeInPlace(out) {
		return v
	}
	return out
}

func cloneEntry(e Entry) Entry {
	vec := make([]float32, len(e.Vector))
	copy(vec, e.Vector)
	return Entry{Chunk: e.Chunk, Vector: vec}
}
