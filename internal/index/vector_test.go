package index

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(docID string, n int, vec ...float32) Entry {
	return Entry{
		Chunk: Chunk{
			ID:         ChunkID(docID, n),
			DocID:      docID,
			SourceName: docID + ".txt",
			ChunkIndex: n,
			Text:       fmt.Sprintf("%s chunk %d", docID, n),
		},
		Vector: vec,
	}
}

func unit(dim, hot int) []float32 {
	v := make([]float32, dim)
	v[hot] = 1
	return v
}

func TestVectorIndex_EmptySearch(t *testing.T) {
	vi := NewVectorIndex()

	hits, err := vi.Search([]float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.NotNil(t, hits)
	assert.Empty(t, hits)
	assert.Equal(t, 0, vi.Dimension())
}

func TestVectorIndex_SearchOrdering(t *testing.T) {
	vi := NewVectorIndex()
	require.NoError(t, vi.Insert([]Entry{
		entry("a", 0, 1, 0, 0),
		entry("b", 0, 0.7, 0.7, 0),
		entry("c", 0, 0, 0, 1),
	}))

	hits, err := vi.Search([]float32{1, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "a_chunk_0", hits[0].ChunkID)
	assert.Equal(t, "b_chunk_0", hits[1].ChunkID)
	assert.Equal(t, "c_chunk_0", hits[2].ChunkID)

	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.InDelta(t, 0.7071, hits[1].Score, 1e-3)
	assert.InDelta(t, 0.0, hits[2].Score, 1e-6)
	assert.Equal(t, "a.txt", hits[0].SourceName)
	assert.Equal(t, "a chunk 0", hits[0].Text)
}

func TestVectorIndex_KClamping(t *testing.T) {
	vi := NewVectorIndex()
	require.NoError(t, vi.Insert([]Entry{entry("a", 0, 1, 0), entry("a", 1, 0, 1)}))

	hits, err := vi.Search([]float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	for _, k := range []int{0, -3} {
		hits, err = vi.Search([]float32{1, 0}, k)
		require.NoError(t, err)
		assert.Empty(t, hits)
	}
}

func TestVectorIndex_TiesKeepInsertionOrder(t *testing.T) {
	vi := NewVectorIndex()
	var entries []Entry
	for i := 0; i < 10; i++ {
		entries = append(entries, entry(fmt.Sprintf("d%d", i), 0, 1, 1))
	}
	require.NoError(t, vi.Insert(entries))

	hits, err := vi.Search([]float32{1, 1}, 4)
	require.NoError(t, err)
	require.Len(t, hits, 4)
	for i, h := range hits {
		assert.Equal(t, fmt.Sprintf("d%d", i), h.DocID)
	}
}

func TestVectorIndex_DimensionGuard(t *testing.T) {
	vi := NewVectorIndex()
	require.NoError(t, vi.Insert([]Entry{entry("a", 0, unit(768, 0)...)}))

	err := vi.Insert([]Entry{entry("b", 0, unit(384, 0)...)})
	require.ErrorIs(t, err, ErrDimensionMismatch)

	var dimErr *DimensionError
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 384, dimErr.Got)
	assert.Equal(t, 768, dimErr.Want)

	assert.Equal(t, 1, vi.Len())
	assert.False(t, vi.Has("b_chunk_0"))

	_, err = vi.Search(unit(384, 0), 1)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestVectorIndex_FixedDimension(t *testing.T) {
	vi := NewVectorIndex(WithDimension(3))
	assert.Equal(t, 3, vi.Dimension())

	err := vi.Insert([]Entry{entry("a", 0, 1, 0)})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Equal(t, 0, vi.Len())
}

func TestVectorIndex_MixedBatchRejected(t *testing.T) {
	vi := NewVectorIndex()
	err := vi.Insert([]Entry{entry("a", 0, 1, 0), entry("a", 1, 1, 0, 0)})
	require.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Equal(t, 0, vi.Len())
	assert.Equal(t, 0, vi.Dimension())
}

func TestVectorIndex_EmptyAndZeroVectors(t *testing.T) {
	vi := NewVectorIndex()

	err := vi.Insert([]Entry{entry("a", 0)})
	assert.ErrorIs(t, err, ErrEmptyVector)

	err = vi.Insert([]Entry{entry("a", 0, 0, 0, 0)})
	assert.ErrorIs(t, err, ErrEmptyVector)
	assert.Equal(t, 0, vi.Len())

	raw := NewVectorIndex(WithNormalize(false))
	require.NoError(t, raw.Insert([]Entry{entry("a", 0, 0, 0, 0)}))
	assert.Equal(t, 1, raw.Len())
}

func TestVectorIndex_Duplicates(t *testing.T) {
	vi := NewVectorIndex()
	require.NoError(t, vi.Insert([]Entry{entry("a", 0, 1, 0)}))

	err := vi.Insert([]Entry{entry("a", 0, 0, 1)})
	assert.ErrorIs(t, err, ErrDuplicateChunk)

	err = vi.Insert([]Entry{entry("b", 0, 0, 1), entry("b", 0, 1, 0)})
	assert.ErrorIs(t, err, ErrDuplicateChunk)
	assert.Equal(t, 1, vi.Len())
}

func TestVectorIndex_Replace(t *testing.T) {
	vi := NewVectorIndex()
	require.NoError(t, vi.Insert([]Entry{
		entry("a", 0, 1, 0),
		entry("a", 1, 1, 0),
		entry("a", 2, 1, 0),
		entry("b", 0, 0, 1),
	}))

	removed, err := vi.Replace("a", []Entry{entry("a", 0, 0, 1)})
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.Equal(t, 2, vi.Len())
	assert.Len(t, vi.DocEntries("a"), 1)
	assert.False(t, vi.Has("a_chunk_1"))

	_, err = vi.Replace("a", []Entry{entry("b", 1, 0, 1)})
	assert.ErrorIs(t, err, ErrConfiguration)

	// A failed replace leaves the previous entries in place.
	_, err = vi.Replace("a", []Entry{entry("a", 0, 1, 0, 0)})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Len(t, vi.DocEntries("a"), 1)

	removed, err = vi.Replace("a", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, vi.DocCount())
}

func TestVectorIndex_RemoveByDocID(t *testing.T) {
	vi := NewVectorIndex()
	require.NoError(t, vi.Insert([]Entry{
		entry("a", 0, 1, 0),
		entry("a", 1, 0.9, 0.1),
		entry("b", 0, 0, 1),
	}))

	assert.Equal(t, 2, vi.RemoveByDocID("a"))
	assert.Equal(t, 0, vi.RemoveByDocID("a"))
	assert.Equal(t, 1, vi.Len())

	hits, err := vi.Search([]float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].DocID)

	// Removing everything keeps the established dimension.
	vi.RemoveByDocID("b")
	assert.Equal(t, 2, vi.Dimension())
	err = vi.Insert([]Entry{entry("c", 0, 1, 0, 0)})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestVectorIndex_Compaction(t *testing.T) {
	vi := NewVectorIndex()
	for i := 0; i < 200; i++ {
		require.NoError(t, vi.Insert([]Entry{entry(fmt.Sprintf("d%03d", i), 0, float32(i+1), 1)}))
	}
	for i := 0; i < 150; i++ {
		vi.RemoveByDocID(fmt.Sprintf("d%03d", i))
	}

	vi.mu.RLock()
	slots := len(vi.st.slots)
	vi.mu.RUnlock()
	assert.Less(t, slots, 200)
	assert.Equal(t, 50, vi.Len())

	hits, err := vi.Search([]float32{0, 1}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "d150", hits[0].DocID)
	assert.True(t, vi.Has("d199_chunk_0"))
}

func TestVectorIndex_Rebuild(t *testing.T) {
	vi := NewVectorIndex()
	require.NoError(t, vi.Insert([]Entry{entry("old", 0, 1, 0)}))

	require.NoError(t, vi.Rebuild([]Entry{entry("new", 0, 1, 0, 0), entry("new", 1, 0, 1, 0)}))
	assert.Equal(t, 3, vi.Dimension())
	assert.Equal(t, 2, vi.Len())
	assert.False(t, vi.Has("old_chunk_0"))

	// A rejected rebuild keeps the current index.
	err := vi.Rebuild([]Entry{entry("x", 0, 1, 0), entry("x", 1, 1)})
	require.Error(t, err)
	assert.Equal(t, 2, vi.Len())

	require.NoError(t, vi.Rebuild(nil))
	assert.Equal(t, 0, vi.Len())
	assert.Equal(t, 0, vi.Dimension())
}

func TestVectorIndex_RebuildAtomicUnderReaders(t *testing.T) {
	vi := NewVectorIndex()
	oldSet := make([]Entry, 10)
	for i := range oldSet {
		oldSet[i] = entry("old", i, 1, float32(i))
	}
	newSet := make([]Entry, 25)
	for i := range newSet {
		newSet[i] = entry("new", i, float32(i), 1)
	}
	require.NoError(t, vi.Rebuild(oldSet))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	var bad []int

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				n := vi.Len()
				hits, err := vi.Search([]float32{1, 1}, 100)
				if n != 10 && n != 25 || err != nil || (len(hits) != 10 && len(hits) != 25) {
					mu.Lock()
					bad = append(bad, n)
					mu.Unlock()
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		if i%2 == 0 {
			require.NoError(t, vi.Rebuild(newSet))
		} else {
			require.NoError(t, vi.Rebuild(oldSet))
		}
	}
	close(stop)
	wg.Wait()

	assert.Empty(t, bad)
}

func TestVectorIndex_InputsAreCopied(t *testing.T) {
	vi := NewVectorIndex(WithNormalize(false))
	vec := []float32{1, 2}
	require.NoError(t, vi.Insert([]Entry{entry("a", 0, vec...)}))

	vec[0] = 100
	got := vi.DocEntries("a")
	require.Len(t, got, 1)
	assert.Equal(t, []float32{1, 2}, got[0].Vector)

	got[0].Vector[1] = 42
	assert.Equal(t, []float32{1, 2}, vi.DocEntries("a")[0].Vector)
}
