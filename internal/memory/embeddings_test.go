package memory

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func unitVector(axis int) []float32 {
	v := make([]float32, EmbeddingDimensions)
	v[axis] = 1
	return v
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 2, 3}
	assert.InDelta(t, 1.0, CosineSimilarity(a, a), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity(a, []float32{0, 0, 0}))
	assert.Equal(t, 0.0, CosineSimilarity(a, []float32{1, 2}))
	assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
}

func TestDecodeVector(t *testing.T) {
	want := unitVector(3)

	jsonBlob, _ := json.Marshal(want)
	got, ok := DecodeVector(jsonBlob, EmbeddingDimensions)
	require.True(t, ok)
	assert.Equal(t, want, got)

	_, ok = DecodeVector([]byte("[1,2,3]"), EmbeddingDimensions)
	assert.False(t, ok, "wrong dimension")

	_, ok = DecodeVector([]byte("garbage"), EmbeddingDimensions)
	assert.False(t, ok)

	_, ok = DecodeVector(nil, EmbeddingDimensions)
	assert.False(t, ok)

	// JSON whose byte length equals dims*4 is still JSON
	short := []byte("[0.25,1]")
	require.Len(t, short, 2*4)
	got, ok = DecodeVector(short, 2)
	require.True(t, ok)
	assert.Equal(t, []float32{0.25, 1}, got)

	binary, err := sqlite_vec.SerializeFloat32([]float32{0.25, 1})
	require.NoError(t, err)
	got, ok = DecodeVector(binary, 2)
	require.True(t, ok)
	assert.Equal(t, []float32{0.25, 1}, got)

	nan := make([]byte, EmbeddingDimensions*4)
	bits := math.Float32bits(float32(math.NaN()))
	nan[0], nan[1], nan[2], nan[3] = byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24)
	_, ok = DecodeVector(nan, EmbeddingDimensions)
	assert.False(t, ok)
}

func TestPutEmbedding_RoundTripAndScope(t *testing.T) {
	store, _, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	a := write(t, store, "app", "memory with a vector on axis one", "observation", 5)
	b := write(t, store, "other", "memory in a different project", "observation", 5)
	g := write(t, store, GlobalProject, "global memory with a vector", "observation", 5)

	require.NoError(t, store.PutEmbedding(ctx, EntityMemory, a.ID, unitVector(1)))
	require.NoError(t, store.PutEmbedding(ctx, EntityMemory, b.ID, unitVector(2)))
	require.NoError(t, store.PutEmbedding(ctx, EntityMemory, g.ID, unitVector(3)))
	assert.Error(t, store.PutEmbedding(ctx, EntityMemory, a.ID, []float32{1, 2}))

	vecs, err := store.MemoryEmbeddings(ctx, "app")
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
	assert.Equal(t, unitVector(1), vecs[a.ID])
	assert.Equal(t, unitVector(3), vecs[g.ID])

	// Replacing keeps one row
	require.NoError(t, store.PutEmbedding(ctx, EntityMemory, a.ID, unitVector(5)))
	vecs, err = store.MemoryEmbeddings(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, unitVector(5), vecs[a.ID])
}

func TestMemoryEmbeddings_SkipsMalformedRows(t *testing.T) {
	store, _, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	good := write(t, store, "app", "memory with a good vector", "observation", 5)
	bad := write(t, store, "app", "memory with a truncated vector", "observation", 5)

	require.NoError(t, store.PutEmbedding(ctx, EntityMemory, good.ID, unitVector(0)))
	_, err := store.DB().Exec(`INSERT INTO embeddings (entity_type, entity_id, vector) VALUES (?, ?, ?)`,
		EntityMemory, bad.ID, []byte{1, 2, 3})
	require.NoError(t, err)

	vecs, err := store.MemoryEmbeddings(ctx, "app")
	require.NoError(t, err)
	assert.Len(t, vecs, 1)
	assert.Contains(t, vecs, good.ID)
}

func TestNearest_UsesVecIndexWhenAvailable(t *testing.T) {
	store, _, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	near := write(t, store, "app", "memory pointing along axis zero", "observation", 5)
	far := write(t, store, "app", "memory pointing along axis nine", "observation", 5)
	require.NoError(t, store.PutEmbedding(ctx, EntityMemory, near.ID, unitVector(0)))
	require.NoError(t, store.PutEmbedding(ctx, EntityMemory, far.ID, unitVector(9)))

	hits, ok := store.Nearest(ctx, unitVector(0), 2)
	if !ok {
		t.Skip("sqlite-vec extension not available")
	}
	require.NotEmpty(t, hits)
	assert.Equal(t, near.ID, hits[0].MemoryID)
	assert.InDelta(t, 0.0, hits[0].Distance, 1e-6)
}

func TestOpen_SyncsVecIndexWithRewrittenEmbeddings(t *testing.T) {
	store, clock, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	near := write(t, store, "app", "memory first pointing along axis zero", "observation", 5)
	far := write(t, store, "app", "memory first pointing along axis nine", "observation", 5)
	gone := write(t, store, "app", "memory whose vector gets corrupted", "observation", 5)
	require.NoError(t, store.PutEmbedding(ctx, EntityMemory, near.ID, unitVector(0)))
	require.NoError(t, store.PutEmbedding(ctx, EntityMemory, far.ID, unitVector(9)))
	require.NoError(t, store.PutEmbedding(ctx, EntityMemory, gone.ID, unitVector(0)))
	if !store.VecIndexAvailable() {
		t.Skip("sqlite-vec extension not available")
	}

	// The external embedder swaps the two vectors and corrupts the third
	swapped, _ := json.Marshal(unitVector(0))
	moved, _ := json.Marshal(unitVector(5))
	db := store.DB()
	_, err := db.Exec(`UPDATE embeddings SET vector = ? WHERE entity_id = ?`, swapped, far.ID)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE embeddings SET vector = ? WHERE entity_id = ?`, moved, near.ID)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE embeddings SET vector = ? WHERE entity_id = ?`, []byte("not a vector"), gone.ID)
	require.NoError(t, err)

	path := store.Path()
	require.NoError(t, store.Close())
	reopened, err := Open(Options{Path: path, VecIndex: true, Logger: zap.NewNop(), Now: clock.Now})
	require.NoError(t, err)
	defer reopened.Close()

	hits, ok := reopened.Nearest(ctx, unitVector(0), 3)
	require.True(t, ok)
	require.NotEmpty(t, hits)
	assert.Equal(t, far.ID, hits[0].MemoryID)
	assert.InDelta(t, 0.0, hits[0].Distance, 1e-6)
	for _, h := range hits {
		assert.NotEqual(t, gone.ID, h.MemoryID, "malformed vector still indexed")
	}

	// A second open finds nothing to do
	n, err := reopened.vecIdx.Sync()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
