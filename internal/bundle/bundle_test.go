package bundle

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CanopyHQ/xylem/internal/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openStore(t *testing.T, name string) *memory.Store {
	t.Helper()
	s, err := memory.Open(memory.Options{
		Path:       filepath.Join(t.TempDir(), name),
		Create:     true,
		Dimensions: 4,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWriteRead(t *testing.T) {
	var buf bytes.Buffer
	payload := Payload{
		Manifest: Manifest{ID: "b1", Project: "mobile", MemoryCount: 1},
		Memories: []memory.Memory{{ID: "m1", Content: "hello", Type: "observation"}},
	}
	require.NoError(t, Write(&buf, payload))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("XYLM\x01")))

	got, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, "b1", got.Manifest.ID)
	require.Len(t, got.Memories, 1)
	assert.Equal(t, "hello", got.Memories[0].Content)
}

func TestRead_Rejects(t *testing.T) {
	_, err := Read(strings.NewReader("PHLO\x01"))
	assert.ErrorContains(t, err, "invalid file format")

	_, err = Read(strings.NewReader("XYLM\x07"))
	assert.ErrorContains(t, err, "unsupported version")

	_, err = Read(strings.NewReader("XY"))
	assert.ErrorContains(t, err, "magic bytes")

	_, err = Read(strings.NewReader("XYLM\x01not gzip"))
	assert.Error(t, err)
}

func TestPackage_ParentDirMissing(t *testing.T) {
	err := Package(Payload{}, filepath.Join(t.TempDir(), "missing", "sub", "out.xyl"))
	assert.ErrorContains(t, err, "failed to create file")
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	src := openStore(t, "src.db")

	created := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	res, err := src.Write(ctx, memory.NewMemory{
		Content: "Chose expo router over react navigation", Type: "decision",
		Tags: []string{"navigation"}, Project: "mobile", Importance: 10, CreatedAt: created,
	})
	require.NoError(t, err)
	require.NoError(t, src.PutEmbedding(ctx, memory.EntityMemory, res.Memory.ID, []float32{1, 0, 0, 0}))
	_, err = src.Write(ctx, memory.NewMemory{Content: "Web only", Type: "observation", Project: "web", Importance: 5})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "mobile"+Extension)
	manifest, err := Export(ctx, src, "mobile", "handover", path)
	require.NoError(t, err)
	assert.Equal(t, 1, manifest.MemoryCount)
	assert.Equal(t, []string{"navigation"}, manifest.Tags)
	_, err = os.Stat(path)
	require.NoError(t, err)

	dst := openStore(t, "dst.db")
	imported, err := Import(ctx, dst, path, "")
	require.NoError(t, err)
	assert.Equal(t, 1, imported.Imported)
	assert.Empty(t, imported.Errors)
	assert.Equal(t, "handover", imported.Manifest.Description)

	mems, err := dst.List(ctx, "mobile", 0)
	require.NoError(t, err)
	require.Len(t, mems, 1)
	m := mems[0]
	assert.Equal(t, "Chose expo router over react navigation", m.Text())
	assert.Equal(t, "decision", m.Type)
	assert.Equal(t, 10, m.Importance)
	assert.Equal(t, SourceBundle, m.Source)
	assert.True(t, created.Equal(m.CreatedAt))

	vecs, err := dst.EmbeddingsFor(ctx, []string{m.ID})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0, 0}, vecs[m.ID])

	again, err := Import(ctx, dst, path, "")
	require.NoError(t, err)
	assert.Equal(t, 0, again.Imported)
	assert.Equal(t, 1, again.Duplicates)
}

func TestImport_IntoOtherProject(t *testing.T) {
	ctx := context.Background()
	src := openStore(t, "src.db")
	_, err := src.Write(ctx, memory.NewMemory{Content: "Use pnpm workspaces", Type: "decision", Project: "mobile", Importance: 9})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "b.xyl")
	_, err = Export(ctx, src, "mobile", "", path)
	require.NoError(t, err)

	dst := openStore(t, "dst.db")
	res, err := Import(ctx, dst, path, "web")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)

	n, err := dst.Count(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
