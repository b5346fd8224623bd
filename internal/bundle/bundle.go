// Package bundle moves a project's memories between stores as a .xyl file:
// the magic bytes XYLM, a version byte, then a gzip-compressed JSON payload.
package bundle

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/CanopyHQ/xylem/internal/memory"
	"github.com/google/uuid"
)

// MagicBytes open every .xyl file: XYLM
var MagicBytes = []byte{0x58, 0x59, 0x4C, 0x4D}

// Version 1
const Version = 1

// Extension is the conventional file extension.
const Extension = ".xyl"

// SourceBundle is the memory source of imported memories.
const SourceBundle = "bundle"

// Manifest describes the bundle metadata
type Manifest struct {
	ID          string    `json:"id"`
	Project     string    `json:"project"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	MemoryCount int       `json:"memory_count"`
	Tags        []string  `json:"tags,omitempty"`
}

// Payload is the JSON content inside the gzip stream
type Payload struct {
	Manifest Manifest        `json:"manifest"`
	Memories []memory.Memory `json:"memories"`
	// Embeddings are keyed by the exported memory id.
	Embeddings map[string][]float32 `json:"embeddings,omitempty"`
}

// Write encodes payload to w.
func Write(w io.Writer, payload Payload) error {
	if _, err := w.Write(MagicBytes); err != nil {
		return fmt.Errorf("failed to write magic bytes: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint8(Version)); err != nil {
		return fmt.Errorf("failed to write version: %w", err)
	}
	gz := gzip.NewWriter(w)
	if err := json.NewEncoder(gz).Encode(payload); err != nil {
		gz.Close()
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to flush payload: %w", err)
	}
	return nil
}

// Read decodes a payload from r.
func Read(r io.Reader) (*Payload, error) {
	magic := make([]byte, len(MagicBytes))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("failed to read magic bytes: %w", err)
	}
	if !bytes.Equal(magic, MagicBytes) {
		return nil, fmt.Errorf("invalid file format: not a %s file", Extension)
	}

	var version uint8
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("failed to read version: %w", err)
	}
	if version != Version {
		return nil, fmt.Errorf("unsupported version: %d (expected %d)", version, Version)
	}

	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()

	var payload Payload
	if err := json.NewDecoder(gz).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return &payload, nil
}

// Package writes payload to outputPath.
func Package(payload Payload, outputPath string) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if err := Write(f, payload); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Unpack reads the bundle at inputPath.
func Unpack(inputPath string) (*Payload, error) {
	f, err := os.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Source is what Export reads.
type Source interface {
	List(ctx context.Context, project string, limit int) ([]*memory.Memory, error)
	EmbeddingsFor(ctx context.Context, ids []string) (map[string][]float32, error)
}

// Export packages every memory of project (not the global pool) to
// outputPath and returns the manifest written.
func Export(ctx context.Context, src Source, project, description, outputPath string) (*Manifest, error) {
	mems, err := src.List(ctx, project, 0)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(mems))
	values := make([]memory.Memory, len(mems))
	tagSet := make(map[string]bool)
	var tags []string
	for i, m := range mems {
		ids[i] = m.ID
		values[i] = *m
		for _, t := range m.Tags {
			if !tagSet[t] {
				tagSet[t] = true
				tags = append(tags, t)
			}
		}
	}
	vecs, err := src.EmbeddingsFor(ctx, ids)
	if err != nil {
		return nil, err
	}

	manifest := Manifest{
		ID:          uuid.New().String(),
		Project:     project,
		Description: description,
		CreatedAt:   time.Now().UTC(),
		MemoryCount: len(values),
		Tags:        tags,
	}
	payload := Payload{Manifest: manifest, Memories: values}
	if len(vecs) > 0 {
		payload.Embeddings = vecs
	}
	if err := Package(payload, outputPath); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// Sink is what Import writes to.
type Sink interface {
	Write(ctx context.Context, m memory.NewMemory) (memory.WriteResult, error)
	PutEmbedding(ctx context.Context, entityType, entityID string, vec []float32) error
}

// ImportResult summarizes an import.
type ImportResult struct {
	Manifest   Manifest
	Imported   int
	Duplicates int
	Errors     []string
}

// Import writes the memories of the bundle at inputPath into project, or
// into the project recorded in each memory when project is empty. The
// original creation times are kept, so importing a bundle twice stores
// nothing the second time.
func Import(ctx context.Context, sink Sink, inputPath, project string) (*ImportResult, error) {
	payload, err := Unpack(inputPath)
	if err != nil {
		return nil, err
	}
	res := &ImportResult{Manifest: payload.Manifest}
	for _, m := range payload.Memories {
		target := project
		if target == "" {
			target = m.Project
		}
		wr, err := sink.Write(ctx, memory.NewMemory{
			Content:    m.Text(),
			Type:       m.Type,
			Tags:       m.Tags,
			Project:    target,
			Importance: m.Importance,
			Source:     SourceBundle,
			CreatedAt:  m.CreatedAt,
		})
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("memory %s: %v", m.ID, err))
			continue
		}
		if wr.Duplicate {
			res.Duplicates++
			continue
		}
		res.Imported++
		if vec, ok := payload.Embeddings[m.ID]; ok {
			if err := sink.PutEmbedding(ctx, memory.EntityMemory, wr.Memory.ID, vec); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("embedding %s: %v", m.ID, err))
			}
		}
	}
	return res, nil
}
