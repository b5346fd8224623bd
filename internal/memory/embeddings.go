package memory

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"go.uber.org/zap"
)

// EmbeddingDimensions is the vector width produced by the external embedder.
const EmbeddingDimensions = 384

// EntityMemory is the embeddings.entity_type of memory vectors.
const EntityMemory = "memory"

// PutEmbedding stores a vector for an entity, replacing any previous one.
// Vectors are computed elsewhere; this is the write side of that contract.
func (s *Store) PutEmbedding(ctx context.Context, entityType, entityID string, vec []float32) error {
	if len(vec) != s.dimensions {
		return fmt.Errorf("embedding has %d dimensions, want %d", len(vec), s.dimensions)
	}
	blob, err := sqlite_vec.SerializeFloat32(vec)
	if err != nil {
		return fmt.Errorf("failed to serialize embedding: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO embeddings (entity_type, entity_id, vector, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET vector = excluded.vector, created_at = excluded.created_at
	`, entityType, entityID, blob, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	if entityType == EntityMemory && s.vecIdx != nil {
		if err := s.vecIdx.Insert(entityID, vec, vectorHash(blob)); err != nil {
			s.logger.Debug("vec index insert failed", zap.String("id", entityID), zap.Error(err))
		}
	}
	return nil
}

// MemoryEmbeddings returns the vectors of every memory in the project scope
// (project plus global). Rows with a missing or malformed vector are absent.
func (s *Store) MemoryEmbeddings(ctx context.Context, project string) (map[string][]float32, error) {
	where, args := scope(project)
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.entity_id, e.vector
		FROM embeddings e
		JOIN memories m ON m.id = e.entity_id
		WHERE e.entity_type = ? AND `+where,
		append([]any{EntityMemory}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]float32)
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			continue
		}
		if vec, ok := DecodeVector(blob, s.dimensions); ok {
			out[id] = vec
		}
	}
	return out, rows.Err()
}

// EmbeddingsFor returns the vectors of the given memory ids. Missing or
// malformed vectors are absent from the map.
func (s *Store) EmbeddingsFor(ctx context.Context, ids []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := make([]string, len(ids))
	args := []any{EntityMemory}
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, vector FROM embeddings WHERE entity_type = ? AND entity_id IN (`+strings.Join(placeholders, ",")+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			continue
		}
		if vec, ok := DecodeVector(blob, s.dimensions); ok {
			out[id] = vec
		}
	}
	return out, rows.Err()
}

// Nearest returns up to k memory ids closest to vec by cosine distance using
// the sqlite-vec index. ok is false when the index is unavailable.
func (s *Store) Nearest(ctx context.Context, vec []float32, k int) (results []Neighbor, ok bool) {
	if s.vecIdx == nil || !s.vecIdx.available {
		return nil, false
	}
	res, err := s.vecIdx.Search(ctx, vec, k)
	if err != nil {
		s.logger.Debug("vec index search failed", zap.Error(err))
		return nil, false
	}
	return res, true
}

// DecodeVector accepts a JSON array, or the little-endian float32 blob
// written by PutEmbedding. JSON is tried first since a JSON text can have the
// same byte length as a binary vector. The vector must have exactly dims finite
// components.
func DecodeVector(raw []byte, dims int) ([]float32, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var vec []float32
	parsed := false
	if raw[0] == '[' {
		parsed = json.Unmarshal(raw, &vec) == nil
	}
	if !parsed {
		if len(raw) != dims*4 {
			return nil, false
		}
		vec = make([]float32, dims)
		for i := range vec {
			vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	}
	if len(vec) != dims {
		return nil, false
	}
	for _, v := range vec {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, false
		}
	}
	return vec, true
}

// CosineSimilarity returns dot(a,b)/(|a||b|), or 0 when the lengths differ
// or either norm is zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
