package memory

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"go.uber.org/zap"
)

func init() {
	sqlite_vec.Auto()
}

// vecIndex mirrors memory embeddings into a sqlite-vec vec0 table for KNN.
// Each mirrored row records the hash of the embeddings blob it was built
// from, so Sync can detect vectors rewritten by the external embedder.
// If the extension fails to load every operation is a no-op and callers fall
// back to a linear cosine scan.
type vecIndex struct {
	db         *sql.DB
	dimensions int
	available  bool
	logger     *zap.Logger
}

// Neighbor is a KNN hit.
type Neighbor struct {
	MemoryID string
	Distance float64
}

func newVecIndex(db *sql.DB, dimensions int, logger *zap.Logger) *vecIndex {
	vi := &vecIndex{db: db, dimensions: dimensions, logger: logger}
	if err := vi.ensureSchema(); err != nil {
		logger.Debug("sqlite-vec not available, using linear scan", zap.Error(err))
		return vi
	}
	vi.available = true
	return vi
}

func (vi *vecIndex) ensureSchema() error {
	var vecVersion string
	if err := vi.db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		return fmt.Errorf("vec_version() failed: %w", err)
	}

	if _, err := vi.db.Exec(`CREATE TABLE IF NOT EXISTS vec_metadata (key TEXT PRIMARY KEY, value TEXT)`); err != nil {
		return fmt.Errorf("failed to create vec_metadata: %w", err)
	}

	// vec0 needs integer rowids; memory ids are uuids
	if _, err := vi.db.Exec(`CREATE TABLE IF NOT EXISTS memory_vec_ids (
		vec_id INTEGER PRIMARY KEY AUTOINCREMENT,
		memory_id TEXT UNIQUE NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create vec ID mapping: %w", err)
	}
	// Migration: mirrors built before hashes were tracked get re-synced
	_, _ = vi.db.Exec(`ALTER TABLE memory_vec_ids ADD COLUMN vector_hash TEXT`)

	vi.handleDimensionChange()

	createSQL := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS memory_vectors USING vec0(embedding float[%d] distance_metric=cosine)`,
		vi.dimensions,
	)
	if _, err := vi.db.Exec(createSQL); err != nil {
		return fmt.Errorf("failed to create vec0 table: %w", err)
	}

	_, _ = vi.db.Exec(`INSERT OR REPLACE INTO vec_metadata (key, value) VALUES ('dimensions', ?)`,
		strconv.Itoa(vi.dimensions))
	return nil
}

// handleDimensionChange drops the vec0 table when the configured width no
// longer matches the one it was built with.
func (vi *vecIndex) handleDimensionChange() {
	var storedDim string
	if err := vi.db.QueryRow(`SELECT value FROM vec_metadata WHERE key = 'dimensions'`).Scan(&storedDim); err != nil {
		return
	}
	if storedDim == strconv.Itoa(vi.dimensions) {
		return
	}
	vi.logger.Warn("embedding dimensions changed, rebuilding vec index",
		zap.String("from", storedDim), zap.Int("to", vi.dimensions))
	_, _ = vi.db.Exec(`DROP TABLE IF EXISTS memory_vectors`)
	_, _ = vi.db.Exec(`DELETE FROM memory_vec_ids`)
}

// vectorHash identifies the raw embeddings blob a mirrored row came from.
func vectorHash(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])[:HashLength]
}

// Insert adds or replaces a memory's vector. hash is the vectorHash of the
// embeddings blob the vector was decoded from.
func (vi *vecIndex) Insert(memoryID string, embedding []float32, hash string) error {
	if !vi.available || len(embedding) != vi.dimensions {
		return nil
	}

	var vecID int64
	err := vi.db.QueryRow(`SELECT vec_id FROM memory_vec_ids WHERE memory_id = ?`, memoryID).Scan(&vecID)
	if err == sql.ErrNoRows {
		result, err := vi.db.Exec(`INSERT INTO memory_vec_ids (memory_id, vector_hash) VALUES (?, ?)`, memoryID, hash)
		if err != nil {
			return fmt.Errorf("failed to create vec ID mapping: %w", err)
		}
		vecID, _ = result.LastInsertId()
	} else if err != nil {
		return err
	} else if _, err := vi.db.Exec(`UPDATE memory_vec_ids SET vector_hash = ? WHERE vec_id = ?`, hash, vecID); err != nil {
		return fmt.Errorf("failed to update vec ID mapping: %w", err)
	}

	blob, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return fmt.Errorf("failed to serialize embedding: %w", err)
	}

	// vec0 has no ON CONFLICT
	_, _ = vi.db.Exec(`DELETE FROM memory_vectors WHERE rowid = ?`, vecID)
	if _, err := vi.db.Exec(`INSERT INTO memory_vectors (rowid, embedding) VALUES (?, ?)`, vecID, blob); err != nil {
		return fmt.Errorf("failed to insert into vec0: %w", err)
	}
	return nil
}

// Remove drops a memory from the mirror.
func (vi *vecIndex) Remove(vecID int64) error {
	if _, err := vi.db.Exec(`DELETE FROM memory_vectors WHERE rowid = ?`, vecID); err != nil {
		return fmt.Errorf("failed to delete from vec0: %w", err)
	}
	if _, err := vi.db.Exec(`DELETE FROM memory_vec_ids WHERE vec_id = ?`, vecID); err != nil {
		return fmt.Errorf("failed to delete vec ID mapping: %w", err)
	}
	return nil
}

// Search performs a KNN query and returns memory ids with cosine distances,
// nearest first.
func (vi *vecIndex) Search(ctx context.Context, query []float32, limit int) ([]Neighbor, error) {
	if !vi.available {
		return nil, fmt.Errorf("vec index not available")
	}

	blob, err := sqlite_vec.SerializeFloat32(query)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize query: %w", err)
	}

	// KNN on vec0 first, then map rowids back to memory ids
	rows, err := vi.db.QueryContext(ctx, `
		SELECT rowid, distance
		FROM memory_vectors
		WHERE embedding MATCH ?
		ORDER BY distance
		LIMIT ?
	`, blob, limit)
	if err != nil {
		return nil, err
	}
	type hit struct {
		rowID    int64
		distance float64
	}
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.rowID, &h.distance); err != nil {
			continue
		}
		hits = append(hits, h)
	}
	rows.Close()
	if len(hits) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(hits))
	args := make([]any, len(hits))
	for i, h := range hits {
		placeholders[i] = "?"
		args[i] = h.rowID
	}
	mapRows, err := vi.db.QueryContext(ctx,
		`SELECT vec_id, memory_id FROM memory_vec_ids WHERE vec_id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer mapRows.Close()
	idMap := make(map[int64]string, len(hits))
	for mapRows.Next() {
		var vecID int64
		var memID string
		if err := mapRows.Scan(&vecID, &memID); err != nil {
			continue
		}
		idMap[vecID] = memID
	}

	out := make([]Neighbor, 0, len(hits))
	for _, h := range hits {
		if id, ok := idMap[h.rowID]; ok {
			out = append(out, Neighbor{MemoryID: id, Distance: h.distance})
		}
	}
	return out, nil
}

// Sync brings the mirror in line with the embeddings table: new and
// rewritten vectors are (re)indexed, and rows whose embedding is gone or no
// longer decodes are removed. It returns how many rows changed.
func (vi *vecIndex) Sync() (int, error) {
	if !vi.available {
		return 0, nil
	}

	rows, err := vi.db.Query(`
		SELECT e.entity_id, e.vector, v.vec_id, v.vector_hash
		FROM embeddings e
		LEFT JOIN memory_vec_ids v ON v.memory_id = e.entity_id
		WHERE e.entity_type = ?
	`, EntityMemory)
	if err != nil {
		return 0, err
	}

	type pending struct {
		id   string
		vec  []float32
		hash string
	}
	var todo []pending
	var stale []int64
	for rows.Next() {
		var id string
		var blob []byte
		var vecID sql.NullInt64
		var indexed sql.NullString
		if err := rows.Scan(&id, &blob, &vecID, &indexed); err != nil {
			continue
		}
		hash := vectorHash(blob)
		if vecID.Valid && indexed.String == hash {
			continue
		}
		if vec, ok := DecodeVector(blob, vi.dimensions); ok {
			todo = append(todo, pending{id, vec, hash})
		} else if vecID.Valid {
			stale = append(stale, vecID.Int64)
		}
	}
	rows.Close()

	orphans, err := vi.db.Query(`
		SELECT vec_id FROM memory_vec_ids
		WHERE memory_id NOT IN (SELECT entity_id FROM embeddings WHERE entity_type = ?)
	`, EntityMemory)
	if err != nil {
		return 0, err
	}
	for orphans.Next() {
		var vecID int64
		if err := orphans.Scan(&vecID); err == nil {
			stale = append(stale, vecID)
		}
	}
	orphans.Close()

	count := 0
	var failed []string
	for _, p := range todo {
		if err := vi.Insert(p.id, p.vec, p.hash); err != nil {
			failed = append(failed, p.id)
			continue
		}
		count++
	}
	for _, vecID := range stale {
		if err := vi.Remove(vecID); err != nil {
			failed = append(failed, strconv.FormatInt(vecID, 10))
			continue
		}
		count++
	}
	if len(failed) > 0 {
		vi.logger.Debug("vec sync skipped rows", zap.String("ids", strings.Join(failed, ",")))
	}
	return count, nil
}
