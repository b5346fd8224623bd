package ledger

import (
	"database/sql"
	"fmt"
)

// SQLBackend keeps the ledger in a table of the memory store's database.
type SQLBackend struct {
	db *sql.DB
}

// NewSQLBackend creates the commit_ledger table if needed.
func NewSQLBackend(db *sql.DB) (*SQLBackend, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS commit_ledger (
			project TEXT NOT NULL,
			position INTEGER NOT NULL,
			commit_id TEXT NOT NULL,
			PRIMARY KEY (project, position)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create commit_ledger: %w", err)
	}
	return &SQLBackend{db: db}, nil
}

// Load returns the project's ids ordered oldest first.
func (b *SQLBackend) Load(project string) ([]string, error) {
	rows, err := b.db.Query(`SELECT commit_id FROM commit_ledger WHERE project = ? ORDER BY position ASC`, project)
	if err != nil {
		return nil, fmt.Errorf("failed to read commit_ledger: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Save replaces the project's ids in one transaction.
func (b *SQLBackend) Save(project string, ids []string) error {
	tx, err := b.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM commit_ledger WHERE project = ?`, project); err != nil {
		return fmt.Errorf("failed to clear commit_ledger: %w", err)
	}
	for i, id := range ids {
		if _, err := tx.Exec(`INSERT INTO commit_ledger (project, position, commit_id) VALUES (?, ?, ?)`, project, i, id); err != nil {
			return fmt.Errorf("failed to write commit_ledger: %w", err)
		}
	}
	return tx.Commit()
}
