//go:build unix

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pbs-plus/pbx-backup/internal/store/types"
)

const localFileColumns = "id, path, name, kind, timestamp, manifest_json, created_at"

func upsertLocalFile(ctx context.Context, tx *sql.Tx, f types.LocalFile) error {
	if f.CreatedAt == 0 {
		f.CreatedAt = time.Now().Unix()
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO local_files (`+localFileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET path = excluded.path, name = excluded.name,
			kind = excluded.kind, timestamp = excluded.timestamp,
			manifest_json = excluded.manifest_json`,
		f.ID, f.Path, f.Name, f.Kind, f.Timestamp, f.Manifest, f.CreatedAt)
	return err
}

func (d *Database) UpsertLocalFile(ctx context.Context, f types.LocalFile) error {
	return d.withTx(ctx, "UpsertLocalFile", func(tx *sql.Tx) error {
		if err := upsertLocalFile(ctx, tx, f); err != nil {
			return fmt.Errorf("UpsertLocalFile: error writing %s: %w", f.Path, err)
		}
		return nil
	})
}

// ReplaceLocalFiles clears the index and stores files in its place.
func (d *Database) ReplaceLocalFiles(ctx context.Context, files []types.LocalFile) error {
	return d.withTx(ctx, "ReplaceLocalFiles", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM local_files"); err != nil {
			return fmt.Errorf("ReplaceLocalFiles: error clearing index: %w", err)
		}
		for _, f := range files {
			if err := upsertLocalFile(ctx, tx, f); err != nil {
				return fmt.Errorf("ReplaceLocalFiles: error writing %s: %w", f.Path, err)
			}
		}
		return nil
	})
}

func (d *Database) DeleteLocalFile(ctx context.Context, id string) error {
	return d.withTx(ctx, "DeleteLocalFile", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM local_files WHERE id = ?", id); err != nil {
			return fmt.Errorf("DeleteLocalFile: error deleting %s: %w", id, err)
		}
		return nil
	})
}

func (d *Database) GetLocalFile(ctx context.Context, id string) (types.LocalFile, error) {
	var f types.LocalFile
	err := d.readDb.QueryRowContext(ctx, "SELECT "+localFileColumns+" FROM local_files WHERE id = ?", id).
		Scan(&f.ID, &f.Path, &f.Name, &f.Kind, &f.Timestamp, &f.Manifest, &f.CreatedAt)
	if err != nil {
		return f, fmt.Errorf("GetLocalFile: %w", err)
	}
	return f, nil
}

func (d *Database) GetAllLocalFiles(ctx context.Context) ([]types.LocalFile, error) {
	rows, err := d.readDb.QueryContext(ctx, "SELECT "+localFileColumns+" FROM local_files ORDER BY timestamp DESC, path")
	if err != nil {
		return nil, fmt.Errorf("GetAllLocalFiles: error querying files: %w", err)
	}
	defer rows.Close()

	files := []types.LocalFile{}
	for rows.Next() {
		var f types.LocalFile
		if err := rows.Scan(&f.ID, &f.Path, &f.Name, &f.Kind, &f.Timestamp, &f.Manifest, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("GetAllLocalFiles: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}
