//go:build unix

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

func (d *Database) GetModuleSettings(ctx context.Context, backupID, module string) (map[string]string, error) {
	rows, err := d.readDb.QueryContext(ctx,
		"SELECT key, value FROM module_settings WHERE backup_id = ? AND module = ?", backupID, module)
	if err != nil {
		return nil, fmt.Errorf("GetModuleSettings: error querying settings: %w", err)
	}
	defer rows.Close()

	settings := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("GetModuleSettings: %w", err)
		}
		settings[k] = v
	}
	return settings, rows.Err()
}

// SetModuleSettings replaces every setting the module keeps for backupID.
func (d *Database) SetModuleSettings(ctx context.Context, backupID, module string, settings map[string]string) error {
	return d.withTx(ctx, "SetModuleSettings", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM module_settings WHERE backup_id = ? AND module = ?", backupID, module); err != nil {
			return fmt.Errorf("SetModuleSettings: error clearing settings: %w", err)
		}
		for k, v := range settings {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO module_settings (backup_id, module, key, value) VALUES (?, ?, ?, ?)",
				backupID, module, k, v); err != nil {
				return fmt.Errorf("SetModuleSettings: error inserting %s: %w", k, err)
			}
		}
		return nil
	})
}
