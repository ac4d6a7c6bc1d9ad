//go:build unix

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pbs-plus/pbx-backup/internal/backend/job"
	"github.com/pbs-plus/pbx-backup/internal/backend/schedule"
	"github.com/pbs-plus/pbx-backup/internal/store/types"
)

var validate = validator.New()

var ErrInvalidBackup = errors.New("invalid backup definition")

const backupColumns = `id, name, description, items, storage, schedule, schedule_enabled,
	maint_age, maint_runs, email, email_type, warmspare_enabled, warmspare_user,
	warmspare_remote_ip, last_transaction, last_status, last_run_at`

func validateBackup(def *types.BackupDefinition) error {
	if !job.ValidSubjectID(def.ID) {
		return fmt.Errorf("%w: invalid id string: %s", ErrInvalidBackup, def.ID)
	}
	if err := validate.Struct(def); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	if def.ScheduleEnabled || strings.TrimSpace(def.Schedule) != "" {
		if err := schedule.Validate(def.Schedule); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidBackup, err)
		}
	}
	if def.Items == nil {
		def.Items = []string{}
	}
	if def.Storage == nil {
		def.Storage = []string{}
	}
	return nil
}

// CreateBackup stores a new definition, assigning a UUID when ID is empty.
func (d *Database) CreateBackup(ctx context.Context, def types.BackupDefinition) (types.BackupDefinition, error) {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if err := validateBackup(&def); err != nil {
		return def, fmt.Errorf("CreateBackup: %w", err)
	}

	items, _ := json.Marshal(def.Items)
	storage, _ := json.Marshal(def.Storage)

	err := d.withTx(ctx, "CreateBackup", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO backups (`+backupColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			def.ID, def.Name, def.Description, string(items), string(storage), def.Schedule,
			def.ScheduleEnabled, def.MaintAge, def.MaintRuns, def.Email, def.EmailType,
			def.WarmSpareEnabled, def.WarmSpareUser, def.WarmSpareRemoteIP,
			def.LastTransaction, def.LastStatus, def.LastRunAt)
		if err != nil {
			return fmt.Errorf("CreateBackup: error inserting backup: %w", err)
		}
		return nil
	})
	return def, err
}

// UpdateBackup replaces the editable fields of an existing definition. Run
// status columns are left alone.
func (d *Database) UpdateBackup(ctx context.Context, def types.BackupDefinition) error {
	if err := validateBackup(&def); err != nil {
		return fmt.Errorf("UpdateBackup: %w", err)
	}

	items, _ := json.Marshal(def.Items)
	storage, _ := json.Marshal(def.Storage)

	return d.withTx(ctx, "UpdateBackup", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE backups SET name = ?, description = ?, items = ?,
			storage = ?, schedule = ?, schedule_enabled = ?, maint_age = ?, maint_runs = ?,
			email = ?, email_type = ?, warmspare_enabled = ?, warmspare_user = ?,
			warmspare_remote_ip = ? WHERE id = ?`,
			def.Name, def.Description, string(items), string(storage), def.Schedule,
			def.ScheduleEnabled, def.MaintAge, def.MaintRuns, def.Email, def.EmailType,
			def.WarmSpareEnabled, def.WarmSpareUser, def.WarmSpareRemoteIP, def.ID)
		if err != nil {
			return fmt.Errorf("UpdateBackup: error updating backup: %w", err)
		}
		return expectRow(res, "UpdateBackup")
	})
}

func (d *Database) SetBackupRunStatus(ctx context.Context, id, transaction, status string) error {
	return d.withTx(ctx, "SetBackupRunStatus", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE backups SET last_transaction = ?, last_status = ?, last_run_at = ? WHERE id = ?`,
			transaction, status, time.Now().Unix(), id)
		if err != nil {
			return fmt.Errorf("SetBackupRunStatus: error updating backup: %w", err)
		}
		return expectRow(res, "SetBackupRunStatus")
	})
}

func (d *Database) DeleteBackup(ctx context.Context, id string) error {
	return d.withTx(ctx, "DeleteBackup", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM backups WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("DeleteBackup: error deleting backup: %w", err)
		}
		return expectRow(res, "DeleteBackup")
	})
}

func (d *Database) GetBackup(ctx context.Context, id string) (types.BackupDefinition, error) {
	row := d.readDb.QueryRowContext(ctx, "SELECT "+backupColumns+" FROM backups WHERE id = ?", id)
	def, err := scanBackup(row)
	if err != nil {
		return def, fmt.Errorf("GetBackup: %w", err)
	}
	return def, nil
}

func (d *Database) GetAllBackups(ctx context.Context) ([]types.BackupDefinition, error) {
	rows, err := d.readDb.QueryContext(ctx, "SELECT "+backupColumns+" FROM backups ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("GetAllBackups: error querying backups: %w", err)
	}
	defer rows.Close()

	defs := []types.BackupDefinition{}
	for rows.Next() {
		def, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("GetAllBackups: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBackup(row scanner) (types.BackupDefinition, error) {
	var def types.BackupDefinition
	var items, storage string

	err := row.Scan(&def.ID, &def.Name, &def.Description, &items, &storage, &def.Schedule,
		&def.ScheduleEnabled, &def.MaintAge, &def.MaintRuns, &def.Email, &def.EmailType,
		&def.WarmSpareEnabled, &def.WarmSpareUser, &def.WarmSpareRemoteIP,
		&def.LastTransaction, &def.LastStatus, &def.LastRunAt)
	if err != nil {
		return def, err
	}

	if err := json.Unmarshal([]byte(items), &def.Items); err != nil {
		return def, fmt.Errorf("corrupt items for backup %s: %w", def.ID, err)
	}
	if err := json.Unmarshal([]byte(storage), &def.Storage); err != nil {
		return def, fmt.Errorf("corrupt storage for backup %s: %w", def.ID, err)
	}
	return def, nil
}

func expectRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, sql.ErrNoRows)
	}
	return nil
}

// IsNotFound reports whether err means the requested row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
