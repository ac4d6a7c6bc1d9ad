//go:build unix

package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	rpclocker "github.com/pbs-plus/pbx-backup/internal/proxy/locker"
	"github.com/pbs-plus/pbx-backup/internal/store/constants"
	"github.com/pbs-plus/pbx-backup/internal/syslog"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Database is our SQLite-backed store. Writes from the server and from job
// processes are serialized through the lock server when it is reachable.
type Database struct {
	readDb      *sql.DB
	writeDb     *sql.DB
	writeMu     sync.Mutex
	writeLocker *rpclocker.LockerClient
	dbPath      string
}

func dsn(dbPath string, readOnly bool) string {
	if readOnly {
		return "file:" + dbPath + "?mode=ro&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	return "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
}

// Initialize opens (or creates) the SQLite database at dbPath and migrates it
// to the latest schema. lockSocket may be empty or unreachable, in which case
// writes are only serialized within this process.
func Initialize(dbPath, lockSocket string) (*Database, error) {
	if dbPath == "" {
		dbPath = constants.DefaultDbPath
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("Initialize: error creating DB directory: %w", err)
	}

	writeDb, err := sql.Open("sqlite", dsn(dbPath, false))
	if err != nil {
		return nil, fmt.Errorf("Initialize: error opening DB: %w", err)
	}
	writeDb.SetMaxOpenConns(1)

	if err := migrateDb(dbPath); err != nil {
		writeDb.Close()
		return nil, fmt.Errorf("Initialize: error migrating tables: %w", err)
	}

	readDb, err := sql.Open("sqlite", dsn(dbPath, true))
	if err != nil {
		writeDb.Close()
		return nil, fmt.Errorf("Initialize: error opening DB: %w", err)
	}

	var locker *rpclocker.LockerClient
	if lockSocket != "" {
		locker, err = rpclocker.NewLockerClient(lockSocket)
		if err != nil {
			syslog.L.Debug().
				WithMessage("lock server unavailable, using in-process write lock").
				WithField("socket", lockSocket).
				Write()
			locker = nil
		}
	}

	return &Database{
		dbPath:      dbPath,
		readDb:      readDb,
		writeDb:     writeDb,
		writeLocker: locker,
	}, nil
}

// migrateDb runs on its own connection since closing the migrate instance
// closes the database handle it was given.
func migrateDb(dbPath string) error {
	db, err := sql.Open("sqlite", dsn(dbPath, false))
	if err != nil {
		return err
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return err
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		db.Close()
		return err
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		db.Close()
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (d *Database) Close() error {
	if d.writeLocker != nil {
		_ = d.writeLocker.Close()
	}
	return errors.Join(d.readDb.Close(), d.writeDb.Close())
}

// writeLock reports whether the lock server granted the lock.
func (d *Database) writeLock() bool {
	if d.writeLocker != nil && d.writeLocker.Lock(constants.DbWriteLockKey) == nil {
		return true
	}

	d.writeMu.Lock()
	return false
}

func (d *Database) writeUnlock(remote bool) {
	if remote {
		if err := d.writeLocker.Unlock(constants.DbWriteLockKey); err != nil {
			syslog.L.Error(err).WithMessage("failed to release db write lock").Write()
		}
		return
	}

	d.writeMu.Unlock()
}

// withTx runs fn in a write transaction, committing when it returns nil.
func (d *Database) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) (err error) {
	defer d.writeUnlock(d.writeLock())

	tx, err := d.writeDb.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("%s: failed to begin transaction: %w", op, err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		} else if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				syslog.L.Error(fmt.Errorf("%s: failed to rollback transaction: %w", op, rbErr)).Write()
			}
		} else if cErr := tx.Commit(); cErr != nil {
			err = fmt.Errorf("%s: failed to commit transaction: %w", op, cErr)
			syslog.L.Error(err).Write()
		}
	}()

	return fn(tx)
}
