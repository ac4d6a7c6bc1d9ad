//go:build unix

package store

import (
	"context"
	"fmt"

	"github.com/pbs-plus/pbx-backup/internal/store/sqlite"
	"github.com/pbs-plus/pbx-backup/internal/store/system"
)

// Store bundles the persistent state of the service.
type Store struct {
	Ctx      context.Context
	Database *sqlite.Database
	Cron     *system.Crontab
}

// Initialize opens the database. paths takes "sqlite" for the database file
// and "locker" for the lock server socket.
func Initialize(ctx context.Context, paths map[string]string) (*Store, error) {
	db, err := sqlite.Initialize(paths["sqlite"], paths["locker"])
	if err != nil {
		return nil, fmt.Errorf("Initialize: error initializing database -> %w", err)
	}

	return &Store{
		Ctx:      ctx,
		Database: db,
		Cron:     &system.Crontab{},
	}, nil
}

func (s *Store) Close() error {
	return s.Database.Close()
}
