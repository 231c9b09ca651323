package storage

import (
	"github.com/bastion-games/bastion/pkg/types"
)

// Store defines the persistence interface used by the login orchestrator,
// the sync workers, and the alliance service
type Store interface {
	// User profiles
	SaveUser(user *types.User) error
	GetUser(id int64) (*types.User, error)
	GetUserByAccount(accountID string) (*types.User, error)
	DeleteUser(id int64) error
	ListUsers() ([]*types.User, error)

	// Per-user class rows, keyed by entity idx within the user. Used by the
	// sync workers (ReplaceUserRows) and the login warmup (UserRows).
	ReplaceUserRows(class types.SyncClass, userID int64, rows map[string][]byte) error
	UserRows(class types.SyncClass, userID int64) (map[string][]byte, error)

	// Alliances are written through, not write-behind
	SaveAlliance(alliance *types.Alliance) error
	GetAlliance(id int64) (*types.Alliance, error)
	GetAllianceByName(name string) (*types.Alliance, error)
	ListAlliances() ([]*types.Alliance, error)
	DeleteAlliance(id int64) error

	// Named monotonic counters for id issuance
	NextID(counter string) (int64, error)
	SeedCounter(counter string, min int64) error

	Close() error
}
