package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	bolt "go.etcd.io/bbolt"

	"github.com/bastion-games/bastion/pkg/errdefs"
	"github.com/bastion-games/bastion/pkg/types"
)

var (
	// Bucket names
	bucketUsers      = []byte("users")
	bucketResources  = []byte("resources")
	bucketBuildings  = []byte("buildings")
	bucketUnits      = []byte("units")
	bucketResearches = []byte("researches")
	bucketItems      = []byte("items")
	bucketMissions   = []byte("missions")
	bucketAlliances  = []byte("alliances")
	bucketCounters   = []byte("counters")
)

// Counter names
const (
	CounterUsers     = "users"
	CounterAlliances = "alliances"
)

func classBucket(class types.SyncClass) ([]byte, error) {
	switch class {
	case types.SyncBuilding:
		return bucketBuildings, nil
	case types.SyncUnit:
		return bucketUnits, nil
	case types.SyncResearch:
		return bucketResearches, nil
	case types.SyncResources:
		return bucketResources, nil
	case types.SyncMission:
		return bucketMissions, nil
	case types.SyncItem:
		return bucketItems, nil
	}
	return nil, fmt.Errorf("unknown sync class: %s", class)
}

// rowKey builds the composite key for a per-user class row
func rowKey(userID int64, idx string) []byte {
	return []byte(strconv.FormatInt(userID, 10) + "/" + idx)
}

// userPrefix is the key prefix covering every class row of one user
func userPrefix(userID int64) []byte {
	return []byte(strconv.FormatInt(userID, 10) + "/")
}

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database and its buckets
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "bastion.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketUsers,
			bucketResources,
			bucketBuildings,
			bucketUnits,
			bucketResearches,
			bucketItems,
			bucketMissions,
			bucketAlliances,
			bucketCounters,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	s := &BoltStore{db: db}
	if err := s.seedCounters(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// seedCounters anchors the id counters at MAX(existing id) so restart never
// reissues an id.
func (s *BoltStore) seedCounters() error {
	var maxUser, maxAlliance int64

	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			if id, err := strconv.ParseInt(string(k), 10, 64); err == nil && id > maxUser {
				maxUser = id
			}
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketAlliances).ForEach(func(k, v []byte) error {
			if id, err := strconv.ParseInt(string(k), 10, 64); err == nil && id > maxAlliance {
				maxAlliance = id
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	if err := s.SeedCounter(CounterUsers, maxUser); err != nil {
		return err
	}
	return s.SeedCounter(CounterAlliances, maxAlliance)
}

// --- User operations ---

func (s *BoltStore) SaveUser(user *types.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		data, err := json.Marshal(user)
		if err != nil {
			return err
		}
		return b.Put([]byte(strconv.FormatInt(user.ID, 10)), data)
	})
}

func (s *BoltStore) GetUser(id int64) (*types.User, error) {
	var user types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		data := b.Get([]byte(strconv.FormatInt(id, 10)))
		if data == nil {
			return errdefs.NotFoundf("user %d", id)
		}
		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *BoltStore) GetUserByAccount(accountID string) (*types.User, error) {
	var found *types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		return b.ForEach(func(k, v []byte) error {
			var user types.User
			if err := json.Unmarshal(v, &user); err != nil {
				return err
			}
			if user.AccountID == accountID {
				found = &user
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errdefs.NotFoundf("account %s", accountID)
	}
	return found, nil
}

func (s *BoltStore) ListUsers() ([]*types.User, error) {
	var users []*types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		return b.ForEach(func(k, v []byte) error {
			var user types.User
			if err := json.Unmarshal(v, &user); err != nil {
				return err
			}
			users = append(users, &user)
			return nil
		})
	})
	return users, err
}

// DeleteUser removes the profile and cascades over every class bucket
func (s *BoltStore) DeleteUser(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketUsers).Delete([]byte(strconv.FormatInt(id, 10))); err != nil {
			return err
		}
		prefix := userPrefix(id)
		for _, class := range types.SyncClasses {
			bucket, err := classBucket(class)
			if err != nil {
				return err
			}
			c := tx.Bucket(bucket).Cursor()
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// --- Per-user class rows ---

// ReplaceUserRows upserts the given rows for one user and deletes rows that
// disappeared from the cache, all in a single transaction. This is the
// write-behind flush primitive; running it twice with the same snapshot is a
// no-op the second time.
func (s *BoltStore) ReplaceUserRows(class types.SyncClass, userID int64, rows map[string][]byte) error {
	bucket, err := classBucket(class)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		prefix := userPrefix(userID)

		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			idx := string(k[len(prefix):])
			if _, ok := rows[idx]; !ok {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}

		for idx, data := range rows {
			if err := b.Put(rowKey(userID, idx), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// UserRows returns every class row of one user, keyed by entity idx
func (s *BoltStore) UserRows(class types.SyncClass, userID int64) (map[string][]byte, error) {
	bucket, err := classBucket(class)
	if err != nil {
		return nil, err
	}

	rows := make(map[string][]byte)
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		prefix := userPrefix(userID)

		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			idx := string(k[len(prefix):])
			data := make([]byte, len(v))
			copy(data, v)
			rows[idx] = data
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// --- Alliance operations ---

func (s *BoltStore) SaveAlliance(alliance *types.Alliance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlliances)
		data, err := json.Marshal(alliance)
		if err != nil {
			return err
		}
		return b.Put([]byte(strconv.FormatInt(alliance.ID, 10)), data)
	})
}

func (s *BoltStore) GetAlliance(id int64) (*types.Alliance, error) {
	var alliance types.Alliance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlliances)
		data := b.Get([]byte(strconv.FormatInt(id, 10)))
		if data == nil {
			return errdefs.NotFoundf("alliance %d", id)
		}
		return json.Unmarshal(data, &alliance)
	})
	if err != nil {
		return nil, err
	}
	return &alliance, nil
}

func (s *BoltStore) GetAllianceByName(name string) (*types.Alliance, error) {
	var found *types.Alliance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlliances)
		return b.ForEach(func(k, v []byte) error {
			var alliance types.Alliance
			if err := json.Unmarshal(v, &alliance); err != nil {
				return err
			}
			if alliance.Name == name {
				found = &alliance
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errdefs.NotFoundf("alliance %q", name)
	}
	return found, nil
}

func (s *BoltStore) ListAlliances() ([]*types.Alliance, error) {
	var alliances []*types.Alliance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlliances)
		return b.ForEach(func(k, v []byte) error {
			var alliance types.Alliance
			if err := json.Unmarshal(v, &alliance); err != nil {
				return err
			}
			alliances = append(alliances, &alliance)
			return nil
		})
	})
	return alliances, err
}

func (s *BoltStore) DeleteAlliance(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlliances)
		return b.Delete([]byte(strconv.FormatInt(id, 10)))
	})
}

// --- Counters ---

// NextID atomically increments and returns the named counter. The new id is
// durable once this returns.
func (s *BoltStore) NextID(counter string) (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		cur := int64(0)
		if raw := b.Get([]byte(counter)); raw != nil {
			v, err := strconv.ParseInt(string(raw), 10, 64)
			if err != nil {
				return fmt.Errorf("counter %s is corrupt: %w", counter, err)
			}
			cur = v
		}
		id = cur + 1
		return b.Put([]byte(counter), []byte(strconv.FormatInt(id, 10)))
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// SeedCounter raises the named counter to min if it is below it
func (s *BoltStore) SeedCounter(counter string, min int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		cur := int64(0)
		if raw := b.Get([]byte(counter)); raw != nil {
			v, err := strconv.ParseInt(string(raw), 10, 64)
			if err != nil {
				return fmt.Errorf("counter %s is corrupt: %w", counter, err)
			}
			cur = v
		}
		if cur >= min {
			return nil
		}
		return b.Put([]byte(counter), []byte(strconv.FormatInt(min, 10)))
	})
}
