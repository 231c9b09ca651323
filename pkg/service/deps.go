package service

import (
	"encoding/json"
	"math/rand"
	"strconv"
	"time"

	"github.com/bastion-games/bastion/pkg/cache"
	"github.com/bastion-games/bastion/pkg/config"
	"github.com/bastion-games/bastion/pkg/errdefs"
	"github.com/bastion-games/bastion/pkg/events"
	"github.com/bastion-games/bastion/pkg/locker"
	"github.com/bastion-games/bastion/pkg/queue"
	"github.com/bastion-games/bastion/pkg/storage"
	"github.com/bastion-games/bastion/pkg/types"
)

// Cache key prefixes per entity class
const (
	classUser     = "user"
	classResource = "resources"
	classBuilding = "building"
	classUnit     = "unit"
	classResearch = "research"
	classItem     = "item"
	classMission  = "mission"
	classShop     = "shop"
	classBuffPerm = "buff_perm"
	classBuffTemp = "buff_temp"
	classBuffSum  = "buff_total"
	classAlliance = "alliance"
)

// Per-class cache TTLs. High-churn classes stay hot longer; every write
// refreshes the window.
var classTTL = map[string]time.Duration{
	classUser:     24 * time.Hour,
	classResource: 24 * time.Hour,
	classBuilding: 12 * time.Hour,
	classUnit:     12 * time.Hour,
	classResearch: 12 * time.Hour,
	classItem:     6 * time.Hour,
	classMission:  6 * time.Hour,
	classShop:     24 * time.Hour,
	classBuffPerm: 12 * time.Hour,
	classBuffTemp: 12 * time.Hour,
	classAlliance: 12 * time.Hour,
}

// buffSumTTL bounds staleness of the aggregated buff cache
const buffSumTTL = 60 * time.Second

// Deps bundles the collaborators shared by every domain service. One Deps
// value is built at startup and handed to the dispatcher, the task worker and
// the login orchestrator.
type Deps struct {
	Cache   cache.Store
	Store   storage.Store
	Queue   *queue.Queue
	Locker  *locker.Locker
	Catalog *config.Catalog
	Events  *events.Broker

	// Now is the wall clock; tests override it
	Now func() time.Time

	// Rand drives weighted choices (chests, shop slots); tests seed it
	Rand *rand.Rand
}

// NowMs returns the current wall-clock time in unix milliseconds
func (d *Deps) NowMs() int64 {
	return d.Now().UnixMilli()
}

func (d *Deps) rng() *rand.Rand {
	if d.Rand != nil {
		return d.Rand
	}
	return rand.New(rand.NewSource(d.Now().UnixNano()))
}

// markDirty adds the user to the pending-sync set of a write-behind class
func (d *Deps) markDirty(class types.SyncClass, userID int64) error {
	return d.Cache.SAdd(cache.DirtyKey(string(class)), strconv.FormatInt(userID, 10))
}

// emit publishes a game event addressed to one user
func (d *Deps) emit(eventType events.EventType, userID int64, data map[string]interface{}) {
	if d.Events == nil {
		return
	}
	d.Events.Publish(&events.Event{
		Type:   eventType,
		UserID: userID,
		Data:   data,
	})
}

// classHash returns the full class hash for a user, warming the cache from
// persistence on miss. The warmed hash is cached with the class TTL.
func (d *Deps) classHash(prefix string, sync types.SyncClass, userID int64) (map[string]string, error) {
	key := cache.UserKey(prefix, userID)

	exists, err := d.Cache.Exists(key)
	if err != nil {
		return nil, err
	}
	if exists {
		return d.Cache.GetAll(key)
	}

	rows, err := d.Store.UserRows(sync, userID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return map[string]string{}, nil
	}
	fields, err := types.RowsToCacheFields(sync, rows)
	if err != nil {
		return nil, err
	}
	if err := d.Cache.SetAll(key, fields, classTTL[prefix]); err != nil {
		return nil, err
	}
	return fields, nil
}

// getRow unmarshals one JSON row field of a class hash into out. Returns
// false when the field is absent.
func (d *Deps) getRow(prefix string, userID int64, field string, out interface{}) (bool, error) {
	raw, ok, err := d.Cache.GetField(cache.UserKey(prefix, userID), field)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, errdefs.Fatalf("corrupt %s row %s of user %d: %v", prefix, field, userID, err)
	}
	return true, nil
}

// unmarshalRow decodes one JSON row value already read from a class hash
func unmarshalRow(raw string, out interface{}) error {
	return json.Unmarshal([]byte(raw), out)
}

// marshalRow encodes one row for a class hash field
func marshalRow(row interface{}) (string, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// setRow marshals one row into a class hash field
func (d *Deps) setRow(prefix string, userID int64, field string, row interface{}) error {
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return d.Cache.SetField(cache.UserKey(prefix, userID), field, string(data))
}

// weightedPick selects an index from weights proportionally. Returns -1 when
// all weights are zero.
func weightedPick(rng *rand.Rand, weights []int) int {
	total := 0
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return -1
	}
	n := rng.Intn(total)
	for i, w := range weights {
		n -= w
		if n < 0 {
			return i
		}
	}
	return len(weights) - 1
}
