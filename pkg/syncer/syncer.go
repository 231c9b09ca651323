package syncer

import (
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bastion-games/bastion/pkg/cache"
	"github.com/bastion-games/bastion/pkg/log"
	"github.com/bastion-games/bastion/pkg/metrics"
	"github.com/bastion-games/bastion/pkg/storage"
	"github.com/bastion-games/bastion/pkg/types"
)

// Cadences stagger flush frequency by how much data loss each class can
// tolerate. Construction state flushes fast, mission progress slow.
var Cadences = map[types.SyncClass]time.Duration{
	types.SyncBuilding:  10 * time.Second,
	types.SyncResearch:  10 * time.Second,
	types.SyncUnit:      30 * time.Second,
	types.SyncResources: 60 * time.Second,
	types.SyncItem:      60 * time.Second,
	types.SyncMission:   120 * time.Second,
}

// Syncer runs one flush worker per write-behind class
type Syncer struct {
	cache cache.Store
	store storage.Store

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a Syncer over the cache and store
func New(c cache.Store, s storage.Store) *Syncer {
	return &Syncer{
		cache:  c,
		store:  s,
		stopCh: make(chan struct{}),
	}
}

// Start launches one worker goroutine per class
func (s *Syncer) Start() {
	for _, class := range types.SyncClasses {
		interval := Cadences[class]
		if interval <= 0 {
			interval = 60 * time.Second
		}
		s.wg.Add(1)
		go s.run(class, interval)
		metrics.RegisterComponent(syncComponent(class), true, "running")
	}
	logger := log.WithComponent("syncer")
	logger.Info().
		Int("classes", len(types.SyncClasses)).
		Msg("Sync workers started")
}

// Stop terminates the workers and performs one final forced flush so nothing
// dirty is lost on shutdown.
func (s *Syncer) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.Drain()
}

func syncComponent(class types.SyncClass) string {
	return "sync_workers:" + string(class)
}

func (s *Syncer) run(class types.SyncClass, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.FlushClass(class)
		}
	}
}

// Drain flushes every class once and waits for all of them. Classes own
// disjoint pending sets, so the flushes run concurrently. Called on shutdown
// and from tests.
func (s *Syncer) Drain() {
	var g errgroup.Group
	for _, class := range types.SyncClasses {
		class := class
		g.Go(func() error {
			s.FlushClass(class)
			return nil
		})
	}
	_ = g.Wait()
	logger := log.WithComponent("syncer")
	logger.Info().Msg("Write-behind drain complete")
}

// FlushClass snapshots the pending-user set of one class and flushes each
// user. A failed user flush goes back into the pending set.
func (s *Syncer) FlushClass(class types.SyncClass) {
	logger := log.WithComponent("syncer").With().Str("class", string(class)).Logger()
	start := time.Now()

	pending, err := s.cache.SPopAll(cache.DirtyKey(string(class)))
	if err != nil {
		metrics.SyncFailures.WithLabelValues(string(class)).Inc()
		metrics.UpdateComponent(syncComponent(class), false, err.Error())
		logger.Error().Err(err).Msg("Failed to snapshot pending users")
		return
	}
	metrics.SyncCyclesTotal.WithLabelValues(string(class)).Inc()
	if len(pending) == 0 {
		metrics.UpdateComponent(syncComponent(class), true, "idle")
		return
	}

	flushed := 0
	for _, raw := range pending {
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			logger.Error().Str("member", raw).Msg("Dropping malformed pending-user entry")
			continue
		}
		if err := s.flushUser(class, userID); err != nil {
			metrics.SyncFailures.WithLabelValues(string(class)).Inc()
			logger.Error().Err(err).Int64("user_no", userID).Msg("User flush failed")
			// Put the user back so the next cycle retries
			if rerr := s.cache.SAdd(cache.DirtyKey(string(class)), raw); rerr != nil {
				logger.Error().Err(rerr).Int64("user_no", userID).Msg("Failed to re-mark user dirty")
			}
			continue
		}
		flushed++
	}

	lag := time.Since(start)
	metrics.SyncUsersFlushed.WithLabelValues(string(class)).Add(float64(flushed))
	metrics.SyncLagSeconds.WithLabelValues(string(class)).Set(lag.Seconds())
	metrics.UpdateComponent(syncComponent(class), true, "lag "+lag.Truncate(time.Millisecond).String())

	logger.Debug().
		Int("flushed", flushed).
		Int("pending", len(pending)).
		Dur("took", lag).
		Msg("Flush cycle complete")
}

// flushUser converts one user's cache hash to rows and replaces the stored
// rows transactionally. A hash evicted between dirtying and flushing is
// skipped; the persisted rows stay authoritative.
func (s *Syncer) flushUser(class types.SyncClass, userID int64) error {
	key := cache.UserKey(string(class), userID)
	exists, err := s.cache.Exists(key)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	fields, err := s.cache.GetAll(key)
	if err != nil {
		return err
	}
	rows, err := types.CacheFieldsToRows(class, userID, fields)
	if err != nil {
		return err
	}
	return s.store.ReplaceUserRows(class, userID, rows)
}
