package locker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bastion-games/bastion/pkg/errdefs"
)

// DefaultTimeout is how long an acquisition waits before failing
const DefaultTimeout = 10 * time.Second

// Locker hands out named in-process locks. Every write path for user U holds
// "user:U" for the duration of the logical operation; alliance mutations
// additionally hold "alliance:A", always acquired after the user lock.
type Locker struct {
	mu      sync.Mutex
	locks   map[string]*namedLock
	timeout time.Duration
}

type namedLock struct {
	ch   chan struct{} // capacity 1, holds a token while locked
	refs int           // waiters + holder, for map cleanup
}

// New creates a Locker with the given acquisition timeout. A zero timeout
// selects DefaultTimeout.
func New(timeout time.Duration) *Locker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Locker{
		locks:   make(map[string]*namedLock),
		timeout: timeout,
	}
}

// UserKey names the per-user lock
func UserKey(userID int64) string {
	return fmt.Sprintf("user:%d", userID)
}

// AllianceKey names the per-alliance lock
func AllianceKey(allianceID int64) string {
	return fmt.Sprintf("alliance:%d", allianceID)
}

// Acquire blocks until the named lock is held or the timeout elapses. It
// returns the release function; callers defer it.
func (l *Locker) Acquire(name string) (func(), error) {
	l.mu.Lock()
	nl, ok := l.locks[name]
	if !ok {
		nl = &namedLock{ch: make(chan struct{}, 1)}
		l.locks[name] = nl
	}
	nl.refs++
	l.mu.Unlock()

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case nl.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-nl.ch
				l.release(name, nl)
			})
		}, nil
	case <-timer.C:
		l.release(name, nl)
		return nil, fmt.Errorf("%w: %s", errdefs.ErrLockTimeout, name)
	}
}

func (l *Locker) release(name string, nl *namedLock) {
	l.mu.Lock()
	nl.refs--
	if nl.refs == 0 {
		delete(l.locks, name)
	}
	l.mu.Unlock()
}

// AcquireUser locks the per-user lock
func (l *Locker) AcquireUser(userID int64) (func(), error) {
	return l.Acquire(UserKey(userID))
}

// AcquireUserAlliance locks user first, alliance second. The fixed order is
// the deadlock-avoidance rule for composed alliance operations.
func (l *Locker) AcquireUserAlliance(userID, allianceID int64) (func(), error) {
	return l.AcquireUsersAlliance(allianceID, userID)
}

// AcquireUsersAlliance locks every listed user in ascending id order and then
// the alliance. Operations touching several users' rows go through here so
// all lock paths share one global order.
func (l *Locker) AcquireUsersAlliance(allianceID int64, userIDs ...int64) (func(), error) {
	ids := append([]int64(nil), userIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var releases []func()
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	var prev int64 = -1
	for _, id := range ids {
		if id == prev {
			continue
		}
		prev = id
		release, err := l.Acquire(UserKey(id))
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	release, err := l.Acquire(AllianceKey(allianceID))
	if err != nil {
		releaseAll()
		return nil, err
	}
	releases = append(releases, release)
	return releaseAll, nil
}
