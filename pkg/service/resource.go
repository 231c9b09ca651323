package service

import (
	"strconv"

	"github.com/bastion-games/bastion/pkg/cache"
	"github.com/bastion-games/bastion/pkg/errdefs"
	"github.com/bastion-games/bastion/pkg/types"
)

// ResourceService owns the five per-user resource scalars. All mutation goes
// through atomic integer field increments; multi-field sequences are
// serialized by the caller's per-user lock.
type ResourceService struct {
	deps   *Deps
	userID int64
}

// NewResourceService builds a ResourceService for one user
func NewResourceService(deps *Deps, userID int64) *ResourceService {
	return &ResourceService{deps: deps, userID: userID}
}

func (s *ResourceService) key() string {
	return cache.UserKey(classResource, s.userID)
}

// warm loads the resource hash from persistence if the cache lost it
func (s *ResourceService) warm() error {
	_, err := s.deps.classHash(classResource, types.SyncResources, s.userID)
	return err
}

// Info returns the full resource tuple, warming the cache on miss
func (s *ResourceService) Info() (types.Cost, error) {
	fields, err := s.deps.classHash(classResource, types.SyncResources, s.userID)
	if err != nil {
		return nil, err
	}
	out := make(types.Cost, len(types.ResourceTypes))
	for _, rt := range types.ResourceTypes {
		out[rt] = 0
		if raw, ok := fields[string(rt)]; ok {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, errdefs.Fatalf("resource %s of user %d is not an integer: %v", rt, s.userID, err)
			}
			out[rt] = n
		}
	}
	return out, nil
}

// Check reports whether the user can afford the given costs
func (s *ResourceService) Check(costs types.Cost) error {
	current, err := s.Info()
	if err != nil {
		return err
	}
	for _, rt := range types.ResourceTypes {
		if costs[rt] > current[rt] {
			return errdefs.Insufficient(rt)
		}
	}
	return nil
}

// Consume debits the given costs. On an insufficient field the partial
// decrements applied so far are reverse-applied, so the pre-call state is
// restored before the error returns.
func (s *ResourceService) Consume(costs types.Cost) error {
	if err := s.warm(); err != nil {
		return err
	}

	applied := make([]types.ResourceType, 0, len(costs))
	for _, rt := range types.ResourceTypes {
		amount := costs[rt]
		if amount < 0 {
			return errdefs.Validationf("negative cost for %s", rt)
		}
		if amount == 0 {
			continue
		}
		newVal, err := s.deps.Cache.IncrField(s.key(), string(rt), -amount)
		if err != nil {
			s.compensate(costs, applied)
			return err
		}
		if newVal < 0 {
			// Undo this field and every earlier one
			if _, err := s.deps.Cache.IncrField(s.key(), string(rt), amount); err != nil {
				return errdefs.Fatalf("failed to compensate %s for user %d: %v", rt, s.userID, err)
			}
			s.compensate(costs, applied)
			return errdefs.Insufficient(rt)
		}
		applied = append(applied, rt)
	}

	return s.deps.markDirty(types.SyncResources, s.userID)
}

func (s *ResourceService) compensate(costs types.Cost, applied []types.ResourceType) {
	for _, rt := range applied {
		// Best effort; a failure here is an invariant break worth surfacing
		// loudly, but the original error still wins.
		_, _ = s.deps.Cache.IncrField(s.key(), string(rt), costs[rt])
	}
}

// Produce credits the given gains
func (s *ResourceService) Produce(gains types.Cost) error {
	if err := s.warm(); err != nil {
		return err
	}
	for _, rt := range types.ResourceTypes {
		amount := gains[rt]
		if amount < 0 {
			return errdefs.Validationf("negative gain for %s", rt)
		}
		if amount == 0 {
			continue
		}
		if _, err := s.deps.Cache.IncrField(s.key(), string(rt), amount); err != nil {
			return err
		}
	}
	return s.deps.markDirty(types.SyncResources, s.userID)
}

// AtomicConsume debits a single resource field, compensating on
// insufficiency
func (s *ResourceService) AtomicConsume(rt types.ResourceType, amount int64) error {
	if amount <= 0 {
		return errdefs.Validationf("amount must be positive")
	}
	if err := s.warm(); err != nil {
		return err
	}
	newVal, err := s.deps.Cache.IncrField(s.key(), string(rt), -amount)
	if err != nil {
		return err
	}
	if newVal < 0 {
		if _, err := s.deps.Cache.IncrField(s.key(), string(rt), amount); err != nil {
			return errdefs.Fatalf("failed to compensate %s for user %d: %v", rt, s.userID, err)
		}
		return errdefs.Insufficient(rt)
	}
	return s.deps.markDirty(types.SyncResources, s.userID)
}

// grant seeds the initial resource tuple for a new user
func (s *ResourceService) grant(initial types.Cost) error {
	fields := make(map[string]string, len(types.ResourceTypes))
	for _, rt := range types.ResourceTypes {
		fields[string(rt)] = strconv.FormatInt(initial[rt], 10)
	}
	if err := s.deps.Cache.SetAll(s.key(), fields, classTTL[classResource]); err != nil {
		return err
	}
	return s.deps.markDirty(types.SyncResources, s.userID)
}
