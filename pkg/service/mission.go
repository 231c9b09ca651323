package service

import (
	"strconv"

	"github.com/bastion-games/bastion/pkg/config"
	"github.com/bastion-games/bastion/pkg/errdefs"
	"github.com/bastion-games/bastion/pkg/events"
	"github.com/bastion-games/bastion/pkg/log"
	"github.com/bastion-games/bastion/pkg/types"
)

// Mission categories; each maps to one predicate over user state
const (
	MissionCategoryBuilding = "building"
	MissionCategoryUnit     = "unit"
	MissionCategoryResearch = "research"
)

// MissionService tracks per-user mission progress. Completion is evaluated by
// re-checking category predicates against current state whenever something in
// the category changes; missions never un-complete.
type MissionService struct {
	deps   *Deps
	userID int64
}

// NewMissionService builds a MissionService for one user
func NewMissionService(deps *Deps, userID int64) *MissionService {
	return &MissionService{deps: deps, userID: userID}
}

// Info returns every materialized progress row, warming the cache on miss
func (s *MissionService) Info() (map[int]*types.MissionProgress, error) {
	fields, err := s.deps.classHash(classMission, types.SyncMission, s.userID)
	if err != nil {
		return nil, err
	}
	out := make(map[int]*types.MissionProgress, len(fields))
	for f, raw := range fields {
		idx, err := strconv.Atoi(f)
		if err != nil {
			return nil, errdefs.Fatalf("malformed mission idx %q of user %d", f, s.userID)
		}
		var p types.MissionProgress
		if err := unmarshalRow(raw, &p); err != nil {
			return nil, errdefs.Fatalf("corrupt mission %d of user %d: %v", idx, s.userID, err)
		}
		out[idx] = &p
	}
	return out, nil
}

func (s *MissionService) put(p *types.MissionProgress) error {
	if err := s.deps.setRow(classMission, s.userID, strconv.Itoa(p.MissionIdx), p); err != nil {
		return err
	}
	return s.deps.markDirty(types.SyncMission, s.userID)
}

// CheckCategory re-evaluates every mission of a category and completes the
// newly satisfied ones. It runs inside other services' completion paths, so
// failures are logged rather than propagated.
func (s *MissionService) CheckCategory(category string) {
	if err := s.checkCategory(category); err != nil {
		logger := log.WithComponent("mission")
		logger.Error().
			Err(err).
			Int64("user_no", s.userID).
			Str("category", category).
			Msg("Mission check failed")
	}
}

func (s *MissionService) checkCategory(category string) error {
	specs := s.deps.Catalog.MissionsByCategory(category)
	if len(specs) == 0 {
		return nil
	}
	progress, err := s.Info()
	if err != nil {
		return err
	}

	for _, m := range specs {
		if p := progress[m.Idx]; p != nil && p.CompletedAt > 0 {
			continue
		}
		if !s.prereqsDone(m, progress) {
			continue
		}
		met, err := s.predicate(m)
		if err != nil {
			return err
		}
		if !met {
			continue
		}

		p := progress[m.Idx]
		if p == nil {
			p = &types.MissionProgress{UserID: s.userID, MissionIdx: m.Idx}
			progress[m.Idx] = p
		}
		p.CompletedAt = s.deps.NowMs()
		if m.AutoClaim {
			if err := s.grantRewards(m); err != nil {
				return err
			}
			p.ClaimedAt = p.CompletedAt
		}
		if err := s.put(p); err != nil {
			return err
		}

		s.deps.emit(events.EventMissionComplete, s.userID, map[string]interface{}{
			"mission_idx": m.Idx,
			"auto_claim":  m.AutoClaim,
		})
	}
	return nil
}

func (s *MissionService) prereqsDone(m *config.MissionSpec, progress map[int]*types.MissionProgress) bool {
	for _, idx := range m.Prereqs {
		p := progress[idx]
		if p == nil || p.CompletedAt == 0 {
			return false
		}
	}
	return true
}

// predicate evaluates a mission's completion condition against user state.
// TargetIdx 0 counts entities across the category; otherwise the target
// entity's level (or unit count) must reach the threshold.
func (s *MissionService) predicate(m *config.MissionSpec) (bool, error) {
	switch m.Category {
	case MissionCategoryBuilding:
		buildings, err := NewBuildingService(s.deps, s.userID).Info()
		if err != nil {
			return false, err
		}
		if m.TargetIdx == 0 {
			return int64(len(buildings)) >= m.Threshold, nil
		}
		b := buildings[m.TargetIdx]
		return b != nil && int64(b.Level) >= m.Threshold, nil

	case MissionCategoryUnit:
		units, err := NewUnitService(s.deps, s.userID).Info()
		if err != nil {
			return false, err
		}
		if m.TargetIdx == 0 {
			var total int64
			for _, g := range units {
				total += g.Total
			}
			return total >= m.Threshold, nil
		}
		g := units[m.TargetIdx]
		return g != nil && g.Total >= m.Threshold, nil

	case MissionCategoryResearch:
		researches, err := NewResearchService(s.deps, s.userID).Info()
		if err != nil {
			return false, err
		}
		if m.TargetIdx == 0 {
			var done int64
			for _, r := range researches {
				if r.Level > 0 {
					done++
				}
			}
			return done >= m.Threshold, nil
		}
		r := researches[m.TargetIdx]
		return r != nil && int64(r.Level) >= m.Threshold, nil
	}
	return false, errdefs.Validationf("unknown mission category %q", m.Category)
}

func (s *MissionService) grantRewards(m *config.MissionSpec) error {
	items := NewItemService(s.deps, s.userID)
	for _, r := range m.Rewards {
		if err := items.Add(r.ItemIdx, r.Quantity); err != nil {
			return err
		}
	}
	return nil
}

// Claim hands out the rewards of a completed mission
func (s *MissionService) Claim(idx int) (*types.MissionProgress, error) {
	release, err := s.deps.Locker.AcquireUser(s.userID)
	if err != nil {
		return nil, err
	}
	defer release()

	m, ok := s.deps.Catalog.Missions[idx]
	if !ok {
		return nil, errdefs.Validationf("unknown mission %d", idx)
	}

	progress, err := s.Info()
	if err != nil {
		return nil, err
	}
	p := progress[idx]
	if p == nil || p.CompletedAt == 0 {
		return nil, errdefs.Conflictf("mission %d is not completed", idx)
	}
	if p.ClaimedAt > 0 {
		return nil, errdefs.Conflictf("mission %d is already claimed", idx)
	}

	if err := s.grantRewards(m); err != nil {
		return nil, err
	}
	p.ClaimedAt = s.deps.NowMs()
	if err := s.put(p); err != nil {
		return nil, err
	}
	return p, nil
}
