package service

import (
	"strconv"

	"github.com/bastion-games/bastion/pkg/errdefs"
	"github.com/bastion-games/bastion/pkg/events"
	"github.com/bastion-games/bastion/pkg/queue"
	"github.com/bastion-games/bastion/pkg/types"
)

// Buff target and stat names used by the domain services
const (
	TargetBuilding = "building"
	TargetResearch = "research"
	TargetUnit     = "unit"
	TargetAlliance = "alliance"

	StatBuildTime    = "build_time"
	StatResearchTime = "research_time"
	StatTrainTime    = "train_time"
	StatProduction   = "production"
)

// BuildingService owns the per-user building set
type BuildingService struct {
	deps   *Deps
	userID int64
	buffs  *BuffService
}

// NewBuildingService builds a BuildingService for one user
func NewBuildingService(deps *Deps, userID int64) *BuildingService {
	return &BuildingService{
		deps:   deps,
		userID: userID,
		buffs:  NewBuffService(deps, userID),
	}
}

// Info returns every building of the user, warming the cache on miss
func (s *BuildingService) Info() (map[int]*types.Building, error) {
	fields, err := s.deps.classHash(classBuilding, types.SyncBuilding, s.userID)
	if err != nil {
		return nil, err
	}
	out := make(map[int]*types.Building, len(fields))
	for f, raw := range fields {
		idx, err := strconv.Atoi(f)
		if err != nil {
			return nil, errdefs.Fatalf("malformed building idx %q of user %d", f, s.userID)
		}
		var b types.Building
		if err := unmarshalRow(raw, &b); err != nil {
			return nil, errdefs.Fatalf("corrupt building %d of user %d: %v", idx, s.userID, err)
		}
		out[idx] = &b
	}
	return out, nil
}

func (s *BuildingService) get(idx int) (*types.Building, bool, error) {
	var b types.Building
	ok, err := s.deps.getRow(classBuilding, s.userID, strconv.Itoa(idx), &b)
	if err != nil || !ok {
		return nil, false, err
	}
	return &b, true, nil
}

func (s *BuildingService) put(b *types.Building) error {
	if err := s.deps.setRow(classBuilding, s.userID, strconv.Itoa(b.BuildingIdx), b); err != nil {
		return err
	}
	return s.deps.markDirty(types.SyncBuilding, s.userID)
}

// Create places a new building. First placement is instant: the record is
// created at level 1 Idle with no construction timer.
func (s *BuildingService) Create(idx int) (*types.Building, error) {
	release, err := s.deps.Locker.AcquireUser(s.userID)
	if err != nil {
		return nil, err
	}
	defer release()

	spec, err := s.deps.Catalog.BuildingLevel(idx, 1)
	if err != nil {
		return nil, errdefs.Validationf("building %d: %v", idx, err)
	}

	// Warm before existence check so a cache-evicted building is not rebuilt
	if _, err := s.Info(); err != nil {
		return nil, err
	}
	if _, exists, err := s.get(idx); err != nil {
		return nil, err
	} else if exists {
		return nil, errdefs.Conflictf("building %d already exists", idx)
	}

	for _, p := range spec.Prereqs {
		dep, ok, err := s.get(p.Idx)
		if err != nil {
			return nil, err
		}
		if !ok || dep.Level < p.Level {
			return nil, errdefs.Conflictf("building %d requires building %d at level %d", idx, p.Idx, p.Level)
		}
	}

	res := NewResourceService(s.deps, s.userID)
	if err := res.Consume(spec.Cost); err != nil {
		return nil, err
	}

	b := &types.Building{
		UserID:         s.userID,
		BuildingIdx:    idx,
		Level:          1,
		Status:         types.BuildingIdle,
		LastChangeTime: s.deps.NowMs(),
	}
	if err := s.put(b); err != nil {
		return nil, err
	}

	if err := s.addPower(spec.Power); err != nil {
		return nil, err
	}

	NewMissionService(s.deps, s.userID).CheckCategory(MissionCategoryBuilding)
	return b, nil
}

// Levelup starts a timed upgrade from L to L+1
func (s *BuildingService) Levelup(idx int) (*types.Building, error) {
	release, err := s.deps.Locker.AcquireUser(s.userID)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := s.Info(); err != nil {
		return nil, err
	}
	b, ok, err := s.get(idx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errdefs.NotFoundf("building %d", idx)
	}
	if b.Status != types.BuildingIdle {
		return nil, errdefs.Conflictf("building %d is %s", idx, b.Status)
	}

	line, ok := s.deps.Catalog.Buildings[idx]
	if !ok {
		return nil, errdefs.Validationf("unknown building %d", idx)
	}
	if b.Level >= line.MaxLevel {
		return nil, errdefs.Conflictf("building %d is at max level %d", idx, line.MaxLevel)
	}

	spec, err := s.deps.Catalog.BuildingLevel(idx, b.Level+1)
	if err != nil {
		return nil, errdefs.Validationf("building %d: %v", idx, err)
	}

	res := NewResourceService(s.deps, s.userID)
	if err := res.Consume(spec.Cost); err != nil {
		return nil, err
	}

	duration, err := s.buffs.ReduceDuration(TargetBuilding, 0, StatBuildTime, spec.TimeSeconds)
	if err != nil {
		return nil, err
	}

	now := s.deps.NowMs()
	b.Status = types.BuildingUpgrading
	b.StartTime = now
	b.EndTime = now + duration*1000
	b.LastChangeTime = now
	if err := s.put(b); err != nil {
		return nil, err
	}

	member := queue.Member(s.userID, strconv.Itoa(idx), "")
	meta := &types.TaskMeta{
		Class:   types.TaskBuilding,
		UserID:  s.userID,
		TaskID:  strconv.Itoa(idx),
		EndTime: b.EndTime,
	}
	if err := s.deps.Queue.Enqueue(types.TaskBuilding, member, b.EndTime, meta); err != nil {
		return nil, err
	}
	return b, nil
}

// Finish is the building-queue completion handler. The task worker holds the
// user lock when calling it.
func (s *BuildingService) Finish(idx int) error {
	b, ok, err := s.get(idx)
	if err != nil {
		return err
	}
	if !ok {
		return errdefs.NotFoundf("building %d", idx)
	}
	if b.Status == types.BuildingIdle {
		// Completion raced a cancel; nothing to do
		return nil
	}

	b.Level++
	b.Status = types.BuildingIdle
	b.StartTime = 0
	b.EndTime = 0
	b.LastChangeTime = s.deps.NowMs()
	if err := s.put(b); err != nil {
		return err
	}

	if spec, err := s.deps.Catalog.BuildingLevel(idx, b.Level); err == nil {
		if err := s.addPower(spec.Power); err != nil {
			return err
		}
	}

	s.deps.emit(events.EventBuildingComplete, s.userID, map[string]interface{}{
		"building_idx": idx,
		"level":        b.Level,
	})

	NewMissionService(s.deps, s.userID).CheckCategory(MissionCategoryBuilding)
	return nil
}

// Cancel aborts an in-progress upgrade, refunding the full upgrade cost
func (s *BuildingService) Cancel(idx int) (*types.Building, error) {
	release, err := s.deps.Locker.AcquireUser(s.userID)
	if err != nil {
		return nil, err
	}
	defer release()

	b, ok, err := s.get(idx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errdefs.NotFoundf("building %d", idx)
	}
	if b.Status != types.BuildingUpgrading && b.Status != types.BuildingConstructing {
		return nil, errdefs.Conflictf("building %d is not under construction", idx)
	}

	member := queue.Member(s.userID, strconv.Itoa(idx), "")
	if err := s.deps.Queue.Remove(types.TaskBuilding, member); err != nil {
		return nil, err
	}

	spec, err := s.deps.Catalog.BuildingLevel(idx, b.Level+1)
	if err != nil {
		return nil, errdefs.Fatalf("building %d lost its level %d row: %v", idx, b.Level+1, err)
	}
	refund := refundCost(spec.Cost, s.deps.Catalog.Refunds.BuildingPercent)
	if err := NewResourceService(s.deps, s.userID).Produce(refund); err != nil {
		return nil, err
	}

	b.Status = types.BuildingIdle
	b.StartTime = 0
	b.EndTime = 0
	b.LastChangeTime = s.deps.NowMs()
	if err := s.put(b); err != nil {
		return nil, err
	}
	return b, nil
}

// addPower credits profile power and writes the profile through
func (s *BuildingService) addPower(power int64) error {
	if power == 0 {
		return nil
	}
	return addUserPower(s.deps, s.userID, power)
}

// refundCost scales a cost bundle by a percentage
func refundCost(cost types.Cost, percent int) types.Cost {
	out := make(types.Cost, len(cost))
	for rt, amount := range cost {
		out[rt] = amount * int64(percent) / 100
	}
	return out
}
