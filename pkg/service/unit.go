package service

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/bastion-games/bastion/pkg/cache"
	"github.com/bastion-games/bastion/pkg/config"
	"github.com/bastion-games/bastion/pkg/errdefs"
	"github.com/bastion-games/bastion/pkg/events"
	"github.com/bastion-games/bastion/pkg/queue"
	"github.com/bastion-games/bastion/pkg/types"
)

// UnitService owns the per-user unit groups. Units live in integer bucket
// fields so every movement is an atomic increment pair; the total field tracks
// the bucket sum at all times.
type UnitService struct {
	deps   *Deps
	userID int64
	buffs  *BuffService
}

// NewUnitService builds a UnitService for one user
func NewUnitService(deps *Deps, userID int64) *UnitService {
	return &UnitService{
		deps:   deps,
		userID: userID,
		buffs:  NewBuffService(deps, userID),
	}
}

func (s *UnitService) key() string {
	return cache.UserKey(classUnit, s.userID)
}

func bucketField(unitIdx int, bucket string) string {
	return fmt.Sprintf("%d:%s", unitIdx, bucket)
}

func (s *UnitService) warm() error {
	_, err := s.deps.classHash(classUnit, types.SyncUnit, s.userID)
	return err
}

// move shifts count units from one bucket to another of the same group.
// Empty from only credits; empty to only debits.
func (s *UnitService) move(unitIdx int, from, to string, count int64) error {
	if from != "" {
		newVal, err := s.deps.Cache.IncrField(s.key(), bucketField(unitIdx, from), -count)
		if err != nil {
			return err
		}
		if newVal < 0 {
			// Roll back and refuse; the bucket never held that many
			if _, err := s.deps.Cache.IncrField(s.key(), bucketField(unitIdx, from), count); err != nil {
				return errdefs.Fatalf("failed to restore unit bucket %d:%s of user %d: %v", unitIdx, from, s.userID, err)
			}
			return errdefs.Conflictf("unit %d has fewer than %d in %s", unitIdx, count, from)
		}
	}
	if to != "" {
		if _, err := s.deps.Cache.IncrField(s.key(), bucketField(unitIdx, to), count); err != nil {
			return err
		}
	}
	return nil
}

func (s *UnitService) addTotal(unitIdx int, delta int64) error {
	_, err := s.deps.Cache.IncrField(s.key(), bucketField(unitIdx, "total"), delta)
	return err
}

// pendingBatch reports whether the group already has a batch in flight. The
// training and upgrading buckets mirror the pending queue exactly, so a
// nonzero count means an active task.
func (s *UnitService) pendingBatch(unitIdx int) (bool, error) {
	for _, bucket := range []string{"training", "upgrading"} {
		raw, ok, err := s.deps.Cache.GetField(s.key(), bucketField(unitIdx, bucket))
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return false, errdefs.Fatalf("corrupt unit bucket %d:%s of user %d: %v", unitIdx, bucket, s.userID, err)
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Info returns every unit group of the user, warming the cache on miss
func (s *UnitService) Info() (map[int]*types.UnitGroup, error) {
	fields, err := s.deps.classHash(classUnit, types.SyncUnit, s.userID)
	if err != nil {
		return nil, err
	}
	rows, err := types.CacheFieldsToRows(types.SyncUnit, s.userID, fields)
	if err != nil {
		return nil, errdefs.Fatalf("unit cache of user %d: %v", s.userID, err)
	}
	out := make(map[int]*types.UnitGroup, len(rows))
	for idx, data := range rows {
		var g types.UnitGroup
		if err := unmarshalRow(string(data), &g); err != nil {
			return nil, errdefs.Fatalf("corrupt unit group %s of user %d: %v", idx, s.userID, err)
		}
		out[g.UnitIdx] = &g
	}
	return out, nil
}

// checkBuildingPrereqs verifies the unit's prerequisite buildings
func (s *UnitService) checkBuildingPrereqs(spec *config.UnitSpec) error {
	if len(spec.Prereqs) == 0 {
		return nil
	}
	buildings := NewBuildingService(s.deps, s.userID)
	if _, err := buildings.Info(); err != nil {
		return err
	}
	for _, p := range spec.Prereqs {
		dep, ok, err := buildings.get(p.Idx)
		if err != nil {
			return err
		}
		if !ok || dep.Level < p.Level {
			return errdefs.Conflictf("unit %d requires building %d at level %d", spec.Idx, p.Idx, p.Level)
		}
	}
	return nil
}

// Train starts a training batch. The batch enters the training bucket (and
// the total) immediately and moves to ready on completion.
func (s *UnitService) Train(unitIdx int, quantity int64) (*types.TaskMeta, error) {
	release, err := s.deps.Locker.AcquireUser(s.userID)
	if err != nil {
		return nil, err
	}
	defer release()

	if quantity <= 0 {
		return nil, errdefs.Validationf("quantity must be positive")
	}
	spec, err := s.deps.Catalog.Unit(unitIdx)
	if err != nil {
		return nil, errdefs.Validationf("%v", err)
	}
	if err := s.warm(); err != nil {
		return nil, err
	}
	if err := s.checkBuildingPrereqs(spec); err != nil {
		return nil, err
	}
	if busy, err := s.pendingBatch(unitIdx); err != nil {
		return nil, err
	} else if busy {
		return nil, errdefs.Conflictf("unit %d already has a batch in progress", unitIdx)
	}

	cost := make(types.Cost, len(spec.Cost))
	for rt, amount := range spec.Cost {
		cost[rt] = amount * quantity
	}
	if err := NewResourceService(s.deps, s.userID).Consume(cost); err != nil {
		return nil, err
	}

	if err := s.move(unitIdx, "", "training", quantity); err != nil {
		return nil, err
	}
	if err := s.addTotal(unitIdx, quantity); err != nil {
		return nil, err
	}
	if err := s.deps.markDirty(types.SyncUnit, s.userID); err != nil {
		return nil, err
	}

	duration, err := s.buffs.ReduceDuration(TargetUnit, 0, StatTrainTime, spec.TimeSeconds*quantity)
	if err != nil {
		return nil, err
	}

	endTime := s.deps.NowMs() + duration*1000
	batchID := uuid.New().String()
	meta := &types.TaskMeta{
		Class:     types.TaskUnitTraining,
		UserID:    s.userID,
		TaskID:    strconv.Itoa(unitIdx),
		SubID:     batchID,
		EndTime:   endTime,
		TaskType:  types.UnitTaskTrain,
		Quantity:  quantity,
		TargetIdx: unitIdx,
	}
	member := queue.Member(s.userID, strconv.Itoa(unitIdx), batchID)
	if err := s.deps.Queue.Enqueue(types.TaskUnitTraining, member, endTime, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// Upgrade converts ready units of one type into a higher type. The batch
// leaves the source ready bucket for its upgrading bucket and lands in the
// target ready bucket on completion.
func (s *UnitService) Upgrade(fromIdx, toIdx int, quantity int64) (*types.TaskMeta, error) {
	release, err := s.deps.Locker.AcquireUser(s.userID)
	if err != nil {
		return nil, err
	}
	defer release()

	if quantity <= 0 {
		return nil, errdefs.Validationf("quantity must be positive")
	}
	if fromIdx == toIdx {
		return nil, errdefs.Validationf("cannot upgrade unit %d into itself", fromIdx)
	}
	target, err := s.deps.Catalog.Unit(toIdx)
	if err != nil {
		return nil, errdefs.Validationf("%v", err)
	}
	if _, err := s.deps.Catalog.Unit(fromIdx); err != nil {
		return nil, errdefs.Validationf("%v", err)
	}
	if err := s.warm(); err != nil {
		return nil, err
	}
	if err := s.checkBuildingPrereqs(target); err != nil {
		return nil, err
	}
	if busy, err := s.pendingBatch(fromIdx); err != nil {
		return nil, err
	} else if busy {
		return nil, errdefs.Conflictf("unit %d already has a batch in progress", fromIdx)
	}

	cost := make(types.Cost, len(target.Cost))
	for rt, amount := range target.Cost {
		cost[rt] = amount * quantity
	}
	if err := NewResourceService(s.deps, s.userID).Consume(cost); err != nil {
		return nil, err
	}

	if err := s.move(fromIdx, "ready", "upgrading", quantity); err != nil {
		// Put the consumed resources back before failing
		if rerr := NewResourceService(s.deps, s.userID).Produce(cost); rerr != nil {
			return nil, errdefs.Fatalf("failed to refund upgrade cost for user %d: %v", s.userID, rerr)
		}
		return nil, err
	}
	if err := s.deps.markDirty(types.SyncUnit, s.userID); err != nil {
		return nil, err
	}

	duration, err := s.buffs.ReduceDuration(TargetUnit, 0, StatTrainTime, target.TimeSeconds*quantity)
	if err != nil {
		return nil, err
	}

	endTime := s.deps.NowMs() + duration*1000
	batchID := uuid.New().String()
	meta := &types.TaskMeta{
		Class:     types.TaskUnitTraining,
		UserID:    s.userID,
		TaskID:    strconv.Itoa(fromIdx),
		SubID:     batchID,
		EndTime:   endTime,
		TaskType:  types.UnitTaskUpgrade,
		Quantity:  quantity,
		TargetIdx: toIdx,
	}
	member := queue.Member(s.userID, strconv.Itoa(fromIdx), batchID)
	if err := s.deps.Queue.Enqueue(types.TaskUnitTraining, member, endTime, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// Finish is the unit-queue completion handler for both task types. The task
// worker holds the user lock when calling it.
func (s *UnitService) Finish(meta *types.TaskMeta) error {
	srcIdx, err := strconv.Atoi(meta.TaskID)
	if err != nil {
		return errdefs.Fatalf("malformed unit task id %q: %v", meta.TaskID, err)
	}
	if err := s.warm(); err != nil {
		return err
	}

	switch meta.TaskType {
	case types.UnitTaskTrain:
		if err := s.move(srcIdx, "training", "ready", meta.Quantity); err != nil {
			return err
		}
		if spec, serr := s.deps.Catalog.Unit(srcIdx); serr == nil {
			if err := addUserPower(s.deps, s.userID, spec.Power*meta.Quantity); err != nil {
				return err
			}
		}

	case types.UnitTaskUpgrade:
		if err := s.move(srcIdx, "upgrading", "", meta.Quantity); err != nil {
			return err
		}
		if err := s.addTotal(srcIdx, -meta.Quantity); err != nil {
			return err
		}
		if err := s.move(meta.TargetIdx, "", "ready", meta.Quantity); err != nil {
			return err
		}
		if err := s.addTotal(meta.TargetIdx, meta.Quantity); err != nil {
			return err
		}
		src, serr := s.deps.Catalog.Unit(srcIdx)
		dst, derr := s.deps.Catalog.Unit(meta.TargetIdx)
		if serr == nil && derr == nil {
			if err := addUserPower(s.deps, s.userID, (dst.Power-src.Power)*meta.Quantity); err != nil {
				return err
			}
		}

	default:
		return errdefs.Fatalf("unknown unit task type %q", meta.TaskType)
	}

	if err := s.deps.markDirty(types.SyncUnit, s.userID); err != nil {
		return err
	}

	s.deps.emit(events.EventUnitComplete, s.userID, map[string]interface{}{
		"unit_idx":  meta.TargetIdx,
		"task_type": meta.TaskType,
		"quantity":  meta.Quantity,
	})

	NewMissionService(s.deps, s.userID).CheckCategory(MissionCategoryUnit)
	return nil
}

// Cancel aborts a pending batch, reversing its bucket movement and refunding
// the full cost.
func (s *UnitService) Cancel(unitIdx int, batchID string) error {
	release, err := s.deps.Locker.AcquireUser(s.userID)
	if err != nil {
		return err
	}
	defer release()

	member := queue.Member(s.userID, strconv.Itoa(unitIdx), batchID)
	meta, err := s.deps.Queue.Meta(types.TaskUnitTraining, member)
	if err != nil {
		return err
	}
	if meta == nil {
		return errdefs.NotFoundf("unit task %s", batchID)
	}
	if err := s.deps.Queue.Remove(types.TaskUnitTraining, member); err != nil {
		return err
	}
	if err := s.warm(); err != nil {
		return err
	}

	var costIdx int
	switch meta.TaskType {
	case types.UnitTaskTrain:
		if err := s.move(unitIdx, "training", "", meta.Quantity); err != nil {
			return err
		}
		if err := s.addTotal(unitIdx, -meta.Quantity); err != nil {
			return err
		}
		costIdx = unitIdx
	case types.UnitTaskUpgrade:
		if err := s.move(unitIdx, "upgrading", "ready", meta.Quantity); err != nil {
			return err
		}
		costIdx = meta.TargetIdx
	default:
		return errdefs.Fatalf("unknown unit task type %q", meta.TaskType)
	}

	spec, err := s.deps.Catalog.Unit(costIdx)
	if err != nil {
		return errdefs.Fatalf("unit %d vanished from the catalog: %v", costIdx, err)
	}
	refund := make(types.Cost, len(spec.Cost))
	for rt, amount := range spec.Cost {
		refund[rt] = amount * meta.Quantity * int64(s.deps.Catalog.Refunds.UnitPercent) / 100
	}
	if err := NewResourceService(s.deps, s.userID).Produce(refund); err != nil {
		return err
	}
	return s.deps.markDirty(types.SyncUnit, s.userID)
}
