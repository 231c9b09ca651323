package service

import (
	"fmt"
	"strconv"

	"github.com/bastion-games/bastion/pkg/config"
	"github.com/bastion-games/bastion/pkg/errdefs"
	"github.com/bastion-games/bastion/pkg/events"
	"github.com/bastion-games/bastion/pkg/queue"
	"github.com/bastion-games/bastion/pkg/types"
)

// ResearchService owns the per-user research lines. Rows are created lazily:
// an absent row reads as level 0, available when its prerequisite is met.
// At most one research runs at a time per user.
type ResearchService struct {
	deps   *Deps
	userID int64
	buffs  *BuffService
}

// NewResearchService builds a ResearchService for one user
func NewResearchService(deps *Deps, userID int64) *ResearchService {
	return &ResearchService{
		deps:   deps,
		userID: userID,
		buffs:  NewBuffService(deps, userID),
	}
}

// Info returns every materialized research row, warming the cache on miss
func (s *ResearchService) Info() (map[int]*types.Research, error) {
	fields, err := s.deps.classHash(classResearch, types.SyncResearch, s.userID)
	if err != nil {
		return nil, err
	}
	out := make(map[int]*types.Research, len(fields))
	for f, raw := range fields {
		idx, err := strconv.Atoi(f)
		if err != nil {
			return nil, errdefs.Fatalf("malformed research idx %q of user %d", f, s.userID)
		}
		var r types.Research
		if err := unmarshalRow(raw, &r); err != nil {
			return nil, errdefs.Fatalf("corrupt research %d of user %d: %v", idx, s.userID, err)
		}
		out[idx] = &r
	}
	return out, nil
}

func (s *ResearchService) get(idx int) (*types.Research, bool, error) {
	var r types.Research
	ok, err := s.deps.getRow(classResearch, s.userID, strconv.Itoa(idx), &r)
	if err != nil || !ok {
		return nil, false, err
	}
	return &r, true, nil
}

func (s *ResearchService) put(r *types.Research) error {
	if err := s.deps.setRow(classResearch, s.userID, strconv.Itoa(r.ResearchIdx), r); err != nil {
		return err
	}
	return s.deps.markDirty(types.SyncResearch, s.userID)
}

func researchBuffSource(idx int) string {
	return fmt.Sprintf("research:%d", idx)
}

// prereqMet reports whether the line's prerequisite research is satisfied
func (s *ResearchService) prereqMet(line *config.ResearchSpec) (bool, error) {
	if line.Prereq == nil {
		return true, nil
	}
	dep, ok, err := s.get(line.Prereq.Idx)
	if err != nil {
		return false, err
	}
	return ok && dep.Level >= line.Prereq.Level, nil
}

// Start begins researching the next level of a line
func (s *ResearchService) Start(idx int) (*types.Research, error) {
	release, err := s.deps.Locker.AcquireUser(s.userID)
	if err != nil {
		return nil, err
	}
	defer release()

	line, err := s.deps.Catalog.Research(idx)
	if err != nil {
		return nil, errdefs.Validationf("%v", err)
	}

	all, err := s.Info()
	if err != nil {
		return nil, err
	}
	for _, r := range all {
		if r.Status == types.ResearchResearching {
			return nil, errdefs.Conflictf("research %d is already in progress", r.ResearchIdx)
		}
	}

	r := all[idx]
	if r == nil {
		r = &types.Research{UserID: s.userID, ResearchIdx: idx}
	}
	if r.Level >= line.MaxLevel && !line.Repeatable {
		return nil, errdefs.Conflictf("research %d is completed", idx)
	}

	met, err := s.prereqMet(line)
	if err != nil {
		return nil, err
	}
	if !met {
		return nil, errdefs.Conflictf("research %d requires research %d at level %d",
			idx, line.Prereq.Idx, line.Prereq.Level)
	}

	nextLevel := r.Level + 1
	if line.Repeatable && nextLevel > line.MaxLevel {
		nextLevel = line.MaxLevel
	}
	row, err := s.deps.Catalog.ResearchLevel(idx, nextLevel)
	if err != nil {
		return nil, errdefs.Validationf("%v", err)
	}

	if err := NewResourceService(s.deps, s.userID).Consume(row.Cost); err != nil {
		return nil, err
	}

	duration, err := s.buffs.ReduceDuration(TargetResearch, 0, StatResearchTime, row.TimeSeconds)
	if err != nil {
		return nil, err
	}

	now := s.deps.NowMs()
	r.Status = types.ResearchResearching
	r.StartTime = now
	r.EndTime = now + duration*1000
	if err := s.put(r); err != nil {
		return nil, err
	}

	member := queue.Member(s.userID, strconv.Itoa(idx), "")
	meta := &types.TaskMeta{
		Class:   types.TaskResearch,
		UserID:  s.userID,
		TaskID:  strconv.Itoa(idx),
		EndTime: r.EndTime,
	}
	if err := s.deps.Queue.Enqueue(types.TaskResearch, member, r.EndTime, meta); err != nil {
		return nil, err
	}
	return r, nil
}

// Finish is the research-queue completion handler. It advances the level,
// installs the level's permanent buff (replacing the line's previous one) and
// flips newly eligible dependent lines to available. The task worker holds
// the user lock when calling it.
func (s *ResearchService) Finish(idx int) error {
	r, ok, err := s.get(idx)
	if err != nil {
		return err
	}
	if !ok {
		return errdefs.NotFoundf("research %d", idx)
	}
	if r.Status != types.ResearchResearching {
		// Completion raced a cancel; nothing to do
		return nil
	}

	line, err := s.deps.Catalog.Research(idx)
	if err != nil {
		return errdefs.Fatalf("research %d vanished from the catalog: %v", idx, err)
	}

	if !line.Repeatable || r.Level < line.MaxLevel {
		r.Level++
	}
	if r.Level >= line.MaxLevel && !line.Repeatable {
		r.Status = types.ResearchCompleted
	} else {
		r.Status = types.ResearchAvailable
	}
	r.StartTime = 0
	r.EndTime = 0
	if err := s.put(r); err != nil {
		return err
	}

	if row, rerr := s.deps.Catalog.ResearchLevel(idx, r.Level); rerr == nil && row.Buff != nil {
		if err := s.buffs.GrantPermanent(row.Buff, researchBuffSource(idx)); err != nil {
			return err
		}
		s.deps.emit(events.EventBuffChanged, s.userID, map[string]interface{}{
			"source": researchBuffSource(idx),
		})
	}

	if err := s.unlockDependents(idx); err != nil {
		return err
	}

	s.deps.emit(events.EventResearchComplete, s.userID, map[string]interface{}{
		"research_idx": idx,
		"level":        r.Level,
	})

	NewMissionService(s.deps, s.userID).CheckCategory(MissionCategoryResearch)
	return nil
}

// unlockDependents materializes available rows for lines whose prerequisite
// just became satisfied.
func (s *ResearchService) unlockDependents(idx int) error {
	for _, dep := range s.deps.Catalog.ResearchDependents(idx) {
		met, err := s.prereqMet(dep)
		if err != nil {
			return err
		}
		if !met {
			continue
		}
		row, ok, err := s.get(dep.Idx)
		if err != nil {
			return err
		}
		if ok && row.Status != types.ResearchLocked {
			continue
		}
		if !ok {
			row = &types.Research{UserID: s.userID, ResearchIdx: dep.Idx}
		}
		row.Status = types.ResearchAvailable
		if err := s.put(row); err != nil {
			return err
		}
	}
	return nil
}

// Cancel aborts an in-progress research, refunding half the cost
func (s *ResearchService) Cancel(idx int) (*types.Research, error) {
	release, err := s.deps.Locker.AcquireUser(s.userID)
	if err != nil {
		return nil, err
	}
	defer release()

	r, ok, err := s.get(idx)
	if err != nil {
		return nil, err
	}
	if !ok || r.Status != types.ResearchResearching {
		return nil, errdefs.Conflictf("research %d is not in progress", idx)
	}

	member := queue.Member(s.userID, strconv.Itoa(idx), "")
	if err := s.deps.Queue.Remove(types.TaskResearch, member); err != nil {
		return nil, err
	}

	line, err := s.deps.Catalog.Research(idx)
	if err != nil {
		return nil, errdefs.Fatalf("research %d vanished from the catalog: %v", idx, err)
	}
	nextLevel := r.Level + 1
	if line.Repeatable && nextLevel > line.MaxLevel {
		nextLevel = line.MaxLevel
	}
	if row, rerr := s.deps.Catalog.ResearchLevel(idx, nextLevel); rerr == nil {
		refund := refundCost(row.Cost, s.deps.Catalog.Refunds.ResearchPercent)
		if err := NewResourceService(s.deps, s.userID).Produce(refund); err != nil {
			return nil, err
		}
	}

	r.Status = types.ResearchAvailable
	r.StartTime = 0
	r.EndTime = 0
	if err := s.put(r); err != nil {
		return nil, err
	}
	return r, nil
}

// InstantComplete finishes an in-progress research for rubies. The price is
// one ruby per started minute remaining, at least one.
func (s *ResearchService) InstantComplete(idx int) (*types.Research, error) {
	release, err := s.deps.Locker.AcquireUser(s.userID)
	if err != nil {
		return nil, err
	}
	defer release()

	r, ok, err := s.get(idx)
	if err != nil {
		return nil, err
	}
	if !ok || r.Status != types.ResearchResearching {
		return nil, errdefs.Conflictf("research %d is not in progress", idx)
	}

	remaining := (r.EndTime - s.deps.NowMs()) / 1000
	price := remaining / 60
	if price < 1 {
		price = 1
	}
	if err := NewResourceService(s.deps, s.userID).AtomicConsume(types.ResourceRuby, price); err != nil {
		return nil, err
	}

	member := queue.Member(s.userID, strconv.Itoa(idx), "")
	if err := s.deps.Queue.Remove(types.TaskResearch, member); err != nil {
		return nil, err
	}
	if err := s.Finish(idx); err != nil {
		return nil, err
	}

	done, _, err := s.get(idx)
	if err != nil {
		return nil, err
	}
	return done, nil
}
