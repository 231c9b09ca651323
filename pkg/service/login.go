package service

import (
	"errors"
	"strconv"
	"strings"

	"github.com/bastion-games/bastion/pkg/errdefs"
	"github.com/bastion-games/bastion/pkg/log"
	"github.com/bastion-games/bastion/pkg/queue"
	"github.com/bastion-games/bastion/pkg/storage"
	"github.com/bastion-games/bastion/pkg/types"
)

// initialResources seeds every freshly created user
var initialResources = types.Cost{
	types.ResourceFood:  10000,
	types.ResourceWood:  10000,
	types.ResourceStone: 5000,
	types.ResourceGold:  1000,
	types.ResourceRuby:  200,
}

// LoginResult is the full warm state handed back to a connecting client
type LoginResult struct {
	User       *types.User                    `json:"user"`
	Created    bool                           `json:"created"`
	Resources  types.Cost                     `json:"resources"`
	Buildings  map[int]*types.Building        `json:"buildings"`
	Units      map[int]*types.UnitGroup       `json:"units"`
	Researches map[int]*types.Research        `json:"researches"`
	Items      map[int]int64                  `json:"items"`
	Missions   map[int]*types.MissionProgress `json:"missions"`
	Buffs      []*types.Buff                  `json:"buffs"`
}

// LoginService creates or restores a user session: it warms every cache
// class from persistence, rebuilds the permanent buff set from its sources
// and reconciles in-flight timed tasks against the completion queues.
type LoginService struct {
	deps *Deps
}

// NewLoginService builds the login orchestrator
func NewLoginService(deps *Deps) *LoginService {
	return &LoginService{deps: deps}
}

// Login resolves an account to a user, creating one on first contact, and
// returns the warmed state.
func (s *LoginService) Login(accountID, nickname string) (*LoginResult, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, errdefs.Validationf("account id is required")
	}

	created := false
	u, err := s.deps.Store.GetUserByAccount(accountID)
	if err != nil {
		if !errors.Is(err, errdefs.ErrNotFound) {
			return nil, err
		}
		u, err = s.create(accountID, nickname)
		if err != nil {
			return nil, err
		}
		created = true
	}

	release, err := s.deps.Locker.AcquireUser(u.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := cacheUser(s.deps, u); err != nil {
		return nil, err
	}

	result := &LoginResult{User: u, Created: created}
	if result.Resources, err = NewResourceService(s.deps, u.ID).Info(); err != nil {
		return nil, err
	}
	if result.Buildings, err = NewBuildingService(s.deps, u.ID).Info(); err != nil {
		return nil, err
	}
	if result.Units, err = NewUnitService(s.deps, u.ID).Info(); err != nil {
		return nil, err
	}
	if result.Researches, err = NewResearchService(s.deps, u.ID).Info(); err != nil {
		return nil, err
	}
	if result.Items, err = NewItemService(s.deps, u.ID).Info(); err != nil {
		return nil, err
	}
	if result.Missions, err = NewMissionService(s.deps, u.ID).Info(); err != nil {
		return nil, err
	}

	if !created {
		if err := s.rebuildBuffs(u, result.Researches); err != nil {
			return nil, err
		}
		if err := s.recoverTasks(u.ID, result.Buildings, result.Researches); err != nil {
			return nil, err
		}
		if err := s.recoverUnits(u.ID, result.Units); err != nil {
			return nil, err
		}
		// Recovery may have moved state; re-read what it touches
		if result.Buildings, err = NewBuildingService(s.deps, u.ID).Info(); err != nil {
			return nil, err
		}
		if result.Researches, err = NewResearchService(s.deps, u.ID).Info(); err != nil {
			return nil, err
		}
		if result.Units, err = NewUnitService(s.deps, u.ID).Info(); err != nil {
			return nil, err
		}
	}

	if result.Buffs, err = NewBuffService(s.deps, u.ID).List(); err != nil {
		return nil, err
	}
	return result, nil
}

// create registers a new user and seeds its starting resources
func (s *LoginService) create(accountID, nickname string) (*types.User, error) {
	id, err := s.deps.Store.NextID(storage.CounterUsers)
	if err != nil {
		return nil, err
	}
	if nickname == "" {
		nickname = "Lord" + strconv.FormatInt(id, 10)
	}

	u := &types.User{
		ID:        id,
		AccountID: accountID,
		Nickname:  nickname,
		Level:     1,
		CreatedAt: s.deps.Now(),
	}
	if err := saveUser(s.deps, u); err != nil {
		return nil, err
	}
	if err := NewResourceService(s.deps, id).grant(initialResources); err != nil {
		return nil, err
	}

	logger := log.WithComponent("login")
	logger.Info().
		Int64("user_no", id).
		Str("account", accountID).
		Msg("User created")
	return u, nil
}

// rebuildBuffs reinstates the permanent buff set from its sources. Buffs are
// not persisted; completed researches and alliance membership are.
func (s *LoginService) rebuildBuffs(u *types.User, researches map[int]*types.Research) error {
	buffs := NewBuffService(s.deps, u.ID)
	for idx, r := range researches {
		if r.Level == 0 {
			continue
		}
		row, err := s.deps.Catalog.ResearchLevel(idx, r.Level)
		if err != nil || row.Buff == nil {
			continue
		}
		if err := buffs.GrantPermanent(row.Buff, researchBuffSource(idx)); err != nil {
			return err
		}
	}

	if u.AllianceID != 0 {
		alliances := NewAllianceService(s.deps, u.ID)
		a, err := alliances.load(u.AllianceID)
		if err != nil {
			if errors.Is(err, errdefs.ErrNotFound) {
				// Alliance disbanded while the user was offline
				u.AllianceID = 0
				u.AllianceRank = 0
				return saveUser(s.deps, u)
			}
			return err
		}
		if err := alliances.grantLevelBuffs(a, u.ID); err != nil {
			return err
		}
	}
	return nil
}

// recoverTasks reconciles building and research rows that claim to be in
// progress against the completion queues. A row whose deadline passed while
// no queue entry survived is completed on the spot; a future one is
// re-enqueued.
func (s *LoginService) recoverTasks(userID int64, buildings map[int]*types.Building, researches map[int]*types.Research) error {
	now := s.deps.NowMs()

	for idx, b := range buildings {
		if b.Status != types.BuildingUpgrading && b.Status != types.BuildingConstructing {
			continue
		}
		member := queueMember(userID, idx)
		if _, ok, err := s.deps.Queue.ScoreOf(types.TaskBuilding, member); err != nil {
			return err
		} else if ok {
			continue
		}
		if b.EndTime <= now {
			if err := NewBuildingService(s.deps, userID).Finish(idx); err != nil {
				return err
			}
			continue
		}
		meta := &types.TaskMeta{
			Class:   types.TaskBuilding,
			UserID:  userID,
			TaskID:  strconv.Itoa(idx),
			EndTime: b.EndTime,
		}
		if err := s.deps.Queue.Enqueue(types.TaskBuilding, member, b.EndTime, meta); err != nil {
			return err
		}
	}

	for idx, r := range researches {
		if r.Status != types.ResearchResearching {
			continue
		}
		member := queueMember(userID, idx)
		if _, ok, err := s.deps.Queue.ScoreOf(types.TaskResearch, member); err != nil {
			return err
		} else if ok {
			continue
		}
		if r.EndTime <= now {
			if err := NewResearchService(s.deps, userID).Finish(idx); err != nil {
				return err
			}
			continue
		}
		meta := &types.TaskMeta{
			Class:   types.TaskResearch,
			UserID:  userID,
			TaskID:  strconv.Itoa(idx),
			EndTime: r.EndTime,
		}
		if err := s.deps.Queue.Enqueue(types.TaskResearch, member, r.EndTime, meta); err != nil {
			return err
		}
	}
	return nil
}

// recoverUnits flushes training and upgrading buckets that no surviving queue
// entry accounts for. Queue loss means the deadline is unknowable, so the
// stranded batch resolves in the player's favor: training flushes to ready,
// upgrading rolls back to ready.
func (s *LoginService) recoverUnits(userID int64, units map[int]*types.UnitGroup) error {
	pendingTrain := make(map[int]int64)
	pendingUpgrade := make(map[int]int64)

	metaKeys, err := s.deps.Cache.Keys("queue_meta:" + string(types.TaskUnitTraining) + ":" + strconv.FormatInt(userID, 10) + ":*")
	if err != nil {
		return err
	}
	for _, key := range metaKeys {
		raw, ok, err := s.deps.Cache.GetField(key, "meta")
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		var meta types.TaskMeta
		if err := unmarshalRow(raw, &meta); err != nil {
			continue
		}
		srcIdx, err := strconv.Atoi(meta.TaskID)
		if err != nil {
			continue
		}
		switch meta.TaskType {
		case types.UnitTaskTrain:
			pendingTrain[srcIdx] += meta.Quantity
		case types.UnitTaskUpgrade:
			pendingUpgrade[srcIdx] += meta.Quantity
		}
	}

	svc := NewUnitService(s.deps, userID)
	for idx, g := range units {
		if stranded := g.Training - pendingTrain[idx]; stranded > 0 {
			if err := svc.move(idx, "training", "ready", stranded); err != nil {
				return err
			}
			if err := s.deps.markDirty(types.SyncUnit, userID); err != nil {
				return err
			}
		}
		if stranded := g.Upgrading - pendingUpgrade[idx]; stranded > 0 {
			if err := svc.move(idx, "upgrading", "ready", stranded); err != nil {
				return err
			}
			if err := s.deps.markDirty(types.SyncUnit, userID); err != nil {
				return err
			}
		}
	}
	return nil
}

func queueMember(userID int64, idx int) string {
	return queue.Member(userID, strconv.Itoa(idx), "")
}
