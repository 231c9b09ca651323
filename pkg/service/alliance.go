package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bastion-games/bastion/pkg/cache"
	"github.com/bastion-games/bastion/pkg/errdefs"
	"github.com/bastion-games/bastion/pkg/events"
	"github.com/bastion-games/bastion/pkg/storage"
	"github.com/bastion-games/bastion/pkg/types"
)

const allianceField = "a"

// AllianceService runs alliance operations on behalf of one acting user.
// Alliances are written through to persistence on every mutation; the cached
// copy only saves reads. All mutating operations hold the locks of every user
// they touch, ascending by id, and then the alliance lock.
type AllianceService struct {
	deps   *Deps
	userID int64
}

// NewAllianceService builds an AllianceService for one acting user
func NewAllianceService(deps *Deps, userID int64) *AllianceService {
	return &AllianceService{deps: deps, userID: userID}
}

func allianceBuffSource(allianceID int64, level int) string {
	return fmt.Sprintf("alliance:%d:%d", allianceID, level)
}

func allianceCacheKey(id int64) string {
	return cache.UserKey(classAlliance, id)
}

// load returns an alliance, reading through the cache
func (s *AllianceService) load(id int64) (*types.Alliance, error) {
	var a types.Alliance
	ok, err := s.deps.getRow(classAlliance, id, allianceField, &a)
	if err != nil {
		return nil, err
	}
	if ok {
		return &a, nil
	}

	stored, err := s.deps.Store.GetAlliance(id)
	if err != nil {
		return nil, err
	}
	if err := s.cache(stored); err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *AllianceService) cache(a *types.Alliance) error {
	data, err := marshalRow(a)
	if err != nil {
		return err
	}
	fields := map[string]string{allianceField: data}
	return s.deps.Cache.SetAll(allianceCacheKey(a.ID), fields, classTTL[classAlliance])
}

// save writes the alliance through to persistence and refreshes the cache
func (s *AllianceService) save(a *types.Alliance) error {
	if err := s.deps.Store.SaveAlliance(a); err != nil {
		return err
	}
	return s.cache(a)
}

func (s *AllianceService) drop(id int64) error {
	if err := s.deps.Store.DeleteAlliance(id); err != nil {
		return err
	}
	return s.deps.Cache.DeleteKey(allianceCacheKey(id))
}

// Info returns an alliance by id
func (s *AllianceService) Info(id int64) (*types.Alliance, error) {
	return s.load(id)
}

// Mine returns the acting user's alliance, or nil when unaffiliated
func (s *AllianceService) Mine() (*types.Alliance, error) {
	u, err := loadUser(s.deps, s.userID)
	if err != nil {
		return nil, err
	}
	if u.AllianceID == 0 {
		return nil, nil
	}
	return s.load(u.AllianceID)
}

// Create founds a new alliance with the acting user as leader
func (s *AllianceService) Create(name string, policy types.JoinPolicy) (*types.Alliance, error) {
	release, err := s.deps.Locker.AcquireUser(s.userID)
	if err != nil {
		return nil, err
	}
	defer release()

	name = strings.TrimSpace(name)
	if name == "" || len(name) > 32 {
		return nil, errdefs.Validationf("alliance name must be 1 to 32 characters")
	}
	if policy != types.JoinOpen && policy != types.JoinApproval {
		return nil, errdefs.Validationf("unknown join policy %q", policy)
	}

	u, err := loadUser(s.deps, s.userID)
	if err != nil {
		return nil, err
	}
	if u.AllianceID != 0 {
		return nil, errdefs.Conflictf("user %d already belongs to alliance %d", s.userID, u.AllianceID)
	}

	if _, err := s.deps.Store.GetAllianceByName(name); err == nil {
		return nil, errdefs.Conflictf("alliance name %q is taken", name)
	} else if !errors.Is(err, errdefs.ErrNotFound) {
		return nil, err
	}

	id, err := s.deps.Store.NextID(storage.CounterAlliances)
	if err != nil {
		return nil, err
	}

	now := s.deps.Now()
	a := &types.Alliance{
		ID:           id,
		Name:         name,
		Level:        1,
		LeaderUserID: s.userID,
		JoinPolicy:   policy,
		Members: map[int64]*types.AllianceMember{
			s.userID: {UserID: s.userID, Rank: types.RankLeader, JoinedAt: now},
		},
		Applications: map[int64]time.Time{},
		CreatedAt:    now,
	}
	if err := s.save(a); err != nil {
		return nil, err
	}

	u.AllianceID = id
	u.AllianceRank = types.RankLeader
	if err := saveUser(s.deps, u); err != nil {
		return nil, err
	}
	if err := s.grantLevelBuffs(a, s.userID); err != nil {
		return nil, err
	}
	return a, nil
}

// Join enters an open alliance immediately, or files an application when the
// alliance requires approval.
func (s *AllianceService) Join(id int64) (*types.Alliance, error) {
	release, err := s.deps.Locker.AcquireUserAlliance(s.userID, id)
	if err != nil {
		return nil, err
	}
	defer release()

	u, err := loadUser(s.deps, s.userID)
	if err != nil {
		return nil, err
	}
	if u.AllianceID != 0 {
		return nil, errdefs.Conflictf("user %d already belongs to alliance %d", s.userID, u.AllianceID)
	}

	a, err := s.load(id)
	if err != nil {
		return nil, err
	}

	if a.JoinPolicy == types.JoinApproval {
		if _, applied := a.Applications[s.userID]; applied {
			return nil, errdefs.Conflictf("application is already pending")
		}
		a.Applications[s.userID] = s.deps.Now()
		if err := s.save(a); err != nil {
			return nil, err
		}
		return a, nil
	}

	if err := s.admit(a, u); err != nil {
		return nil, err
	}
	return a, nil
}

// admit adds a user as a member. Callers hold both locks.
func (s *AllianceService) admit(a *types.Alliance, u *types.User) error {
	if len(a.Members) >= s.deps.Catalog.Alliance.MaxMembers {
		return errdefs.Conflictf("alliance %d is full", a.ID)
	}
	a.Members[u.ID] = &types.AllianceMember{
		UserID:   u.ID,
		Rank:     types.RankMember,
		JoinedAt: s.deps.Now(),
	}
	delete(a.Applications, u.ID)
	if err := s.save(a); err != nil {
		return err
	}

	u.AllianceID = a.ID
	u.AllianceRank = types.RankMember
	if err := saveUser(s.deps, u); err != nil {
		return err
	}
	return s.grantLevelBuffs(a, u.ID)
}

// member returns the acting user's membership row or a forbidden error
func (s *AllianceService) member(a *types.Alliance) (*types.AllianceMember, error) {
	m, ok := a.Members[s.userID]
	if !ok {
		return nil, errdefs.Forbiddenf("user %d is not a member of alliance %d", s.userID, a.ID)
	}
	return m, nil
}

// mineLocked loads the acting user's alliance and takes both locks. The
// returned release frees them.
func (s *AllianceService) mineLocked() (*types.Alliance, *types.User, func(), error) {
	return s.mineLockedWith()
}

// mineLockedWith additionally locks the given users, so operations that write
// their rows hold them. The alliance id is read before locking; the acting
// user is re-read under the lock in case it moved in between.
func (s *AllianceService) mineLockedWith(extra ...int64) (*types.Alliance, *types.User, func(), error) {
	u, err := loadUser(s.deps, s.userID)
	if err != nil {
		return nil, nil, nil, err
	}
	if u.AllianceID == 0 {
		return nil, nil, nil, errdefs.Conflictf("user %d has no alliance", s.userID)
	}

	ids := append([]int64{s.userID}, extra...)
	release, err := s.deps.Locker.AcquireUsersAlliance(u.AllianceID, ids...)
	if err != nil {
		return nil, nil, nil, err
	}

	fresh, err := loadUser(s.deps, s.userID)
	if err != nil {
		release()
		return nil, nil, nil, err
	}
	if fresh.AllianceID != u.AllianceID {
		release()
		return nil, nil, nil, errdefs.Conflictf("alliance membership of user %d changed, retry", s.userID)
	}
	a, err := s.load(u.AllianceID)
	if err != nil {
		release()
		return nil, nil, nil, err
	}
	return a, fresh, release, nil
}

// mineLockedAllMembers locks the entire membership plus the alliance, for
// operations that write every member's rows. The member set is read before
// locking, so it is re-read after and the acquisition retried when membership
// moved in between.
func (s *AllianceService) mineLockedAllMembers() (*types.Alliance, *types.User, func(), error) {
	for attempt := 0; attempt < 3; attempt++ {
		u, err := loadUser(s.deps, s.userID)
		if err != nil {
			return nil, nil, nil, err
		}
		if u.AllianceID == 0 {
			return nil, nil, nil, errdefs.Conflictf("user %d has no alliance", s.userID)
		}
		a, err := s.load(u.AllianceID)
		if err != nil {
			return nil, nil, nil, err
		}

		ids := make([]int64, 0, len(a.Members)+1)
		ids = append(ids, s.userID)
		for id := range a.Members {
			ids = append(ids, id)
		}
		release, err := s.deps.Locker.AcquireUsersAlliance(u.AllianceID, ids...)
		if err != nil {
			return nil, nil, nil, err
		}

		fresh, err := s.load(u.AllianceID)
		if err != nil {
			release()
			return nil, nil, nil, err
		}
		if sameMemberSet(a, fresh) {
			return fresh, u, release, nil
		}
		release()
	}
	return nil, nil, nil, errdefs.Conflictf("alliance membership keeps changing, retry")
}

func sameMemberSet(a, b *types.Alliance) bool {
	if len(a.Members) != len(b.Members) {
		return false
	}
	for id := range a.Members {
		if _, ok := b.Members[id]; !ok {
			return false
		}
	}
	return true
}

// Leave removes the acting user from their alliance. The leader can only
// leave as the last member, which disbands the alliance.
func (s *AllianceService) Leave() error {
	a, u, release, err := s.mineLocked()
	if err != nil {
		return err
	}
	defer release()

	m, err := s.member(a)
	if err != nil {
		return err
	}
	if m.Rank == types.RankLeader && len(a.Members) > 1 {
		return errdefs.Conflictf("leader must transfer leadership before leaving")
	}

	if err := s.removeMember(a, u); err != nil {
		return err
	}
	if len(a.Members) == 0 {
		return s.drop(a.ID)
	}
	return nil
}

// removeMember detaches a user from the alliance and revokes its buffs
func (s *AllianceService) removeMember(a *types.Alliance, u *types.User) error {
	delete(a.Members, u.ID)
	if err := s.save(a); err != nil {
		return err
	}

	u.AllianceID = 0
	u.AllianceRank = 0
	if err := saveUser(s.deps, u); err != nil {
		return err
	}
	return s.revokeLevelBuffs(a, u.ID)
}

// Kick expels a lower-ranked member. Officers and above may kick. The
// target's lock is held so its row and buffs move atomically.
func (s *AllianceService) Kick(targetID int64) error {
	a, _, release, err := s.mineLockedWith(targetID)
	if err != nil {
		return err
	}
	defer release()

	if targetID == s.userID {
		return errdefs.Validationf("cannot kick yourself; leave instead")
	}
	actor, err := s.member(a)
	if err != nil {
		return err
	}
	target, ok := a.Members[targetID]
	if !ok {
		return errdefs.NotFoundf("member %d", targetID)
	}
	if actor.Rank > types.RankOfficer || actor.Rank >= target.Rank {
		return errdefs.Forbiddenf("rank %s cannot kick rank %s", actor.Rank, target.Rank)
	}

	tu, err := loadUser(s.deps, targetID)
	if err != nil {
		return err
	}
	return s.removeMember(a, tu)
}

// Promote sets a member's rank. Leader only; the leader rank itself moves via
// Transfer.
func (s *AllianceService) Promote(targetID int64, rank types.Rank) error {
	a, _, release, err := s.mineLockedWith(targetID)
	if err != nil {
		return err
	}
	defer release()

	actor, err := s.member(a)
	if err != nil {
		return err
	}
	if actor.Rank != types.RankLeader {
		return errdefs.Forbiddenf("only the leader assigns ranks")
	}
	if targetID == s.userID {
		return errdefs.Validationf("cannot change your own rank")
	}
	if rank < types.RankViceLeader || rank > types.RankMember {
		return errdefs.Validationf("rank must be between %d and %d", types.RankViceLeader, types.RankMember)
	}
	target, ok := a.Members[targetID]
	if !ok {
		return errdefs.NotFoundf("member %d", targetID)
	}

	target.Rank = rank
	if err := s.save(a); err != nil {
		return err
	}

	tu, err := loadUser(s.deps, targetID)
	if err != nil {
		return err
	}
	tu.AllianceRank = rank
	return saveUser(s.deps, tu)
}

// Transfer hands leadership to another member. The former leader drops to
// vice leader.
func (s *AllianceService) Transfer(targetID int64) error {
	a, u, release, err := s.mineLockedWith(targetID)
	if err != nil {
		return err
	}
	defer release()

	actor, err := s.member(a)
	if err != nil {
		return err
	}
	if actor.Rank != types.RankLeader {
		return errdefs.Forbiddenf("only the leader transfers leadership")
	}
	target, ok := a.Members[targetID]
	if !ok {
		return errdefs.NotFoundf("member %d", targetID)
	}

	actor.Rank = types.RankViceLeader
	target.Rank = types.RankLeader
	a.LeaderUserID = targetID
	if err := s.save(a); err != nil {
		return err
	}

	u.AllianceRank = types.RankViceLeader
	if err := saveUser(s.deps, u); err != nil {
		return err
	}
	tu, err := loadUser(s.deps, targetID)
	if err != nil {
		return err
	}
	tu.AllianceRank = types.RankLeader
	return saveUser(s.deps, tu)
}

// Approve admits a pending applicant. Officers and above may approve. The
// applicant's lock is held so its affiliation cannot move mid-admit.
func (s *AllianceService) Approve(applicantID int64) error {
	a, _, release, err := s.mineLockedWith(applicantID)
	if err != nil {
		return err
	}
	defer release()

	actor, err := s.member(a)
	if err != nil {
		return err
	}
	if actor.Rank > types.RankOfficer {
		return errdefs.Forbiddenf("rank %s cannot approve applications", actor.Rank)
	}
	if _, ok := a.Applications[applicantID]; !ok {
		return errdefs.NotFoundf("application of user %d", applicantID)
	}

	au, err := loadUser(s.deps, applicantID)
	if err != nil {
		return err
	}
	if au.AllianceID != 0 {
		// Applicant joined elsewhere in the meantime; drop the stale entry
		delete(a.Applications, applicantID)
		return s.save(a)
	}
	return s.admit(a, au)
}

// Reject drops a pending application. Officers and above may reject.
func (s *AllianceService) Reject(applicantID int64) error {
	a, _, release, err := s.mineLocked()
	if err != nil {
		return err
	}
	defer release()

	actor, err := s.member(a)
	if err != nil {
		return err
	}
	if actor.Rank > types.RankOfficer {
		return errdefs.Forbiddenf("rank %s cannot reject applications", actor.Rank)
	}
	if _, ok := a.Applications[applicantID]; !ok {
		return errdefs.NotFoundf("application of user %d", applicantID)
	}
	delete(a.Applications, applicantID)
	return s.save(a)
}

// Applicants lists pending applications, newest first
func (s *AllianceService) Applicants() (map[int64]time.Time, error) {
	a, _, release, err := s.mineLocked()
	if err != nil {
		return nil, err
	}
	defer release()

	actor, err := s.member(a)
	if err != nil {
		return nil, err
	}
	if actor.Rank > types.RankOfficer {
		return nil, errdefs.Forbiddenf("rank %s cannot view applications", actor.Rank)
	}
	out := make(map[int64]time.Time, len(a.Applications))
	for id, at := range a.Applications {
		out[id] = at
	}
	return out, nil
}

// SetNotice updates the alliance notice. Vice leader and above.
func (s *AllianceService) SetNotice(text string) error {
	a, _, release, err := s.mineLocked()
	if err != nil {
		return err
	}
	defer release()

	if len(text) > 512 {
		return errdefs.Validationf("notice must be at most 512 characters")
	}
	actor, err := s.member(a)
	if err != nil {
		return err
	}
	if actor.Rank > types.RankViceLeader {
		return errdefs.Forbiddenf("rank %s cannot edit the notice", actor.Rank)
	}
	a.Notice = text
	return s.save(a)
}

// Donate converts food into alliance experience, leveling the alliance up as
// thresholds are crossed.
func (s *AllianceService) Donate(amount int64) (*types.Alliance, error) {
	// A levelup grants buffs to every member, so the whole membership is held
	a, _, release, err := s.mineLockedAllMembers()
	if err != nil {
		return nil, err
	}
	defer release()

	if amount <= 0 {
		return nil, errdefs.Validationf("amount must be positive")
	}
	m, err := s.member(a)
	if err != nil {
		return nil, err
	}

	if err := NewResourceService(s.deps, s.userID).AtomicConsume(types.ResourceFood, amount); err != nil {
		return nil, err
	}

	divisor := s.deps.Catalog.Alliance.DonateExpDivisor
	if divisor <= 0 {
		divisor = 100
	}
	exp := amount / divisor
	a.Exp += exp
	m.DonatedExp += exp

	leveled := false
	for {
		row, err := s.deps.Catalog.AllianceLevel(a.Level)
		if err != nil || row.ExpToNext <= 0 || a.Exp < row.ExpToNext {
			break
		}
		a.Exp -= row.ExpToNext
		a.Level++
		leveled = true
	}
	if err := s.save(a); err != nil {
		return nil, err
	}

	if leveled {
		// Every member picks up the new level's buffs
		for memberID := range a.Members {
			if err := s.grantLevelBuffs(a, memberID); err != nil {
				return nil, err
			}
		}
		s.deps.emit(events.EventAllianceLevelup, 0, map[string]interface{}{
			"alliance_id": a.ID,
			"level":       a.Level,
		})
	}
	return a, nil
}

// Disband deletes the alliance. Leader only; every member is detached.
func (s *AllianceService) Disband() error {
	a, _, release, err := s.mineLockedAllMembers()
	if err != nil {
		return err
	}
	defer release()

	actor, err := s.member(a)
	if err != nil {
		return err
	}
	if actor.Rank != types.RankLeader {
		return errdefs.Forbiddenf("only the leader disbands the alliance")
	}

	for memberID := range a.Members {
		mu, err := loadUser(s.deps, memberID)
		if err != nil {
			return err
		}
		mu.AllianceID = 0
		mu.AllianceRank = 0
		if err := saveUser(s.deps, mu); err != nil {
			return err
		}
		if err := s.revokeLevelBuffs(a, memberID); err != nil {
			return err
		}
	}
	return s.drop(a.ID)
}

// grantLevelBuffs installs the buffs of every reached alliance level on one
// member. Re-granting after a levelup replaces lower-level entries in place.
func (s *AllianceService) grantLevelBuffs(a *types.Alliance, userID int64) error {
	buffs := NewBuffService(s.deps, userID)
	for level := 1; level <= a.Level; level++ {
		row, err := s.deps.Catalog.AllianceLevel(level)
		if err != nil || row.Buff == nil {
			continue
		}
		if err := buffs.GrantPermanent(row.Buff, allianceBuffSource(a.ID, level)); err != nil {
			return err
		}
	}
	return nil
}

// revokeLevelBuffs removes every alliance-sourced buff from one member
func (s *AllianceService) revokeLevelBuffs(a *types.Alliance, userID int64) error {
	buffs := NewBuffService(s.deps, userID)
	for level := 1; level <= a.Level; level++ {
		row, err := s.deps.Catalog.AllianceLevel(level)
		if err != nil || row.Buff == nil {
			continue
		}
		if err := buffs.RevokePermanent(row.Buff.TargetType, allianceBuffSource(a.ID, level)); err != nil {
			return err
		}
	}
	return nil
}
