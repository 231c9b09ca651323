package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastion-games/bastion/pkg/errdefs"
	"github.com/bastion-games/bastion/pkg/types"
)

// foundAlliance seeds a leader and creates an alliance for them
func foundAlliance(t *testing.T, env *testEnv, leaderID int64, policy types.JoinPolicy) *types.Alliance {
	t.Helper()
	env.seedUser(t, leaderID, richResources())
	a, err := NewAllianceService(env.deps, leaderID).Create("Iron Pact", policy)
	require.NoError(t, err)
	return a
}

func TestAllianceCreate(t *testing.T) {
	env := newTestEnv(t)
	a := foundAlliance(t, env, 1, types.JoinOpen)

	assert.Equal(t, 1, a.Level)
	assert.Equal(t, int64(1), a.LeaderUserID)
	require.Contains(t, a.Members, int64(1))
	assert.Equal(t, types.RankLeader, a.Members[1].Rank)

	u, err := UserInfo(env.deps, 1)
	require.NoError(t, err)
	assert.Equal(t, a.ID, u.AllianceID)
	assert.Equal(t, types.RankLeader, u.AllianceRank)

	// The level 1 buff landed on the founder
	buffs, err := NewBuffService(env.deps, 1).List()
	require.NoError(t, err)
	require.Len(t, buffs, 1)
	assert.Equal(t, allianceBuffSource(a.ID, 1), buffs[0].SourceKey)
}

func TestAllianceCreateRejectsDuplicateName(t *testing.T) {
	env := newTestEnv(t)
	foundAlliance(t, env, 1, types.JoinOpen)

	env.seedUser(t, 2, richResources())
	_, err := NewAllianceService(env.deps, 2).Create("Iron Pact", types.JoinOpen)
	assert.ErrorIs(t, err, errdefs.ErrConflict)
}

func TestAllianceCreateWhileMember(t *testing.T) {
	env := newTestEnv(t)
	foundAlliance(t, env, 1, types.JoinOpen)

	_, err := NewAllianceService(env.deps, 1).Create("Second Banner", types.JoinOpen)
	assert.ErrorIs(t, err, errdefs.ErrConflict)
}

func TestAllianceJoinOpen(t *testing.T) {
	env := newTestEnv(t)
	a := foundAlliance(t, env, 1, types.JoinOpen)

	env.seedUser(t, 2, richResources())
	joined, err := NewAllianceService(env.deps, 2).Join(a.ID)
	require.NoError(t, err)
	assert.Contains(t, joined.Members, int64(2))
	assert.Equal(t, types.RankMember, joined.Members[2].Rank)

	u, err := UserInfo(env.deps, 2)
	require.NoError(t, err)
	assert.Equal(t, a.ID, u.AllianceID)
}

func TestAllianceJoinFull(t *testing.T) {
	env := newTestEnv(t)
	a := foundAlliance(t, env, 1, types.JoinOpen)

	for id := int64(2); id <= 3; id++ {
		env.seedUser(t, id, richResources())
		_, err := NewAllianceService(env.deps, id).Join(a.ID)
		require.NoError(t, err)
	}

	env.seedUser(t, 4, richResources())
	_, err := NewAllianceService(env.deps, 4).Join(a.ID)
	assert.ErrorIs(t, err, errdefs.ErrConflict)
}

func TestAllianceApprovalFlow(t *testing.T) {
	env := newTestEnv(t)
	a := foundAlliance(t, env, 1, types.JoinApproval)

	env.seedUser(t, 2, richResources())
	pending, err := NewAllianceService(env.deps, 2).Join(a.ID)
	require.NoError(t, err)
	assert.NotContains(t, pending.Members, int64(2))
	assert.Contains(t, pending.Applications, int64(2))

	apps, err := NewAllianceService(env.deps, 1).Applicants()
	require.NoError(t, err)
	assert.Contains(t, apps, int64(2))

	require.NoError(t, NewAllianceService(env.deps, 1).Approve(2))

	u, err := UserInfo(env.deps, 2)
	require.NoError(t, err)
	assert.Equal(t, a.ID, u.AllianceID)

	got, err := NewAllianceService(env.deps, 1).Mine()
	require.NoError(t, err)
	assert.NotContains(t, got.Applications, int64(2))
}

func TestAllianceReject(t *testing.T) {
	env := newTestEnv(t)
	a := foundAlliance(t, env, 1, types.JoinApproval)

	env.seedUser(t, 2, richResources())
	_, err := NewAllianceService(env.deps, 2).Join(a.ID)
	require.NoError(t, err)
	require.NoError(t, NewAllianceService(env.deps, 1).Reject(2))

	u, err := UserInfo(env.deps, 2)
	require.NoError(t, err)
	assert.Zero(t, u.AllianceID)
}

func TestAllianceKickRankRules(t *testing.T) {
	env := newTestEnv(t)
	a := foundAlliance(t, env, 1, types.JoinOpen)

	env.seedUser(t, 2, richResources())
	env.seedUser(t, 3, richResources())
	_, err := NewAllianceService(env.deps, 2).Join(a.ID)
	require.NoError(t, err)
	_, err = NewAllianceService(env.deps, 3).Join(a.ID)
	require.NoError(t, err)

	// A plain member cannot kick anyone
	err = NewAllianceService(env.deps, 2).Kick(3)
	assert.ErrorIs(t, err, errdefs.ErrForbidden)

	// An officer kicks members but not peers or above
	require.NoError(t, NewAllianceService(env.deps, 1).Promote(2, types.RankOfficer))
	err = NewAllianceService(env.deps, 2).Kick(1)
	assert.ErrorIs(t, err, errdefs.ErrForbidden)
	require.NoError(t, NewAllianceService(env.deps, 2).Kick(3))

	u, err := UserInfo(env.deps, 3)
	require.NoError(t, err)
	assert.Zero(t, u.AllianceID)
}

func TestAlliancePromoteLeaderOnly(t *testing.T) {
	env := newTestEnv(t)
	a := foundAlliance(t, env, 1, types.JoinOpen)

	env.seedUser(t, 2, richResources())
	env.seedUser(t, 3, richResources())
	_, err := NewAllianceService(env.deps, 2).Join(a.ID)
	require.NoError(t, err)
	_, err = NewAllianceService(env.deps, 3).Join(a.ID)
	require.NoError(t, err)

	err = NewAllianceService(env.deps, 2).Promote(3, types.RankOfficer)
	assert.ErrorIs(t, err, errdefs.ErrForbidden)

	err = NewAllianceService(env.deps, 1).Promote(2, types.RankLeader)
	assert.ErrorIs(t, err, errdefs.ErrValidation)

	require.NoError(t, NewAllianceService(env.deps, 1).Promote(2, types.RankViceLeader))
	u, err := UserInfo(env.deps, 2)
	require.NoError(t, err)
	assert.Equal(t, types.RankViceLeader, u.AllianceRank)
}

func TestAllianceTransfer(t *testing.T) {
	env := newTestEnv(t)
	a := foundAlliance(t, env, 1, types.JoinOpen)

	env.seedUser(t, 2, richResources())
	_, err := NewAllianceService(env.deps, 2).Join(a.ID)
	require.NoError(t, err)

	require.NoError(t, NewAllianceService(env.deps, 1).Transfer(2))

	got, err := NewAllianceService(env.deps, 2).Mine()
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.LeaderUserID)
	assert.Equal(t, types.RankLeader, got.Members[2].Rank)
	assert.Equal(t, types.RankViceLeader, got.Members[1].Rank)
}

func TestAllianceLeaveRules(t *testing.T) {
	env := newTestEnv(t)
	a := foundAlliance(t, env, 1, types.JoinOpen)

	env.seedUser(t, 2, richResources())
	_, err := NewAllianceService(env.deps, 2).Join(a.ID)
	require.NoError(t, err)

	// A leader with members must transfer first
	err = NewAllianceService(env.deps, 1).Leave()
	assert.ErrorIs(t, err, errdefs.ErrConflict)

	require.NoError(t, NewAllianceService(env.deps, 2).Leave())

	// Leaving revokes the alliance buffs
	buffs, err := NewBuffService(env.deps, 2).List()
	require.NoError(t, err)
	assert.Empty(t, buffs)

	// The sole remaining leader leaving disbands the alliance
	require.NoError(t, NewAllianceService(env.deps, 1).Leave())
	_, err = NewAllianceService(env.deps, 1).Info(a.ID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestAllianceDonateLevelsUp(t *testing.T) {
	env := newTestEnv(t)
	a := foundAlliance(t, env, 1, types.JoinOpen)

	env.seedUser(t, 2, richResources())
	_, err := NewAllianceService(env.deps, 2).Join(a.ID)
	require.NoError(t, err)

	// 10000 food is 100 exp, exactly the level 2 threshold
	got, err := NewAllianceService(env.deps, 2).Donate(10000)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Level)
	assert.Zero(t, got.Exp)
	assert.Equal(t, int64(100), got.Members[2].DonatedExp)

	res, err := NewResourceService(env.deps, 2).Info()
	require.NoError(t, err)
	assert.Equal(t, int64(100000-10000), res[types.ResourceFood])

	// Every member now carries both level buffs
	for _, id := range []int64{1, 2} {
		buffs, err := NewBuffService(env.deps, id).List()
		require.NoError(t, err)
		assert.Len(t, buffs, 2)
	}
}

func TestAllianceDonateBelowThreshold(t *testing.T) {
	env := newTestEnv(t)
	foundAlliance(t, env, 1, types.JoinOpen)

	got, err := NewAllianceService(env.deps, 1).Donate(5000)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Level)
	assert.Equal(t, int64(50), got.Exp)
}

func TestAllianceDisband(t *testing.T) {
	env := newTestEnv(t)
	a := foundAlliance(t, env, 1, types.JoinOpen)

	env.seedUser(t, 2, richResources())
	_, err := NewAllianceService(env.deps, 2).Join(a.ID)
	require.NoError(t, err)

	// Only the leader disbands
	err = NewAllianceService(env.deps, 2).Disband()
	assert.ErrorIs(t, err, errdefs.ErrForbidden)

	require.NoError(t, NewAllianceService(env.deps, 1).Disband())

	for _, id := range []int64{1, 2} {
		u, err := UserInfo(env.deps, id)
		require.NoError(t, err)
		assert.Zero(t, u.AllianceID)

		buffs, err := NewBuffService(env.deps, id).List()
		require.NoError(t, err)
		assert.Empty(t, buffs)
	}
	_, err = NewAllianceService(env.deps, 1).Info(a.ID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestAllianceBuffSourcePerAlliance(t *testing.T) {
	env := newTestEnv(t)
	a := foundAlliance(t, env, 1, types.JoinOpen)

	env.seedUser(t, 2, richResources())
	b, err := NewAllianceService(env.deps, 2).Create("Second Banner", types.JoinOpen)
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)

	// Same level, different alliances: the buffs must not share a source key
	first, err := NewBuffService(env.deps, 1).List()
	require.NoError(t, err)
	second, err := NewBuffService(env.deps, 2).List()
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].SourceKey, second[0].SourceKey)
	assert.Equal(t, allianceBuffSource(b.ID, 1), second[0].SourceKey)
}

func TestAllianceMutationsHoldTargetLock(t *testing.T) {
	env := newTestEnv(t)
	a := foundAlliance(t, env, 1, types.JoinOpen)

	env.seedUser(t, 2, richResources())
	_, err := NewAllianceService(env.deps, 2).Join(a.ID)
	require.NoError(t, err)

	// While user 2's lock is held elsewhere, operations that write its row
	// wait for it instead of racing past.
	release, err := env.deps.Locker.AcquireUser(2)
	require.NoError(t, err)

	err = NewAllianceService(env.deps, 1).Promote(2, types.RankOfficer)
	assert.ErrorIs(t, err, errdefs.ErrLockTimeout)
	err = NewAllianceService(env.deps, 1).Kick(2)
	assert.ErrorIs(t, err, errdefs.ErrLockTimeout)

	release()
	require.NoError(t, NewAllianceService(env.deps, 1).Promote(2, types.RankOfficer))
}

func TestAllianceDisbandHoldsMemberLocks(t *testing.T) {
	env := newTestEnv(t)
	a := foundAlliance(t, env, 1, types.JoinOpen)

	env.seedUser(t, 2, richResources())
	_, err := NewAllianceService(env.deps, 2).Join(a.ID)
	require.NoError(t, err)

	release, err := env.deps.Locker.AcquireUser(2)
	require.NoError(t, err)

	err = NewAllianceService(env.deps, 1).Disband()
	assert.ErrorIs(t, err, errdefs.ErrLockTimeout)

	release()
	require.NoError(t, NewAllianceService(env.deps, 1).Disband())
}

func TestAllianceSetNotice(t *testing.T) {
	env := newTestEnv(t)
	a := foundAlliance(t, env, 1, types.JoinOpen)

	env.seedUser(t, 2, richResources())
	_, err := NewAllianceService(env.deps, 2).Join(a.ID)
	require.NoError(t, err)

	err = NewAllianceService(env.deps, 2).SetNotice("rally at dawn")
	assert.ErrorIs(t, err, errdefs.ErrForbidden)

	require.NoError(t, NewAllianceService(env.deps, 1).SetNotice("rally at dawn"))
	got, err := NewAllianceService(env.deps, 1).Mine()
	require.NoError(t, err)
	assert.Equal(t, "rally at dawn", got.Notice)
}
