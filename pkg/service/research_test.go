package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastion-games/bastion/pkg/errdefs"
	"github.com/bastion-games/bastion/pkg/queue"
	"github.com/bastion-games/bastion/pkg/types"
)

func TestResearchStart(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, 1, richResources())
	svc := NewResearchService(env.deps, 1)

	r, err := svc.Start(1)
	require.NoError(t, err)
	assert.Equal(t, types.ResearchResearching, r.Status)
	assert.Equal(t, env.deps.NowMs()+60*1000, r.EndTime)

	res, err := NewResourceService(env.deps, 1).Info()
	require.NoError(t, err)
	assert.Equal(t, int64(100000-100), res[types.ResourceStone])
}

func TestResearchSingleActive(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, 1, richResources())
	svc := NewResearchService(env.deps, 1)

	_, err := svc.Start(1)
	require.NoError(t, err)
	_, err = svc.Start(1)
	assert.ErrorIs(t, err, errdefs.ErrConflict)
}

func TestResearchPrereqGate(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, 1, richResources())
	svc := NewResearchService(env.deps, 1)

	// Forging requires masonry at level 1
	_, err := svc.Start(2)
	assert.ErrorIs(t, err, errdefs.ErrConflict)

	_, err = svc.Start(1)
	require.NoError(t, err)
	require.NoError(t, svc.Finish(1))

	_, err = svc.Start(2)
	require.NoError(t, err)
}

func TestResearchFinishGrantsBuffAndUnlocks(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, 1, richResources())
	svc := NewResearchService(env.deps, 1)

	_, err := svc.Start(1)
	require.NoError(t, err)
	require.NoError(t, svc.Finish(1))

	all, err := svc.Info()
	require.NoError(t, err)
	assert.Equal(t, 1, all[1].Level)
	assert.Equal(t, types.ResearchAvailable, all[1].Status)

	// The dependent line materialized as available
	require.NotNil(t, all[2])
	assert.Equal(t, types.ResearchAvailable, all[2].Status)

	// Level 1 masonry halves build time
	got, err := NewBuffService(env.deps, 1).ReduceDuration(TargetBuilding, 0, StatBuildTime, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(50), got)
}

func TestResearchLevelupReplacesBuff(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, 1, richResources())
	svc := NewResearchService(env.deps, 1)

	for i := 0; i < 2; i++ {
		_, err := svc.Start(1)
		require.NoError(t, err)
		require.NoError(t, svc.Finish(1))
		env.advance(2 * time.Minute)
	}

	all, err := svc.Info()
	require.NoError(t, err)
	assert.Equal(t, 2, all[1].Level)
	assert.Equal(t, types.ResearchCompleted, all[1].Status)

	// 75 percent from level 2, not 125 stacked
	got, err := NewBuffService(env.deps, 1).ReduceDuration(TargetBuilding, 0, StatBuildTime, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(25), got)

	// A completed non-repeatable line cannot restart
	_, err = svc.Start(1)
	assert.ErrorIs(t, err, errdefs.ErrConflict)
}

func TestResearchCancelRefundsHalf(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, 1, richResources())
	svc := NewResearchService(env.deps, 1)

	_, err := svc.Start(1)
	require.NoError(t, err)
	r, err := svc.Cancel(1)
	require.NoError(t, err)
	assert.Equal(t, types.ResearchAvailable, r.Status)
	assert.Equal(t, 0, r.Level)

	res, err := NewResourceService(env.deps, 1).Info()
	require.NoError(t, err)
	assert.Equal(t, int64(100000-100+50), res[types.ResourceStone])

	_, ok, err := env.deps.Queue.ScoreOf(types.TaskResearch, queue.Member(1, "1", ""))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResearchInstantComplete(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, 1, richResources())
	svc := NewResearchService(env.deps, 1)

	_, err := svc.Start(1)
	require.NoError(t, err)

	// 30 seconds in, 30 remain: minimum price of one ruby
	env.advance(30 * time.Second)
	r, err := svc.InstantComplete(1)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Level)
	assert.Equal(t, types.ResearchAvailable, r.Status)

	res, err := NewResourceService(env.deps, 1).Info()
	require.NoError(t, err)
	assert.Equal(t, int64(1000-1), res[types.ResourceRuby])

	_, ok, err := env.deps.Queue.ScoreOf(types.TaskResearch, queue.Member(1, "1", ""))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResearchInstantCompletePricePerMinute(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, 1, richResources())
	svc := NewResearchService(env.deps, 1)

	// Forging runs 120 seconds; finishing right away prices two minutes
	_, err := svc.Start(1)
	require.NoError(t, err)
	require.NoError(t, svc.Finish(1))

	_, err = svc.Start(2)
	require.NoError(t, err)
	_, err = svc.InstantComplete(2)
	require.NoError(t, err)

	res, err := NewResourceService(env.deps, 1).Info()
	require.NoError(t, err)
	assert.Equal(t, int64(1000-2), res[types.ResourceRuby])
}
