package service

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bastion-games/bastion/pkg/cache"
	"github.com/bastion-games/bastion/pkg/config"
	"github.com/bastion-games/bastion/pkg/locker"
	"github.com/bastion-games/bastion/pkg/queue"
	"github.com/bastion-games/bastion/pkg/storage"
	"github.com/bastion-games/bastion/pkg/types"
)

// testEnv bundles a full service stack over temp storage with a controllable
// clock.
type testEnv struct {
	deps *Deps
	now  time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mem := cache.NewMemStore()
	t.Cleanup(func() { _ = mem.Close() })

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	env := &testEnv{now: time.Unix(1700000000, 0)}
	mem.SetClock(func() time.Time { return env.now })

	env.deps = &Deps{
		Cache:   mem,
		Store:   store,
		Queue:   queue.New(mem),
		Locker:  locker.New(time.Second),
		Catalog: testCatalog(),
		Now:     func() time.Time { return env.now },
		Rand:    rand.New(rand.NewSource(1)),
	}
	return env
}

func (e *testEnv) advance(d time.Duration) {
	e.now = e.now.Add(d)
}

// seedUser registers a user with the given starting resources
func (e *testEnv) seedUser(t *testing.T, id int64, res types.Cost) {
	t.Helper()
	u := &types.User{
		ID:        id,
		AccountID: fmt.Sprintf("acct-%d", id),
		Nickname:  fmt.Sprintf("Lord%d", id),
		Level:     1,
		CreatedAt: e.now,
	}
	require.NoError(t, saveUser(e.deps, u))
	require.NoError(t, NewResourceService(e.deps, id).grant(res))
}

// richResources covers any cost in the test catalog
func richResources() types.Cost {
	return types.Cost{
		types.ResourceFood:  100000,
		types.ResourceWood:  100000,
		types.ResourceStone: 100000,
		types.ResourceGold:  100000,
		types.ResourceRuby:  1000,
	}
}

func testCatalog() *config.Catalog {
	return &config.Catalog{
		Buildings: map[int]*config.BuildingSpec{
			1: {Idx: 1, Name: "Castle", MaxLevel: 3, Levels: map[int]*config.BuildingLevelSpec{
				1: {Level: 1, Cost: types.Cost{types.ResourceFood: 100, types.ResourceWood: 50}, Power: 20},
				2: {Level: 2, Cost: types.Cost{types.ResourceFood: 200}, TimeSeconds: 100, Power: 40},
				3: {Level: 3, Cost: types.Cost{types.ResourceFood: 400}, TimeSeconds: 200, Power: 80},
			}},
			2: {Idx: 2, Name: "Barracks", MaxLevel: 2, Levels: map[int]*config.BuildingLevelSpec{
				1: {Level: 1, Cost: types.Cost{types.ResourceWood: 80}, Power: 10,
					Prereqs: []config.Prereq{{Idx: 1, Level: 1}}},
				2: {Level: 2, Cost: types.Cost{types.ResourceWood: 160}, TimeSeconds: 60, Power: 20},
			}},
		},
		Units: map[int]*config.UnitSpec{
			4: {Idx: 4, Name: "Swordsman", Cost: types.Cost{types.ResourceFood: 10, types.ResourceGold: 2},
				TimeSeconds: 10, Power: 3, Prereqs: []config.Prereq{{Idx: 2, Level: 1}}},
			5: {Idx: 5, Name: "Knight", Cost: types.Cost{types.ResourceFood: 20, types.ResourceGold: 5},
				TimeSeconds: 20, Power: 8},
		},
		Researches: map[int]*config.ResearchSpec{
			1: {Idx: 1, Name: "Masonry", MaxLevel: 2, Levels: map[int]*config.ResearchLevelSpec{
				1: {Level: 1, Cost: types.Cost{types.ResourceStone: 100}, TimeSeconds: 60,
					Buff: &config.BuffSpec{BuffIdx: 1, TargetType: TargetBuilding, StatType: StatBuildTime,
						Value: 50, ValueType: types.BuffPercent}},
				2: {Level: 2, Cost: types.Cost{types.ResourceStone: 300}, TimeSeconds: 120,
					Buff: &config.BuffSpec{BuffIdx: 1, TargetType: TargetBuilding, StatType: StatBuildTime,
						Value: 75, ValueType: types.BuffPercent}},
			}},
			2: {Idx: 2, Name: "Forging", MaxLevel: 1, Prereq: &config.Prereq{Idx: 1, Level: 1},
				Levels: map[int]*config.ResearchLevelSpec{
					1: {Level: 1, Cost: types.Cost{types.ResourceGold: 50}, TimeSeconds: 120},
				}},
		},
		Items: map[int]*config.ItemSpec{
			10: {Idx: 10, Name: "Minor Speedup", Category: types.ItemSpeedup, EffectValue: 30},
			11: {Idx: 11, Name: "Food Crate", Category: types.ItemResource,
				ResourceType: types.ResourceFood, EffectValue: 1000},
			12: {Idx: 12, Name: "Wooden Chest", Category: types.ItemChest,
				Loot: []config.LootEntry{{ItemIdx: 11, Quantity: 2, Weight: 1}}},
		},
		Missions: map[int]*config.MissionSpec{
			1: {Idx: 1, Category: MissionCategoryBuilding, TargetIdx: 1, Threshold: 2,
				AutoClaim: true, Rewards: []config.Reward{{ItemIdx: 10, Quantity: 1}}},
			2: {Idx: 2, Category: MissionCategoryUnit, TargetIdx: 0, Threshold: 5,
				Rewards: []config.Reward{{ItemIdx: 11, Quantity: 1}}},
		},
		Shop: &config.ShopSpec{
			Pool: []config.ShopOffer{
				{ItemIdx: 10, Weight: 10, Cost: types.Cost{types.ResourceGold: 10}},
				{ItemIdx: 11, Weight: 10, Cost: types.Cost{types.ResourceGold: 20}},
				{ItemIdx: 12, Weight: 10, Cost: types.Cost{types.ResourceRuby: 5}},
				{ItemIdx: 10, Weight: 10, Cost: types.Cost{types.ResourceGold: 15}},
				{ItemIdx: 11, Weight: 10, Cost: types.Cost{types.ResourceGold: 25}},
				{ItemIdx: 12, Weight: 10, Cost: types.Cost{types.ResourceRuby: 8}},
			},
			RefreshRubyCost: 10,
		},
		Alliance: &config.AllianceSpec{
			MaxMembers:       3,
			DonateExpDivisor: 100,
			Levels: map[int]*config.AllianceLevelSpec{
				1: {Level: 1, ExpToNext: 100, Buff: &config.BuffSpec{BuffIdx: 5, TargetType: TargetAlliance,
					StatType: StatProduction, Value: 2, ValueType: types.BuffPercent}},
				2: {Level: 2, Buff: &config.BuffSpec{BuffIdx: 6, TargetType: TargetAlliance,
					StatType: StatProduction, Value: 4, ValueType: types.BuffPercent}},
			},
		},
		Refunds: config.RefundSpec{ResearchPercent: 50, BuildingPercent: 100, UnitPercent: 100},
	}
}
