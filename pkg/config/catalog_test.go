package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastion-games/bastion/pkg/types"
)

func writeCatalogDir(t *testing.T, overrides map[string]string) string {
	t.Helper()
	dir := t.TempDir()

	files := map[string]string{
		"buildings.yaml": `
buildings:
  - idx: 1
    name: Castle
    max_level: 5
    levels:
      1: {level: 1, cost: {food: 100, wood: 50}, time_seconds: 10, power: 20}
      2: {level: 2, cost: {food: 200, wood: 100}, time_seconds: 30, power: 40}
  - idx: 2
    name: Barracks
    levels:
      1:
        level: 1
        cost: {wood: 80}
        time_seconds: 20
        power: 10
        prerequisites:
          - {idx: 1, level: 1}
`,
		"units.yaml": `
units:
  - idx: 4
    name: Swordsman
    cost: {food: 10, gold: 2}
    time_seconds: 5
    power: 3
    prerequisites:
      - {idx: 2, level: 1}
`,
		"researches.yaml": `
researches:
  - idx: 1
    name: Masonry
    max_level: 2
    levels:
      1:
        level: 1
        cost: {stone: 100}
        time_seconds: 60
        buff: {buff_idx: 1, target_type: building, stat_type: build_time, value: 5, value_type: percent}
      2:
        level: 2
        cost: {stone: 300}
        time_seconds: 180
        buff: {buff_idx: 1, target_type: building, stat_type: build_time, value: 10, value_type: percent}
  - idx: 2
    name: Forging
    prerequisite: {idx: 1, level: 1}
    levels:
      1: {level: 1, cost: {gold: 50}, time_seconds: 120}
`,
		"items.yaml": `
items:
  - idx: 10
    name: Minor Speedup
    category: speedup
    effect_value: 300
  - idx: 11
    name: Food Crate
    category: resource
    resource_type: food
    effect_value: 1000
  - idx: 12
    name: Wooden Chest
    category: chest
    loot:
      - {item_idx: 10, quantity: 1, weight: 70}
      - {item_idx: 11, quantity: 2, weight: 30}
`,
		"missions.yaml": `
missions:
  - idx: 1
    category: building
    target_idx: 1
    threshold: 2
    rewards:
      - {item_idx: 10, quantity: 1}
    auto_claim: true
`,
		"shop.yaml": `
pool:
  - {item_idx: 10, weight: 50, cost: {gold: 10}}
  - {item_idx: 11, weight: 30, cost: {gold: 20}}
  - {item_idx: 12, weight: 20, cost: {ruby: 5}}
  - {item_idx: 10, weight: 10, cost: {gold: 15}}
  - {item_idx: 11, weight: 10, cost: {gold: 25}}
  - {item_idx: 12, weight: 10, cost: {ruby: 8}}
refresh_ruby_cost: 10
`,
		"alliance.yaml": `
max_members: 50
donate_exp_divisor: 100
levels:
  1:
    level: 1
    exp_to_next: 1000
    buff: {buff_idx: 5, target_type: alliance, stat_type: production, value: 2, value_type: percent}
  2:
    level: 2
    exp_to_next: 0
`,
	}
	for name, content := range overrides {
		files[name] = content
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	return dir
}

func TestLoadCatalog(t *testing.T) {
	c, err := Load(writeCatalogDir(t, nil))
	require.NoError(t, err)

	row, err := c.BuildingLevel(1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(200), row.Cost[types.ResourceFood])
	assert.Equal(t, int64(30), row.TimeSeconds)

	_, err = c.BuildingLevel(1, 3)
	assert.Error(t, err)
	_, err = c.BuildingLevel(99, 1)
	assert.Error(t, err)

	u, err := c.Unit(4)
	require.NoError(t, err)
	assert.Equal(t, int64(5), u.TimeSeconds)
	require.Len(t, u.Prereqs, 1)
	assert.Equal(t, 2, u.Prereqs[0].Idx)

	rl, err := c.ResearchLevel(1, 1)
	require.NoError(t, err)
	require.NotNil(t, rl.Buff)
	assert.Equal(t, types.BuffPercent, rl.Buff.ValueType)

	it, err := c.Item(12)
	require.NoError(t, err)
	assert.Equal(t, types.ItemChest, it.Category)
	assert.Len(t, it.Loot, 2)

	assert.Equal(t, int64(10), c.Shop.RefreshRubyCost)
	assert.Equal(t, 50, c.Alliance.MaxMembers)
}

func TestLoadCatalogDefaults(t *testing.T) {
	c, err := Load(writeCatalogDir(t, nil))
	require.NoError(t, err)

	// max_level absent defaults to the global cap
	assert.Equal(t, types.MaxBuildingLevel, c.Buildings[2].MaxLevel)

	// refunds.yaml absent: built-in percentages apply
	assert.Equal(t, 50, c.Refunds.ResearchPercent)
	assert.Equal(t, 100, c.Refunds.BuildingPercent)
	assert.Equal(t, 100, c.Refunds.UnitPercent)
}

func TestLoadCatalogRefundsOverride(t *testing.T) {
	dir := writeCatalogDir(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "refunds.yaml"),
		[]byte("research_percent: 25\nbuilding_percent: 80\nunit_percent: 90\n"), 0644))

	c, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 25, c.Refunds.ResearchPercent)
	assert.Equal(t, 80, c.Refunds.BuildingPercent)
	assert.Equal(t, 90, c.Refunds.UnitPercent)
}

func TestLoadCatalogRejectsEmptyLevels(t *testing.T) {
	dir := writeCatalogDir(t, map[string]string{
		"buildings.yaml": "buildings:\n  - idx: 1\n    name: Castle\n",
	})
	_, err := Load(dir)
	assert.Error(t, err)
}

func TestLoadCatalogRejectsShortShopPool(t *testing.T) {
	dir := writeCatalogDir(t, map[string]string{
		"shop.yaml": "pool:\n  - {item_idx: 10, weight: 1, cost: {gold: 1}}\nrefresh_ruby_cost: 10\n",
	})
	_, err := Load(dir)
	assert.Error(t, err)
}

func TestResearchDependents(t *testing.T) {
	c, err := Load(writeCatalogDir(t, nil))
	require.NoError(t, err)

	deps := c.ResearchDependents(1)
	require.Len(t, deps, 1)
	assert.Equal(t, 2, deps[0].Idx)

	assert.Empty(t, c.ResearchDependents(2))
}

func TestMissionsByCategory(t *testing.T) {
	c, err := Load(writeCatalogDir(t, nil))
	require.NoError(t, err)

	assert.Len(t, c.MissionsByCategory("building"), 1)
	assert.Empty(t, c.MissionsByCategory("unit"))
}
