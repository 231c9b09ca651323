package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/bastion-games/bastion/pkg/types"
)

// Prereq is a prerequisite edge: the referenced entity must have reached the
// given level.
type Prereq struct {
	Idx   int `yaml:"idx" json:"idx"`
	Level int `yaml:"level" json:"level"`
}

// BuffSpec describes the stat modifier an entity grants
type BuffSpec struct {
	BuffIdx         int                 `yaml:"buff_idx"`
	TargetType      string              `yaml:"target_type"`
	TargetSubType   int                 `yaml:"target_sub_type"`
	StatType        string              `yaml:"stat_type"`
	Value           int64               `yaml:"value"`
	ValueType       types.BuffValueType `yaml:"value_type"`
	DurationSeconds int64               `yaml:"duration_seconds"` // 0 = permanent
}

// BuildingLevelSpec is one row of the building table
type BuildingLevelSpec struct {
	Level       int        `yaml:"level"`
	Cost        types.Cost `yaml:"cost"`
	TimeSeconds int64      `yaml:"time_seconds"`
	Prereqs     []Prereq   `yaml:"prerequisites"`
	Power       int64      `yaml:"power"`
}

// BuildingSpec describes one building line
type BuildingSpec struct {
	Idx      int                        `yaml:"idx"`
	Name     string                     `yaml:"name"`
	MaxLevel int                        `yaml:"max_level"`
	Levels   map[int]*BuildingLevelSpec `yaml:"levels"`
}

// UnitSpec describes one unit type. Cost and TimeSeconds are per single unit.
type UnitSpec struct {
	Idx         int        `yaml:"idx"`
	Name        string     `yaml:"name"`
	Cost        types.Cost `yaml:"cost"`
	TimeSeconds int64      `yaml:"time_seconds"`
	Power       int64      `yaml:"power"`
	Prereqs     []Prereq   `yaml:"prerequisites"`
}

// ResearchLevelSpec is one row of the research table
type ResearchLevelSpec struct {
	Level       int        `yaml:"level"`
	Cost        types.Cost `yaml:"cost"`
	TimeSeconds int64      `yaml:"time_seconds"`
	Buff        *BuffSpec  `yaml:"buff"`
}

// ResearchSpec describes one research line
type ResearchSpec struct {
	Idx        int                        `yaml:"idx"`
	Name       string                     `yaml:"name"`
	Repeatable bool                       `yaml:"repeatable"`
	MaxLevel   int                        `yaml:"max_level"`
	Prereq     *Prereq                    `yaml:"prerequisite"` // research idx that must be completed
	Levels     map[int]*ResearchLevelSpec `yaml:"levels"`
}

// LootEntry is one weighted row of a chest loot table
type LootEntry struct {
	ItemIdx  int   `yaml:"item_idx"`
	Quantity int64 `yaml:"quantity"`
	Weight   int   `yaml:"weight"`
}

// ItemSpec describes one item. EffectValue is category dependent: seconds for
// speedups, amount for resource packs.
type ItemSpec struct {
	Idx          int                `yaml:"idx"`
	Name         string             `yaml:"name"`
	Category     types.ItemCategory `yaml:"category"`
	EffectValue  int64              `yaml:"effect_value"`
	ResourceType types.ResourceType `yaml:"resource_type"`
	Loot         []LootEntry        `yaml:"loot"`
}

// Reward is one mission reward row
type Reward struct {
	ItemIdx  int   `yaml:"item_idx"`
	Quantity int64 `yaml:"quantity"`
}

// MissionSpec is an immutable mission definition. TargetIdx 0 means the
// predicate counts entities across the whole category.
type MissionSpec struct {
	Idx       int      `yaml:"idx"`
	Category  string   `yaml:"category"` // building, unit, research
	TargetIdx int      `yaml:"target_idx"`
	Threshold int64    `yaml:"threshold"`
	Prereqs   []int    `yaml:"prerequisites"` // mission idxs
	Rewards   []Reward `yaml:"rewards"`
	AutoClaim bool     `yaml:"auto_claim"`
}

// ShopOffer is one weighted row of the shop pool
type ShopOffer struct {
	ItemIdx int        `yaml:"item_idx"`
	Weight  int        `yaml:"weight"`
	Cost    types.Cost `yaml:"cost"`
}

// ShopSpec configures the per-user shop
type ShopSpec struct {
	Pool            []ShopOffer `yaml:"pool"`
	RefreshRubyCost int64       `yaml:"refresh_ruby_cost"`
}

// AllianceLevelSpec is one row of the alliance level table
type AllianceLevelSpec struct {
	Level     int       `yaml:"level"`
	ExpToNext int64     `yaml:"exp_to_next"` // 0 on the final level
	Buff      *BuffSpec `yaml:"buff"`
}

// AllianceSpec configures alliance progression
type AllianceSpec struct {
	MaxMembers       int                        `yaml:"max_members"`
	DonateExpDivisor int64                      `yaml:"donate_exp_divisor"`
	Levels           map[int]*AllianceLevelSpec `yaml:"levels"`
}

// Refund fractions, percent. Defaults follow the design decision: research
// cancellations refund half, building and unit cancellations refund all.
type RefundSpec struct {
	ResearchPercent int `yaml:"research_percent"`
	BuildingPercent int `yaml:"building_percent"`
	UnitPercent     int `yaml:"unit_percent"`
}

// Catalog is the full immutable game-design table set
type Catalog struct {
	Buildings  map[int]*BuildingSpec
	Units      map[int]*UnitSpec
	Researches map[int]*ResearchSpec
	Items      map[int]*ItemSpec
	Missions   map[int]*MissionSpec
	Shop       *ShopSpec
	Alliance   *AllianceSpec
	Refunds    RefundSpec
}

func loadTable(dir, file string, out interface{}) error {
	data, err := os.ReadFile(filepath.Join(dir, file))
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", file, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", file, err)
	}
	return nil
}

// Load reads every catalog table from dir. The returned catalog must not be
// mutated afterwards.
func Load(dir string) (*Catalog, error) {
	c := &Catalog{}

	var buildings struct {
		Buildings []*BuildingSpec `yaml:"buildings"`
	}
	if err := loadTable(dir, "buildings.yaml", &buildings); err != nil {
		return nil, err
	}
	c.Buildings = make(map[int]*BuildingSpec, len(buildings.Buildings))
	for _, b := range buildings.Buildings {
		c.Buildings[b.Idx] = b
	}

	var units struct {
		Units []*UnitSpec `yaml:"units"`
	}
	if err := loadTable(dir, "units.yaml", &units); err != nil {
		return nil, err
	}
	c.Units = make(map[int]*UnitSpec, len(units.Units))
	for _, u := range units.Units {
		c.Units[u.Idx] = u
	}

	var researches struct {
		Researches []*ResearchSpec `yaml:"researches"`
	}
	if err := loadTable(dir, "researches.yaml", &researches); err != nil {
		return nil, err
	}
	c.Researches = make(map[int]*ResearchSpec, len(researches.Researches))
	for _, r := range researches.Researches {
		c.Researches[r.Idx] = r
	}

	var items struct {
		Items []*ItemSpec `yaml:"items"`
	}
	if err := loadTable(dir, "items.yaml", &items); err != nil {
		return nil, err
	}
	c.Items = make(map[int]*ItemSpec, len(items.Items))
	for _, it := range items.Items {
		c.Items[it.Idx] = it
	}

	var missions struct {
		Missions []*MissionSpec `yaml:"missions"`
	}
	if err := loadTable(dir, "missions.yaml", &missions); err != nil {
		return nil, err
	}
	c.Missions = make(map[int]*MissionSpec, len(missions.Missions))
	for _, m := range missions.Missions {
		c.Missions[m.Idx] = m
	}

	c.Shop = &ShopSpec{}
	if err := loadTable(dir, "shop.yaml", c.Shop); err != nil {
		return nil, err
	}

	c.Alliance = &AllianceSpec{}
	if err := loadTable(dir, "alliance.yaml", c.Alliance); err != nil {
		return nil, err
	}

	c.Refunds = RefundSpec{ResearchPercent: 50, BuildingPercent: 100, UnitPercent: 100}
	// refunds.yaml is optional; the defaults above apply when absent
	if _, err := os.Stat(filepath.Join(dir, "refunds.yaml")); err == nil {
		if err := loadTable(dir, "refunds.yaml", &c.Refunds); err != nil {
			return nil, err
		}
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) validate() error {
	for idx, b := range c.Buildings {
		if len(b.Levels) == 0 {
			return fmt.Errorf("building %d has no levels", idx)
		}
		if b.MaxLevel == 0 {
			b.MaxLevel = types.MaxBuildingLevel
		}
	}
	for idx, r := range c.Researches {
		if len(r.Levels) == 0 {
			return fmt.Errorf("research %d has no levels", idx)
		}
	}
	if c.Shop != nil && len(c.Shop.Pool) > 0 && len(c.Shop.Pool) < types.ShopSlots {
		return fmt.Errorf("shop pool must hold at least %d offers, has %d", types.ShopSlots, len(c.Shop.Pool))
	}
	return nil
}

// BuildingLevel returns the table row for a building at a level
func (c *Catalog) BuildingLevel(idx, level int) (*BuildingLevelSpec, error) {
	b, ok := c.Buildings[idx]
	if !ok {
		return nil, fmt.Errorf("unknown building %d", idx)
	}
	row, ok := b.Levels[level]
	if !ok {
		return nil, fmt.Errorf("building %d has no level %d", idx, level)
	}
	return row, nil
}

// Unit returns the unit row for idx
func (c *Catalog) Unit(idx int) (*UnitSpec, error) {
	u, ok := c.Units[idx]
	if !ok {
		return nil, fmt.Errorf("unknown unit %d", idx)
	}
	return u, nil
}

// Research returns the research line for idx
func (c *Catalog) Research(idx int) (*ResearchSpec, error) {
	r, ok := c.Researches[idx]
	if !ok {
		return nil, fmt.Errorf("unknown research %d", idx)
	}
	return r, nil
}

// ResearchLevel returns one research table row
func (c *Catalog) ResearchLevel(idx, level int) (*ResearchLevelSpec, error) {
	r, err := c.Research(idx)
	if err != nil {
		return nil, err
	}
	row, ok := r.Levels[level]
	if !ok {
		return nil, fmt.Errorf("research %d has no level %d", idx, level)
	}
	return row, nil
}

// Item returns the item row for idx
func (c *Catalog) Item(idx int) (*ItemSpec, error) {
	it, ok := c.Items[idx]
	if !ok {
		return nil, fmt.Errorf("unknown item %d", idx)
	}
	return it, nil
}

// MissionsByCategory returns every mission definition in a category
func (c *Catalog) MissionsByCategory(category string) []*MissionSpec {
	var out []*MissionSpec
	for _, m := range c.Missions {
		if m.Category == category {
			out = append(out, m)
		}
	}
	return out
}

// AllianceLevel returns the alliance level row
func (c *Catalog) AllianceLevel(level int) (*AllianceLevelSpec, error) {
	row, ok := c.Alliance.Levels[level]
	if !ok {
		return nil, fmt.Errorf("alliance has no level %d", level)
	}
	return row, nil
}

// ResearchDependents returns the researches whose prerequisite is idx
func (c *Catalog) ResearchDependents(idx int) []*ResearchSpec {
	var out []*ResearchSpec
	for _, r := range c.Researches {
		if r.Prereq != nil && r.Prereq.Idx == idx {
			out = append(out, r)
		}
	}
	return out
}
