package types

import (
	"fmt"
	"time"
)

// ResourceType identifies one of the five resource scalars
type ResourceType string

const (
	ResourceFood  ResourceType = "food"
	ResourceWood  ResourceType = "wood"
	ResourceStone ResourceType = "stone"
	ResourceGold  ResourceType = "gold"
	ResourceRuby  ResourceType = "ruby"
)

// ResourceTypes lists all resource scalars in canonical order. Consume walks
// this order so partial-failure compensation is deterministic.
var ResourceTypes = []ResourceType{
	ResourceFood,
	ResourceWood,
	ResourceStone,
	ResourceGold,
	ResourceRuby,
}

// Cost is a resource bundle used for prices, refunds and rewards
type Cost map[ResourceType]int64

// User is the per-player profile record
type User struct {
	ID           int64     `json:"id"`
	AccountID    string    `json:"account_id"`
	Nickname     string    `json:"nickname"`
	Level        int       `json:"level"`
	Power        int64     `json:"power"`
	AllianceID   int64     `json:"alliance_id,omitempty"`
	AllianceRank Rank      `json:"alliance_rank,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// BuildingStatus represents the construction state of a building
type BuildingStatus string

const (
	BuildingIdle         BuildingStatus = "idle"
	BuildingConstructing BuildingStatus = "constructing"
	BuildingUpgrading    BuildingStatus = "upgrading"
)

// MaxBuildingLevel is the level cap for every building
const MaxBuildingLevel = 10

// Building is one building instance owned by a user
type Building struct {
	UserID         int64          `json:"user_id"`
	BuildingIdx    int            `json:"building_idx"`
	Level          int            `json:"level"`
	Status         BuildingStatus `json:"status"`
	StartTime      int64          `json:"start_time,omitempty"` // unix ms
	EndTime        int64          `json:"end_time,omitempty"`   // unix ms
	LastChangeTime int64          `json:"last_change_time"`
}

// UnitTaskType distinguishes training from upgrading in a unit task record
type UnitTaskType string

const (
	UnitTaskTrain   UnitTaskType = "train"
	UnitTaskUpgrade UnitTaskType = "upgrade"
)

// UnitGroup aggregates all buckets for one unit type owned by a user.
// Invariant: Total equals the sum of every bucket.
type UnitGroup struct {
	UserID    int64 `json:"user_id"`
	UnitIdx   int   `json:"unit_idx"`
	Ready     int64 `json:"ready"`
	Field     int64 `json:"field"`
	Training  int64 `json:"training"`
	Upgrading int64 `json:"upgrading"`
	Injured   int64 `json:"injured"`
	Wounded   int64 `json:"wounded"`
	Healing   int64 `json:"healing"`
	Dead      int64 `json:"dead"`
	Total     int64 `json:"total"`
}

// BucketSum returns the sum of all buckets, for invariant checks
func (g *UnitGroup) BucketSum() int64 {
	return g.Ready + g.Field + g.Training + g.Upgrading + g.Injured + g.Wounded + g.Healing + g.Dead
}

// ResearchStatus represents the lifecycle state of a research entry
type ResearchStatus string

const (
	ResearchLocked      ResearchStatus = "locked"
	ResearchAvailable   ResearchStatus = "available"
	ResearchResearching ResearchStatus = "researching"
	ResearchCompleted   ResearchStatus = "completed"
)

// Research is one research line owned by a user
type Research struct {
	UserID      int64          `json:"user_id"`
	ResearchIdx int            `json:"research_idx"`
	Level       int            `json:"level"`
	Status      ResearchStatus `json:"status"`
	StartTime   int64          `json:"start_time,omitempty"` // unix ms
	EndTime     int64          `json:"end_time,omitempty"`   // unix ms
}

// Item is a stackable inventory entry. Rows with Quantity == 0 are evicted
// from the hot cache.
type Item struct {
	UserID   int64 `json:"user_id"`
	ItemIdx  int   `json:"item_idx"`
	Quantity int64 `json:"quantity"`
}

// ItemCategory drives effect dispatch on item use
type ItemCategory string

const (
	ItemSpeedup  ItemCategory = "speedup"
	ItemResource ItemCategory = "resource"
	ItemChest    ItemCategory = "chest"
)

// BuffValueType distinguishes flat additions from percentage modifiers
type BuffValueType string

const (
	BuffFlat    BuffValueType = "flat"
	BuffPercent BuffValueType = "percent"
)

// Buff is a single stat modifier. Permanent buffs are keyed by
// (TargetType, SourceKey); temporary buffs by ID with an expiry in the buff
// queue.
type Buff struct {
	ID            string        `json:"id,omitempty"`
	UserID        int64         `json:"user_id"`
	BuffIdx       int           `json:"buff_idx"`
	TargetType    string        `json:"target_type"`
	TargetSubType int           `json:"target_sub_type"`
	StatType      string        `json:"stat_type"`
	Value         int64         `json:"value"`
	ValueType     BuffValueType `json:"value_type"`
	SourceKey     string        `json:"source_key,omitempty"`
	ExpiresAt     int64         `json:"expires_at,omitempty"` // unix ms, temporary only
}

// DurationReductionCap caps stacked percentage duration reductions
const DurationReductionCap = 90

// Rank orders alliance member privileges. Lower value outranks higher.
type Rank int

const (
	RankLeader     Rank = 1
	RankViceLeader Rank = 2
	RankOfficer    Rank = 3
	RankMember     Rank = 4
)

func (r Rank) String() string {
	switch r {
	case RankLeader:
		return "leader"
	case RankViceLeader:
		return "vice_leader"
	case RankOfficer:
		return "officer"
	case RankMember:
		return "member"
	}
	return fmt.Sprintf("rank(%d)", int(r))
}

// JoinPolicy controls how users enter an alliance
type JoinPolicy string

const (
	JoinOpen     JoinPolicy = "open"
	JoinApproval JoinPolicy = "approval"
)

// AllianceMember is one membership row owned by the alliance
type AllianceMember struct {
	UserID     int64     `json:"user_id"`
	Rank       Rank      `json:"rank"`
	JoinedAt   time.Time `json:"joined_at"`
	DonatedExp int64     `json:"donated_exp"`
}

// Alliance owns its member set, application set and notice. Members hold only
// a weak back-reference via User.AllianceID.
type Alliance struct {
	ID           int64                    `json:"id"`
	Name         string                   `json:"name"`
	Level        int                      `json:"level"`
	Exp          int64                    `json:"exp"`
	LeaderUserID int64                    `json:"leader_user_id"`
	JoinPolicy   JoinPolicy               `json:"join_policy"`
	Notice       string                   `json:"notice,omitempty"`
	Members      map[int64]*AllianceMember `json:"members"`
	Applications map[int64]time.Time      `json:"applications"`
	CreatedAt    time.Time                `json:"created_at"`
}

// MissionProgress is per-user progress against a catalog mission definition.
// Completion and claim are distinct timestamps.
type MissionProgress struct {
	UserID      int64 `json:"user_id"`
	MissionIdx  int   `json:"mission_idx"`
	CompletedAt int64 `json:"completed_at,omitempty"` // unix ms
	ClaimedAt   int64 `json:"claimed_at,omitempty"`   // unix ms
}

// ShopSlots is the number of concurrently offered shop slots per user
const ShopSlots = 6

// ShopSlot is one purchasable offer in a user's shop
type ShopSlot struct {
	Slot    int  `json:"slot"`
	ItemIdx int  `json:"item_idx"`
	Sold    bool `json:"sold"`
}

// TaskClass identifies which completion queue owns a timed task
type TaskClass string

const (
	TaskBuilding     TaskClass = "building"
	TaskUnitTraining TaskClass = "unit_training"
	TaskResearch     TaskClass = "research"
	TaskBuff         TaskClass = "buff"
)

// TaskClasses lists every completion queue the task worker ticks
var TaskClasses = []TaskClass{TaskBuilding, TaskUnitTraining, TaskResearch, TaskBuff}

// TaskMeta is the companion metadata record stored alongside a queue entry
type TaskMeta struct {
	Class     TaskClass    `json:"class"`
	UserID    int64        `json:"user_id"`
	TaskID    string       `json:"task_id"`
	SubID     string       `json:"sub_id,omitempty"`
	EndTime   int64        `json:"end_time"` // unix ms
	TaskType  UnitTaskType `json:"task_type,omitempty"`
	Quantity  int64        `json:"quantity,omitempty"`
	TargetIdx int          `json:"target_idx,omitempty"`
	Attempts  int          `json:"attempts,omitempty"`
}

// SyncClass identifies a write-behind class with its own dirty set and cadence
type SyncClass string

const (
	SyncBuilding  SyncClass = "building"
	SyncUnit      SyncClass = "unit"
	SyncResearch  SyncClass = "research"
	SyncResources SyncClass = "resources"
	SyncMission   SyncClass = "mission"
	SyncItem      SyncClass = "item"
)

// SyncClasses lists every write-behind class in flush order
var SyncClasses = []SyncClass{
	SyncBuilding, SyncUnit, SyncResearch, SyncResources, SyncMission, SyncItem,
}

// API codes, partitioned by thousands per subsystem
const (
	APILogin        = 1001
	APIUserInfo     = 1002
	APIResourceInfo = 1003

	APIBuildingInfo    = 2001
	APIBuildingCreate  = 2002
	APIBuildingLevelup = 2003
	APIBuildingCancel  = 2004

	APIResearchInfo    = 3001
	APIResearchStart   = 3002
	APIResearchCancel  = 3003
	APIResearchInstant = 3004

	APIUnitInfo    = 4001
	APIUnitTrain   = 4002
	APIUnitUpgrade = 4003
	APIUnitCancel  = 4004

	APIItemInfo   = 5001
	APIItemUse    = 5002
	APIItemDetail = 5003

	APIMissionInfo  = 6001
	APIMissionClaim = 6002

	APIAllianceInfo       = 7001
	APIAllianceCreate     = 7002
	APIAllianceJoin       = 7003
	APIAllianceLeave      = 7004
	APIAllianceKick       = 7005
	APIAlliancePromote    = 7006
	APIAllianceApprove    = 7007
	APIAllianceReject     = 7008
	APIAllianceDonate     = 7009
	APIAllianceDisband    = 7010
	APIAllianceNotice     = 7011
	APIAllianceTransfer   = 7012
	APIAllianceApplicants = 7013

	APIShopInfo    = 8001
	APIShopBuy     = 8002
	APIShopRefresh = 8003
)
