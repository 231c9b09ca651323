package service

import (
	"strconv"

	"github.com/bastion-games/bastion/pkg/cache"
	"github.com/bastion-games/bastion/pkg/config"
	"github.com/bastion-games/bastion/pkg/errdefs"
	"github.com/bastion-games/bastion/pkg/queue"
	"github.com/bastion-games/bastion/pkg/types"
)

// ItemService owns the per-user inventory. Quantities live in integer cache
// fields keyed by item idx; a row that drops to zero is evicted from the hash.
type ItemService struct {
	deps   *Deps
	userID int64
}

// NewItemService builds an ItemService for one user
func NewItemService(deps *Deps, userID int64) *ItemService {
	return &ItemService{deps: deps, userID: userID}
}

func (s *ItemService) key() string {
	return cache.UserKey(classItem, s.userID)
}

func (s *ItemService) warm() error {
	_, err := s.deps.classHash(classItem, types.SyncItem, s.userID)
	return err
}

// Info returns the full inventory, warming the cache on miss
func (s *ItemService) Info() (map[int]int64, error) {
	fields, err := s.deps.classHash(classItem, types.SyncItem, s.userID)
	if err != nil {
		return nil, err
	}
	out := make(map[int]int64, len(fields))
	for f, raw := range fields {
		idx, err := strconv.Atoi(f)
		if err != nil {
			return nil, errdefs.Fatalf("malformed item idx %q of user %d", f, s.userID)
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errdefs.Fatalf("item %d of user %d is not an integer: %v", idx, s.userID, err)
		}
		out[idx] = n
	}
	return out, nil
}

// Detail returns one inventory row. Absent rows read as quantity zero.
func (s *ItemService) Detail(idx int) (*types.Item, error) {
	if _, err := s.deps.Catalog.Item(idx); err != nil {
		return nil, errdefs.Validationf("%v", err)
	}
	if err := s.warm(); err != nil {
		return nil, err
	}
	item := &types.Item{UserID: s.userID, ItemIdx: idx}
	raw, ok, err := s.deps.Cache.GetField(s.key(), strconv.Itoa(idx))
	if err != nil {
		return nil, err
	}
	if ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errdefs.Fatalf("item %d of user %d is not an integer: %v", idx, s.userID, err)
		}
		item.Quantity = n
	}
	return item, nil
}

// Add credits quantity of an item. Callers hold the user lock.
func (s *ItemService) Add(idx int, quantity int64) error {
	if quantity <= 0 {
		return errdefs.Validationf("quantity must be positive")
	}
	if _, err := s.deps.Catalog.Item(idx); err != nil {
		return errdefs.Validationf("%v", err)
	}
	if err := s.warm(); err != nil {
		return err
	}
	if _, err := s.deps.Cache.IncrField(s.key(), strconv.Itoa(idx), quantity); err != nil {
		return err
	}
	return s.deps.markDirty(types.SyncItem, s.userID)
}

// consume debits quantity, evicting the field when it reaches zero
func (s *ItemService) consume(idx int, quantity int64) error {
	field := strconv.Itoa(idx)
	newVal, err := s.deps.Cache.IncrField(s.key(), field, -quantity)
	if err != nil {
		return err
	}
	if newVal < 0 {
		if _, err := s.deps.Cache.IncrField(s.key(), field, quantity); err != nil {
			return errdefs.Fatalf("failed to restore item %d of user %d: %v", idx, s.userID, err)
		}
		return errdefs.Conflictf("not enough of item %d", idx)
	}
	if newVal == 0 {
		if err := s.deps.Cache.DeleteField(s.key(), field); err != nil {
			return err
		}
	}
	return s.deps.markDirty(types.SyncItem, s.userID)
}

// SpeedupTarget names the in-flight task an accelerator applies to
type SpeedupTarget struct {
	Class  types.TaskClass `json:"class"`
	TaskID string          `json:"task_id"`
	SubID  string          `json:"sub_id,omitempty"`
}

// UseResult reports the effect of an item use
type UseResult struct {
	ItemIdx   int            `json:"item_idx"`
	Quantity  int64          `json:"quantity"`
	Loot      map[int]int64  `json:"loot,omitempty"`      // chest drops, item idx to quantity
	Resources types.Cost     `json:"resources,omitempty"` // resource pack credits
	NewEnd    int64          `json:"new_end,omitempty"`   // speedup, unix ms
}

// Use consumes quantity of an item and applies its effect. Speedups require a
// target; the other categories ignore it.
func (s *ItemService) Use(idx int, quantity int64, target *SpeedupTarget) (*UseResult, error) {
	release, err := s.deps.Locker.AcquireUser(s.userID)
	if err != nil {
		return nil, err
	}
	defer release()

	if quantity <= 0 {
		return nil, errdefs.Validationf("quantity must be positive")
	}
	spec, err := s.deps.Catalog.Item(idx)
	if err != nil {
		return nil, errdefs.Validationf("%v", err)
	}
	if err := s.warm(); err != nil {
		return nil, err
	}

	var held int64
	if raw, ok, err := s.deps.Cache.GetField(s.key(), strconv.Itoa(idx)); err != nil {
		return nil, err
	} else if ok {
		held, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errdefs.Fatalf("item %d of user %d is not an integer: %v", idx, s.userID, err)
		}
	}
	if held < quantity {
		return nil, errdefs.Conflictf("not enough of item %d", idx)
	}

	result := &UseResult{ItemIdx: idx, Quantity: quantity}

	switch spec.Category {
	case types.ItemSpeedup:
		if target == nil {
			return nil, errdefs.Validationf("speedup needs a target task")
		}
		newEnd, err := s.applySpeedup(target, spec.EffectValue*quantity)
		if err != nil {
			return nil, err
		}
		result.NewEnd = newEnd

	case types.ItemResource:
		gain := types.Cost{spec.ResourceType: spec.EffectValue * quantity}
		if err := NewResourceService(s.deps, s.userID).Produce(gain); err != nil {
			return nil, err
		}
		result.Resources = gain

	case types.ItemChest:
		if len(spec.Loot) == 0 {
			return nil, errdefs.Validationf("chest %d has no loot table", idx)
		}
		loot, err := s.rollChest(spec.Loot, quantity)
		if err != nil {
			return nil, err
		}
		result.Loot = loot

	default:
		return nil, errdefs.Validationf("item %d has no usable effect", idx)
	}

	// Effects apply before the debit so a failed effect leaves the stack
	// untouched; the debit itself cannot fail after the earlier quantity read
	// since the user lock is held.
	if err := s.consume(idx, quantity); err != nil {
		return nil, err
	}
	return result, nil
}

// rollChest draws quantity times from the weighted loot table
func (s *ItemService) rollChest(loot []config.LootEntry, quantity int64) (map[int]int64, error) {
	weights := make([]int, len(loot))
	for i, entry := range loot {
		weights[i] = entry.Weight
	}
	rng := s.deps.rng()

	drops := make(map[int]int64)
	for n := int64(0); n < quantity; n++ {
		i := weightedPick(rng, weights)
		if i < 0 {
			return nil, errdefs.Validationf("loot table has no positive weights")
		}
		drops[loot[i].ItemIdx] += loot[i].Quantity
	}
	for itemIdx, qty := range drops {
		if err := s.Add(itemIdx, qty); err != nil {
			return nil, err
		}
	}
	return drops, nil
}

// applySpeedup pulls a pending task's completion forward by seconds. The
// matured entry stays queued; the next worker tick completes it.
func (s *ItemService) applySpeedup(target *SpeedupTarget, seconds int64) (int64, error) {
	member := queue.Member(s.userID, target.TaskID, target.SubID)
	meta, err := s.deps.Queue.Meta(target.Class, member)
	if err != nil {
		return 0, err
	}
	if meta == nil {
		return 0, errdefs.NotFoundf("pending task %s", target.TaskID)
	}

	newEnd := meta.EndTime - seconds*1000
	now := s.deps.NowMs()
	if newEnd < now {
		newEnd = now
	}
	meta.EndTime = newEnd
	if err := s.deps.Queue.Reschedule(target.Class, member, newEnd); err != nil {
		return 0, err
	}
	if err := s.deps.Queue.SetMeta(target.Class, member, meta); err != nil {
		return 0, err
	}

	// Keep the domain row's end time in step with the queue
	switch target.Class {
	case types.TaskBuilding:
		idx, err := strconv.Atoi(target.TaskID)
		if err != nil {
			return 0, errdefs.Validationf("malformed building idx %q", target.TaskID)
		}
		b := NewBuildingService(s.deps, s.userID)
		row, ok, err := b.get(idx)
		if err != nil || !ok {
			return 0, errdefs.NotFoundf("building %d", idx)
		}
		row.EndTime = newEnd
		if err := b.put(row); err != nil {
			return 0, err
		}

	case types.TaskResearch:
		idx, err := strconv.Atoi(target.TaskID)
		if err != nil {
			return 0, errdefs.Validationf("malformed research idx %q", target.TaskID)
		}
		r := NewResearchService(s.deps, s.userID)
		row, ok, err := r.get(idx)
		if err != nil || !ok {
			return 0, errdefs.NotFoundf("research %d", idx)
		}
		row.EndTime = newEnd
		if err := r.put(row); err != nil {
			return 0, err
		}
	}

	return newEnd, nil
}
