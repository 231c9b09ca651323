package service

import (
	"strconv"

	"github.com/bastion-games/bastion/pkg/cache"
	"github.com/bastion-games/bastion/pkg/config"
	"github.com/bastion-games/bastion/pkg/errdefs"
	"github.com/bastion-games/bastion/pkg/types"
)

// ShopService owns the per-user rotating shop. The six slots are drawn from
// the weighted offer pool without duplicates and live only in the cache; an
// evicted shop simply regenerates on the next read.
type ShopService struct {
	deps   *Deps
	userID int64
}

// NewShopService builds a ShopService for one user
func NewShopService(deps *Deps, userID int64) *ShopService {
	return &ShopService{deps: deps, userID: userID}
}

func (s *ShopService) key() string {
	return cache.UserKey(classShop, s.userID)
}

// Info returns the current slot set, generating a fresh one when none exists
func (s *ShopService) Info() ([]*types.ShopSlot, error) {
	exists, err := s.deps.Cache.Exists(s.key())
	if err != nil {
		return nil, err
	}
	if !exists {
		return s.generate()
	}

	fields, err := s.deps.Cache.GetAll(s.key())
	if err != nil {
		return nil, err
	}
	slots := make([]*types.ShopSlot, 0, types.ShopSlots)
	for _, raw := range fields {
		var slot types.ShopSlot
		if err := unmarshalRow(raw, &slot); err != nil {
			return nil, errdefs.Fatalf("corrupt shop slot of user %d: %v", s.userID, err)
		}
		slots = append(slots, &slot)
	}
	sortSlots(slots)
	return slots, nil
}

func sortSlots(slots []*types.ShopSlot) {
	for i := 1; i < len(slots); i++ {
		for j := i; j > 0 && slots[j-1].Slot > slots[j].Slot; j-- {
			slots[j-1], slots[j] = slots[j], slots[j-1]
		}
	}
}

// generate draws a full slot set from the pool, weighted and duplicate-free
func (s *ShopService) generate() ([]*types.ShopSlot, error) {
	pool := s.deps.Catalog.Shop.Pool
	if len(pool) < types.ShopSlots {
		return nil, errdefs.Fatalf("shop pool holds %d offers, need %d", len(pool), types.ShopSlots)
	}

	weights := make([]int, len(pool))
	for i, offer := range pool {
		weights[i] = offer.Weight
	}
	rng := s.deps.rng()

	slots := make([]*types.ShopSlot, 0, types.ShopSlots)
	fields := make(map[string]string, types.ShopSlots)
	for n := 0; n < types.ShopSlots; n++ {
		i := weightedPick(rng, weights)
		if i < 0 {
			return nil, errdefs.Fatalf("shop pool has no positive weights left")
		}
		weights[i] = 0 // no duplicate offers in one rotation

		slot := &types.ShopSlot{Slot: n, ItemIdx: pool[i].ItemIdx}
		slots = append(slots, slot)
		data, err := marshalRow(slot)
		if err != nil {
			return nil, err
		}
		fields[strconv.Itoa(n)] = data
	}

	if err := s.deps.Cache.SetAll(s.key(), fields, classTTL[classShop]); err != nil {
		return nil, err
	}
	return slots, nil
}

func (s *ShopService) offerFor(itemIdx int) *config.ShopOffer {
	for i := range s.deps.Catalog.Shop.Pool {
		if s.deps.Catalog.Shop.Pool[i].ItemIdx == itemIdx {
			return &s.deps.Catalog.Shop.Pool[i]
		}
	}
	return nil
}

// Buy purchases the offer in a slot and credits the item
func (s *ShopService) Buy(slotNo int) (*types.ShopSlot, error) {
	release, err := s.deps.Locker.AcquireUser(s.userID)
	if err != nil {
		return nil, err
	}
	defer release()

	if slotNo < 0 || slotNo >= types.ShopSlots {
		return nil, errdefs.Validationf("slot must be between 0 and %d", types.ShopSlots-1)
	}
	if _, err := s.Info(); err != nil {
		return nil, err
	}

	var slot types.ShopSlot
	ok, err := s.deps.getRow(classShop, s.userID, strconv.Itoa(slotNo), &slot)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errdefs.NotFoundf("shop slot %d", slotNo)
	}
	if slot.Sold {
		return nil, errdefs.Conflictf("shop slot %d is already sold", slotNo)
	}

	offer := s.offerFor(slot.ItemIdx)
	if offer == nil {
		return nil, errdefs.Fatalf("shop slot %d references item %d outside the pool", slotNo, slot.ItemIdx)
	}
	if err := NewResourceService(s.deps, s.userID).Consume(offer.Cost); err != nil {
		return nil, err
	}
	if err := NewItemService(s.deps, s.userID).Add(slot.ItemIdx, 1); err != nil {
		return nil, err
	}

	slot.Sold = true
	if err := s.deps.setRow(classShop, s.userID, strconv.Itoa(slotNo), &slot); err != nil {
		return nil, err
	}
	return &slot, nil
}

// Refresh rerolls all six slots for rubies
func (s *ShopService) Refresh() ([]*types.ShopSlot, error) {
	release, err := s.deps.Locker.AcquireUser(s.userID)
	if err != nil {
		return nil, err
	}
	defer release()

	cost := s.deps.Catalog.Shop.RefreshRubyCost
	if cost > 0 {
		if err := NewResourceService(s.deps, s.userID).AtomicConsume(types.ResourceRuby, cost); err != nil {
			return nil, err
		}
	}
	if err := s.deps.Cache.DeleteKey(s.key()); err != nil {
		return nil, err
	}
	return s.generate()
}
