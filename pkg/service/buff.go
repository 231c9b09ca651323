package service

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/bastion-games/bastion/pkg/cache"
	"github.com/bastion-games/bastion/pkg/config"
	"github.com/bastion-games/bastion/pkg/errdefs"
	"github.com/bastion-games/bastion/pkg/events"
	"github.com/bastion-games/bastion/pkg/queue"
	"github.com/bastion-games/bastion/pkg/types"
)

// BuffService owns the two per-user buff sets: permanent buffs keyed by
// (target type, source key) and temporary buffs keyed by an opaque id with an
// expiry in the buff queue. The aggregated sums are cached with a short TTL
// and invalidated on every change.
type BuffService struct {
	deps   *Deps
	userID int64
}

// NewBuffService builds a BuffService for one user
func NewBuffService(deps *Deps, userID int64) *BuffService {
	return &BuffService{deps: deps, userID: userID}
}

func (s *BuffService) permKey(targetType string) string {
	return fmt.Sprintf("%s:%d:%s", classBuffPerm, s.userID, targetType)
}

func (s *BuffService) tempKey() string {
	return cache.UserKey(classBuffTemp, s.userID)
}

func (s *BuffService) sumKey() string {
	return cache.UserKey(classBuffSum, s.userID)
}

func buffFromSpec(userID int64, spec *config.BuffSpec) *types.Buff {
	return &types.Buff{
		UserID:        userID,
		BuffIdx:       spec.BuffIdx,
		TargetType:    spec.TargetType,
		TargetSubType: spec.TargetSubType,
		StatType:      spec.StatType,
		Value:         spec.Value,
		ValueType:     spec.ValueType,
	}
}

// GrantPermanent installs (or replaces) a permanent buff under sourceKey.
// The buff lives exactly as long as the granting object; revocation is the
// source's responsibility.
func (s *BuffService) GrantPermanent(spec *config.BuffSpec, sourceKey string) error {
	buff := buffFromSpec(s.userID, spec)
	buff.SourceKey = sourceKey

	data, err := json.Marshal(buff)
	if err != nil {
		return err
	}
	if err := s.deps.Cache.SetField(s.permKey(spec.TargetType), sourceKey, string(data)); err != nil {
		return err
	}
	return s.invalidate()
}

// RevokePermanent removes a permanent buff. Idempotent.
func (s *BuffService) RevokePermanent(targetType, sourceKey string) error {
	if err := s.deps.Cache.DeleteField(s.permKey(targetType), sourceKey); err != nil {
		return err
	}
	return s.invalidate()
}

// GrantTemporary installs a timed buff and enrolls its expiry in the buff
// queue. Returns the buff id.
func (s *BuffService) GrantTemporary(spec *config.BuffSpec, durationSeconds int64) (string, error) {
	if durationSeconds <= 0 {
		return "", errdefs.Validationf("temporary buff needs a positive duration")
	}

	buff := buffFromSpec(s.userID, spec)
	buff.ID = uuid.New().String()
	buff.ExpiresAt = s.deps.NowMs() + durationSeconds*1000

	data, err := json.Marshal(buff)
	if err != nil {
		return "", err
	}
	if err := s.deps.Cache.SetField(s.tempKey(), buff.ID, string(data)); err != nil {
		return "", err
	}

	member := queue.Member(s.userID, buff.ID, "")
	meta := &types.TaskMeta{
		Class:   types.TaskBuff,
		UserID:  s.userID,
		TaskID:  buff.ID,
		EndTime: buff.ExpiresAt,
	}
	if err := s.deps.Queue.Enqueue(types.TaskBuff, member, buff.ExpiresAt, meta); err != nil {
		return "", err
	}

	return buff.ID, s.invalidate()
}

// Finish is the buff-queue completion handler: it removes the expired
// temporary buff and notifies the user.
func (s *BuffService) Finish(buffID string) error {
	raw, ok, err := s.deps.Cache.GetField(s.tempKey(), buffID)
	if err != nil {
		return err
	}
	if !ok {
		// Already removed; expiry is idempotent
		return nil
	}

	var buff types.Buff
	if err := json.Unmarshal([]byte(raw), &buff); err != nil {
		return errdefs.Fatalf("corrupt temporary buff %s of user %d: %v", buffID, s.userID, err)
	}

	if err := s.deps.Cache.DeleteField(s.tempKey(), buffID); err != nil {
		return err
	}
	if err := s.invalidate(); err != nil {
		return err
	}

	s.deps.emit(events.EventBuffExpired, s.userID, map[string]interface{}{
		"buff_id":  buffID,
		"buff_idx": buff.BuffIdx,
	})
	return nil
}

// invalidate drops the aggregated sums; the next query recomputes them
func (s *BuffService) invalidate() error {
	return s.deps.Cache.DeleteKey(s.sumKey())
}

type buffSums struct {
	Percent int64 `json:"percent"`
	Flat    int64 `json:"flat"`
}

func sumField(targetType string, targetSub int, statType string) string {
	return fmt.Sprintf("%s:%d:%s", targetType, targetSub, statType)
}

// sums returns the aggregated (percent, flat) totals for one stat, computing
// and caching them on miss.
func (s *BuffService) sums(targetType string, targetSub int, statType string) (buffSums, error) {
	field := sumField(targetType, targetSub, statType)

	if raw, ok, err := s.deps.Cache.GetField(s.sumKey(), field); err != nil {
		return buffSums{}, err
	} else if ok {
		var cached buffSums
		if err := json.Unmarshal([]byte(raw), &cached); err == nil {
			return cached, nil
		}
	}

	var totals buffSums
	accumulate := func(raw string) error {
		var buff types.Buff
		if err := json.Unmarshal([]byte(raw), &buff); err != nil {
			return errdefs.Fatalf("corrupt buff record of user %d: %v", s.userID, err)
		}
		if buff.TargetType != targetType || buff.TargetSubType != targetSub || buff.StatType != statType {
			return nil
		}
		if buff.ExpiresAt != 0 && buff.ExpiresAt <= s.deps.NowMs() {
			return nil
		}
		if buff.ValueType == types.BuffPercent {
			totals.Percent += buff.Value
		} else {
			totals.Flat += buff.Value
		}
		return nil
	}

	permKeys, err := s.deps.Cache.Keys(fmt.Sprintf("%s:%d:*", classBuffPerm, s.userID))
	if err != nil {
		return buffSums{}, err
	}
	for _, key := range permKeys {
		// Target type is the key suffix; skip non-matching hashes outright
		if !strings.HasSuffix(key, ":"+targetType) {
			continue
		}
		fields, err := s.deps.Cache.GetAll(key)
		if err != nil {
			return buffSums{}, err
		}
		for _, raw := range fields {
			if err := accumulate(raw); err != nil {
				return buffSums{}, err
			}
		}
	}

	temps, err := s.deps.Cache.GetAll(s.tempKey())
	if err != nil {
		return buffSums{}, err
	}
	for _, raw := range temps {
		if err := accumulate(raw); err != nil {
			return buffSums{}, err
		}
	}

	data, err := json.Marshal(totals)
	if err != nil {
		return buffSums{}, err
	}
	if err := s.deps.Cache.SetAll(s.sumKey(), map[string]string{field: string(data)}, buffSumTTL); err != nil {
		return buffSums{}, err
	}
	return totals, nil
}

// Multiplier applies the aggregated buffs to a base value:
// base × (1 + Σpercent/100) + Σflat.
func (s *BuffService) Multiplier(targetType string, targetSub int, statType string, base int64) (int64, error) {
	totals, err := s.sums(targetType, targetSub, statType)
	if err != nil {
		return 0, err
	}
	return base*(100+totals.Percent)/100 + totals.Flat, nil
}

// ReduceDuration applies stacked percentage duration reductions to a base
// duration in seconds. The stack caps at DurationReductionCap percent and the
// result never drops below one second.
func (s *BuffService) ReduceDuration(targetType string, targetSub int, statType string, baseSeconds int64) (int64, error) {
	totals, err := s.sums(targetType, targetSub, statType)
	if err != nil {
		return 0, err
	}
	percent := totals.Percent
	if percent > types.DurationReductionCap {
		percent = types.DurationReductionCap
	}
	if percent < 0 {
		percent = 0
	}
	reduced := baseSeconds * (100 - percent) / 100
	if reduced < 1 {
		reduced = 1
	}
	return reduced, nil
}

// List returns every active buff of the user, permanent and temporary
func (s *BuffService) List() ([]*types.Buff, error) {
	var out []*types.Buff

	permKeys, err := s.deps.Cache.Keys(fmt.Sprintf("%s:%d:*", classBuffPerm, s.userID))
	if err != nil {
		return nil, err
	}
	for _, key := range permKeys {
		fields, err := s.deps.Cache.GetAll(key)
		if err != nil {
			return nil, err
		}
		for _, raw := range fields {
			var buff types.Buff
			if err := json.Unmarshal([]byte(raw), &buff); err != nil {
				return nil, errdefs.Fatalf("corrupt buff record of user %d: %v", s.userID, err)
			}
			out = append(out, &buff)
		}
	}

	temps, err := s.deps.Cache.GetAll(s.tempKey())
	if err != nil {
		return nil, err
	}
	now := s.deps.NowMs()
	for _, raw := range temps {
		var buff types.Buff
		if err := json.Unmarshal([]byte(raw), &buff); err != nil {
			return nil, errdefs.Fatalf("corrupt buff record of user %d: %v", s.userID, err)
		}
		if buff.ExpiresAt > now {
			out = append(out, &buff)
		}
	}
	return out, nil
}
