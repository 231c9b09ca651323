package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// UnitBuckets lists the integer bucket fields of a unit group in cache field
// order. "total" is tracked as its own field.
var UnitBuckets = []string{
	"ready", "field", "training", "upgrading", "injured", "wounded", "healing", "dead",
}

// Cache field layout per class:
//
//	resources: field = resource type, value = integer string
//	unit:      field = "<idx>:<bucket>", value = integer string
//	item:      field = "<idx>", value = integer string (quantity)
//	building, research, mission: field = "<idx>", value = row JSON
//
// The persistent store keeps one JSON row per entity idx. The two functions
// below translate between the layouts; sync workers use CacheFieldsToRows,
// the login warmup uses RowsToCacheFields.

// CacheFieldsToRows converts a class hash snapshot into persistable rows
// keyed by entity idx.
func CacheFieldsToRows(class SyncClass, userID int64, fields map[string]string) (map[string][]byte, error) {
	switch class {
	case SyncResources:
		res := make(map[ResourceType]int64, len(fields))
		for f, v := range fields {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("resource %s of user %d is not an integer: %w", f, userID, err)
			}
			res[ResourceType(f)] = n
		}
		data, err := json.Marshal(res)
		if err != nil {
			return nil, err
		}
		return map[string][]byte{"r": data}, nil

	case SyncUnit:
		groups := make(map[string]*UnitGroup)
		for f, v := range fields {
			idx, bucket, ok := strings.Cut(f, ":")
			if !ok {
				return nil, fmt.Errorf("malformed unit field %q for user %d", f, userID)
			}
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("unit field %q of user %d is not an integer: %w", f, userID, err)
			}
			g := groups[idx]
			if g == nil {
				unitIdx, err := strconv.Atoi(idx)
				if err != nil {
					return nil, fmt.Errorf("malformed unit idx %q for user %d", idx, userID)
				}
				g = &UnitGroup{UserID: userID, UnitIdx: unitIdx}
				groups[idx] = g
			}
			g.setBucket(bucket, n)
		}
		rows := make(map[string][]byte, len(groups))
		for idx, g := range groups {
			data, err := json.Marshal(g)
			if err != nil {
				return nil, err
			}
			rows[idx] = data
		}
		return rows, nil

	case SyncItem:
		rows := make(map[string][]byte, len(fields))
		for f, v := range fields {
			idx, err := strconv.Atoi(f)
			if err != nil {
				return nil, fmt.Errorf("malformed item idx %q for user %d", f, userID)
			}
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("item %s of user %d is not an integer: %w", f, userID, err)
			}
			data, err := json.Marshal(&Item{UserID: userID, ItemIdx: idx, Quantity: n})
			if err != nil {
				return nil, err
			}
			rows[f] = data
		}
		return rows, nil

	default:
		// Row JSON is stored verbatim in the cache field
		rows := make(map[string][]byte, len(fields))
		for f, v := range fields {
			rows[f] = []byte(v)
		}
		return rows, nil
	}
}

// RowsToCacheFields converts persisted rows back into the cache field layout
func RowsToCacheFields(class SyncClass, rows map[string][]byte) (map[string]string, error) {
	switch class {
	case SyncResources:
		fields := make(map[string]string)
		for _, data := range rows {
			var res map[ResourceType]int64
			if err := json.Unmarshal(data, &res); err != nil {
				return nil, err
			}
			for rt, n := range res {
				fields[string(rt)] = strconv.FormatInt(n, 10)
			}
		}
		return fields, nil

	case SyncUnit:
		fields := make(map[string]string)
		for idx, data := range rows {
			var g UnitGroup
			if err := json.Unmarshal(data, &g); err != nil {
				return nil, err
			}
			for _, bucket := range UnitBuckets {
				fields[idx+":"+bucket] = strconv.FormatInt(g.bucket(bucket), 10)
			}
			fields[idx+":total"] = strconv.FormatInt(g.Total, 10)
		}
		return fields, nil

	case SyncItem:
		fields := make(map[string]string)
		for idx, data := range rows {
			var it Item
			if err := json.Unmarshal(data, &it); err != nil {
				return nil, err
			}
			if it.Quantity > 0 {
				fields[idx] = strconv.FormatInt(it.Quantity, 10)
			}
		}
		return fields, nil

	default:
		fields := make(map[string]string, len(rows))
		for idx, data := range rows {
			fields[idx] = string(data)
		}
		return fields, nil
	}
}

func (g *UnitGroup) setBucket(name string, v int64) {
	switch name {
	case "ready":
		g.Ready = v
	case "field":
		g.Field = v
	case "training":
		g.Training = v
	case "upgrading":
		g.Upgrading = v
	case "injured":
		g.Injured = v
	case "wounded":
		g.Wounded = v
	case "healing":
		g.Healing = v
	case "dead":
		g.Dead = v
	case "total":
		g.Total = v
	}
}

func (g *UnitGroup) bucket(name string) int64 {
	switch name {
	case "ready":
		return g.Ready
	case "field":
		return g.Field
	case "training":
		return g.Training
	case "upgrading":
		return g.Upgrading
	case "injured":
		return g.Injured
	case "wounded":
		return g.Wounded
	case "healing":
		return g.Healing
	case "dead":
		return g.Dead
	case "total":
		return g.Total
	}
	return 0
}
