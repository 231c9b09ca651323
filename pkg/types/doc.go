// Package types defines the core data structures shared across all Bastion
// components: user profiles, resources, buildings, unit groups, researches,
// items, buffs, alliances, missions, and the timed-task descriptors that
// drive the completion queues.
//
// These types are the single source of truth for entity state. They are
// serialized to JSON both in the hot cache and in the persistent store, so
// field tags are part of the storage contract.
//
// The package also carries the API code table. Codes are partitioned by
// thousands: 1xxx system/login, 2xxx building, 3xxx research, 4xxx unit,
// 5xxx item, 6xxx mission, 7xxx alliance, 8xxx shop.
package types
