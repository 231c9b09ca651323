// Package config holds the two configuration layers of the server.
//
// Server is the process configuration: listen address, data directory,
// catalog directory, worker cadences and lock timeout. It is loaded from a
// single YAML file with sane defaults; command-line flags override fields.
//
// Catalog is the game design data: per-entity costs, durations,
// prerequisites, effects and rewards, loaded from tabular YAML files at
// startup. The catalog is read-only after Load and is shared by every
// request without locking.
package config
