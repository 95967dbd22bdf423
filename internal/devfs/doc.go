// Package devfs is the filesystem-style front end of the bus: it manages
// named instances, each backed by its own transaction engine registry, the
// way a device node would expose one driver instance per mount.
//
// Instances carry a stable device identity of the form
// tether:<name>/<instance-id> and can be seeded from a YAML manifest at
// startup. Point-in-time stats snapshots export as zstd-compressed JSON.
package devfs
