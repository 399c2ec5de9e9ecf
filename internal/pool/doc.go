// Package pool implements a bounded, lazily growing, per-identity pool of
// reusable connections.
//
// The package is transport agnostic. A Registry maps an identity to a Group,
// a Group owns the Entry values wrapping its physical connections, and a
// Reaper periodically expires idle entries across a fixed set of registries.
//
// Lock order is strictly Registry -> Group -> Entry. Connections route their
// own lifecycle events back to the owning Group through the Callback they
// were created with, so releasing a connection never touches a Registry lock.
package pool
