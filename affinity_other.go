//go:build !linux

package mnrt

// applyAffinity is a no-op on platforms without sched_setaffinity.
// Affinity is always a hint, never a guarantee.
func applyAffinity(cpus []int) {}
