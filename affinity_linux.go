//go:build linux

package mnrt

import "golang.org/x/sys/unix"

// applyAffinity pins the calling (already LockOSThread'd) goroutine's OS
// thread to the given CPU set, best-effort. Uses the same
// golang.org/x/sys/unix package that backs epoll in poller.go; it also
// supplies sched_setaffinity on Linux.
func applyAffinity(cpus []int) {
	if len(cpus) == 0 {
		return
	}
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range cpus {
		if cpu >= 0 {
			set.Set(cpu)
		}
	}
	_ = unix.SchedSetaffinity(0, &set)
}
