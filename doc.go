// Package mnrt implements a user-level M:N concurrency runtime: a pool of
// virtual processors (kernel threads) multiplexing a larger population of
// cooperative tasks and coroutines, organized into independent scheduling
// domains called clusters.
//
// The package is a library, not a CLI. Construct a [Runtime], add one or
// more [Cluster] values to it, attach [Processor] values to a cluster, and
// activate [Task] values onto a cluster's ready queue.
package mnrt
