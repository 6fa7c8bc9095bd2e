package mnrt

import (
	"fmt"
	"sync"
)

// Runtime is the top-level handle on the whole system: it owns a logger,
// a mode (multiprocessor vs uniprocessor), a registry of live tasks for
// diagnostics, and the set of clusters created through it — one object
// the caller constructs once and uses to create everything else.
type Runtime struct {
	logger   Logger
	mode     Mode
	registry *registry

	mu       sync.Mutex
	clusters map[*Cluster]struct{}
}

// NewRuntime constructs a Runtime. Mode applies process-wide (it gates
// the deadlock detector in deadlock.go, which has no per-cluster concept):
// the last WithMode option supplied anywhere wins, and defaults to
// ModeMultiprocessor.
func NewRuntime(opts ...RuntimeOption) *Runtime {
	cfg := resolveRuntimeOptions(opts)
	setCurrentMode(cfg.mode)
	if cfg.logger != nil {
		SetLogger(cfg.logger)
	}
	return &Runtime{
		logger:   cfg.logger,
		mode:     cfg.mode,
		registry: newRegistry(),
		clusters: make(map[*Cluster]struct{}),
	}
}

func (rt *Runtime) Mode() Mode { return rt.mode }

// NewCluster creates a cluster owned by this runtime, inheriting its
// logger unless overridden, and tracks it for LiveTasks/Close.
func (rt *Runtime) NewCluster(name string, opts ...ClusterOption) *Cluster {
	if rt.logger != nil {
		opts = append([]ClusterOption{WithClusterLogger(rt.logger)}, opts...)
	}
	c := NewCluster(name, opts...)
	rt.mu.Lock()
	rt.clusters[c] = struct{}{}
	rt.mu.Unlock()
	return c
}

// Spawn creates and activates a task on cluster, registering it with the
// runtime's live-task registry for LiveTasks/leak diagnostics.
func (rt *Runtime) Spawn(cluster *Cluster, name string, main TaskMain) *Task {
	t := cluster.Spawn(name, main)
	rt.registry.add(t)
	return t
}

// LiveTasks returns every task the runtime can still resolve a weak
// reference to, i.e. every task that has not yet been garbage collected
// (typically: every task that has not terminated and been dropped by its
// last referrer).
func (rt *Runtime) LiveTasks() []*Task {
	return rt.registry.snapshot()
}

// Close releases every cluster's poller. It does not stop processors;
// those must be stopped individually via Processor.Stop before Close, or
// they will keep running against a closed poller.
func (rt *Runtime) Close() {
	rt.mu.Lock()
	clusters := make([]*Cluster, 0, len(rt.clusters))
	for c := range rt.clusters {
		clusters = append(clusters, c)
	}
	rt.mu.Unlock()
	for _, c := range clusters {
		c.Close()
	}
}

func (rt *Runtime) String() string {
	rt.mu.Lock()
	n := len(rt.clusters)
	rt.mu.Unlock()
	return fmt.Sprintf("Runtime(mode=%v, clusters=%d)", rt.mode, n)
}

func (m Mode) String() string {
	switch m {
	case ModeMultiprocessor:
		return "multiprocessor"
	case ModeUniprocessor:
		return "uniprocessor"
	default:
		return "unknown"
	}
}
