package mnrt

import "time"

// ClusterOption configures a Cluster at construction time using the
// functional-options pattern.
type ClusterOption interface{ applyCluster(*clusterConfig) }

type clusterConfig struct {
	name             string
	stackSize        int
	discipline       Discipline
	wakeBatchSize    int
	wakeBatchWindow  time.Duration
	logger           Logger
}

type clusterOptionFunc func(*clusterConfig)

func (f clusterOptionFunc) applyCluster(c *clusterConfig) { f(c) }

// WithDefaultStackSize sets the default stack-size hint recorded for tasks
// created on this cluster without an explicit override.
func WithDefaultStackSize(n int) ClusterOption {
	return clusterOptionFunc(func(c *clusterConfig) { c.stackSize = n })
}

// WithReadyQueueDiscipline substitutes the default FIFO ready-queue
// discipline. The discipline is pluggable; the default is FIFO.
func WithReadyQueueDiscipline(d Discipline) ClusterOption {
	return clusterOptionFunc(func(c *clusterConfig) { c.discipline = d })
}

// WithWakeBatch records a wake batch size and window on the cluster.
// Cluster.makeTaskReadyBatch does not consult either value: it always
// queues the whole batch under one lock acquisition and wakes idle
// processors immediately.
func WithWakeBatch(size int, window time.Duration) ClusterOption {
	return clusterOptionFunc(func(c *clusterConfig) {
		c.wakeBatchSize = size
		c.wakeBatchWindow = window
	})
}

func WithClusterLogger(l Logger) ClusterOption {
	return clusterOptionFunc(func(c *clusterConfig) { c.logger = l })
}

func withClusterName(name string) ClusterOption {
	return clusterOptionFunc(func(c *clusterConfig) { c.name = name })
}

func resolveClusterOptions(opts []ClusterOption) clusterConfig {
	cfg := clusterConfig{
		stackSize:       256 * 1024,
		discipline:      fifoDiscipline{},
		wakeBatchSize:   16,
		wakeBatchWindow: 0,
		logger:          getGlobalLogger(),
	}
	for _, o := range opts {
		if o != nil {
			o.applyCluster(&cfg)
		}
	}
	return cfg
}

// ProcessorOption configures a Processor at construction time.
type ProcessorOption interface{ applyProcessor(*processorConfig) }

type processorConfig struct {
	preemption time.Duration
	spinBudget int
	detached   bool
	affinity   []int
}

type processorOptionFunc func(*processorConfig)

func (f processorOptionFunc) applyProcessor(c *processorConfig) { f(c) }

// WithPreemptionPeriod sets the processor's preemption period; 0 disables
// preemption entirely.
func WithPreemptionPeriod(d time.Duration) ProcessorOption {
	return processorOptionFunc(func(c *processorConfig) { c.preemption = d })
}

// WithSpinBudget sets the number of ready-queue poll iterations a processor
// performs before parking via processorPause.
func WithSpinBudget(n int) ProcessorOption {
	return processorOptionFunc(func(c *processorConfig) { c.spinBudget = n })
}

// WithDetached marks the processor as detached (its destructor does not
// wait for the processor task to accept termination before returning).
func WithDetached(detached bool) ProcessorOption {
	return processorOptionFunc(func(c *processorConfig) { c.detached = detached })
}

// WithAffinity requests the processor's kernel thread be bound to the
// given CPU set; best-effort, a no-op where the platform doesn't support
// it.
func WithAffinity(cpus []int) ProcessorOption {
	return processorOptionFunc(func(c *processorConfig) { c.affinity = cpus })
}

func resolveProcessorOptions(opts []ProcessorOption) processorConfig {
	cfg := processorConfig{
		preemption: 10 * time.Millisecond,
		spinBudget: 100,
	}
	for _, o := range opts {
		if o != nil {
			o.applyProcessor(&cfg)
		}
	}
	return cfg
}

// RuntimeOption configures a Runtime at construction time.
type RuntimeOption interface{ applyRuntime(*runtimeConfig) }

type runtimeConfig struct {
	logger Logger
	mode   Mode
}

type runtimeOptionFunc func(*runtimeConfig)

func (f runtimeOptionFunc) applyRuntime(c *runtimeConfig) { f(c) }

func WithLogger(l Logger) RuntimeOption {
	return runtimeOptionFunc(func(c *runtimeConfig) { c.logger = l })
}

// Mode selects multiprocessor (default) vs uniprocessor mode.
// ModeUniprocessor enables the wait-for cycle check in deadlock.go, which
// raises ErrDeadlock when an OwnerLock wait closes a cycle. It does not
// change how processors map onto kernel threads: each Processor still
// runs on its own locked OS thread.
type Mode int

const (
	ModeMultiprocessor Mode = iota
	ModeUniprocessor
)

func WithMode(m Mode) RuntimeOption {
	return runtimeOptionFunc(func(c *runtimeConfig) { c.mode = m })
}

func resolveRuntimeOptions(opts []RuntimeOption) runtimeConfig {
	cfg := runtimeConfig{logger: getGlobalLogger(), mode: ModeMultiprocessor}
	for _, o := range opts {
		if o != nil {
			o.applyRuntime(&cfg)
		}
	}
	return cfg
}
