package interfaces

// Watcher is a long-lived synchronization subsystem with a start/stop
// lifecycle owned entirely by the watcher supervisor: created on
// enable/configure, stopped on disable/reconfigure, never shared.
type Watcher interface {
	Name() string
	Start() error
	Stop()
}

// ReadinessProbe reports whether the host process has completed startup.
// Watchers issue remote calls and mutate host-visible state, which is unsafe
// before then.
type ReadinessProbe func() bool

// NextScheduler is notified when a tracked run stops, so a queued dependent
// run may proceed. Optional collaborator.
type NextScheduler func(jobName string)
