package interfaces

import (
	"context"
	"io"
	"time"

	"github.com/ternarybob/vigil/internal/models"
)

// Run is one execution of a CI job as exposed by the engine. Implementations
// must be safe for concurrent use; LogReader must replay the full log from
// the start on every call.
type Run interface {
	// Key returns the stable display key used as the join key for all
	// per-run auxiliary state.
	Key() string

	Kind() models.RunKind
	JobName() string

	// URLPath returns the run's location relative to the engine root,
	// e.g. "job/demo/3/".
	URLPath() string

	IsStarted() bool
	IsRunning() bool

	// Result returns the terminal result. Only meaningful once the run has
	// started and stopped running.
	Result() models.RunResult

	StartTime() time.Time
	Duration() time.Duration

	// Cause returns the trigger cause linking the run to its remote build
	// resource, or nil when the run was not triggered by one.
	Cause() *models.TriggerCause

	// Detail returns the rendered lifecycle detail blob, or nil when the
	// engine has none for this run.
	Detail() *models.RunDetail

	LogReader(ctx context.Context) (io.ReadCloser, error)

	// SetDescription sets a human-readable description on the run.
	// Best-effort; failures are logged by callers, never fatal.
	SetDescription(ctx context.Context, description string) error
}

// RunSource resolves runs by display key. The CI engine client implements
// this for the event feed.
type RunSource interface {
	Lookup(ctx context.Context, key string) (Run, error)
}

// RunListener receives run lifecycle callbacks from the CI engine, exactly
// once each per run, finalized always last.
type RunListener interface {
	OnStarted(ctx context.Context, run Run)
	OnCompleted(ctx context.Context, run Run)
	OnDeleted(ctx context.Context, run Run)
	OnFinalized(ctx context.Context, run Run)
}
