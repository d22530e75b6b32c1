// -----------------------------------------------------------------------
// Run - CI engine run identity, cause and terminal results
// -----------------------------------------------------------------------

package models

// RunKind classifies a CI engine run. Only pipeline runs are eligible for
// build synchronization.
type RunKind string

const (
	RunKindPipeline  RunKind = "pipeline"
	RunKindFreestyle RunKind = "freestyle"
)

// RunResult is the terminal result of a finished run.
type RunResult string

const (
	ResultSuccess  RunResult = "success"
	ResultFailure  RunResult = "failure"
	ResultUnstable RunResult = "unstable"
	ResultAborted  RunResult = "aborted"
	ResultNotBuilt RunResult = "not_built"
	// ResultUnknown covers engine results vigil does not recognize.
	ResultUnknown RunResult = "unknown"
)

// TriggerCause links a run back to the remote build resource that requested
// it. A run without a cause is not tracked.
type TriggerCause struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	SourceURI string `json:"source_uri,omitempty"`
}

// Description returns the human-readable description set on qualifying runs
// at start time.
func (c *TriggerCause) Description() string {
	if c == nil {
		return ""
	}
	return "triggered by build " + c.Namespace + "/" + c.Name
}
