// -----------------------------------------------------------------------
// Phase mapping - run lifecycle state to build resource phase
// -----------------------------------------------------------------------

package runsync

import (
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
)

// MapPhase translates a run's lifecycle state into the build phase shown on
// the remote resource. Pure and total over every reachable run state.
//
// Unstable runs map to Failed. Unrecognized terminal results map to
// Pending, which is not terminal, so callers keep polling.
func MapPhase(run interfaces.Run) models.BuildPhase {
	if run == nil || !run.IsStarted() {
		return models.PhaseNew
	}
	if run.IsRunning() {
		return models.PhaseRunning
	}
	switch run.Result() {
	case models.ResultSuccess:
		return models.PhaseComplete
	case models.ResultAborted:
		return models.PhaseCancelled
	case models.ResultFailure, models.ResultUnstable:
		return models.PhaseFailed
	default:
		return models.PhasePending
	}
}
