// -----------------------------------------------------------------------
// Status upserter - full status + annotation patch for one run
// -----------------------------------------------------------------------

package runsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
)

// Upserter computes and applies the full status + annotation patch for one
// run. Missing or rejected remote targets are cleaned up locally and
// suppressed; any other remote failure propagates to the caller.
type Upserter struct {
	client    interfaces.BuildClient
	shipper   *Shipper
	registry  *Registry
	rootURL   interfaces.RootURLResolver
	dashboard interfaces.DashboardResolver // optional, nil is the normal absent case
	maxBytes  int
	logger    arbor.ILogger
}

// NewUpserter creates a status upserter. dashboard may be nil.
func NewUpserter(client interfaces.BuildClient, shipper *Shipper, registry *Registry, rootURL interfaces.RootURLResolver, dashboard interfaces.DashboardResolver, maxBytes int, logger arbor.ILogger) *Upserter {
	return &Upserter{
		client:    client,
		shipper:   shipper,
		registry:  registry,
		rootURL:   rootURL,
		dashboard: dashboard,
		maxBytes:  maxBytes,
		logger:    logger,
	}
}

// Upsert synchronizes the remote build resource with the run's current
// state: phase, timestamps, link annotations, the serialized detail blob and
// any pending log chunk, all visible in one remote edit moment.
func (u *Upserter) Upsert(ctx context.Context, run interfaces.Run) error {
	if run == nil {
		return nil
	}
	cause := run.Cause()
	if cause == nil {
		return nil
	}

	rootURL, err := u.rootURL(ctx, cause.Namespace)
	if err != nil {
		return fmt.Errorf("failed to resolve root URL for namespace %s: %w", cause.Namespace, err)
	}

	buildURL := common.JoinPaths(rootURL, run.URLPath())
	logURL := common.JoinPaths(buildURL, "consoleText")
	consoleURL := common.JoinPaths(buildURL, "console")

	annotations := map[string]string{
		models.AnnotationBuildURI:      buildURL,
		models.AnnotationLogURL:        logURL,
		models.AnnotationConsoleLogURL: consoleURL,
	}

	// The dashboard integration may be absent entirely; failure to resolve
	// is a normal, silent case.
	if u.dashboard != nil {
		if dashboardURL, ok := u.dashboard(ctx, run); ok {
			annotations[models.AnnotationDashboardURL] = common.JoinPaths(rootURL, dashboardURL)
		} else {
			u.logger.Debug().
				Str("run", run.Key()).
				Msg("No dashboard URL resolved for run")
		}
	}

	if detail := run.Detail(); detail != nil {
		rewriteDetailLinks(detail, rootURL)

		encoded, err := json.Marshal(detail)
		if err != nil {
			u.logger.Error().
				Err(err).
				Str("run", run.Key()).
				Msg("Failed to serialize run detail, aborting upsert")
			return nil
		}
		if u.maxBytes > 0 && len(encoded) > u.maxBytes {
			u.logger.Error().
				Int("bytes", len(encoded)).
				Int("limit", u.maxBytes).
				Str("run", run.Key()).
				Msg("Serialized run detail exceeds size cap, aborting upsert")
			return nil
		}
		annotations[models.AnnotationStatusJSON] = string(encoded)
	}

	phase := MapPhase(run)
	status := &models.BuildStatusUpdate{Phase: phase}
	if started := run.StartTime(); !started.IsZero() {
		ts := started.UTC().Format(time.RFC3339)
		status.StartTimestamp = &ts
		if duration := run.Duration(); duration > 0 {
			completion := started.Add(duration).UTC().Format(time.RFC3339)
			status.CompletionTimestamp = &completion
		}
	}

	// Ship pending log lines first so the log annotation rides in the same
	// visible moment as the status change.
	if err := u.shipper.Ship(ctx, run); err != nil {
		if u.cleanupIfGone(run, err) {
			return nil
		}
		return err
	}

	u.logger.Debug().
		Str("namespace", cause.Namespace).
		Str("name", cause.Name).
		Str("phase", string(phase)).
		Msg("Patching build status")

	patch := models.BuildPatch{
		SetAnnotations: annotations,
		Status:         status,
	}
	if err := u.client.PatchBuild(ctx, cause.Namespace, cause.Name, patch); err != nil {
		if u.cleanupIfGone(run, err) {
			return nil
		}
		return err
	}
	return nil
}

// cleanupIfGone untracks the run and drops its log state when the remote
// resource no longer exists or rejected the payload. Returns true when the
// error was consumed.
func (u *Upserter) cleanupIfGone(run interfaces.Run, err error) bool {
	if !models.IsNotFound(err) && !models.IsInvalid(err) {
		return false
	}

	u.logger.Warn().
		Err(err).
		Str("run", run.Key()).
		Msg("Remote build gone or rejected, untracking run")

	u.registry.Untrack(run.Key())
	u.shipper.Forget(run.Key())
	return true
}

// rewriteDetailLinks makes every relative link in the detail blob absolute
// against the externally reachable root URL, recursing into stage and step
// links.
func rewriteDetailLinks(detail *models.RunDetail, rootURL string) {
	rewriteLinks(&detail.Links, rootURL)
	for i := range detail.Stages {
		stage := &detail.Stages[i]
		rewriteLinks(&stage.Links, rootURL)
		for j := range stage.Steps {
			rewriteLinks(&stage.Steps[j].Links, rootURL)
		}
	}
}

func rewriteLinks(links *models.DetailLinks, rootURL string) {
	if links.Self != nil && !common.IsAbsoluteURL(links.Self.Href) {
		links.Self.Href = common.JoinPaths(rootURL, links.Self.Href)
	}
	if links.Log != nil && !common.IsAbsoluteURL(links.Log.Href) {
		links.Log.Href = common.JoinPaths(rootURL, links.Log.Href)
	}
}
