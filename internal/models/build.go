// -----------------------------------------------------------------------
// Build - remote build resource phases, annotation keys and patch payloads
// -----------------------------------------------------------------------

package models

import (
	"errors"
	"fmt"
	"net/http"
)

// BuildPhase is the externally visible status phase of the remote build
// resource.
type BuildPhase string

const (
	PhaseNew       BuildPhase = "New"
	PhasePending   BuildPhase = "Pending"
	PhaseRunning   BuildPhase = "Running"
	PhaseComplete  BuildPhase = "Complete"
	PhaseFailed    BuildPhase = "Failed"
	PhaseCancelled BuildPhase = "Cancelled"
)

// Annotation keys written to the remote build resource. These are a wire
// contract: purge locates log chunks by key after restarts, so they must
// never change between releases.
const (
	AnnotationStatusJSON    = "vigil.ternarybob.dev/status-json"
	AnnotationBuildURI      = "vigil.ternarybob.dev/build-uri"
	AnnotationLogURL        = "vigil.ternarybob.dev/log-url"
	AnnotationConsoleLogURL = "vigil.ternarybob.dev/console-log-url"
	AnnotationDashboardURL  = "vigil.ternarybob.dev/dashboard-url"

	// AnnotationLogContentPrefix plus a chunk index keys one incremental
	// log shipment.
	AnnotationLogContentPrefix = "vigil.ternarybob.dev/log-content-"
)

// Build is the remote build resource as read back from the API.
type Build struct {
	Namespace   string            `json:"namespace"`
	Name        string            `json:"name"`
	Annotations map[string]string `json:"annotations,omitempty"`
	Status      BuildStatus       `json:"status"`
}

// BuildStatus is the status block of a remote build resource.
type BuildStatus struct {
	Phase               BuildPhase `json:"phase"`
	StartTimestamp      string     `json:"startTimestamp,omitempty"`
	CompletionTimestamp string     `json:"completionTimestamp,omitempty"`
}

// BuildStatusUpdate is the status portion of a build patch. Timestamps are
// RFC-3339 strings; nil means "clear".
type BuildStatusUpdate struct {
	Phase               BuildPhase `json:"phase"`
	StartTimestamp      *string    `json:"startTimestamp"`
	CompletionTimestamp *string    `json:"completionTimestamp"`
}

// BuildPatch is the ephemeral payload applied to the remote build resource
// in one edit. It is never persisted locally.
type BuildPatch struct {
	SetAnnotations    map[string]string
	RemoveAnnotations []string
	Status            *BuildStatusUpdate
}

// IsEmpty reports whether the patch would not change anything remotely.
func (p BuildPatch) IsEmpty() bool {
	return len(p.SetAnnotations) == 0 && len(p.RemoveAnnotations) == 0 && p.Status == nil
}

// RemoteStatusError is a failure from the remote build resource API carrying
// the HTTP status code so callers can distinguish missing and rejected
// resources from transient failures.
type RemoteStatusError struct {
	Code     int
	Message  string
	Endpoint string
}

func (e *RemoteStatusError) Error() string {
	return fmt.Sprintf("remote API error: %s (status %d, endpoint: %s)", e.Message, e.Code, e.Endpoint)
}

// IsNotFound reports whether err means the target resource no longer exists.
func IsNotFound(err error) bool {
	return remoteCode(err) == http.StatusNotFound
}

// IsInvalid reports whether err means the payload was semantically rejected.
func IsInvalid(err error) bool {
	return remoteCode(err) == http.StatusUnprocessableEntity
}

func remoteCode(err error) int {
	var se *RemoteStatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}
