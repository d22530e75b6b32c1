package interfaces

import (
	"context"

	"github.com/ternarybob/vigil/internal/models"
)

// BuildClient edits the remote build resource. Failures carry a
// *models.RemoteStatusError so callers can distinguish "not found" and
// "unprocessable" from transient errors.
type BuildClient interface {
	// PatchBuild applies annotation adds/removes and status writes to the
	// named build in one edit.
	PatchBuild(ctx context.Context, namespace, name string, patch models.BuildPatch) error

	// GetBuild reads the named build.
	GetBuild(ctx context.Context, namespace, name string) (*models.Build, error)

	// DefaultNamespace returns the namespace the client falls back to when
	// none is configured.
	DefaultNamespace() string

	// Close releases the client. In-flight calls against a closed client
	// fail cleanly as transient remote errors.
	Close()
}
