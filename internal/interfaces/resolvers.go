package interfaces

import "context"

// RootURLResolver resolves the externally reachable CI engine root URL for a
// namespace. Build, log and console URLs are derived from it.
type RootURLResolver func(ctx context.Context, namespace string) (string, error)

// DashboardResolver resolves an optional UI dashboard URL for a run. A nil
// resolver, or ok=false, is the normal silent case: the dashboard
// integration may simply be absent.
type DashboardResolver func(ctx context.Context, run Run) (url string, ok bool)
