package observability

import "context"

// Checker is a dependency probed by the readiness endpoint.
// Check must honour ctx so a hung dependency cannot stall the probe.
type Checker interface {
	// Name identifies the dependency in the readiness body, e.g. "postgres".
	Name() string
	Check(ctx context.Context) error
}
