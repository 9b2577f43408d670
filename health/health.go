// Package health defines the readiness-check contract shared by the
// HTTP /health verb and the gRPC health service.
package health

import "context"

// ReadinessCheck is implemented by any component whose health should
// factor into the process-wide liveness/readiness signal.
type ReadinessCheck interface {
	Name() string
	IsReady(ctx context.Context) error
}

// Aggregate runs every check and returns the first failure, or nil if
// every check passed.
func Aggregate(ctx context.Context, checks []ReadinessCheck) error {
	for _, c := range checks {
		if err := c.IsReady(ctx); err != nil {
			return err
		}
	}
	return nil
}
