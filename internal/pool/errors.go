package pool

import (
	"errors"
	"fmt"
)

// ErrLeaseReleased is returned when a lease is released more than once.
var ErrLeaseReleased = errors.New("pool: lease already released")

// AllocationError reports a request that can never be satisfied because it
// asks for more devices than the pool holds.
type AllocationError struct {
	Requested int
	Size      int
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocation error: job requires %d device(s) but the pool holds %d", e.Requested, e.Size)
}
