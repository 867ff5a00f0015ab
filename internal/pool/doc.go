// Package pool models a fixed set of compute devices as a bounded resource
// and hands out exclusive leases on them.
//
// The Pool is the single arbitration point for device ownership: callers
// never see or mutate the free set directly, they only Acquire and Release
// leases. Waiters are admitted in FIFO order, so a request is never starved
// by later ones.
package pool
