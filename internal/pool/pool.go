package pool

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DeviceToken is an opaque identifier of one allocatable compute unit,
// typically a GPU index.
type DeviceToken string

// Lease binds one or more tokens to a single holder until it is released.
type Lease struct {
	id     uint64
	tokens []DeviceToken
}

// ID returns the lease's identifier, unique within its pool.
func (l *Lease) ID() uint64 { return l.id }

// Tokens returns a copy of the leased tokens in pool order.
func (l *Lease) Tokens() []DeviceToken {
	return append([]DeviceToken(nil), l.tokens...)
}

// String joins the leased tokens with commas, the form expected by
// CUDA_VISIBLE_DEVICES.
func (l *Lease) String() string {
	parts := make([]string, len(l.tokens))
	for i, t := range l.tokens {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

// Pool is a fixed set of device tokens handed out as exclusive leases.
type Pool struct {
	tokens []DeviceToken
	order  map[DeviceToken]int
	// sem counts free tokens and queues waiters in FIFO order.
	sem *semaphore.Weighted

	mu     sync.Mutex
	free   []DeviceToken
	leases map[uint64]*Lease
	nextID uint64
}

// New creates a pool over the given tokens. Tokens must be non-empty and
// unique.
func New(tokens []DeviceToken) (*Pool, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("pool: at least one device is required")
	}
	order := make(map[DeviceToken]int, len(tokens))
	for i, t := range tokens {
		if t == "" {
			return nil, fmt.Errorf("pool: empty device id at position %d", i)
		}
		if _, dup := order[t]; dup {
			return nil, fmt.Errorf("pool: device %q listed more than once", t)
		}
		order[t] = i
	}
	return &Pool{
		tokens: append([]DeviceToken(nil), tokens...),
		order:  order,
		sem:    semaphore.NewWeighted(int64(len(tokens))),
		free:   append([]DeviceToken(nil), tokens...),
		leases: make(map[uint64]*Lease),
	}, nil
}

// FromConfig derives the pool's tokens from the user's settings. An explicit
// device list takes precedence over a plain count; a count of n yields the
// tokens "0" through "n-1". With neither set the pool holds device "0".
func FromConfig(numGPUs int, available []string) (*Pool, error) {
	if len(available) > 0 {
		tokens := make([]DeviceToken, len(available))
		for i, id := range available {
			tokens[i] = DeviceToken(strings.TrimSpace(id))
		}
		return New(tokens)
	}
	if numGPUs <= 0 {
		numGPUs = 1
	}
	tokens := make([]DeviceToken, numGPUs)
	for i := range tokens {
		tokens[i] = DeviceToken(strconv.Itoa(i))
	}
	return New(tokens)
}

// Size returns the total number of tokens in the pool.
func (p *Pool) Size() int {
	return len(p.tokens)
}

// Leased returns the number of tokens currently held by leases.
func (p *Pool) Leased() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tokens) - len(p.free)
}

// Tokens returns every token of the pool in pool order.
func (p *Pool) Tokens() []DeviceToken {
	return append([]DeviceToken(nil), p.tokens...)
}

// Acquire blocks until n tokens are free and returns a lease on them.
// Requests larger than the pool fail immediately with *AllocationError. If
// ctx ends first, ctx.Err() is returned and no tokens are taken.
func (p *Pool) Acquire(ctx context.Context, n int) (*Lease, error) {
	if n <= 0 {
		return nil, fmt.Errorf("pool: invalid device request %d", n)
	}
	if n > len(p.tokens) {
		return nil, &AllocationError{Requested: n, Size: len(p.tokens)}
	}
	if err := p.sem.Acquire(ctx, int64(n)); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// The semaphore guarantees at least n free tokens here.
	lease := &Lease{id: p.nextID, tokens: append([]DeviceToken(nil), p.free[:n]...)}
	p.nextID++
	p.free = p.free[n:]
	p.leases[lease.id] = lease
	return lease, nil
}

// Release returns the lease's tokens to the pool. Releasing the same lease
// twice, or a lease from another pool, returns ErrLeaseReleased and leaves
// the pool untouched.
func (p *Pool) Release(lease *Lease) error {
	if lease == nil {
		return fmt.Errorf("pool: release of nil lease")
	}

	p.mu.Lock()
	held, ok := p.leases[lease.id]
	if !ok || held != lease {
		p.mu.Unlock()
		return fmt.Errorf("%w (lease %d, devices %s)", ErrLeaseReleased, lease.id, lease)
	}
	delete(p.leases, lease.id)
	p.free = append(p.free, lease.tokens...)
	slices.SortFunc(p.free, func(a, b DeviceToken) int { return p.order[a] - p.order[b] })
	p.mu.Unlock()

	p.sem.Release(int64(len(lease.tokens)))
	return nil
}
