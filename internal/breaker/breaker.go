package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrOpen is returned by Call when the dependency is short-circuited.
var ErrOpen = errors.New("circuit breaker is open")

const (
	DefaultThreshold = 5
	DefaultTimeout   = 60 * time.Second
)

// Breaker guards calls to a single downstream dependency.
//
// Failures are counted while CLOSED and never decay on success; only a
// successful HALF_OPEN probe resets the count. The OPEN -> HALF_OPEN move
// happens lazily on the first call after the timeout has elapsed.
type Breaker struct {
	name      string
	threshold int
	timeout   time.Duration
	now       func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probing     bool
}

type Option func(*Breaker)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

func New(name string, threshold int, timeout time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	b := &Breaker{
		name:      name,
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
		state:     Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) Name() string {
	return b.name
}

// Ignore marks err as not the dependency's fault, e.g. the caller gave up.
// Call returns the wrapped error and records neither a failure nor a
// success.
func Ignore(err error) error {
	if err == nil {
		return nil
	}
	return ignoredError{err: err}
}

type ignoredError struct {
	err error
}

func (e ignoredError) Error() string { return e.err.Error() }

func (e ignoredError) Unwrap() error { return e.err }

// Call runs fn unless the breaker is open. An error from fn is recorded
// as a failure and returned unchanged, unless it came from Ignore.
func (b *Breaker) Call(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn()

	var ignored ignoredError
	if errors.As(err, &ignored) {
		b.release(probe)
		return ignored.err
	}

	b.record(probe, err)
	return err
}

// release frees an interrupted probe slot; the breaker stays HALF_OPEN.
func (b *Breaker) release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

func (b *Breaker) admit() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.lastFailure) <= b.timeout {
			return false, fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		b.state = HalfOpen
		b.probing = true
		return true, nil
	case HalfOpen:
		if b.probing {
			return false, fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}

	if err != nil {
		b.failures++
		b.lastFailure = b.now()
		if probe || b.failures >= b.threshold {
			b.state = Open
		}
		return
	}

	if probe {
		b.state = Closed
		b.failures = 0
	}
}

// Snapshot is a point-in-time copy of the breaker counters.
type Snapshot struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failure_count"`
	LastFailure time.Time `json:"last_failure_time,omitzero"`
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Name:        b.name,
		State:       b.state.String(),
		Failures:    b.failures,
		LastFailure: b.lastFailure,
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
