// Package resilience provides the circuit breaker and retry primitives
// used by the scheduler and LLM gateway. Adapted and trimmed from the
// teacher's resilience/circuit_breaker.go: the same Closed/Open/HalfOpen
// state machine, sliding-window error-rate evaluation, and atomic
// lock-light state, generalized to a smaller config surface for
// SPEC_FULL.md's scheduler and gateway call sites.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MycosoftLabs/mycosoft-mas-sub011/errs"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/logging"
)

// State is the circuit breaker's state (teacher's CircuitState).
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config mirrors the fields of the teacher's CircuitBreakerConfig that
// SPEC_FULL.md's components actually exercise.
type Config struct {
	Name             string
	ErrorThreshold   float64 // fraction of failures in the window that opens the breaker
	VolumeThreshold  uint64  // minimum requests in the window before ErrorThreshold is evaluated
	SleepWindow      time.Duration
	HalfOpenRequests int32
	SuccessThreshold int32
	Logger           logging.Logger
}

func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		ErrorThreshold:   0.5,
		VolumeThreshold:  10,
		SleepWindow:      10 * time.Second,
		HalfOpenRequests: 3,
		SuccessThreshold: 2,
	}
}

// bucket is one slot of the sliding window.
type bucket struct {
	successes uint64
	failures  uint64
}

// slidingWindow tracks pass/fail counts over the last 10 one-second
// buckets, rotating out stale buckets on read (teacher's SlidingWindow,
// trimmed from configurable bucket count/size to a fixed 10x1s window).
type slidingWindow struct {
	mu      sync.Mutex
	buckets [10]bucket
	current int
	lastRot time.Time
}

func newSlidingWindow() *slidingWindow {
	return &slidingWindow{lastRot: time.Now()}
}

func (w *slidingWindow) rotate() {
	elapsed := time.Since(w.lastRot)
	n := int(elapsed / time.Second)
	if n <= 0 {
		return
	}
	if n > len(w.buckets) {
		n = len(w.buckets)
	}
	for i := 0; i < n; i++ {
		w.current = (w.current + 1) % len(w.buckets)
		w.buckets[w.current] = bucket{}
	}
	w.lastRot = time.Now()
}

func (w *slidingWindow) recordSuccess() {
	w.mu.Lock()
	w.rotate()
	w.buckets[w.current].successes++
	w.mu.Unlock()
}

func (w *slidingWindow) recordFailure() {
	w.mu.Lock()
	w.rotate()
	w.buckets[w.current].failures++
	w.mu.Unlock()
}

func (w *slidingWindow) counts() (successes, failures uint64) {
	w.mu.Lock()
	w.rotate()
	for _, b := range w.buckets {
		successes += b.successes
		failures += b.failures
	}
	w.mu.Unlock()
	return
}

func (w *slidingWindow) reset() {
	w.mu.Lock()
	w.buckets = [10]bucket{}
	w.lastRot = time.Now()
	w.mu.Unlock()
}

// Breaker is a circuit breaker around a single protected call site
// (one LLM provider, one agent capability).
type Breaker struct {
	cfg Config

	state       atomic.Int32
	openedAt    atomic.Int64 // unix nano
	halfOpenInFlight atomic.Int32
	halfOpenSuccesses atomic.Int32

	window *slidingWindow
	logger logging.Logger
}

func New(cfg Config) *Breaker {
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOp{}
	}
	b := &Breaker{cfg: cfg, window: newSlidingWindow(), logger: cfg.Logger}
	b.state.Store(int32(StateClosed))
	return b
}

// State reports the breaker's current state, transitioning Open ->
// HalfOpen if SleepWindow has elapsed.
func (b *Breaker) State() State {
	s := State(b.state.Load())
	if s == StateOpen {
		openedAt := time.Unix(0, b.openedAt.Load())
		if time.Since(openedAt) >= b.cfg.SleepWindow {
			if b.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
				b.halfOpenInFlight.Store(0)
				b.halfOpenSuccesses.Store(0)
				b.logger.Info("circuit breaker half-open", map[string]interface{}{"name": b.cfg.Name})
			}
			return StateHalfOpen
		}
	}
	return s
}

// CanExecute reports whether a new call may proceed: always in Closed,
// never in Open, and for the first HalfOpenRequests calls in HalfOpen.
// The half-open count is not decremented when a call finishes; it is
// reset only on the next Open -> HalfOpen transition.
func (b *Breaker) CanExecute() bool {
	switch b.State() {
	case StateClosed:
		return true
	case StateHalfOpen:
		return b.halfOpenInFlight.Add(1) <= b.cfg.HalfOpenRequests
	default:
		return false
	}
}

// Execute runs fn if the breaker allows it, recording the outcome and
// driving the state machine. Returns errs.ErrOverloaded without
// calling fn when the breaker is open.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !b.CanExecute() {
		return errs.New("circuit_breaker.execute", "open", b.cfg.Name, "", errs.ErrOverloaded)
	}

	err := fn(ctx)
	b.recordOutcome(err)
	return err
}

func (b *Breaker) recordOutcome(err error) {
	success := err == nil
	if success {
		b.window.recordSuccess()
	} else {
		b.window.recordFailure()
	}

	switch b.State() {
	case StateHalfOpen:
		if success {
			if b.halfOpenSuccesses.Add(1) >= b.cfg.SuccessThreshold {
				b.close()
			}
		} else {
			b.open()
		}
	case StateClosed:
		if !success {
			b.evaluateOpen()
		}
	}
}

func (b *Breaker) evaluateOpen() {
	successes, failures := b.window.counts()
	total := successes + failures
	if total < b.cfg.VolumeThreshold {
		return
	}
	if float64(failures)/float64(total) >= b.cfg.ErrorThreshold {
		b.open()
	}
}

func (b *Breaker) open() {
	if b.state.Swap(int32(StateOpen)) != int32(StateOpen) {
		b.openedAt.Store(time.Now().UnixNano())
		b.logger.Warn("circuit breaker opened", map[string]interface{}{"name": b.cfg.Name})
	}
}

func (b *Breaker) close() {
	b.state.Store(int32(StateClosed))
	b.window.reset()
	b.logger.Info("circuit breaker closed", map[string]interface{}{"name": b.cfg.Name})
}

// Reset forces the breaker back to Closed, clearing window state.
func (b *Breaker) Reset() {
	b.close()
}

func (b *Breaker) String() string {
	return fmt.Sprintf("circuit_breaker(%s, state=%s)", b.cfg.Name, b.State())
}
