// Package coordinator serializes mutations per key.
//
// Each key owns a FIFO lane drained by one goroutine while it has work, so
// at most one operation runs per key and unrelated keys proceed in parallel.
// A submitted operation always runs to completion even if the caller stops
// waiting for it.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"loatodo/internal/apperr"
)

// State is the lifecycle state of one key.
type State int

const (
	StateIdle State = iota
	StateMutating
)

func (s State) String() string {
	if s == StateMutating {
		return "mutating"
	}
	return "idle"
}

// Op is one mutation. ctx carries the caller's values but not its
// cancellation, bounded by the coordinator's timeout.
type Op func(ctx context.Context) error

// Invalidator drops per-account derived data after a structural edit.
type Invalidator interface {
	InvalidateAccount(account string)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout bounds each operation. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithInvalidators registers caches refreshed by SubmitStructural.
func WithInvalidators(inv ...Invalidator) Option {
	return func(c *Coordinator) { c.invalidators = append(c.invalidators, inv...) }
}

// Coordinator owns the per-key lanes.
type Coordinator struct {
	logger       *slog.Logger
	timeout      time.Duration
	invalidators []Invalidator

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

type lane struct {
	queue   []*request
	running bool
}

type request struct {
	ctx  context.Context
	op   Op
	done chan error
}

// New builds a coordinator.
func New(logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Coordinator{
		logger: logger,
		lanes:  make(map[string]*lane),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit queues op behind any mutation already pending on key and waits for
// its result. If ctx ends first Submit returns an Unavailable error wrapping
// ctx.Err() while op still runs.
func (c *Coordinator) Submit(ctx context.Context, key string, op Op) error {
	if err := ctx.Err(); err != nil {
		return apperr.Wrap(apperr.CodeUnavailable, "request ended before mutation was queued", err)
	}
	req := &request{
		ctx:  context.WithoutCancel(ctx),
		op:   op,
		done: make(chan error, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperr.New(apperr.CodeUnavailable, "coordinator is shutting down")
	}
	l, ok := c.lanes[key]
	if !ok {
		l = &lane{}
		c.lanes[key] = l
	}
	l.queue = append(l.queue, req)
	if !l.running {
		l.running = true
		c.wg.Add(1)
		go c.drain(key, l)
	}
	c.mu.Unlock()

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		c.logger.Debug("caller left before mutation finished", slog.String("key", key))
		return apperr.Wrap(apperr.CodeUnavailable, "request ended before mutation finished", ctx.Err())
	}
}

// SubmitStructural runs op on the account's catalog lane and, when it
// succeeds, invalidates every registered per-account cache.
func (c *Coordinator) SubmitStructural(ctx context.Context, account string, op Op) error {
	return c.Submit(ctx, StructuralKey(account), func(ctx context.Context) error {
		if err := op(ctx); err != nil {
			return err
		}
		for _, inv := range c.invalidators {
			inv.InvalidateAccount(account)
		}
		return nil
	})
}

// StructuralKey is the lane used for catalog edits of account.
func StructuralKey(account string) string {
	return "catalog/" + account
}

// State reports whether key has a mutation in flight.
func (c *Coordinator) State(key string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.lanes[key]; ok && l.running {
		return StateMutating
	}
	return StateIdle
}

// Close rejects new submissions and waits for queued ones to finish.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) drain(key string, l *lane) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			delete(c.lanes, key)
			c.mu.Unlock()
			return
		}
		req := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		c.mu.Unlock()

		req.done <- c.run(key, req)
	}
}

func (c *Coordinator) run(key string, req *request) (err error) {
	ctx := req.ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("mutation panicked", slog.String("key", key), slog.String("panic", fmt.Sprint(r)))
			err = apperr.New(apperr.CodeUnknown, "mutation failed")
		}
	}()
	err = req.op(ctx)
	var ae *apperr.Error
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.As(err, &ae) {
		err = apperr.Wrap(apperr.CodeUnavailable, "mutation timed out", err)
	}
	return err
}
