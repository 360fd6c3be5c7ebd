// Package engine is the service facade the presentation layer calls. It
// resolves owner scopes, consults the permission gate, routes every write
// through the mutation coordinator and reconciles stored overrides against
// the catalog on read.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"loatodo/internal/apperr"
	"loatodo/internal/authz"
	"loatodo/internal/catalog"
	"loatodo/internal/coordinator"
	"loatodo/internal/models"
	"loatodo/internal/notify"
	"loatodo/internal/storage"
)

// Principal names who is asking and whose state is addressed.
type Principal struct {
	Acting string
	Owner  string
}

func (p Principal) validate() error {
	if strings.TrimSpace(p.Acting) == "" || strings.TrimSpace(p.Owner) == "" {
		return apperr.New(apperr.CodeInvalidArgument, "acting and owner accounts are required")
	}
	return nil
}

// Publisher accepts fire-and-forget notifications.
type Publisher interface {
	Publish(ev notify.Event) bool
}

// Store is everything the engine persists.
type Store interface {
	storage.OverrideStore
	storage.CharacterStore
	storage.GoldStore
	storage.GrantStore
}

// Deps wires the engine's collaborators.
type Deps struct {
	Catalog     *catalog.Catalog
	Store       Store
	Coordinator *coordinator.Coordinator
	Publisher   Publisher
	Logger      *slog.Logger

	// Location is the zone reset anchors are expressed in.
	Location *time.Location
	Clock    func() time.Time

	StoreTimeout  time.Duration
	RetryAttempts uint
	// NewBackOff builds the retry schedule for one call. Defaults to
	// exponential backoff.
	NewBackOff func() backoff.BackOff
}

// Engine implements the task service operations.
type Engine struct {
	catalog     *catalog.Catalog
	store       Store
	gate        *authz.Gate
	coordinator *coordinator.Coordinator
	publisher   Publisher
	logger      *slog.Logger

	loc          *time.Location
	clock        func() time.Time
	storeTimeout time.Duration
	attempts     uint
	newBackOff   func() backoff.BackOff
}

// New validates deps and builds an engine.
func New(deps Deps) (*Engine, error) {
	if deps.Catalog == nil || deps.Store == nil || deps.Coordinator == nil {
		return nil, errors.New("engine: catalog, store and coordinator are required")
	}
	e := &Engine{
		catalog:      deps.Catalog,
		store:        deps.Store,
		gate:         authz.NewGate(deps.Store),
		coordinator:  deps.Coordinator,
		publisher:    deps.Publisher,
		logger:       deps.Logger,
		loc:          deps.Location,
		clock:        deps.Clock,
		storeTimeout: deps.StoreTimeout,
		attempts:     deps.RetryAttempts,
		newBackOff:   deps.NewBackOff,
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if e.loc == nil {
		e.loc = time.UTC
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.attempts == 0 {
		e.attempts = 1
	}
	if e.newBackOff == nil {
		e.newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		}
	}
	return e, nil
}

func (e *Engine) now() time.Time {
	return e.clock().In(e.loc)
}

// withRetry runs fn with a bounded context, retrying Unavailable failures.
func withRetry[T any](ctx context.Context, e *Engine, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	attempt := func() (T, error) {
		callCtx := ctx
		if e.storeTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, e.storeTimeout)
			defer cancel()
		}
		v, err := fn(callCtx)
		if err != nil && !apperr.IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	v, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(e.newBackOff()),
		backoff.WithMaxTries(e.attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.logger.Warn("retrying store call", slog.String("op", op), slog.Duration("backoff", next), slog.String("error", err.Error()))
		}),
	)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	var ae *apperr.Error
	if err != nil && ctx.Err() != nil && !errors.As(err, &ae) {
		err = apperr.Wrap(apperr.CodeUnavailable, op+": request ended", err)
	}
	return v, err
}

func (e *Engine) retryErr(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := withRetry(ctx, e, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// authorize returns PermissionDenied when acting may not perform action.
func (e *Engine) authorize(ctx context.Context, p Principal, action authz.Action) error {
	decision, err := withRetry(ctx, e, "authorize", func(ctx context.Context) (authz.Decision, error) {
		return e.gate.Authorize(ctx, p.Acting, p.Owner, action)
	})
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return apperr.WithMetadata(apperr.CodePermissionDenied, "permission denied", map[string]string{
			"action": action.String(),
			"reason": string(decision.Reason),
		})
	}
	return nil
}

// holdsGrant reports whether acting owns the state or holds any grant from
// the owner.
func (e *Engine) holdsGrant(ctx context.Context, p Principal) (bool, error) {
	if p.Acting == p.Owner {
		return true, nil
	}
	caps, err := withRetry(ctx, e, "capabilities", func(ctx context.Context) (models.CapabilitySet, error) {
		return e.gate.Capabilities(ctx, p.Acting, p.Owner)
	})
	return caps != 0, err
}

// requireGrant rejects callers holding no grant before any task or character
// lookup, so the error never reveals what exists.
func (e *Engine) requireGrant(ctx context.Context, p Principal) error {
	ok, err := e.holdsGrant(ctx, p)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.WithMetadata(apperr.CodePermissionDenied, "permission denied", map[string]string{
			"reason": string(authz.ReasonNoGrant),
		})
	}
	return nil
}

// canView reports whether acting may read under action. Lookup failures
// are returned, denials are not.
func (e *Engine) canView(ctx context.Context, p Principal, action authz.Action) (bool, error) {
	err := e.authorize(ctx, p, action)
	if apperr.Is(err, apperr.CodePermissionDenied) {
		return false, nil
	}
	return err == nil, err
}

func notFound(what, id string) error {
	return apperr.WithMetadata(apperr.CodeNotFound, what+" not found", map[string]string{"id": id})
}

func storeErr(err error, what, id string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return notFound(what, id)
	}
	return fmt.Errorf("%s %s: %w", what, id, err)
}
