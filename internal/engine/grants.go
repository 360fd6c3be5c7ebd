package engine

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"

	"loatodo/internal/apperr"
	"loatodo/internal/models"
	"loatodo/internal/storage"
)

// GrantDelegation creates or replaces the grant grantor gives grantee. Only
// the grantor can call it, so acting is the grantor.
func (e *Engine) GrantDelegation(ctx context.Context, grantor, grantee string, caps models.CapabilitySet) (models.DelegationGrant, error) {
	grantor = strings.TrimSpace(grantor)
	grantee = strings.TrimSpace(grantee)
	if grantor == "" || grantee == "" {
		return models.DelegationGrant{}, apperr.New(apperr.CodeInvalidArgument, "grantor and grantee are required")
	}
	if grantor == grantee {
		return models.DelegationGrant{}, apperr.New(apperr.CodeInvalidArgument, "cannot grant to yourself")
	}

	var grant models.DelegationGrant
	err := e.coordinator.Submit(ctx, grantKey(grantor, grantee), func(ctx context.Context) error {
		err := e.retryErr(ctx, "put grant", func(ctx context.Context) error {
			return e.store.PutGrant(ctx, models.DelegationGrant{Grantor: grantor, Grantee: grantee, Capabilities: caps})
		})
		if err != nil {
			return err
		}
		grant, err = withRetry(ctx, e, "get grant", func(ctx context.Context) (models.DelegationGrant, error) {
			return e.store.GetGrant(ctx, grantor, grantee)
		})
		return err
	})
	if err != nil {
		return models.DelegationGrant{}, err
	}
	e.logger.Info("delegation granted",
		slog.String("grantor", grantor),
		slog.String("grantee", grantee),
		slog.String("capabilities", strings.Join(caps.Names(), ",")),
	)
	return grant, nil
}

// RevokeDelegation deletes the grant grantor gave grantee.
func (e *Engine) RevokeDelegation(ctx context.Context, grantor, grantee string) error {
	err := e.coordinator.Submit(ctx, grantKey(grantor, grantee), func(ctx context.Context) error {
		return e.retryErr(ctx, "delete grant", func(ctx context.Context) error {
			return e.store.DeleteGrant(ctx, grantor, grantee)
		})
	})
	if errors.Is(err, storage.ErrNotFound) {
		return notFound("grant", grantee)
	}
	if err != nil {
		return err
	}
	e.logger.Info("delegation revoked", slog.String("grantor", grantor), slog.String("grantee", grantee))
	return nil
}

// ListGrants returns the grants grantor has given.
func (e *Engine) ListGrants(ctx context.Context, grantor string) ([]models.DelegationGrant, error) {
	return withRetry(ctx, e, "list grants", func(ctx context.Context) ([]models.DelegationGrant, error) {
		return e.store.ListGrantsByGrantor(ctx, grantor)
	})
}

// ListIncomingGrants returns the grants others have given grantee.
func (e *Engine) ListIncomingGrants(ctx context.Context, grantee string) ([]models.DelegationGrant, error) {
	return withRetry(ctx, e, "list incoming grants", func(ctx context.Context) ([]models.DelegationGrant, error) {
		return e.store.ListGrantsByGrantee(ctx, grantee)
	})
}

func grantKey(grantor, grantee string) string {
	return "grant/" + url.PathEscape(grantor) + "/" + url.PathEscape(grantee)
}
