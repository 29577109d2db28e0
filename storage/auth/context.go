package auth

import (
	"context"
	"fmt"

	"taskmarket-backend/core/marketplace"
)

type contextKey string

const callerKey contextKey = "caller_wallet"

// WithCaller binds a verified wallet identity to the request context.
func WithCaller(ctx context.Context, wallet string) context.Context {
	return context.WithValue(ctx, callerKey, wallet)
}

// CallerFrom returns the verified wallet identity bound to the context.
func CallerFrom(ctx context.Context) (string, bool) {
	wallet, ok := ctx.Value(callerKey).(string)
	return wallet, ok && wallet != ""
}

// CallerAuth authorizes operations by comparing the context caller to the
// identity the operation requires.
type CallerAuth struct{}

// RequireCallerIs implements marketplace.Authenticator.
func (CallerAuth) RequireCallerIs(ctx context.Context, identity string) error {
	caller, ok := CallerFrom(ctx)
	if !ok {
		return fmt.Errorf("no caller identity: %w", marketplace.ErrUnauthorized)
	}
	if caller != identity {
		return fmt.Errorf("caller %s is not %s: %w", caller, identity, marketplace.ErrUnauthorized)
	}
	return nil
}
