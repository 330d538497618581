// Package call bounds calls to external collaborators with a per-attempt
// timeout and a small number of retries with exponential backoff.
package call

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	idp "github.com/chimerakang/idp-go"
)

// DefaultInitialInterval is the first backoff delay between attempts.
const DefaultInitialInterval = 50 * time.Millisecond

// Policy bounds a collaborator call.
type Policy struct {
	// Timeout applies to each attempt. Zero means no per-attempt timeout.
	Timeout time.Duration
	// Retries is the number of extra attempts after an upstream failure.
	Retries int
	// InitialInterval is the first backoff delay. Zero means DefaultInitialInterval.
	InitialInterval time.Duration
	Logger          *slog.Logger
}

// PolicyFor derives the collaborator policy from the server configuration.
func PolicyFor(srv *idp.Server) Policy {
	cfg := srv.Config()
	return Policy{
		Timeout: cfg.CollaboratorTimeout,
		Retries: cfg.CollaboratorRetries,
		Logger:  srv.Logger(),
	}
}

// Do runs fn under p. Validation failures (ErrNotFound, ErrInvalidCredentials,
// or a non-upstream *idp.Error) return immediately. Upstream failures are
// retried and, once exhausted, surface as a retryable temporarily_unavailable
// error. Cancellation of ctx returns ctx.Err().
func Do[T any](ctx context.Context, p Policy, name string, fn func(context.Context) (T, error)) (T, error) {
	interval := p.InitialInterval
	if interval <= 0 {
		interval = DefaultInitialInterval
	}
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = interval
	expBackoff.MaxInterval = 20 * interval
	expBackoff.Reset()

	retries := max(p.Retries, 0)
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attempt := 0
	operation := func() (T, error) {
		attempt++
		actx := ctx
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}
		v, err := fn(actx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return v, backoff.Permanent(ctx.Err())
		}
		if permanent(err) {
			return v, backoff.Permanent(err)
		}
		logger.Warn("collaborator call failed",
			"call", name, "attempt", attempt, "max_attempts", retries+1, "error", err)
		return v, err
	}

	v, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(retries+1)), // #nosec G115 -- retries is non-negative
		backoff.WithNotify(func(_ error, d time.Duration) {
			logger.Debug("retrying collaborator call", "call", name, "after", d)
		}),
	)
	if err == nil {
		return v, nil
	}
	var perr *backoff.PermanentError
	if errors.As(err, &perr) {
		err = perr.Unwrap()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return v, ctxErr
	}
	if permanent(err) {
		return v, err
	}
	return v, idp.Unavailable(err)
}

func permanent(err error) bool {
	if errors.Is(err, idp.ErrNotFound) || errors.Is(err, idp.ErrInvalidCredentials) {
		return true
	}
	var e *idp.Error
	if errors.As(err, &e) {
		return !e.Retryable()
	}
	return false
}
