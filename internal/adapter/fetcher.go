package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/livinlefevreloca/tideline/internal/credentials"
	"github.com/livinlefevreloca/tideline/internal/observability"
)

// RetryPolicy bounds how hard the Fetcher tries before giving up on a page.
type RetryPolicy struct {
	// MaxAttempts counts the first try. Zero or less means a single attempt.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// PageTimeout bounds each attempt. Exceeding it is a transient failure.
	PageTimeout time.Duration
	// MaxRetryAfter caps provider-supplied rate limit delays. Zero means no cap.
	MaxRetryAfter time.Duration
}

// DefaultRetryPolicy returns the retry policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		PageTimeout:     60 * time.Second,
		MaxRetryAfter:   5 * time.Minute,
	}
}

// randomization is the jitter applied to exponential waits.
const randomization = 0.5

// MaxSilence is the longest a caller can go between retry notifications while
// one page is being fetched: one attempt plus the longest wait before the next.
// Zero means the policy does not bound it.
func (p RetryPolicy) MaxSilence() time.Duration {
	if p.PageTimeout <= 0 || p.MaxRetryAfter <= 0 {
		return 0
	}
	wait := p.MaxRetryAfter
	maxInterval := p.MaxInterval
	if maxInterval <= 0 {
		maxInterval = backoff.DefaultMaxInterval
	}
	if jittered := time.Duration(float64(maxInterval) * (1 + randomization)); jittered > wait {
		wait = jittered
	}
	return p.PageTimeout + wait
}

// Fetcher drives an adapter with credential handling and the retry policy of
// the failure taxonomy: transient and rate limited failures back off and
// retry, an expired credential is refreshed once, anything else aborts.
type Fetcher struct {
	family  string
	adapter Adapter
	creds   credentials.Provider
	policy  RetryPolicy
	logger  *slog.Logger
	onRetry func(context.Context)
}

// NewFetcher creates a fetcher for one family
func NewFetcher(family string, a Adapter, creds credentials.Provider, policy RetryPolicy, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		family:  family,
		adapter: a,
		creds:   creds,
		policy:  policy,
		logger:  logger,
	}
}

// OnRetry registers fn to be called before every backoff wait.
func (f *Fetcher) OnRetry(fn func(context.Context)) {
	f.onRetry = fn
}

// Credential fetches the token used for the first page.
func (f *Fetcher) Credential(ctx context.Context, accountID string) (credentials.Token, error) {
	if f.creds == nil {
		return credentials.Token{}, nil
	}
	tok, err := f.creds.GetToken(ctx, accountID, f.family)
	if err != nil {
		return credentials.Token{}, Fatal(fmt.Errorf("credential for account %s: %w", accountID, err))
	}
	return tok, nil
}

// hintBackOff serves a one-shot delay before falling back to the wrapped policy.
type hintBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (b *hintBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return backoff.Stop
	}
	if b.hint > 0 {
		next, b.hint = b.hint, 0
	}
	return next
}

func (b *hintBackOff) Reset() {
	b.hint = 0
	b.BackOff.Reset()
}

func (f *Fetcher) newBackOff(ctx context.Context) (*hintBackOff, backoff.BackOff) {
	bo := backoff.NewExponentialBackOff()
	if f.policy.InitialInterval > 0 {
		bo.InitialInterval = f.policy.InitialInterval
	}
	if f.policy.MaxInterval > 0 {
		bo.MaxInterval = f.policy.MaxInterval
	}
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = randomization

	var limited backoff.BackOff = bo
	retries := f.policy.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	// MaxRetries is the number of retry attempts after the first try.
	limited = backoff.WithMaxRetries(limited, uint64(retries))

	hinted := &hintBackOff{BackOff: limited}
	return hinted, backoff.WithContext(hinted, ctx)
}

// Fetch returns one page. req.Credential is refreshed in place when the
// source rejects it, so the caller keeps the fresh token for later pages.
func (f *Fetcher) Fetch(ctx context.Context, req *Request) (Page, error) {
	hinted, bo := f.newBackOff(ctx)

	var (
		page      Page
		lastErr   error
		refreshed bool
	)
	op := func() error {
		p, err := f.attempt(ctx, *req)
		if err != nil && KindOf(err) == KindAuthExpired && !refreshed && f.creds != nil {
			refreshed = true
			f.creds.Invalidate(req.AccountID, f.family)
			tok, terr := f.creds.GetToken(ctx, req.AccountID, f.family)
			if terr != nil {
				lastErr = fmt.Errorf("refresh credential: %w", terr)
				return backoff.Permanent(lastErr)
			}
			f.logger.Info("credential refreshed after rejection",
				"family", f.family, "account_id", req.AccountID, "token", tok.Redacted())
			req.Credential = tok
			p, err = f.attempt(ctx, *req)
		}
		if err == nil {
			page = p
			lastErr = nil
			return nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		kind := KindOf(err)
		switch kind {
		case KindTransient:
		case KindRateLimited:
			var fe *FetchError
			if errors.As(err, &fe) && fe.RetryAfter > 0 {
				hinted.hint = fe.RetryAfter
				if f.policy.MaxRetryAfter > 0 && hinted.hint > f.policy.MaxRetryAfter {
					hinted.hint = f.policy.MaxRetryAfter
				}
			}
		default:
			return backoff.Permanent(err)
		}
		observability.RecordFetchRetry(f.family, string(kind))
		return err
	}

	notify := func(err error, wait time.Duration) {
		f.logger.Warn("page fetch failed, retrying",
			"family", f.family, "account_id", req.AccountID, "kind", KindOf(err), "wait", wait, "error", err)
		if f.onRetry != nil {
			f.onRetry(ctx)
		}
	}

	err := backoff.RetryNotify(op, bo, notify)
	if err == nil {
		observability.RecordPage(f.family)
		return page, nil
	}
	if lastErr != nil {
		return Page{}, lastErr
	}
	return Page{}, err
}

func (f *Fetcher) attempt(ctx context.Context, req Request) (Page, error) {
	attemptCtx := ctx
	if f.policy.PageTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, f.policy.PageTimeout)
		defer cancel()
	}

	page, err := f.adapter.Fetch(attemptCtx, req)
	if err != nil && ctx.Err() == nil && attemptCtx.Err() == context.DeadlineExceeded && KindOf(err) == KindFatal {
		// The adapter surfaced our per-page deadline without classifying it.
		err = Transient(fmt.Errorf("page timed out after %s: %w", f.policy.PageTimeout, err))
	}
	return page, err
}
