// Package adapter defines the fetch adapter contract, the failure taxonomy the
// coordinator understands, natural-key resolution and the per-family registry.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/livinlefevreloca/tideline/internal/credentials"
	"github.com/livinlefevreloca/tideline/internal/planner"
)

// Request asks an adapter for one page.
type Request struct {
	AccountID string
	Family    string
	Window    planner.Window
	// Token is the adapter's own pagination token; empty on the first page.
	Token string
	// ResumeToken is the stored opaque cursor for families that page by token
	// rather than by time.
	ResumeToken string
	PageSize    int
	Credential  credentials.Token
}

// Page is one batch of raw records.
type Page struct {
	Records []json.RawMessage
	// NextToken is empty when there are no more pages.
	NextToken string
	// Checkpoint is the durable resume position after this page, for
	// opaque-token families.
	Checkpoint string
}

// Adapter fetches pages from one external source.
type Adapter interface {
	Fetch(ctx context.Context, req Request) (Page, error)
}

// AdapterFunc lets a plain function serve as an Adapter.
type AdapterFunc func(ctx context.Context, req Request) (Page, error)

// Fetch implements Adapter.
func (f AdapterFunc) Fetch(ctx context.Context, req Request) (Page, error) {
	return f(ctx, req)
}

// Kind classifies fetch failures.
type Kind string

const (
	KindTransient   Kind = "transient"
	KindRateLimited Kind = "rate_limited"
	KindAuthExpired Kind = "auth_expired"
	KindFatal       Kind = "fatal"
)

// FetchError is the error adapters return so the retry policy can tell
// failures apart.
type FetchError struct {
	Kind Kind
	// RetryAfter is the provider-supplied delay for rate limited responses.
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable network or server failure.
func Transient(err error) error { return &FetchError{Kind: KindTransient, Err: err} }

// RateLimited wraps err with the provider's retry delay, zero when unknown.
func RateLimited(err error, retryAfter time.Duration) error {
	return &FetchError{Kind: KindRateLimited, RetryAfter: retryAfter, Err: err}
}

// AuthExpired wraps err as a credential rejection.
func AuthExpired(err error) error { return &FetchError{Kind: KindAuthExpired, Err: err} }

// Fatal wraps err as non-retryable.
func Fatal(err error) error { return &FetchError{Kind: KindFatal, Err: err} }

// KindOf returns the failure kind of err. Unclassified errors are fatal, and
// an expired per-page deadline is transient.
func KindOf(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindFatal
}

// DataShapeError reports a single malformed record. The record is skipped and
// the page continues.
type DataShapeError struct {
	Reason string
}

func (e *DataShapeError) Error() string {
	return "data shape: " + e.Reason
}

// IsDataShape reports whether err is a DataShapeError.
func IsDataShape(err error) bool {
	var de *DataShapeError
	return errors.As(err, &de)
}
